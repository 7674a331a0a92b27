package policydoc

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity classifies a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding with the field path it refers to.
type Issue struct {
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// HasErrors reports whether any issue is error-level.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ErrorStrings returns the error-level issues rendered as strings.
func ErrorStrings(issues []Issue) []string {
	var out []string
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i.String())
		}
	}
	return out
}

// Parse decodes a policy document from YAML source. Unknown document or rule
// fields are rejected here; unknown condition clauses are collected and
// surfaced by Validate. The returned document is normalized: actions are
// lowercased, tool patterns are in list form, and an empty default action
// becomes deny.
func Parse(src []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

// normalize rewrites the document into its canonical form without changing
// its meaning: trimmed names, lowercase action keywords, and the implicit
// default action made explicit.
func (d *Document) normalize() {
	d.Version = strings.TrimSpace(d.Version)
	d.DefaultAction = strings.ToLower(strings.TrimSpace(d.DefaultAction))
	if d.DefaultAction == "" {
		d.DefaultAction = ActionDeny
	}
	for i := range d.Rules {
		r := &d.Rules[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Action = strings.ToLower(strings.TrimSpace(r.Action))
		for j, tool := range r.Tools {
			r.Tools[j] = strings.TrimSpace(tool)
		}
	}
}

// Validate checks the document against the closed rule grammar and returns
// every finding. Duplicate rule names are warnings unless strict is set.
// A document with no error-level issues is safe to compile and evaluate.
func (d *Document) Validate(strict bool) []Issue {
	var issues []Issue

	if !validAction(d.DefaultAction) {
		issues = append(issues, Issue{
			Field:    "default_action",
			Message:  fmt.Sprintf("unknown action %q (want allow, deny, or approve)", d.DefaultAction),
			Severity: SeverityError,
		})
	}

	if len(d.Rules) == 0 {
		issues = append(issues, Issue{
			Field:    "rules",
			Message:  "policy has no rules",
			Severity: SeverityError,
		})
	}

	dupSeverity := SeverityWarning
	if strict {
		dupSeverity = SeverityError
	}

	seen := make(map[string]bool, len(d.Rules))
	for i := range d.Rules {
		r := &d.Rules[i]
		field := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			issues = append(issues, Issue{
				Field:    field + ".name",
				Message:  "rule name is required",
				Severity: SeverityError,
			})
		} else {
			field = fmt.Sprintf("rules[%d] (%s)", i, r.Name)
			if seen[r.Name] {
				issues = append(issues, Issue{
					Field:    field + ".name",
					Message:  fmt.Sprintf("duplicate rule name %q", r.Name),
					Severity: dupSeverity,
				})
			}
			seen[r.Name] = true
		}

		if !validAction(r.Action) {
			issues = append(issues, Issue{
				Field:    field + ".action",
				Message:  fmt.Sprintf("unknown action %q (want allow, deny, or approve)", r.Action),
				Severity: SeverityError,
			})
		}

		issues = append(issues, validateTools(field, r.Tools)...)
		issues = append(issues, validateConditions(field, r.Conditions)...)
	}

	return issues
}

func validAction(a string) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionApprove:
		return true
	}
	return false
}

func validateTools(field string, tools ToolMatch) []Issue {
	var issues []Issue
	for j, pattern := range tools {
		if pattern == "" {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("%s.tools[%d]", field, j),
				Message:  "empty tool pattern",
				Severity: SeverityError,
			})
			continue
		}
		expr, ok := RegexSource(pattern)
		if !ok {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("%s.tools[%d]", field, j),
				Message:  fmt.Sprintf("invalid tool regex %q: %v", pattern, err),
				Severity: SeverityError,
			})
		}
	}
	return issues
}

func validateConditions(field string, c *Conditions) []Issue {
	if c == nil {
		return nil
	}
	var issues []Issue

	for _, clause := range c.UnknownClauses() {
		issues = append(issues, Issue{
			Field:    field + ".conditions",
			Message:  fmt.Sprintf("unknown condition clause %q", clause),
			Severity: SeverityError,
		})
	}

	for path, pattern := range c.ArgContains {
		if pattern == "" {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("%s.conditions.arg_contains[%s]", field, path),
				Message:  "empty pattern",
				Severity: SeverityError,
			})
		}
	}
	for path, pattern := range c.ArgNotContains {
		if pattern == "" {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("%s.conditions.arg_not_contains[%s]", field, path),
				Message:  "empty pattern",
				Severity: SeverityError,
			})
		}
	}

	issues = append(issues, validateExpectations(field+".conditions.session_context", c.SessionContext)...)
	issues = append(issues, validateExpectations(field+".conditions.metadata", c.Metadata)...)
	return issues
}

// validateExpectations checks the context/metadata value grammar: literals
// and lists are always fine, comparison and time-range tokens must parse.
func validateExpectations(field string, m map[string]any) []Issue {
	var issues []Issue
	for key, val := range m {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(s, ">") || strings.HasPrefix(s, "<") {
			if _, _, err := ParseComparison(s); err != nil {
				issues = append(issues, Issue{
					Field:    fmt.Sprintf("%s[%s]", field, key),
					Message:  err.Error(),
					Severity: SeverityError,
				})
			}
			continue
		}
		if looksLikeTimeRange(s) {
			if _, err := ParseTimeRange(s); err != nil {
				issues = append(issues, Issue{
					Field:    fmt.Sprintf("%s[%s]", field, key),
					Message:  err.Error(),
					Severity: SeverityError,
				})
			}
		}
	}
	return issues
}

// RegexSource reports whether a tool pattern is a regular expression
// (written /expr/) and returns the bare expression when it is.
func RegexSource(pattern string) (string, bool) {
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return pattern[1 : len(pattern)-1], true
	}
	return "", false
}

// ParseComparison parses a numeric comparison token (">N" or "<N") into its
// operator and threshold.
func ParseComparison(token string) (op byte, threshold float64, err error) {
	if len(token) < 2 || (token[0] != '>' && token[0] != '<') {
		return 0, 0, fmt.Errorf("invalid comparison token %q (want \">N\" or \"<N\")", token)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(token[1:]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid comparison token %q: %q is not a number", token, token[1:])
	}
	return token[0], n, nil
}

// TimeRange is a wall-clock window in minutes since midnight. Ranges may wrap
// past midnight (e.g. 22:00-06:00).
type TimeRange struct {
	StartMinute int
	EndMinute   int
}

// Contains reports whether the given minute-of-day falls inside the range.
// Boundaries are inclusive.
func (t TimeRange) Contains(minute int) bool {
	if t.StartMinute <= t.EndMinute {
		return minute >= t.StartMinute && minute <= t.EndMinute
	}
	// Wrapping range.
	return minute >= t.StartMinute || minute <= t.EndMinute
}

var timeRangePattern = regexp.MustCompile(`^(\d{2}):(\d{2})-(\d{2}):(\d{2})$`)

func looksLikeTimeRange(s string) bool {
	return timeRangePattern.MatchString(s)
}

// ParseTimeRange parses an "HH:MM-HH:MM" token.
func ParseTimeRange(token string) (TimeRange, error) {
	m := timeRangePattern.FindStringSubmatch(token)
	if m == nil {
		return TimeRange{}, fmt.Errorf("invalid time range %q (want \"HH:MM-HH:MM\")", token)
	}
	sh, _ := strconv.Atoi(m[1])
	sm, _ := strconv.Atoi(m[2])
	eh, _ := strconv.Atoi(m[3])
	em, _ := strconv.Atoi(m[4])
	if sh > 23 || eh > 23 || sm > 59 || em > 59 {
		return TimeRange{}, fmt.Errorf("invalid time range %q: hours must be 00-23 and minutes 00-59", token)
	}
	return TimeRange{StartMinute: sh*60 + sm, EndMinute: eh*60 + em}, nil
}

// ParseClock parses an "HH:MM" sample into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q (want \"HH:MM\")", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	return h*60 + m, nil
}
