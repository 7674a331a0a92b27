package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tame-ai/tame/pkg/policydoc"
)

// CompiledPolicy is the evaluation-ready form of one policy version. It is
// immutable after Compile and safe for concurrent use.
type CompiledPolicy struct {
	// VersionLabel tags every decision this policy produces.
	VersionLabel string
	// Fingerprint is the canonical fingerprint of the compiled document.
	Fingerprint string

	defaultAction Action
	defaultReason string
	rules         []compiledRule
}

// compiledRule is one ordered rule with its clauses precompiled: regexes
// built, literal tool sets canonicalized into hash sets, expectation tokens
// parsed.
type compiledRule struct {
	name    string
	action  Action
	reason  string
	tools   toolMatcher
	args    []argMatcher
	expects []expectMatcher
}

// Compile turns a validated document into a CompiledPolicy. Documents with
// error-level validation issues do not compile.
func Compile(doc *policydoc.Document, versionLabel, fingerprint string) (*CompiledPolicy, error) {
	if issues := doc.Validate(false); policydoc.HasErrors(issues) {
		return nil, fmt.Errorf("compile policy %q: %s",
			versionLabel, strings.Join(policydoc.ErrorStrings(issues), "; "))
	}

	defaultAction, ok := ParseAction(doc.DefaultAction)
	if !ok {
		return nil, fmt.Errorf("compile policy %q: unknown default action %q", versionLabel, doc.DefaultAction)
	}

	cp := &CompiledPolicy{
		VersionLabel:  versionLabel,
		Fingerprint:   fingerprint,
		defaultAction: defaultAction,
		defaultReason: doc.DefaultReason,
		rules:         make([]compiledRule, 0, len(doc.Rules)),
	}

	for i := range doc.Rules {
		cr, err := compileRule(&doc.Rules[i])
		if err != nil {
			return nil, fmt.Errorf("compile policy %q: rule %q: %w", versionLabel, doc.Rules[i].Name, err)
		}
		cp.rules = append(cp.rules, cr)
	}
	return cp, nil
}

// RuleCount returns the number of compiled rules.
func (p *CompiledPolicy) RuleCount() int { return len(p.rules) }

func compileRule(r *policydoc.Rule) (compiledRule, error) {
	action, ok := ParseAction(r.Action)
	if !ok {
		return compiledRule{}, fmt.Errorf("unknown action %q", r.Action)
	}

	cr := compiledRule{
		name:   r.Name,
		action: action,
		reason: r.Reason,
	}

	var err error
	if cr.tools, err = compileTools(r.Tools); err != nil {
		return compiledRule{}, err
	}

	if r.Conditions != nil {
		cr.args = compileArgs(r.Conditions.ArgContains, false)
		cr.args = append(cr.args, compileArgs(r.Conditions.ArgNotContains, true)...)
		if cr.expects, err = compileExpects(r.Conditions); err != nil {
			return compiledRule{}, err
		}
	}
	return cr, nil
}

// toolMatcher matches a tool name against the rule's tool patterns. A rule
// without patterns, or with the "*" wildcard, applies to every tool.
type toolMatcher struct {
	wildcard bool
	literals map[string]struct{}
	regexes  []*regexp.Regexp
}

func compileTools(patterns policydoc.ToolMatch) (toolMatcher, error) {
	m := toolMatcher{wildcard: len(patterns) == 0}
	for _, pattern := range patterns {
		if pattern == "*" {
			m.wildcard = true
			continue
		}
		if expr, ok := policydoc.RegexSource(pattern); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return toolMatcher{}, fmt.Errorf("invalid tool regex %q: %w", pattern, err)
			}
			m.regexes = append(m.regexes, re)
			continue
		}
		if m.literals == nil {
			m.literals = make(map[string]struct{})
		}
		m.literals[pattern] = struct{}{}
	}
	return m, nil
}

func (m *toolMatcher) match(name string) bool {
	if m.wildcard {
		return true
	}
	if _, ok := m.literals[name]; ok {
		return true
	}
	for _, re := range m.regexes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// argMatcher is one arg_contains / arg_not_contains entry: a dotted path into
// the argument map and the alternation branches to look for in the string
// rendering of the value found there.
type argMatcher struct {
	path     []string
	branches []string
	negate   bool
}

func compileArgs(patterns map[string]string, negate bool) []argMatcher {
	if len(patterns) == 0 {
		return nil
	}
	out := make([]argMatcher, 0, len(patterns))
	for path, pattern := range patterns {
		out = append(out, argMatcher{
			path:     strings.Split(path, "."),
			branches: strings.Split(pattern, "|"),
			negate:   negate,
		})
	}
	return out
}

func (m *argMatcher) match(args map[string]any) bool {
	rendered := stringify(lookupPath(args, m.path))
	hit := false
	for _, branch := range m.branches {
		if strings.Contains(rendered, branch) {
			hit = true
			break
		}
	}
	if m.negate {
		return !hit
	}
	return hit
}

// lookupPath walks a dotted path through nested maps. A missing segment
// yields nil, which stringifies to the empty string and therefore never
// satisfies a (non-negated) containment clause.
func lookupPath(args map[string]any, path []string) any {
	var cur any = args
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

type expectKind int

const (
	expectLiteral expectKind = iota
	expectList
	expectCompare
	expectTimeRange
)

// expectSource selects which bag of the call input an expectation reads.
type expectSource int

const (
	fromSessionContext expectSource = iota
	fromMetadata
)

// expectMatcher is one session_context / metadata entry with its expectation
// token parsed: a literal, a list of accepted literals, a numeric comparison,
// or a time range.
type expectMatcher struct {
	source    expectSource
	key       string
	kind      expectKind
	literal   string
	list      []string
	op        byte
	threshold float64
	window    policydoc.TimeRange
}

func compileExpects(c *policydoc.Conditions) ([]expectMatcher, error) {
	var out []expectMatcher
	for _, spec := range []struct {
		source expectSource
		values map[string]any
	}{
		{fromSessionContext, c.SessionContext},
		{fromMetadata, c.Metadata},
	} {
		for key, expected := range spec.values {
			m, err := compileExpect(spec.source, key, expected)
			if err != nil {
				return nil, fmt.Errorf("condition %q: %w", key, err)
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func compileExpect(source expectSource, key string, expected any) (expectMatcher, error) {
	m := expectMatcher{source: source, key: key}

	if list, ok := expected.([]any); ok {
		m.kind = expectList
		m.list = make([]string, len(list))
		for i, elem := range list {
			m.list[i] = stringify(elem)
		}
		return m, nil
	}

	s, ok := expected.(string)
	if !ok {
		m.kind = expectLiteral
		m.literal = stringify(expected)
		return m, nil
	}

	switch {
	case strings.HasPrefix(s, ">"), strings.HasPrefix(s, "<"):
		op, threshold, err := policydoc.ParseComparison(s)
		if err != nil {
			return expectMatcher{}, err
		}
		m.kind = expectCompare
		m.op = op
		m.threshold = threshold
	case looksLikeTimeRange(s):
		window, err := policydoc.ParseTimeRange(s)
		if err != nil {
			return expectMatcher{}, err
		}
		m.kind = expectTimeRange
		m.window = window
	default:
		m.kind = expectLiteral
		m.literal = s
	}
	return m, nil
}

var timeRangeShape = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

func looksLikeTimeRange(s string) bool {
	return timeRangeShape.MatchString(s)
}

func (m *expectMatcher) match(in *CallInput) bool {
	bag := in.SessionContext
	if m.source == fromMetadata {
		bag = in.Metadata
	}
	actual, ok := bag[m.key]
	if !ok {
		// Missing keys never match.
		return false
	}

	switch m.kind {
	case expectCompare:
		n, ok := toFloat(actual)
		if !ok {
			return false
		}
		if m.op == '>' {
			return n > m.threshold
		}
		return n < m.threshold
	case expectTimeRange:
		minute, err := policydoc.ParseClock(stringify(actual))
		if err != nil {
			return false
		}
		return m.window.Contains(minute)
	case expectList:
		rendered := stringify(actual)
		for _, want := range m.list {
			if rendered == want {
				return true
			}
		}
		return false
	default:
		return stringify(actual) == m.literal
	}
}
