package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Evaluate runs the tool call through the ordered rule list and returns the
// first match's decision, or the policy default when nothing matches. The
// method touches no shared state and no clock; identical inputs always yield
// identical decisions.
func (p *CompiledPolicy) Evaluate(in CallInput) Decision {
	for i := range p.rules {
		r := &p.rules[i]
		if !r.matches(&in) {
			continue
		}
		reason := r.reason
		if reason == "" {
			reason = fmt.Sprintf("Matched rule '%s'", r.name)
		}
		return Decision{
			Action:        r.action,
			RuleName:      r.name,
			Reason:        reason,
			PolicyVersion: p.VersionLabel,
		}
	}

	reason := p.defaultReason
	if reason == "" {
		reason = "No matching policy rule found"
	}
	return Decision{
		Action:        p.defaultAction,
		Reason:        reason,
		PolicyVersion: p.VersionLabel,
	}
}

// matches evaluates the rule predicate as the conjunction of its present
// clauses. A rule with no clauses matches unconditionally.
func (r *compiledRule) matches(in *CallInput) bool {
	if !r.tools.match(in.ToolName) {
		return false
	}
	for i := range r.args {
		if !r.args[i].match(in.Arguments) {
			return false
		}
	}
	for i := range r.expects {
		if !r.expects[i].match(in) {
			return false
		}
	}
	return true
}

// stringify renders a decoded JSON value the way predicates see it: strings
// verbatim, numbers in shortest form, booleans as "true"/"false", nil as the
// empty string, and composites as compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
