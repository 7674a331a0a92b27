//go:build property
// +build property

// Package policy_test contains property-based tests for the rule evaluator.
package policy_test

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/pkg/policydoc"
)

var actionNames = []string{"allow", "deny", "approve"}

// TestEvaluateDeterminism verifies evaluation is a pure function of its
// input.
// Property: Evaluate(in) == Evaluate(in) for any in
func TestEvaluateDeterminism(t *testing.T) {
	doc := &policydoc.Document{
		Version: "prop",
		Rules: []policydoc.Rule{
			{
				Name:   "block-secrets",
				Action: "deny",
				Tools:  policydoc.ToolMatch{"*"},
				Conditions: &policydoc.Conditions{
					ArgContains: map[string]string{"path": ".env|.ssh"},
				},
			},
			{
				Name:   "hold-risky",
				Action: "approve",
				Tools:  policydoc.ToolMatch{"*"},
				Conditions: &policydoc.Conditions{
					SessionContext: map[string]any{"risk_score": ">70"},
				},
			},
			{Name: "allow-reads", Action: "allow", Tools: policydoc.ToolMatch{"read_file", "list_dir"}},
		},
		DefaultAction: "deny",
	}
	compiled, err := policy.Compile(doc, "prop-v1", "fp-prop")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs yield identical decisions", prop.ForAll(
		func(tool, path string, risk int) bool {
			in := policy.CallInput{
				ToolName:       tool,
				Arguments:      map[string]any{"path": path},
				SessionContext: map[string]any{"risk_score": risk},
			}
			return compiled.Evaluate(in) == compiled.Evaluate(in)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestFirstMatchWins verifies rule order decides: when the head rule matches,
// later rules never influence the decision.
// Property: Evaluate picks rules[0] whenever rules[0] matches
func TestFirstMatchWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("the first matching rule decides", prop.ForAll(
		func(actions []int) bool {
			if len(actions) == 0 {
				return true
			}
			if len(actions) > 15 {
				actions = actions[:15]
			}

			rules := make([]policydoc.Rule, len(actions))
			for i, a := range actions {
				rules[i] = policydoc.Rule{
					Name:   fmt.Sprintf("rule-%d", i),
					Action: actionNames[a%len(actionNames)],
					Tools:  policydoc.ToolMatch{"write_file"},
				}
			}

			doc := &policydoc.Document{Version: "prop", Rules: rules, DefaultAction: "deny"}
			compiled, err := policy.Compile(doc, "prop-v1", "fp-prop")
			if err != nil {
				return false
			}

			d := compiled.Evaluate(policy.CallInput{ToolName: "write_file"})
			return d.RuleName == "rule-0" &&
				d.Action == policy.Action(actionNames[actions[0]%len(actionNames)])
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestDefaultWhenNothingMatches verifies the policy default applies with an
// empty rule name and the version label intact.
// Property: no matching rule => Decision{default action, RuleName: ""}
func TestDefaultWhenNothingMatches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("unmatched calls fall through to the default", prop.ForAll(
		func(suffixes []string, tool string, defaultPick int) bool {
			if len(suffixes) == 0 {
				return true
			}
			if len(suffixes) > 15 {
				suffixes = suffixes[:15]
			}

			rules := make([]policydoc.Rule, len(suffixes))
			for i, s := range suffixes {
				rules[i] = policydoc.Rule{
					Name:   fmt.Sprintf("rule-%d", i),
					Action: "allow",
					Tools:  policydoc.ToolMatch{"tool-" + s},
				}
			}
			defaultAction := actionNames[defaultPick%len(actionNames)]

			doc := &policydoc.Document{Version: "prop", Rules: rules, DefaultAction: defaultAction}
			compiled, err := policy.Compile(doc, "prop-v1", "fp-prop")
			if err != nil {
				return false
			}

			// "other-" never collides with the "tool-" literals.
			d := compiled.Evaluate(policy.CallInput{ToolName: "other-" + tool})
			return d.RuleName == "" &&
				d.Action == policy.Action(defaultAction) &&
				d.PolicyVersion == "prop-v1"
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestAppendingRulesPreservesDecisions verifies growing a policy below a
// matching rule never changes what that rule decides.
// Property: Evaluate(rules) == Evaluate(rules ++ extras) when a rule matched
func TestAppendingRulesPreservesDecisions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appended rules never shadow earlier matches", prop.ForAll(
		func(priorCount int, extras []int) bool {
			if len(extras) > 15 {
				extras = extras[:15]
			}

			// priorCount non-matching rules, then one that matches.
			rules := make([]policydoc.Rule, 0, priorCount+1+len(extras))
			for i := 0; i < priorCount; i++ {
				rules = append(rules, policydoc.Rule{
					Name:   fmt.Sprintf("miss-%d", i),
					Action: "deny",
					Tools:  policydoc.ToolMatch{fmt.Sprintf("unused-%d", i)},
				})
			}
			rules = append(rules, policydoc.Rule{
				Name:   "match-me",
				Action: "approve",
				Tools:  policydoc.ToolMatch{"deploy"},
			})

			before := &policydoc.Document{Version: "prop", Rules: rules, DefaultAction: "deny"}
			compiledBefore, err := policy.Compile(before, "prop-v1", "fp-prop")
			if err != nil {
				return false
			}

			grown := make([]policydoc.Rule, len(rules), len(rules)+len(extras))
			copy(grown, rules)
			for i, a := range extras {
				grown = append(grown, policydoc.Rule{
					Name:   fmt.Sprintf("extra-%d", i),
					Action: actionNames[a%len(actionNames)],
					Tools:  policydoc.ToolMatch{"*"},
				})
			}
			after := &policydoc.Document{Version: "prop", Rules: grown, DefaultAction: "deny"}
			compiledAfter, err := policy.Compile(after, "prop-v1", "fp-prop")
			if err != nil {
				return false
			}

			in := policy.CallInput{ToolName: "deploy"}
			return compiledBefore.Evaluate(in) == compiledAfter.Evaluate(in)
		},
		gen.IntRange(0, 10),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestNumericComparisonBoundary verifies the ">" predicate agrees with Go's
// own comparison at every boundary.
// Property: rule with ">threshold" matches iff value > threshold
func TestNumericComparisonBoundary(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("comparison predicates are exact", prop.ForAll(
		func(threshold, value int) bool {
			doc := &policydoc.Document{
				Version: "prop",
				Rules: []policydoc.Rule{{
					Name:   "over-threshold",
					Action: "deny",
					Conditions: &policydoc.Conditions{
						SessionContext: map[string]any{"risk_score": ">" + strconv.Itoa(threshold)},
					},
				}},
				DefaultAction: "allow",
			}
			compiled, err := policy.Compile(doc, "prop-v1", "fp-prop")
			if err != nil {
				return false
			}

			d := compiled.Evaluate(policy.CallInput{
				ToolName:       "anything",
				SessionContext: map[string]any{"risk_score": value},
			})

			if value > threshold {
				return d.Action == policy.ActionDeny && d.RuleName == "over-threshold"
			}
			return d.Action == policy.ActionAllow && d.RuleName == ""
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}
