// Package policydoc defines the declarative policy document format and its
// canonical encoding. A document is the YAML rule bundle that operators write
// and the server stores verbatim in a policy version; this package parses it,
// validates it, and computes the canonical fingerprint used to tag audit
// entries and detect no-op reloads.
package policydoc

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Recognized rule actions.
const (
	ActionAllow   = "allow"
	ActionDeny    = "deny"
	ActionApprove = "approve"
)

// Document is a parsed policy document.
type Document struct {
	// Version is the human-readable version label, e.g. "v1.2".
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Rules are evaluated strictly in order; the first match wins.
	Rules []Rule `yaml:"rules" json:"rules"`

	// DefaultAction applies when no rule matches. Empty normalizes to deny.
	DefaultAction string `yaml:"default_action,omitempty" json:"default_action"`
	DefaultReason string `yaml:"default_reason,omitempty" json:"default_reason"`
}

// Rule is one ordered element of a policy document.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Action      string `yaml:"action" json:"action"`

	// Tools is the tool_name clause. The canonical representation is a list;
	// a bare string is accepted on input and normalized to a one-element
	// list. Entries are literals, the wildcard "*", or regular expressions
	// written /like-this/ (leading and trailing slash).
	Tools ToolMatch `yaml:"tools,omitempty" json:"tools"`

	Conditions *Conditions `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Reason is returned verbatim in decisions produced by this rule.
	// Empty falls back to "Matched rule '<name>'".
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Conditions holds the optional predicate clauses of a rule. Absent clauses
// match; present clauses are ANDed.
type Conditions struct {
	// ArgContains maps a dotted argument path to a substring pattern.
	// Alternation branches are separated by "|"; the clause holds when the
	// stringified value at the path contains any branch.
	ArgContains map[string]string `yaml:"arg_contains,omitempty" json:"arg_contains,omitempty"`

	// ArgNotContains is the negation of ArgContains.
	ArgNotContains map[string]string `yaml:"arg_not_contains,omitempty" json:"arg_not_contains,omitempty"`

	// SessionContext maps a context key to an expected value: a literal, a
	// list of accepted literals, a numeric comparison (">N" / "<N"), or a
	// time range ("HH:MM-HH:MM"). Missing context keys never match.
	SessionContext map[string]any `yaml:"session_context,omitempty" json:"session_context,omitempty"`

	// Metadata has the same value grammar as SessionContext but is applied
	// to the caller-supplied metadata bag.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// unknown records clause keywords that are not part of the closed set
	// (including the legacy "cascade" and "AND" sub-structures). Populated
	// during decoding and reported by Validate.
	unknown []string
}

// UnknownClauses returns unrecognized clause keywords found while decoding.
func (c *Conditions) UnknownClauses() []string {
	if c == nil {
		return nil
	}
	return c.unknown
}

// ToolMatch is the tool_name clause: a list of tool patterns. It decodes from
// either a YAML scalar or a YAML sequence and always marshals as a sequence.
type ToolMatch []string

// UnmarshalYAML accepts both the scalar and list input shapes.
func (t *ToolMatch) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*t = ToolMatch{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*t = ToolMatch(list)
		return nil
	default:
		return fmt.Errorf("tools: expected a string or a list, got %s", nodeKindName(node.Kind))
	}
}

// UnmarshalYAML decodes the clause mapping, keeping unknown keywords aside so
// Validate can report them all instead of failing on the first.
func (c *Conditions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("conditions: expected a mapping, got %s", nodeKindName(node.Kind))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		var key string
		if err := keyNode.Decode(&key); err != nil {
			return err
		}
		switch key {
		case "arg_contains":
			if err := valNode.Decode(&c.ArgContains); err != nil {
				return fmt.Errorf("arg_contains: %w", err)
			}
		case "arg_not_contains":
			if err := valNode.Decode(&c.ArgNotContains); err != nil {
				return fmt.Errorf("arg_not_contains: %w", err)
			}
		case "session_context":
			if err := valNode.Decode(&c.SessionContext); err != nil {
				return fmt.Errorf("session_context: %w", err)
			}
		case "metadata":
			if err := valNode.Decode(&c.Metadata); err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
		default:
			c.unknown = append(c.unknown, key)
		}
	}
	return nil
}

// Empty reports whether no clause is present.
func (c *Conditions) Empty() bool {
	if c == nil {
		return true
	}
	return len(c.ArgContains) == 0 && len(c.ArgNotContains) == 0 &&
		len(c.SessionContext) == 0 && len(c.Metadata) == 0
}

// Marshal renders the document back to its canonical YAML shape.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

func nodeKindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "list"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
