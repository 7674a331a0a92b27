// Package policy contains the domain types and the rule evaluator for
// tool-call authorization. A stored policy version is compiled once into an
// immutable CompiledPolicy; evaluation is pure, lock-free, and re-entrant.
package policy

import "time"

// Action is the verdict of a policy evaluation.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
	// ActionApprove blocks the tool call pending human approval.
	ActionApprove Action = "approve"
)

// ParseAction maps a policy document action keyword onto an Action.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionAllow, ActionDeny, ActionApprove:
		return Action(s), true
	}
	return "", false
}

// Reserved session-context keys injected by the server before evaluation.
// Caller-supplied values under these keys are overwritten so rules can rely
// on them.
const (
	// ContextKeyCurrentTime holds the wall-clock sample as "HH:MM"
	// (24-hour). Time-range expectations match against it.
	ContextKeyCurrentTime = "current_time"
	// ContextKeyCurrentDay holds the lowercase weekday name, e.g. "monday".
	ContextKeyCurrentDay = "current_day"
)

// Decision is the outcome of evaluating one tool call.
type Decision struct {
	// Action is the verdict.
	Action Action
	// RuleName identifies the matching rule. Empty when the policy-wide
	// default action applied.
	RuleName string
	// Reason explains the decision in operator-facing terms.
	Reason string
	// PolicyVersion is the label of the policy version that produced the
	// decision. Snapshotted before evaluation; a concurrent activation
	// never changes it mid-flight.
	PolicyVersion string
}

// Allowed reports whether the call may proceed immediately.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// RequiresApproval reports whether the call is held for human approval.
func (d Decision) RequiresApproval() bool { return d.Action == ActionApprove }

// CallInput is everything the evaluator sees about one tool call. The
// evaluator performs no I/O: the wall-clock sample arrives pre-injected in
// SessionContext under the reserved keys.
type CallInput struct {
	// ToolName is the name of the tool being invoked.
	ToolName string
	// Arguments are the tool call arguments, as decoded JSON.
	Arguments map[string]any
	// SessionContext is the merged evaluation context: session metadata,
	// caller-supplied context, and the injected clock sample.
	SessionContext map[string]any
	// Metadata is the caller-supplied metadata bag for this call.
	Metadata map[string]any
}

// Version is one stored policy document revision.
type Version struct {
	// ID is the store-assigned identifier.
	ID int64
	// Label is the unique human-readable version label, e.g. "v1.2".
	Label string
	// Source is the policy document exactly as submitted.
	Source string
	// Fingerprint is the canonical SHA-256 fingerprint of the document's
	// rule semantics.
	Fingerprint string
	// Description provides additional context about the revision.
	Description string
	// Active indicates whether this is the version evaluations snapshot.
	// At most one version is active at a time.
	Active bool
	// CreatedAt is when the version was stored (UTC).
	CreatedAt time.Time
}
