// Package audit contains the tamper-evident log domain: entries, the
// per-session HMAC hash chain, and the store port.
package audit

import "time"

// Entry status values. An entry is created pending and sealed exactly once.
const (
	// StatusPending means the decision is recorded but the caller has not
	// reported the call's outcome yet.
	StatusPending = "pending"
	// StatusSuccess means the caller executed the call and reported success.
	StatusSuccess = "success"
	// StatusError means the call failed, was abandoned, or was blocked.
	StatusError = "error"
)

// Entry is one row of the audit log. Everything except the outcome region
// (Status, Outcome, ErrorMessage, DurationMS, SealedAt) is frozen at append
// time and committed by OwnHash.
type Entry struct {
	// ID is the store-assigned entry identifier, unique across sessions.
	ID int64 `json:"id"`
	// SessionID is the session this entry belongs to.
	SessionID string `json:"session_id"`
	// Index is the per-session sequence number, contiguous from 1.
	Index int64 `json:"seq_index"`
	// Timestamp is when the decision was appended (UTC).
	Timestamp time.Time `json:"timestamp"`
	// ToolName is the tool the caller asked to invoke.
	ToolName string `json:"tool_name"`
	// Arguments are the tool call arguments as recorded (possibly redacted).
	Arguments map[string]any `json:"tool_args"`
	// PolicyVersion is the label of the policy version that decided.
	PolicyVersion string `json:"policy_version"`
	// Decision is the verdict: allow, deny, or approve.
	Decision string `json:"decision"`
	// RuleName is the matching rule, empty for default decisions.
	RuleName string `json:"rule_name,omitempty"`
	// Reason is the decision reason as returned to the caller.
	Reason string `json:"reason"`
	// Bypass marks entries written while bypass mode short-circuited
	// evaluation.
	Bypass bool `json:"bypass,omitempty"`

	// Status is the outcome state: pending until sealed, then success or
	// error. The single mutable region of the entry.
	Status string `json:"status"`
	// Outcome is the optional JSON rendering of the caller-reported result.
	Outcome string `json:"outcome,omitempty"`
	// ErrorMessage carries the failure description for error outcomes.
	ErrorMessage string `json:"error_message,omitempty"`
	// DurationMS is the caller-reported execution time in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// SealedAt is when the outcome was recorded (UTC). Nil while pending.
	SealedAt *time.Time `json:"sealed_at,omitempty"`

	// PrevHash is the predecessor's OwnHash, or the genesis constant for
	// index 1.
	PrevHash string `json:"prev_hash"`
	// OwnHash is the HMAC chain hash committing the frozen fields above.
	OwnHash string `json:"own_hash"`
}

// Pending reports whether the entry's outcome is still open.
func (e *Entry) Pending() bool { return e.Status == StatusPending }

// Seal carries the outcome fields applied to a pending entry.
type Seal struct {
	// Status is the final state: StatusSuccess or StatusError.
	Status string
	// Outcome is the optional JSON rendering of the result payload.
	Outcome string
	// ErrorMessage describes the failure for error outcomes.
	ErrorMessage string
	// DurationMS is the caller-reported execution time in milliseconds.
	DurationMS int64
}

// Filter narrows entry queries and exports. Zero values match everything.
type Filter struct {
	// SessionID restricts to one session.
	SessionID string
	// AgentID / UserID restrict via the owning session's fields.
	AgentID string
	UserID  string
	// Decision restricts to one verdict.
	Decision string
	// Since/Until bound the entry timestamps.
	Since time.Time
	Until time.Time
	// Limit caps the number of entries; 0 applies the store default.
	Limit  int
	Offset int
}
