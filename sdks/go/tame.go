// Package tame provides a Go client for the tame enforcement API.
//
// tame is a governance layer for AI agent tool calls. Before an agent
// executes a tool, it submits the call for a policy decision; after
// execution it seals the outcome, completing the session's audit trail.
// The client uses only the Go standard library.
//
// Quick start:
//
//	// Set TAME_API_URL and TAME_API_KEY env vars, then:
//	client := tame.NewClient()
//
//	res, err := client.Enforce(ctx, tame.EnforceRequest{
//	    ToolName:  "delete_file",
//	    Arguments: map[string]any{"path": "/tmp/scratch"},
//	})
//	if err != nil {
//	    var denied *tame.DeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied by rule %s: %s\n", denied.Result.RuleName, denied.Result.Reason)
//	    }
//	}
package tame

import "time"

// Version is the SDK release version, sent in the User-Agent header.
const Version = "1.0.0"

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	// DecisionAllow permits the tool call to proceed.
	DecisionAllow Decision = "allow"

	// DecisionDeny blocks the tool call.
	DecisionDeny Decision = "deny"

	// DecisionApprove blocks the tool call pending human approval.
	DecisionApprove Decision = "approve"
)

// Outcome status values accepted by UpdateResult.
const (
	// StatusSuccess marks a tool call that executed without error.
	StatusSuccess = "success"

	// StatusError marks a tool call that failed during execution.
	StatusError = "error"
)

// EnforceRequest describes one tool call submitted for a decision.
type EnforceRequest struct {
	// ToolName is the tool the agent wants to invoke. Required.
	ToolName string `json:"tool_name"`

	// Arguments are the tool call arguments.
	Arguments map[string]any `json:"tool_args"`

	// SessionID groups calls into one audit trail. Empty uses the
	// client's default session.
	SessionID string `json:"session_id,omitempty"`

	// AgentID identifies the agent making the call. Empty uses the
	// client default.
	AgentID string `json:"agent_id,omitempty"`

	// UserID identifies the human principal the agent acts for. Empty
	// uses the client default.
	UserID string `json:"user_id,omitempty"`

	// Metadata is recorded on the session the first time it is seen.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Context carries extra key-value pairs visible to policy conditions.
	Context map[string]any `json:"context,omitempty"`
}

// EnforceResult is the server's decision for one tool call.
type EnforceResult struct {
	// SessionID is the session the decision was appended to.
	SessionID string `json:"session_id"`

	// Decision is the verdict: allow, deny, or approve.
	Decision Decision `json:"decision"`

	// RuleName is the matching rule, empty when the policy default applied.
	RuleName string `json:"rule_name,omitempty"`

	// Reason explains the decision.
	Reason string `json:"reason"`

	// PolicyVersion is the label of the policy version that decided.
	PolicyVersion string `json:"policy_version"`

	// LogID identifies the audit log entry for this call. Pass it to
	// UpdateResult to seal the outcome. Zero for client-side bypass
	// decisions, which write no entry.
	LogID int64 `json:"log_id"`

	// Timestamp is when the decision was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// Allowed reports whether the call may proceed.
func (r *EnforceResult) Allowed() bool { return r.Decision == DecisionAllow }

// Outcome reports how an allowed tool call went. Exactly one seal per
// log entry is accepted by the server.
type Outcome struct {
	// Status is "success" or "error". Required.
	Status string `json:"status"`

	// Result optionally carries the tool's return value.
	Result any `json:"result,omitempty"`

	// ErrorMessage describes the failure for error outcomes.
	ErrorMessage string `json:"error_message,omitempty"`

	// DurationMS is the execution time in milliseconds.
	DurationMS int64 `json:"execution_duration_ms,omitempty"`
}

// ResultAck confirms a sealed outcome.
type ResultAck struct {
	// Status is "ok" on success.
	Status string `json:"status"`

	// LogID is the sealed entry.
	LogID int64 `json:"log_id"`
}

// Rule summarizes one rule of the active policy.
type Rule struct {
	// Name is the rule's unique name.
	Name string `json:"name"`

	// Action is the verdict the rule produces when it matches.
	Action string `json:"action"`

	// Tools are the tool name patterns the rule matches.
	Tools []string `json:"tools"`

	// Description provides optional human context.
	Description string `json:"description,omitempty"`
}

// PolicyInfo describes the active policy version.
type PolicyInfo struct {
	// Version is the active version's label.
	Version string `json:"version"`

	// Hash is the canonical fingerprint of the policy document.
	Hash string `json:"hash"`

	// RulesCount is the number of compiled rules.
	RulesCount int `json:"rules_count"`

	// Rules lists the rules in evaluation order.
	Rules []Rule `json:"rules"`
}

// TestDecision is the decision part of a dry-run evaluation.
type TestDecision struct {
	// Action is the verdict: allow, deny, or approve.
	Action Decision `json:"action"`

	// RuleName is the matching rule, empty for default decisions.
	RuleName string `json:"rule_name,omitempty"`

	// Reason explains the decision.
	Reason string `json:"reason"`

	// PolicyVersion is the label of the policy version consulted.
	PolicyVersion string `json:"policy_version"`
}

// TestResult is the response to a dry-run policy evaluation. Dry runs
// never touch the audit log.
type TestResult struct {
	// ToolName echoes the tested tool.
	ToolName string `json:"tool_name"`

	// ToolArgs echoes the tested arguments.
	ToolArgs map[string]any `json:"tool_args"`

	// SessionContext echoes the supplied session context.
	SessionContext map[string]any `json:"session_context"`

	// Decision is the evaluation outcome.
	Decision TestDecision `json:"decision"`
}

// ValidateResult reports whether a policy document is well formed.
type ValidateResult struct {
	// IsValid is true when the document compiled cleanly.
	IsValid bool `json:"is_valid"`

	// Errors lists compile problems, empty when valid.
	Errors []string `json:"errors"`

	// RulesCount is the number of rules when valid.
	RulesCount int `json:"rules_count"`

	// Version is the document's declared version label, if any.
	Version string `json:"version,omitempty"`
}

// ReloadResult reports the effect of re-reading the server's policy file.
type ReloadResult struct {
	// Status is "reloaded" or "unchanged".
	Status string `json:"status"`

	// OldVersion is the previously active label, set on reload.
	OldVersion string `json:"old_version,omitempty"`

	// NewVersion is the active label after the call.
	NewVersion string `json:"new_version"`

	// RulesCount is the number of rules in the active version.
	RulesCount int `json:"rules_count"`
}

// Health is the server's self-assessment.
type Health struct {
	// Status is "healthy" or "unhealthy".
	Status string `json:"status"`

	// Checks reports per-component detail.
	Checks map[string]string `json:"checks"`

	// Version is the server version, if configured.
	Version string `json:"version,omitempty"`
}
