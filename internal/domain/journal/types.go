// Package journal contains the operational event journal domain. The journal
// records server-side happenings (policy lifecycle, retention runs, auth
// failures) for dashboards and debugging. It is intentionally lossy under
// pressure; the audit log, not the journal, is the source of truth for
// decisions.
package journal

import "time"

// Event type constants, grouped by subsystem.
const (
	EventPolicyCreate   = "policy.create"
	EventPolicyActivate = "policy.activate"
	EventPolicyReload   = "policy.reload"
	EventPolicySeed     = "policy.seed"

	EventRetentionArchive = "retention.archive"
	EventRetentionSweep   = "retention.sweep"
	EventRetentionReap    = "retention.reap"

	EventIntegrityVerify  = "integrity.verify"
	EventComplianceReport = "compliance.report"

	EventSessionDelete = "session.delete"

	EventAccessDenied = "access.denied"
	EventRateLimited  = "access.rate_limited"

	EventServerStart  = "server.start"
	EventServerStop   = "server.stop"
	EventBypassActive = "server.bypass"
)

// Event is one operational journal record.
type Event struct {
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Type categorizes the event (policy.*, retention.*, access.*, ...).
	Type string `json:"type"`
	// Message is the human-readable one-liner.
	Message string `json:"message"`
	// SessionID links the event to a session, when one is involved.
	SessionID string `json:"session_id,omitempty"`
	// Actor identifies who triggered the event, when known.
	Actor string `json:"actor,omitempty"`
	// Fields carries event-specific structured details.
	Fields map[string]any `json:"fields,omitempty"`
}
