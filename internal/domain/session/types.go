// Package session manages the audited sessions that group tool-call log
// entries.
package session

import "time"

// Session is one audited conversation between an agent and its tools. A
// session exists from its first enforced call until retention deletes it.
type Session struct {
	// ID is the session identifier: caller-supplied or generated
	// (32 bytes, hex-encoded).
	ID string
	// AgentID identifies the calling agent, when provided.
	AgentID string
	// UserID identifies the human principal behind the agent, when provided.
	UserID string
	// Metadata is the session-scoped metadata bag. Merged under
	// call-scoped context during evaluation.
	Metadata map[string]any
	// CreatedAt is when the session row was created (UTC).
	CreatedAt time.Time
	// Archived marks the session as scheduled for retention-managed
	// deletion. Archived sessions remain queryable.
	Archived bool
	// ArchivedAt is when archival was scheduled (UTC). Nil when not
	// archived.
	ArchivedAt *time.Time
	// ArchivedBy records who scheduled the archival.
	ArchivedBy string
	// RetentionUntil is when the retention sweeper may delete the session
	// and its log entries. Nil means no deadline.
	RetentionUntil *time.Time
}

// Summary is the per-session aggregate returned by listings: the session row
// plus decision counts over its log entries.
type Summary struct {
	SessionID      string     `json:"session_id"`
	AgentID        string     `json:"agent_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	EntryCount     int        `json:"entry_count"`
	AllowedCount   int        `json:"allowed_count"`
	DeniedCount    int        `json:"denied_count"`
	ApproveCount   int        `json:"approve_count"`
	Archived       bool       `json:"archived"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
}

// Filter narrows session listings.
type Filter struct {
	// AgentID restricts to sessions of one agent. Empty matches all.
	AgentID string
	// UserID restricts to sessions of one user. Empty matches all.
	UserID string
	// IncludeArchived includes archived sessions in the listing.
	IncludeArchived bool
	// Since/Until bound the session creation time. Zero means unbounded.
	Since time.Time
	Until time.Time
	// Limit caps the number of summaries returned; 0 applies the store
	// default. Offset skips preceding rows for pagination.
	Limit  int
	Offset int
}
