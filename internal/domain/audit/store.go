package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for audit store operations.
var (
	// ErrEntryNotFound is returned when no entry has the requested id.
	ErrEntryNotFound = errors.New("log entry not found")
	// ErrAlreadySealed is returned when sealing an entry whose outcome is
	// no longer pending. Outcomes never regress.
	ErrAlreadySealed = errors.New("log entry already sealed")
	// ErrSessionMismatch is returned when an entry id does not belong to
	// the session named in the request.
	ErrSessionMismatch = errors.New("log entry does not belong to session")
)

// Store persists log entries.
// Interface owned by the domain per hexagonal architecture. Implementations
// provide row-level transactional writes; per-session append ordering is the
// appender's responsibility, not the store's.
type Store interface {
	// Insert writes a fully-formed entry (index and hashes computed) and
	// returns its id. The (session_id, seq_index) pair must be unique.
	Insert(ctx context.Context, e *Entry) (int64, error)

	// Tail returns the session's highest-index entry, or nil when the
	// session has no entries yet.
	Tail(ctx context.Context, sessionID string) (*Entry, error)

	// Get returns an entry by id.
	Get(ctx context.Context, id int64) (*Entry, error)

	// Session returns a session's entries ordered by index ascending.
	// limit 0 applies the store default.
	Session(ctx context.Context, sessionID string, limit, offset int) ([]Entry, error)

	// Seal applies the outcome to a pending entry. Returns
	// ErrAlreadySealed when the entry's status is no longer pending.
	Seal(ctx context.Context, id int64, seal Seal) error

	// Query returns entries matching the filter, ordered by session id
	// ascending then index ascending.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// PendingBefore returns pending entries appended before the cutoff,
	// oldest first, capped at limit. Used to reap abandoned outcomes.
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)
}
