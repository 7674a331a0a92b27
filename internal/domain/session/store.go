package session

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for session store operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when creating a session whose id
	// already exists.
	ErrDuplicateSession = errors.New("session already exists")
)

// Store provides session persistence.
// This interface is defined in the domain to avoid circular imports.
type Store interface {
	// Create stores a new session. Creating an existing id is an error.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by id.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns per-session summaries matching the filter, newest
	// session first.
	List(ctx context.Context, f Filter) ([]Summary, error)

	// Summarize returns the aggregate for one session.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Summarize(ctx context.Context, id string) (*Summary, error)

	// Archive marks the given sessions archived with the retention
	// deadline and returns the ids actually updated.
	Archive(ctx context.Context, ids []string, until time.Time, by string) ([]string, error)

	// Expired returns the ids of archived sessions whose retention
	// deadline has passed at the given instant.
	Expired(ctx context.Context, now time.Time) ([]string, error)

	// RetentionPending returns archived sessions with a retention deadline
	// at or before the horizon, ordered by deadline ascending.
	RetentionPending(ctx context.Context, horizon time.Time) ([]Session, error)

	// CountArchived returns the number of archived sessions.
	CountArchived(ctx context.Context) (int, error)

	// Delete removes a session row and all of its log entries in one
	// transaction, returning the number of entries removed.
	Delete(ctx context.Context, id string) (int64, error)
}
