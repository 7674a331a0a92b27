package journal

import "context"

// Store persists journal events.
// Interface owned by the domain per hexagonal architecture. Implementations
// handle batching; Append must be cheap from the caller's perspective.
type Store interface {
	// Append stores events.
	Append(ctx context.Context, events ...Event) error

	// Recent returns the latest events, newest first, capped at limit.
	Recent(ctx context.Context, limit int) ([]Event, error)

	// Flush forces pending events to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
