package journal

import (
	"context"

	"github.com/tame-ai/tame/internal/domain/journal"
)

// MemoryStore implements journal.Store with only the in-memory ring. Used in
// tests and when no journal directory is configured.
type MemoryStore struct {
	ring *eventRing
}

// Compile-time interface check.
var _ journal.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory-only journal store. An optional capacity
// parameter sets the ring size (default 1000).
func NewMemoryStore(capacity ...int) *MemoryStore {
	size := 0
	if len(capacity) > 0 {
		size = capacity[0]
	}
	return &MemoryStore{ring: newEventRing(size)}
}

func (s *MemoryStore) Append(_ context.Context, events ...journal.Event) error {
	for _, ev := range events {
		s.ring.add(ev)
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]journal.Event, error) {
	return s.ring.recent(limit), nil
}

func (s *MemoryStore) Flush(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
