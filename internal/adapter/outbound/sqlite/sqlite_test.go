package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/tame-ai/tame/internal/domain/session"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// createTestSession inserts a bare session row so log entries can reference it.
func createTestSession(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	store := NewSessionStore(db)
	err := store.Create(context.Background(), &session.Session{
		ID:        id,
		AgentID:   "agent-1",
		UserID:    "user-1",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Create(session %q) error = %v", id, err)
	}
}

func TestPrefixColumns(t *testing.T) {
	got := prefixColumns("l.", "id, session_id,\n\tseq_index")
	want := "l.id, l.session_id, l.seq_index"
	if got != want {
		t.Errorf("prefixColumns() = %q, want %q", got, want)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	parsed, err := parseTime(formatTime(now))
	if err != nil {
		t.Fatalf("parseTime() error = %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("time round trip: %v != %v", parsed, now)
	}

	// Formatting is stable across a round trip, which the hash chain
	// depends on.
	if formatTime(parsed) != formatTime(now) {
		t.Errorf("formatTime not stable: %q != %q", formatTime(parsed), formatTime(now))
	}
}
