// Package sqlite implements the policy, session, and audit store ports on a
// single SQLite database. The schema keeps the audit invariants in the
// database itself: a unique (session_id, seq_index) pair per entry and a
// partial unique index enforcing at most one active policy version.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the database at path and applies the
// schema. The connection pool is capped at one writer; SQLite serializes
// writes anyway and a single connection avoids "database is locked" errors
// under concurrency.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// OpenMemory opens a fresh in-memory database, for tests and ephemeral runs.
func OpenMemory() (*sql.DB, error) {
	return Open(":memory:")
}

func migrate(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_version (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		label       TEXT NOT NULL UNIQUE,
		source      TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_version_active
		ON policy_version(active) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS session (
		id              TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		metadata        TEXT,
		created_at      TEXT NOT NULL,
		archived        INTEGER NOT NULL DEFAULT 0,
		archived_at     TEXT,
		archived_by     TEXT NOT NULL DEFAULT '',
		retention_until TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_session_agent ON session(agent_id);
	CREATE INDEX IF NOT EXISTS idx_session_retention
		ON session(archived, retention_until);

	CREATE TABLE IF NOT EXISTS log_entry (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id           TEXT NOT NULL REFERENCES session(id),
		seq_index            INTEGER NOT NULL,
		timestamp            TEXT NOT NULL,
		tool_name            TEXT NOT NULL,
		tool_args            TEXT,
		policy_version_label TEXT NOT NULL,
		decision             TEXT NOT NULL,
		rule_name            TEXT NOT NULL DEFAULT '',
		reason               TEXT NOT NULL DEFAULT '',
		bypass               INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL DEFAULT 'pending',
		outcome              TEXT,
		error_message        TEXT,
		duration_ms          INTEGER,
		sealed_at            TEXT,
		prev_hash            TEXT NOT NULL,
		own_hash             TEXT NOT NULL,
		UNIQUE(session_id, seq_index)
	);
	CREATE INDEX IF NOT EXISTS idx_log_entry_status
		ON log_entry(status, timestamp);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// formatTime renders a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullTime renders an optional timestamp.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseNullTime is the inverse of nullTime.
func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
