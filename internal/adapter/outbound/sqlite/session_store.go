package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tame-ai/tame/internal/domain/session"
)

// SessionStore implements session.Store on SQLite.
type SessionStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ session.Store = (*SessionStore)(nil)

// NewSessionStore creates a SessionStore on an opened database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// defaultListLimit caps session listings when the caller does not page.
const defaultListLimit = 100

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	var metadata sql.NullString
	if len(sess.Metadata) > 0 {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("marshal session metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session (id, agent_id, user_id, metadata, created_at, archived, archived_at, archived_by, retention_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.UserID, metadata, formatTime(sess.CreatedAt),
		boolToInt(sess.Archived), nullTime(sess.ArchivedAt), sess.ArchivedBy, nullTime(sess.RetentionUntil),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %q: %w", sess.ID, session.ErrDuplicateSession)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, user_id, metadata, created_at, archived, archived_at, archived_by, retention_until
		FROM session WHERE id = ?`, id)

	var (
		sess                   session.Session
		metadata               sql.NullString
		createdAt              string
		archived               int
		archivedAt, retainedTo sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.UserID, &metadata, &createdAt,
		&archived, &archivedAt, &sess.ArchivedBy, &retainedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Archived = archived == 1
	if sess.ArchivedAt, err = parseNullTime(archivedAt); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if sess.RetentionUntil, err = parseNullTime(retainedTo); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

// List aggregates decision counts over each session's log entries in a single
// grouped query.
func (s *SessionStore) List(ctx context.Context, f session.Filter) ([]session.Summary, error) {
	query := `
		SELECT s.id, s.agent_id, s.user_id, s.created_at, s.archived, s.retention_until,
		       COUNT(l.id),
		       COALESCE(SUM(CASE WHEN l.decision = 'allow' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.decision = 'deny' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.decision = 'approve' THEN 1 ELSE 0 END), 0),
		       MAX(l.timestamp)
		FROM session s
		LEFT JOIN log_entry l ON l.session_id = s.id
		WHERE 1=1`
	var args []any

	if f.AgentID != "" {
		query += " AND s.agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.UserID != "" {
		query += " AND s.user_id = ?"
		args = append(args, f.UserID)
	}
	if !f.IncludeArchived {
		query += " AND s.archived = 0"
	}
	if !f.Since.IsZero() {
		query += " AND s.created_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND s.created_at <= ?"
		args = append(args, formatTime(f.Until))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " GROUP BY s.id ORDER BY s.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Summary
	for rows.Next() {
		var (
			sum                      session.Summary
			createdAt                string
			archived                 int
			retainedTo, lastActivity sql.NullString
		)
		if err := rows.Scan(&sum.SessionID, &sum.AgentID, &sum.UserID, &createdAt, &archived, &retainedTo,
			&sum.EntryCount, &sum.AllowedCount, &sum.DeniedCount, &sum.ApproveCount, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		if sum.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Archived = archived == 1
		if sum.RetentionUntil, err = parseNullTime(retainedTo); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		if sum.LastActivity, err = parseNullTime(lastActivity); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Summarize aggregates one session's decision counts.
func (s *SessionStore) Summarize(ctx context.Context, id string) (*session.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.agent_id, s.user_id, s.created_at, s.archived, s.retention_until,
		       COUNT(l.id),
		       COALESCE(SUM(CASE WHEN l.decision = 'allow' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.decision = 'deny' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN l.decision = 'approve' THEN 1 ELSE 0 END), 0),
		       MAX(l.timestamp)
		FROM session s
		LEFT JOIN log_entry l ON l.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id`, id)

	var (
		sum                      session.Summary
		createdAt                string
		archived                 int
		retainedTo, lastActivity sql.NullString
	)
	err := row.Scan(&sum.SessionID, &sum.AgentID, &sum.UserID, &createdAt, &archived, &retainedTo,
		&sum.EntryCount, &sum.AllowedCount, &sum.DeniedCount, &sum.ApproveCount, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session summary: %w", err)
	}
	if sum.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("scan session summary: %w", err)
	}
	sum.Archived = archived == 1
	if sum.RetentionUntil, err = parseNullTime(retainedTo); err != nil {
		return nil, fmt.Errorf("scan session summary: %w", err)
	}
	if sum.LastActivity, err = parseNullTime(lastActivity); err != nil {
		return nil, fmt.Errorf("scan session summary: %w", err)
	}
	return &sum, nil
}

func (s *SessionStore) Archive(ctx context.Context, ids []string, until time.Time, by string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("archive sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	var updated []string
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE session SET archived = 1, archived_at = ?, archived_by = ?, retention_until = ?
			WHERE id = ?`,
			now, by, formatTime(until), id)
		if err != nil {
			return nil, fmt.Errorf("archive session %q: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated = append(updated, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("archive sessions: %w", err)
	}
	return updated, nil
}

func (s *SessionStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM session
		WHERE archived = 1 AND retention_until IS NOT NULL AND retention_until < ?
		ORDER BY retention_until ASC`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	return ids, nil
}

// RetentionPending returns archived sessions with a retention deadline at or
// before the horizon, soonest deadline first.
func (s *SessionStore) RetentionPending(ctx context.Context, horizon time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, user_id, metadata, created_at, archived, archived_at, archived_by, retention_until
		FROM session
		WHERE archived = 1 AND retention_until IS NOT NULL AND retention_until <= ?
		ORDER BY retention_until ASC`,
		formatTime(horizon))
	if err != nil {
		return nil, fmt.Errorf("query retention pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Session
	for rows.Next() {
		var (
			sess                   session.Session
			metadata               sql.NullString
			createdAt              string
			archived               int
			archivedAt, retainedTo sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.UserID, &metadata, &createdAt,
			&archived, &archivedAt, &sess.ArchivedBy, &retainedTo); err != nil {
			return nil, fmt.Errorf("scan retention pending: %w", err)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal session metadata: %w", err)
			}
		}
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan retention pending: %w", err)
		}
		sess.Archived = archived == 1
		if sess.ArchivedAt, err = parseNullTime(archivedAt); err != nil {
			return nil, fmt.Errorf("scan retention pending: %w", err)
		}
		if sess.RetentionUntil, err = parseNullTime(retainedTo); err != nil {
			return nil, fmt.Errorf("scan retention pending: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query retention pending: %w", err)
	}
	return out, nil
}

// CountArchived returns the number of archived sessions.
func (s *SessionStore) CountArchived(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session WHERE archived = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archived sessions: %w", err)
	}
	return n, nil
}

// Delete removes the session row and its log entries in one transaction,
// returning the number of entries removed.
func (s *SessionStore) Delete(ctx context.Context, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM log_entry WHERE session_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete session entries: %w", err)
	}
	entries, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete session entries: %w", err)
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM session WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return 0, session.ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
