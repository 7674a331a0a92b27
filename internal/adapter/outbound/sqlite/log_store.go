package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tame-ai/tame/internal/domain/audit"
)

// LogStore implements audit.Store on SQLite. It provides transactional row
// writes; per-session append ordering is enforced above it by the audit
// service's session locks.
type LogStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ audit.Store = (*LogStore)(nil)

// NewLogStore creates a LogStore on an opened database.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// defaultQueryLimit caps entry queries when the caller does not page.
const defaultQueryLimit = 1000

const logColumns = `id, session_id, seq_index, timestamp, tool_name, tool_args,
	policy_version_label, decision, rule_name, reason, bypass,
	status, outcome, error_message, duration_ms, sealed_at, prev_hash, own_hash`

func (s *LogStore) Insert(ctx context.Context, e *audit.Entry) (int64, error) {
	var args sql.NullString
	if len(e.Arguments) > 0 {
		b, err := json.Marshal(e.Arguments)
		if err != nil {
			return 0, fmt.Errorf("marshal entry arguments: %w", err)
		}
		args = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entry (session_id, seq_index, timestamp, tool_name, tool_args,
			policy_version_label, decision, rule_name, reason, bypass,
			status, outcome, error_message, duration_ms, sealed_at, prev_hash, own_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Index, formatTime(e.Timestamp), e.ToolName, args,
		e.PolicyVersion, e.Decision, e.RuleName, e.Reason, boolToInt(e.Bypass),
		e.Status, nullString(e.Outcome), nullString(e.ErrorMessage), nullInt(e.DurationMS),
		nullTime(e.SealedAt), e.PrevHash, e.OwnHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("duplicate index %d for session %q: %w", e.Index, e.SessionID, err)
		}
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	return id, nil
}

func (s *LogStore) Tail(ctx context.Context, sessionID string) (*audit.Entry, error) {
	e, err := s.queryOne(ctx, "SELECT "+logColumns+` FROM log_entry
		WHERE session_id = ? ORDER BY seq_index DESC LIMIT 1`, sessionID)
	if errors.Is(err, audit.ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *LogStore) Get(ctx context.Context, id int64) (*audit.Entry, error) {
	return s.queryOne(ctx, "SELECT "+logColumns+" FROM log_entry WHERE id = ?", id)
}

func (s *LogStore) Session(ctx context.Context, sessionID string, limit, offset int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+logColumns+` FROM log_entry
		WHERE session_id = ? ORDER BY seq_index ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query session entries: %w", err)
	}
	return collectEntries(rows)
}

// Seal applies the outcome to a pending entry. The status guard in the WHERE
// clause makes the pending check and the update one atomic statement.
func (s *LogStore) Seal(ctx context.Context, id int64, seal audit.Seal) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE log_entry SET status = ?, outcome = ?, error_message = ?, duration_ms = ?, sealed_at = ?
		WHERE id = ? AND status = ?`,
		seal.Status, nullString(seal.Outcome), nullString(seal.ErrorMessage), nullInt(seal.DurationMS),
		formatTime(now), id, audit.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("seal log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("seal log entry: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: missing entry or already sealed.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return audit.ErrAlreadySealed
}

func (s *LogStore) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	query := "SELECT " + prefixColumns("l.", logColumns) + ` FROM log_entry l
		JOIN session s ON s.id = l.session_id
		WHERE 1=1`
	var args []any

	if f.SessionID != "" {
		query += " AND l.session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		query += " AND s.agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.UserID != "" {
		query += " AND s.user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Decision != "" {
		query += " AND l.decision = ?"
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		query += " AND l.timestamp >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND l.timestamp <= ?"
		args = append(args, formatTime(f.Until))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY l.session_id ASC, l.seq_index ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *LogStore) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+logColumns+` FROM log_entry
		WHERE status = ? AND timestamp < ? ORDER BY timestamp ASC LIMIT ?`,
		audit.StatusPending, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *LogStore) queryOne(ctx context.Context, query string, args ...any) (*audit.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrEntryNotFound
	}
	return e, err
}

func collectEntries(rows *sql.Rows) ([]audit.Entry, error) {
	defer func() { _ = rows.Close() }()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e               audit.Entry
		timestamp       string
		args            sql.NullString
		bypass          int
		outcome, errMsg sql.NullString
		durationMS      sql.NullInt64
		sealedAt        sql.NullString
	)
	err := row.Scan(&e.ID, &e.SessionID, &e.Index, &timestamp, &e.ToolName, &args,
		&e.PolicyVersion, &e.Decision, &e.RuleName, &e.Reason, &bypass,
		&e.Status, &outcome, &errMsg, &durationMS, &sealedAt, &e.PrevHash, &e.OwnHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan log entry: %w", err)
	}

	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, fmt.Errorf("scan log entry: %w", err)
	}
	if args.Valid {
		if err := json.Unmarshal([]byte(args.String), &e.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal entry arguments: %w", err)
		}
	}
	e.Bypass = bypass == 1
	e.Outcome = outcome.String
	e.ErrorMessage = errMsg.String
	e.DurationMS = durationMS.Int64
	if e.SealedAt, err = parseNullTime(sealedAt); err != nil {
		return nil, fmt.Errorf("scan log entry: %w", err)
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
