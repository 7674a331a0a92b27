package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tame-ai/tame/internal/domain/policy"
)

// PolicyStore implements policy.Store on SQLite.
type PolicyStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ policy.Store = (*PolicyStore)(nil)

// NewPolicyStore creates a PolicyStore on an opened database.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

const policyColumns = "id, label, source, fingerprint, description, active, created_at"

func (s *PolicyStore) CreateVersion(ctx context.Context, v *policy.Version) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_version (label, source, fingerprint, description, active, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		v.Label, v.Source, v.Fingerprint, v.Description, formatTime(v.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, policy.ErrDuplicateLabel
		}
		return 0, fmt.Errorf("insert policy version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert policy version: %w", err)
	}
	return id, nil
}

// ActivateVersion flips the active flag to the given version in one
// transaction. The partial unique index on active=1 makes a second active
// row impossible even under races.
func (s *PolicyStore) ActivateVersion(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("activate policy version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE policy_version SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("deactivate previous version: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE policy_version SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activate policy version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate policy version: %w", err)
	}
	if n == 0 {
		return policy.ErrVersionNotFound
	}
	return tx.Commit()
}

func (s *PolicyStore) ActiveVersion(ctx context.Context) (*policy.Version, error) {
	v, err := s.queryOne(ctx, "SELECT "+policyColumns+" FROM policy_version WHERE active = 1")
	if errors.Is(err, policy.ErrVersionNotFound) {
		return nil, policy.ErrNoActiveVersion
	}
	return v, err
}

func (s *PolicyStore) GetVersion(ctx context.Context, id int64) (*policy.Version, error) {
	return s.queryOne(ctx, "SELECT "+policyColumns+" FROM policy_version WHERE id = ?", id)
}

func (s *PolicyStore) GetVersionByLabel(ctx context.Context, label string) (*policy.Version, error) {
	return s.queryOne(ctx, "SELECT "+policyColumns+" FROM policy_version WHERE label = ?", label)
}

func (s *PolicyStore) ListVersions(ctx context.Context) ([]policy.Version, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+policyColumns+" FROM policy_version ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []policy.Version
	for rows.Next() {
		v, err := scanPolicyVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	return out, nil
}

func (s *PolicyStore) queryOne(ctx context.Context, query string, args ...any) (*policy.Version, error) {
	v, err := scanPolicyVersion(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrVersionNotFound
	}
	return v, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicyVersion(row rowScanner) (*policy.Version, error) {
	var (
		v         policy.Version
		active    int
		createdAt string
	)
	if err := row.Scan(&v.ID, &v.Label, &v.Source, &v.Fingerprint, &v.Description, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan policy version: %w", err)
	}
	v.Active = active == 1
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan policy version: %w", err)
	}
	v.CreatedAt = t
	return &v, nil
}
