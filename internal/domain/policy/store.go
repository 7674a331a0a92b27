package policy

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrVersionNotFound = errors.New("policy version not found")
	ErrNoActiveVersion = errors.New("no active policy version")
	ErrDuplicateLabel  = errors.New("policy version label already exists")
)

// Store persists policy document revisions. Implementations must guarantee
// that at most one version is active at a time and that activation is atomic
// with respect to concurrent reads.
type Store interface {
	// CreateVersion stores a new revision and returns its id. The label
	// must be unique; a clash returns ErrDuplicateLabel.
	CreateVersion(ctx context.Context, v *Version) (int64, error)
	// ActivateVersion makes the given revision the single active one,
	// deactivating any other.
	ActivateVersion(ctx context.Context, id int64) error
	// ActiveVersion returns the active revision, or ErrNoActiveVersion.
	ActiveVersion(ctx context.Context) (*Version, error)
	// GetVersion returns a revision by id.
	GetVersion(ctx context.Context, id int64) (*Version, error)
	// GetVersionByLabel returns a revision by its label.
	GetVersionByLabel(ctx context.Context, label string) (*Version, error)
	// ListVersions returns all revisions, newest first.
	ListVersions(ctx context.Context) ([]Version, error)
}
