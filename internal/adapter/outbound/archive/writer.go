// Package archive writes purged-session records to disk as atomic JSON
// files. A session is only deleted from the database after its archive file
// is durably written, so the writer uses write-tmp-fsync-rename plus a
// cross-process flock.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/session"
)

// Record is the on-disk shape of an archived session.
type Record struct {
	// Session is the session row at purge time.
	Session *session.Session `json:"session"`
	// Entries is the session's full log, in chain order.
	Entries []audit.Entry `json:"entries"`
	// EntryCount duplicates len(Entries) for quick inspection.
	EntryCount int `json:"entry_count"`
	// ExportedAt is when the archive was written (UTC).
	ExportedAt time.Time `json:"exported_at"`
	// ExportedBy identifies the sweeper or operator that triggered the purge.
	ExportedBy string `json:"exported_by,omitempty"`
}

// Writer persists archive records under a directory.
type Writer struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewWriter creates a Writer rooted at dir. The directory is created on
// first write.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger}
}

// Dir returns the configured archive directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Write stores the record as session-<id>.json and returns the final path.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Marshal the record as indented JSON
//  4. Write to path+".tmp" with 0600 permissions
//  5. Fsync the temp file
//  6. Rename path+".tmp" -> path
//  7. Release flock
func (w *Writer) Write(rec *Record) (string, error) {
	if rec == nil || rec.Session == nil {
		return "", fmt.Errorf("archive record has no session")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	rec.EntryCount = len(rec.Entries)
	if rec.ExportedAt.IsZero() {
		rec.ExportedAt = time.Now().UTC()
	}

	path := filepath.Join(w.dir, fmt.Sprintf("session-%s.json", rec.Session.ID))

	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return "", fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return "", fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive record: %w", err)
	}
	data = append(data, '\n')

	if err := writeAtomic(path, data); err != nil {
		return "", err
	}

	w.logger.Debug("session archived", "session_id", rec.Session.ID, "path", path, "entries", rec.EntryCount)
	return path, nil
}

// Read loads an archive record back from disk. Used by tests and the
// compliance tooling.
func (w *Writer) Read(sessionID string) (*Record, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("session-%s.json", sessionID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse archive %s: %w", path, err)
	}
	return &rec, nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over the
// target path. On any error the temp file is cleaned up.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to archive: %w", err)
	}
	return nil
}
