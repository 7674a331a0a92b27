// Package journal persists operational events as JSON Lines with daily
// rotation, retention cleanup, and an in-memory ring for recent queries.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/tame-ai/tame/internal/domain/journal"
)

// Config holds settings for the file-backed journal.
type Config struct {
	// Dir is the directory where journal files are stored.
	Dir string
	// RetentionDays is the number of days to keep rotated files (default 30).
	RetentionDays int
	// CacheSize is the number of recent events kept in memory (default 1000).
	CacheSize int
}

// journalFilePattern matches journal filenames: journal-YYYY-MM-DD.log
var journalFilePattern = regexp.MustCompile(`^journal-(\d{4}-\d{2}-\d{2})\.log$`)

// FileStore implements journal.Store on daily JSON Lines files.
type FileStore struct {
	dir           string
	retentionDays int
	currentFile   *os.File
	currentDate   string
	ring          *eventRing
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

// Compile-time interface check.
var _ journal.Store = (*FileStore)(nil)

// NewFileStore creates a file-backed journal store. It creates the directory
// if needed, opens today's file, runs retention cleanup, reloads the ring
// from the most recent file, and starts the hourly cleanup goroutine.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:           cfg.Dir,
		retentionDays: cfg.RetentionDays,
		ring:          newEventRing(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openDateFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	s.runCleanup()
	s.populateRing()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes events as JSON lines to the current day's file and records
// them in the ring. Rotates when an event's date differs from the open file.
func (s *FileStore) Append(_ context.Context, events ...journal.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		dateStr := ev.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateLocked(dateStr); err != nil {
				return fmt.Errorf("journal rotation: %w", err)
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal journal event: %w", err)
		}
		if _, err := s.currentFile.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write journal event: %w", err)
		}

		s.ring.add(ev)
	}
	return nil
}

// Recent returns the latest events from the ring, newest first.
func (s *FileStore) Recent(_ context.Context, limit int) ([]journal.Event, error) {
	return s.ring.recent(limit), nil
}

// Flush syncs the current file to disk.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup goroutine and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// openDateFile opens or creates the journal file for the given date.
func (s *FileStore) openDateFile(dateStr string) error {
	path := filepath.Join(s.dir, fmt.Sprintf("journal-%s.log", dateStr))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open file %s: %w", path, err)
	}
	s.currentFile = f
	s.currentDate = dateStr
	return nil
}

// rotateLocked closes the current file and opens one for the new date.
// Must be called with s.mu held.
func (s *FileStore) rotateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	return s.openDateFile(dateStr)
}

// runCleanup deletes journal files older than the retention period.
func (s *FileStore) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("journal cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		matches := journalFilePattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", matches[1])
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Error("journal cleanup: failed to delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("journal cleanup completed", "deleted", deleted)
	}
}

// cleanupLoop runs retention cleanup every hour until the context is cancelled.
func (s *FileStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// populateRing reloads the ring from the most recent non-empty journal file
// so Recent works across restarts.
func (s *FileStore) populateRing() {
	name := s.findMostRecentFile()
	if name == "" {
		return
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		s.logger.Error("journal ring: failed to open file", "file", name, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var events []journal.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev journal.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("journal ring: skipping malformed line", "file", name, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("journal ring: error reading file", "file", name, "error", err)
	}

	start := 0
	if len(events) > s.ring.size {
		start = len(events) - s.ring.size
	}
	for _, ev := range events[start:] {
		s.ring.add(ev)
	}
}

// findMostRecentFile returns the newest non-empty journal filename, or "".
func (s *FileStore) findMostRecentFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	var names []string
	for _, e := range entries {
		if !journalFilePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[len(names)-1]
}

// eventRing is a fixed-size ring buffer of recent events.
type eventRing struct {
	events []journal.Event
	size   int
	head   int
	count  int
	mu     sync.RWMutex
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = 1000
	}
	return &eventRing{
		events: make([]journal.Event, size),
		size:   size,
	}
}

// add records an event, overwriting the oldest when full.
func (r *eventRing) add(ev journal.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.head] = ev
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// recent returns up to n events, newest first.
func (r *eventRing) recent(n int) []journal.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	if n == 0 {
		return nil
	}
	out := make([]journal.Event, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		out[i] = r.events[idx]
	}
	return out
}
