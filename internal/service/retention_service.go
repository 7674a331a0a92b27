package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tame-ai/tame/internal/adapter/outbound/archive"
	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/domain/session"
)

// Retention defaults. The sweeper holds no long-lived locks; each expired
// session is purged in its own transaction.
const (
	defaultSweepInterval = time.Hour
	defaultReapAfter     = 24 * time.Hour
	defaultReapBatch     = 500

	// statusHorizon bounds the "upcoming deletions" window in the
	// retention status report.
	statusHorizon = 30 * 24 * time.Hour
	// statusDetailLimit caps the per-list detail in the status report.
	statusDetailLimit = 10
	// nextReviewAfter suggests when operators should re-check status.
	nextReviewAfter = 7 * 24 * time.Hour
)

// RetentionService archives sessions, purges them once their retention
// deadline passes, and reaps log entries whose outcome was never reported.
type RetentionService struct {
	sessions session.Store
	logs     audit.Store
	archives *archive.Writer // nil disables export-before-purge
	journal  *JournalService
	logger   *slog.Logger

	interval  time.Duration
	reapAfter time.Duration
	reapBatch int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RetentionOption configures RetentionService.
type RetentionOption func(*RetentionService)

// WithSweepInterval sets how often the background sweeper runs.
func WithSweepInterval(d time.Duration) RetentionOption {
	return func(s *RetentionService) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithReapAfter sets how long an entry may stay pending before the sweeper
// seals it as abandoned.
func WithReapAfter(d time.Duration) RetentionOption {
	return func(s *RetentionService) {
		if d > 0 {
			s.reapAfter = d
		}
	}
}

// WithArchiveWriter enables export-before-purge: each expired session is
// written to the archive directory before its rows are deleted.
func WithArchiveWriter(w *archive.Writer) RetentionOption {
	return func(s *RetentionService) {
		s.archives = w
	}
}

// NewRetentionService creates a RetentionService.
func NewRetentionService(sessions session.Store, logs audit.Store, jrnl *JournalService, logger *slog.Logger, opts ...RetentionOption) *RetentionService {
	s := &RetentionService{
		sessions:  sessions,
		logs:      logs,
		journal:   jrnl,
		logger:    logger,
		interval:  defaultSweepInterval,
		reapAfter: defaultReapAfter,
		reapBatch: defaultReapBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ArchivalResult reports which sessions were archived.
type ArchivalResult struct {
	Archived       []string  `json:"archived"`
	RetentionUntil time.Time `json:"retention_until"`
}

// ScheduleArchival marks sessions archived with a retention deadline of now
// plus retentionDays. Unknown ids are skipped; the result lists the ids
// actually updated. Archived sessions stay queryable until the sweeper
// purges them.
func (s *RetentionService) ScheduleArchival(ctx context.Context, ids []string, retentionDays int, by string) (*ArchivalResult, error) {
	if len(ids) == 0 {
		return nil, &ValidationError{Message: "session_ids is required"}
	}
	if retentionDays < 0 {
		return nil, &ValidationError{Message: "retention_days must not be negative"}
	}

	until := time.Now().UTC().Add(time.Duration(retentionDays) * 24 * time.Hour)
	updated, err := s.sessions.Archive(ctx, ids, until, by)
	if err != nil {
		return nil, fmt.Errorf("archive sessions: %w", err)
	}

	s.journal.Emit(journal.Event{
		Type:    journal.EventRetentionArchive,
		Message: fmt.Sprintf("archived %d of %d sessions for %d-day retention", len(updated), len(ids), retentionDays),
		Actor:   by,
		Fields: map[string]any{
			"session_ids":     updated,
			"retention_until": until,
		},
	})
	s.logger.Info("sessions archived",
		"requested", len(ids), "archived", len(updated),
		"retention_days", retentionDays, "archived_by", by)

	return &ArchivalResult{Archived: updated, RetentionUntil: until}, nil
}

// RetentionAction describes one session in the status report's detail lists.
type RetentionAction struct {
	SessionID      string    `json:"session_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	RetentionUntil time.Time `json:"retention_until"`
	Days           int       `json:"days"`
}

// RetentionStatus summarizes the retention posture: sessions past their
// deadline, sessions approaching it, and whether the service is compliant
// (no overdue deletions).
type RetentionStatus struct {
	UpcomingCount    int               `json:"upcoming_deletions"`
	OverdueCount     int               `json:"overdue_deletions"`
	ArchivedSessions int               `json:"archived_sessions"`
	Compliant        bool              `json:"compliant"`
	NextReview       time.Time         `json:"next_review_date"`
	Upcoming         []RetentionAction `json:"upcoming_actions"`
	Overdue          []RetentionAction `json:"overdue_actions"`
}

// Status reports upcoming and overdue retention deletions.
func (s *RetentionService) Status(ctx context.Context) (*RetentionStatus, error) {
	now := time.Now().UTC()
	pending, err := s.sessions.RetentionPending(ctx, now.Add(statusHorizon))
	if err != nil {
		return nil, err
	}
	archived, err := s.sessions.CountArchived(ctx)
	if err != nil {
		return nil, err
	}

	status := &RetentionStatus{
		ArchivedSessions: archived,
		NextReview:       now.Add(nextReviewAfter),
		Upcoming:         []RetentionAction{},
		Overdue:          []RetentionAction{},
	}
	for i := range pending {
		sess := &pending[i]
		if sess.RetentionUntil == nil {
			continue
		}
		action := RetentionAction{
			SessionID:      sess.ID,
			AgentID:        sess.AgentID,
			RetentionUntil: *sess.RetentionUntil,
		}
		if sess.RetentionUntil.Before(now) {
			action.Days = int(now.Sub(*sess.RetentionUntil).Hours() / 24)
			status.OverdueCount++
			if len(status.Overdue) < statusDetailLimit {
				status.Overdue = append(status.Overdue, action)
			}
		} else {
			action.Days = int(sess.RetentionUntil.Sub(now).Hours() / 24)
			status.UpcomingCount++
			if len(status.Upcoming) < statusDetailLimit {
				status.Upcoming = append(status.Upcoming, action)
			}
		}
	}
	status.Compliant = status.OverdueCount == 0
	return status, nil
}

// SweepFailure records one session the sweeper could not purge.
type SweepFailure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SweepResult reports one sweep run.
type SweepResult struct {
	DryRun         bool           `json:"dry_run"`
	Candidates     []string       `json:"candidates"`
	WouldDelete    int64          `json:"would_delete"`
	DeletedCount   int            `json:"deleted_count"`
	EntriesRemoved int64          `json:"entries_removed"`
	Failures       []SweepFailure `json:"failures,omitempty"`
}

// SweepExpired purges archived sessions whose retention deadline has passed.
// With dryRun, it reports the candidates and the number of log entries a
// real run would remove. A failed purge never stops the sweep; the failure
// is recorded and the next session is processed. When an archive writer is
// configured, a session is deleted only after its export file is durably
// written.
func (s *RetentionService) SweepExpired(ctx context.Context, dryRun bool) (*SweepResult, error) {
	now := time.Now().UTC()
	ids, err := s.sessions.Expired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}

	result := &SweepResult{DryRun: dryRun, Candidates: ids}
	if dryRun {
		for _, id := range ids {
			summary, err := s.sessions.Summarize(ctx, id)
			if err != nil {
				continue
			}
			result.WouldDelete += int64(summary.EntryCount)
		}
		return result, nil
	}
	if len(ids) == 0 {
		return result, nil
	}

	for _, id := range ids {
		removed, err := s.purgeSession(ctx, id)
		if err != nil {
			s.logger.Error("session purge failed", "session_id", id, "error", err)
			result.Failures = append(result.Failures, SweepFailure{SessionID: id, Error: err.Error()})
			continue
		}
		result.DeletedCount++
		result.EntriesRemoved += removed
	}

	s.journal.Emit(journal.Event{
		Type:    journal.EventRetentionSweep,
		Message: fmt.Sprintf("retention sweep deleted %d of %d expired sessions", result.DeletedCount, len(ids)),
		Fields: map[string]any{
			"candidates":      len(ids),
			"deleted":         result.DeletedCount,
			"entries_removed": result.EntriesRemoved,
			"failures":        len(result.Failures),
		},
	})
	s.logger.Info("retention sweep completed",
		"candidates", len(ids), "deleted", result.DeletedCount,
		"entries_removed", result.EntriesRemoved, "failures", len(result.Failures))
	return result, nil
}

// purgeSession exports one session when an archive writer is configured,
// then deletes its rows. Export failure aborts the purge so no session is
// deleted without its archive file.
func (s *RetentionService) purgeSession(ctx context.Context, id string) (int64, error) {
	if s.archives != nil {
		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("load session: %w", err)
		}
		entries, err := s.collectEntries(ctx, id)
		if err != nil {
			return 0, err
		}
		rec := &archive.Record{
			Session:    sess,
			Entries:    entries,
			ExportedBy: "retention-sweeper",
		}
		if _, err := s.archives.Write(rec); err != nil {
			return 0, fmt.Errorf("export before purge: %w", err)
		}
	}
	return s.sessions.Delete(ctx, id)
}

// collectEntries loads a session's full log in index order.
func (s *RetentionService) collectEntries(ctx context.Context, id string) ([]audit.Entry, error) {
	var all []audit.Entry
	for offset := 0; ; offset += verifyPageSize {
		entries, err := s.logs.Session(ctx, id, verifyPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("load session entries: %w", err)
		}
		all = append(all, entries...)
		if len(entries) < verifyPageSize {
			return all, nil
		}
	}
}

// ReapResult reports one reap run.
type ReapResult struct {
	Reaped int       `json:"reaped"`
	Cutoff time.Time `json:"cutoff"`
}

// ReapAbandoned seals entries that have stayed pending longer than the
// configured threshold as errors. Each run processes at most one batch;
// the hourly sweeper catches up over successive runs.
func (s *RetentionService) ReapAbandoned(ctx context.Context) (*ReapResult, error) {
	cutoff := time.Now().UTC().Add(-s.reapAfter)
	entries, err := s.logs.PendingBefore(ctx, cutoff, s.reapBatch)
	if err != nil {
		return nil, fmt.Errorf("find abandoned entries: %w", err)
	}

	result := &ReapResult{Cutoff: cutoff}
	for i := range entries {
		e := &entries[i]
		err := s.logs.Seal(ctx, e.ID, audit.Seal{
			Status:       audit.StatusError,
			ErrorMessage: "abandoned",
		})
		if errors.Is(err, audit.ErrAlreadySealed) {
			continue
		}
		if err != nil {
			s.logger.Error("abandoned entry seal failed",
				"log_id", e.ID, "session_id", e.SessionID, "error", err)
			continue
		}
		result.Reaped++
	}

	if result.Reaped > 0 {
		s.journal.Emit(journal.Event{
			Type:    journal.EventRetentionReap,
			Message: fmt.Sprintf("sealed %d abandoned pending entries as errors", result.Reaped),
			Fields: map[string]any{
				"reaped": result.Reaped,
				"cutoff": cutoff,
			},
		})
		s.logger.Info("abandoned entries reaped", "count", result.Reaped, "cutoff", cutoff)
	}
	return result, nil
}

// Start launches the background sweeper. Stop cancels it and waits.
func (s *RetentionService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.sweepLoop(ctx)
	s.logger.Info("retention sweeper started", "interval", s.interval, "reap_after", s.reapAfter)
}

func (s *RetentionService) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, false); err != nil {
				s.logger.Error("scheduled retention sweep failed", "error", err)
			}
			if _, err := s.ReapAbandoned(ctx); err != nil {
				s.logger.Error("scheduled pending reap failed", "error", err)
			}
		}
	}
}

// Stop terminates the background sweeper and waits for it to exit.
func (s *RetentionService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
