package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/domain/session"
)

// SessionService manages the session rows that group log entries.
type SessionService struct {
	store   session.Store
	journal *JournalService
	logger  *slog.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(store session.Store, jrnl *JournalService, logger *slog.Logger) *SessionService {
	return &SessionService{
		store:   store,
		journal: jrnl,
		logger:  logger,
	}
}

// Resolve returns the session with the given id, creating the row when it
// does not exist yet. An empty id generates a fresh identifier. The bool
// reports whether a new session was created.
func (s *SessionService) Resolve(ctx context.Context, id, agentID, userID string, metadata map[string]any) (*session.Session, bool, error) {
	if id == "" {
		generated, err := session.GenerateID()
		if err != nil {
			return nil, false, err
		}
		sess, err := s.create(ctx, generated, agentID, userID, metadata)
		if err != nil {
			return nil, false, err
		}
		return sess, true, nil
	}

	existing, err := s.store.Get(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("resolve session: %w", err)
	}

	sess, err := s.create(ctx, id, agentID, userID, metadata)
	if errors.Is(err, session.ErrDuplicateSession) {
		// Lost the race against a concurrent first call for the same id;
		// the existing row wins.
		existing, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("resolve session: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *SessionService) create(ctx context.Context, id, agentID, userID string, metadata map[string]any) (*session.Session, error) {
	sess := &session.Session{
		ID:        id,
		AgentID:   agentID,
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Debug("session created", "session_id", sess.ID, "agent_id", agentID, "user_id", userID)
	return sess, nil
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.store.Get(ctx, id)
}

// List returns per-session summaries matching the filter, newest first.
func (s *SessionService) List(ctx context.Context, f session.Filter) ([]session.Summary, error) {
	return s.store.List(ctx, f)
}

// Summary returns the aggregate for one session.
func (s *SessionService) Summary(ctx context.Context, id string) (*session.Summary, error) {
	return s.store.Summarize(ctx, id)
}

// Delete removes a session and its log entries, returning the number of
// entries removed.
func (s *SessionService) Delete(ctx context.Context, id, actor string) (int64, error) {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return 0, err
	}

	s.journal.Emit(journal.Event{
		Type:      journal.EventSessionDelete,
		Message:   fmt.Sprintf("session deleted with %d log entries", removed),
		SessionID: id,
		Actor:     actor,
	})
	s.logger.Info("session deleted", "session_id", id, "entries_removed", removed, "actor", actor)
	return removed, nil
}
