package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/session"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500

	// defaultRetentionDays applies when a single-session archive request
	// carries no body.
	defaultRetentionDays = 30
)

// SessionListResponse is the JSON response for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Count    int               `json:"count"`
}

// SessionDetailResponse is the JSON response for GET /api/v1/sessions/{id}.
type SessionDetailResponse struct {
	SessionID  string         `json:"session_id"`
	AgentID    string         `json:"agent_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Archived   bool           `json:"archived"`
	EntryCount int            `json:"entry_count"`
	Entries    []audit.Entry  `json:"entries"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DeleteResponse is the JSON response for DELETE /api/v1/sessions/{id}.
type DeleteResponse struct {
	SessionID      string `json:"session_id"`
	EntriesRemoved int64  `json:"entries_removed"`
}

// ArchiveRequest is the JSON body for bulk archival.
type ArchiveRequest struct {
	SessionIDs    []string `json:"session_ids"`
	RetentionDays int      `json:"retention_days"`
}

func parsePaging(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = defaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = min(n, maxPageSize)
		}
	}
	return page, pageSize
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "session service not configured", nil)
		return
	}

	page, pageSize := parsePaging(r)
	q := r.URL.Query()
	filter := session.Filter{
		AgentID:         q.Get("agent_id"),
		UserID:          q.Get("user_id"),
		IncludeArchived: q.Get("include_archived") == "true",
		Limit:           pageSize,
		Offset:          (page - 1) * pageSize,
	}

	summaries, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	s.respondJSON(w, http.StatusOK, SessionListResponse{
		Sessions: summaries,
		Page:     page,
		PageSize: pageSize,
		Count:    len(summaries),
	})
}

func (s *Server) handleSessionEntries(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || s.audit == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "session service not configured", nil)
		return
	}

	id := r.PathValue("id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	summary, err := s.sessions.Summary(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	page, pageSize := parsePaging(r)
	entries, err := s.audit.SessionEntries(r.Context(), id, pageSize, (page-1)*pageSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.respondJSON(w, http.StatusOK, SessionDetailResponse{
		SessionID:  sess.ID,
		AgentID:    sess.AgentID,
		UserID:     sess.UserID,
		CreatedAt:  sess.CreatedAt,
		Archived:   sess.Archived,
		EntryCount: summary.EntryCount,
		Entries:    entries,
		Metadata:   sess.Metadata,
	})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "session service not configured", nil)
		return
	}

	summary, err := s.sessions.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "session service not configured", nil)
		return
	}

	id := r.PathValue("id")
	removed, err := s.sessions.Delete(r.Context(), id, actorFromRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, DeleteResponse{SessionID: id, EntriesRemoved: removed})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "retention service not configured", nil)
		return
	}

	// The body is optional here; an absent retention_days falls back to
	// the configured default.
	req := ArchiveRequest{RetentionDays: s.retentionDays}
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}
	req.SessionIDs = []string{r.PathValue("id")}

	result, err := s.retention.ScheduleArchival(r.Context(), req.SessionIDs, req.RetentionDays, actorFromRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(result.Archived) == 0 {
		s.respondKind(w, http.StatusNotFound, KindNotFound, "Unknown session or log id", nil)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkArchive(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "retention service not configured", nil)
		return
	}

	req := ArchiveRequest{RetentionDays: s.retentionDays}
	if err := readJSON(r, &req); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}

	result, err := s.retention.ScheduleArchival(r.Context(), req.SessionIDs, req.RetentionDays, actorFromRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleExportSessions(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "audit service not configured", nil)
		return
	}

	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "csv" && format != "json" {
		s.respondKind(w, http.StatusBadRequest, KindValidation,
			fmt.Sprintf("unknown export format %q (want csv or json)", format), nil)
		return
	}

	filter := audit.Filter{
		SessionID: q.Get("session_id"),
		AgentID:   q.Get("agent_id"),
		UserID:    q.Get("user_id"),
		Decision:  q.Get("decision"),
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("start_date")); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("end_date")); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-export-%s.csv", stamp))
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-export-%s.json", stamp))
	}

	if err := s.audit.Export(r.Context(), filter, format, w); err != nil {
		// Headers are already written; all we can do is log.
		loggerFromContext(r.Context(), s.logger).Error("audit export failed", "error", err)
	}
}

// parseTimeParam accepts RFC 3339 timestamps and bare dates.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (want RFC 3339 or YYYY-MM-DD)", v)
}

// actorFromRequest identifies the caller for journal attribution: the
// truncated API key hash when authenticated, the client IP otherwise.
func actorFromRequest(r *http.Request) string {
	return callerKey(r)
}
