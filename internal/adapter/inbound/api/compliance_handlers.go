package api

import (
	"net/http"

	"github.com/tame-ai/tame/internal/service"
)

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	if s.compliance == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "compliance service not configured", nil)
		return
	}

	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start_date"))
	if err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}
	end, err := parseTimeParam(q.Get("end_date"))
	if err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}

	report, err := s.compliance.AssembleReport(r.Context(), start, end, q.Get("detail"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetentionStatus(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "retention service not configured", nil)
		return
	}

	status, err := s.retention.Status(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "retention service not configured", nil)
		return
	}

	// dry_run defaults to true so a bare invocation never deletes.
	dryRun := r.URL.Query().Get("dry_run") != "false"
	result, err := s.retention.SweepExpired(r.Context(), dryRun)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleIntegrityVerify(w http.ResponseWriter, r *http.Request) {
	if s.compliance == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "compliance service not configured", nil)
		return
	}

	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start_date"))
	if err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}
	end, err := parseTimeParam(q.Get("end_date"))
	if err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
		return
	}

	var report *service.IntegrityReport
	if sessionID := q.Get("session_id"); sessionID != "" {
		report, err = s.compliance.VerifySession(r.Context(), sessionID)
	} else {
		report, err = s.compliance.VerifyRange(r.Context(), start, end)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}
