package api

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tame-ai/tame/internal/service"
)

// ResultAck is the JSON response for POST /api/v1/enforce/{session_id}/result.
type ResultAck struct {
	Status string `json:"status"`
	LogID  int64  `json:"log_id"`
}

func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	if s.enforcement == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "enforcement service not configured", nil)
		return
	}

	var req service.EnforceRequest
	if err := readJSON(r, &req); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}

	ctx := r.Context()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "enforce",
			trace.WithAttributes(attribute.String("tool.name", req.ToolName)))
		defer span.End()
	}

	start := time.Now()
	result, err := s.enforcement.Enforce(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if s.metrics != nil {
		s.metrics.EnforceDuration.Observe(time.Since(start).Seconds())
		s.metrics.DecisionsTotal.WithLabelValues(result.Decision).Inc()
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEnforceResult(w http.ResponseWriter, r *http.Request) {
	if s.enforcement == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "enforcement service not configured", nil)
		return
	}

	sessionID := r.PathValue("session_id")
	logID, err := strconv.ParseInt(r.URL.Query().Get("log_id"), 10, 64)
	if err != nil || logID <= 0 {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "log_id query parameter is required", nil)
		return
	}

	var out service.Outcome
	if err := readJSON(r, &out); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}

	if _, err := s.enforcement.UpdateResult(r.Context(), sessionID, logID, out); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ResultAck{Status: "ok", LogID: logID})
}
