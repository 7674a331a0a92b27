package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/internal/domain/session"
	"github.com/tame-ai/tame/internal/service"
)

// Error kinds carried in the error body. POLICY_DENIED and APPROVAL_REQUIRED
// are not listed: denials are normal 200 decision responses.
const (
	KindValidation      = "VALIDATION"
	KindNotFound        = "NOT_FOUND"
	KindConflict        = "CONFLICT"
	KindUnauthenticated = "UNAUTHENTICATED"
	KindRateLimited     = "RATE_LIMITED"
	KindServer          = "SERVER"
)

// ErrorBody is the JSON error envelope: {"error": {...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondKind(w http.ResponseWriter, status int, kind, message string, details map[string]any) {
	s.respondJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: kind, Message: message, Details: details}})
}

// respondError maps a service error onto the wire error model. Unknown
// errors become SERVER with the request id attached for log correlation.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		var details map[string]any
		if len(verr.Issues) > 0 {
			details = map[string]any{"issues": verr.Issues}
		}
		s.respondKind(w, http.StatusBadRequest, KindValidation, verr.Message, details)
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, audit.ErrEntryNotFound),
		errors.Is(err, audit.ErrSessionMismatch):
		s.respondKind(w, http.StatusNotFound, KindNotFound, "Unknown session or log id", nil)
	case errors.Is(err, policy.ErrVersionNotFound):
		s.respondKind(w, http.StatusNotFound, KindNotFound, err.Error(), nil)
	case errors.Is(err, audit.ErrAlreadySealed),
		errors.Is(err, policy.ErrDuplicateLabel):
		s.respondKind(w, http.StatusConflict, KindConflict, err.Error(), nil)
	default:
		details := map[string]any{"request_id": requestIDFromContext(r.Context())}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			details["trace_id"] = sc.TraceID().String()
		}
		loggerFromContext(r.Context(), s.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		s.respondKind(w, http.StatusInternalServerError, KindServer,
			"internal server error", details)
	}
}

// readJSON decodes the request body into v.
func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
