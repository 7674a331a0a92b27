package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/internal/service"
	"github.com/tame-ai/tame/pkg/policydoc"
)

// RuleSummary is one rule in the GET /api/v1/policy/current response.
type RuleSummary struct {
	Name        string   `json:"name"`
	Action      string   `json:"action"`
	Tools       []string `json:"tools"`
	Description string   `json:"description,omitempty"`
}

// PolicyCurrentResponse is the JSON response for GET /api/v1/policy/current.
type PolicyCurrentResponse struct {
	Version    string        `json:"version"`
	Hash       string        `json:"hash"`
	RulesCount int           `json:"rules_count"`
	Rules      []RuleSummary `json:"rules"`
}

// DecisionBody is the decision part of a policy test response.
type DecisionBody struct {
	Action        string `json:"action"`
	RuleName      string `json:"rule_name,omitempty"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
}

// PolicyTestResponse is the JSON response for GET /api/v1/policy/test.
type PolicyTestResponse struct {
	ToolName       string         `json:"tool_name"`
	ToolArgs       map[string]any `json:"tool_args"`
	SessionContext map[string]any `json:"session_context"`
	Decision       DecisionBody   `json:"decision"`
}

// ValidateRequest is the JSON body for POST /api/v1/policy/validate.
type ValidateRequest struct {
	PolicyContent string `json:"policy_content"`
	Description   string `json:"description,omitempty"`
}

// ValidateResponse is the JSON response for POST /api/v1/policy/validate.
type ValidateResponse struct {
	IsValid    bool     `json:"is_valid"`
	Errors     []string `json:"errors"`
	RulesCount int      `json:"rules_count"`
	Version    string   `json:"version,omitempty"`
}

// CreateRequest is the JSON body for POST /api/v1/policy/create.
type CreateRequest struct {
	PolicyContent string `json:"policy_content"`
	Version       string `json:"version"`
	Description   string `json:"description,omitempty"`
	Activate      bool   `json:"activate,omitempty"`
}

// CreateResponse is the JSON response for POST /api/v1/policy/create.
// Validation failures are carried in the envelope, not as an error status.
type CreateResponse struct {
	Success          bool     `json:"success"`
	PolicyID         int64    `json:"policy_id,omitempty"`
	Version          string   `json:"version,omitempty"`
	Message          string   `json:"message"`
	ValidationErrors []string `json:"validation_errors"`
}

// VersionInfo is one stored policy version in the versions listing.
type VersionInfo struct {
	ID          int64     `json:"id"`
	Version     string    `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handlePolicyCurrent(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	version, compiled := s.policies.Current()
	resp := PolicyCurrentResponse{
		Version:    version.Label,
		Hash:       version.Fingerprint,
		RulesCount: compiled.RuleCount(),
		Rules:      []RuleSummary{},
	}
	if doc, err := policydoc.Parse([]byte(version.Source)); err == nil {
		for _, rule := range doc.Rules {
			resp.Rules = append(resp.Rules, RuleSummary{
				Name:        rule.Name,
				Action:      rule.Action,
				Tools:       rule.Tools,
				Description: rule.Description,
			})
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePolicyTest(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	q := r.URL.Query()
	toolName := q.Get("tool_name")
	if toolName == "" {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "tool_name query parameter is required", nil)
		return
	}
	args, err := parseJSONParam(q.Get("tool_args"))
	if err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON in tool_args", nil)
		return
	}
	sctx, err := parseJSONParam(q.Get("session_context"))
	if err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON in session_context", nil)
		return
	}

	decision := s.policies.Test(policy.CallInput{
		ToolName:       toolName,
		Arguments:      args,
		SessionContext: sctx,
	})
	s.respondJSON(w, http.StatusOK, PolicyTestResponse{
		ToolName:       toolName,
		ToolArgs:       args,
		SessionContext: sctx,
		Decision: DecisionBody{
			Action:        string(decision.Action),
			RuleName:      decision.RuleName,
			Reason:        decision.Reason,
			PolicyVersion: decision.PolicyVersion,
		},
	})
}

func (s *Server) handlePolicyValidate(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	var req ValidateRequest
	if err := readJSON(r, &req); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}
	if req.PolicyContent == "" {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "policy_content is required", nil)
		return
	}

	result := s.policies.Validate([]byte(req.PolicyContent))
	resp := ValidateResponse{
		IsValid:    result.OK,
		Errors:     policydoc.ErrorStrings(result.Issues),
		RulesCount: result.RulesCount,
		Version:    result.VersionLabel,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	var req CreateRequest
	if err := readJSON(r, &req); err != nil {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}
	if req.PolicyContent == "" {
		s.respondKind(w, http.StatusBadRequest, KindValidation, "policy_content is required", nil)
		return
	}

	result, err := s.policies.Create(r.Context(), []byte(req.PolicyContent), req.Version, req.Description, req.Activate)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			issues := policydoc.ErrorStrings(verr.Issues)
			if len(issues) == 0 {
				issues = []string{verr.Message}
			}
			s.respondJSON(w, http.StatusOK, CreateResponse{
				Success:          false,
				Message:          "policy validation failed",
				ValidationErrors: issues,
			})
			return
		}
		s.respondError(w, r, err)
		return
	}

	msg := "policy version " + result.Label + " created"
	if result.Activated {
		msg += " and activated"
	}
	s.respondJSON(w, http.StatusOK, CreateResponse{
		Success:          true,
		PolicyID:         result.PolicyID,
		Version:          result.Label,
		Message:          msg,
		ValidationErrors: []string{},
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	result, err := s.policies.Reload(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	versions, err := s.policies.Versions(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	infos := make([]VersionInfo, len(versions))
	for i, v := range versions {
		infos[i] = VersionInfo{
			ID:          v.ID,
			Version:     v.Label,
			Fingerprint: v.Fingerprint,
			Description: v.Description,
			Active:      v.Active,
			CreatedAt:   v.CreatedAt,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"versions": infos, "count": len(infos)})
}

func (s *Server) handlePolicyActivate(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "policy service not configured", nil)
		return
	}

	result, err := s.policies.ActivateByLabel(r.Context(), r.PathValue("version"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// parseJSONParam decodes an optional JSON-object query parameter.
func parseJSONParam(v string) (map[string]any, error) {
	if v == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, err
	}
	return m, nil
}
