package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tame-ai/tame/internal/ctxkey"
	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/internal/domain/session"
)

// loggerFromContext retrieves the request-scoped logger from context.
// Uses the same key as the API middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// EnforcementService orchestrates one governed tool call: session resolution,
// policy evaluation, the audit append, and the subscriber fan-out.
type EnforcementService struct {
	sessions    *SessionService
	policies    *PolicyService
	audit       *AuditService
	broadcaster *Broadcaster
	stats       *StatsService
	bypass      bool
	logger      *slog.Logger
}

// EnforcementOption configures EnforcementService.
type EnforcementOption func(*EnforcementService)

// WithBypassMode short-circuits every enforce call to allow without
// consulting the policy. Entries are still appended, tagged bypass. For
// local development only.
func WithBypassMode(enabled bool) EnforcementOption {
	return func(s *EnforcementService) {
		s.bypass = enabled
	}
}

// NewEnforcementService creates an EnforcementService.
func NewEnforcementService(sessions *SessionService, policies *PolicyService, auditSvc *AuditService, bc *Broadcaster, stats *StatsService, logger *slog.Logger, opts ...EnforcementOption) *EnforcementService {
	s := &EnforcementService{
		sessions:    sessions,
		policies:    policies,
		audit:       auditSvc,
		broadcaster: bc,
		stats:       stats,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bypass {
		s.logger.Warn("bypass mode active: every tool call will be allowed without policy evaluation")
	}
	return s
}

// BypassActive reports whether bypass mode is enabled.
func (s *EnforcementService) BypassActive() bool { return s.bypass }

// EnforceRequest is one tool call submitted for a decision.
type EnforceRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"tool_args"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// EnforceResult is the decision returned to the caller.
type EnforceResult struct {
	SessionID     string    `json:"session_id"`
	Decision      string    `json:"decision"`
	RuleName      string    `json:"rule_name,omitempty"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	LogID         int64     `json:"log_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Enforce decides one tool call and appends it to the audit log:
//
//  1. Resolve the session, creating it on first use.
//  2. Snapshot the active policy.
//  3. Merge session metadata, caller context, and a wall-clock sample into
//     the evaluation context.
//  4. Evaluate (or short-circuit to allow under bypass).
//  5. Append the pending entry to the session's chain.
//  6. Publish the decision to subscribers.
//
// Every decision is appended, including denials; denied entries keep their
// pending outcome until the caller reports one or retention reaps them.
// Once the append has committed, the entry survives caller disconnects.
func (s *EnforcementService) Enforce(ctx context.Context, req EnforceRequest) (*EnforceResult, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}

	if req.ToolName == "" {
		return nil, &ValidationError{Message: "tool_name is required"}
	}

	sess, created, err := s.sessions.Resolve(ctx, req.SessionID, req.AgentID, req.UserID, req.Metadata)
	if err != nil {
		s.stats.RecordError()
		return nil, err
	}

	now := time.Now().UTC()

	in := policy.CallInput{
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		SessionContext: buildContext(sess, req.Context, now),
		Metadata:       req.Metadata,
	}

	var decision policy.Decision
	if s.bypass {
		version, _ := s.policies.Current()
		decision = policy.Decision{
			Action:        policy.ActionAllow,
			Reason:        "Bypass mode active: allowed without policy evaluation",
			PolicyVersion: version.Label,
		}
	} else {
		decision = s.policies.Decide(in)
	}

	entry := &audit.Entry{
		SessionID:     sess.ID,
		Timestamp:     now,
		ToolName:      req.ToolName,
		Arguments:     req.Arguments,
		PolicyVersion: decision.PolicyVersion,
		Decision:      string(decision.Action),
		RuleName:      decision.RuleName,
		Reason:        decision.Reason,
		Bypass:        s.bypass,
	}
	logID, err := s.audit.Append(ctx, entry)
	if err != nil {
		s.stats.RecordError()
		logger.Error("audit append failed, rejecting call",
			"session_id", sess.ID, "tool_name", req.ToolName, "error", err)
		return nil, err
	}

	s.stats.RecordDecision(req.ToolName, decision, s.bypass)
	s.broadcaster.Publish(Notification{Type: NotifyDecision, Entry: entry})

	logger.Info("tool call decided",
		"session_id", sess.ID,
		"session_created", created,
		"tool_name", req.ToolName,
		"decision", decision.Action,
		"rule_name", decision.RuleName,
		"policy_version", decision.PolicyVersion,
		"log_id", logID,
		"bypass", s.bypass,
	)

	return &EnforceResult{
		SessionID:     sess.ID,
		Decision:      string(decision.Action),
		RuleName:      decision.RuleName,
		Reason:        decision.Reason,
		PolicyVersion: decision.PolicyVersion,
		LogID:         logID,
		Timestamp:     entry.Timestamp,
	}, nil
}

// UpdateResult seals the outcome of a previously decided call and publishes
// the sealed entry to subscribers.
func (s *EnforcementService) UpdateResult(ctx context.Context, sessionID string, logID int64, out Outcome) (*audit.Entry, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}

	entry, err := s.audit.SealOutcome(ctx, sessionID, logID, out)
	if err != nil {
		return nil, err
	}

	s.stats.RecordSeal(entry.Status)
	s.broadcaster.Publish(Notification{Type: NotifyResult, Entry: entry})

	logger.Info("tool call outcome recorded",
		"session_id", sessionID,
		"log_id", logID,
		"status", entry.Status,
		"duration_ms", entry.DurationMS,
	)
	return entry, nil
}

// buildContext merges the evaluation context for one call. Precedence, lowest
// to highest: stored session metadata, caller-supplied context, the session
// identity keys, the clock sample.
func buildContext(sess *session.Session, callerCtx map[string]any, now time.Time) map[string]any {
	merged := make(map[string]any, len(sess.Metadata)+len(callerCtx)+5)
	for k, v := range sess.Metadata {
		merged[k] = v
	}
	for k, v := range callerCtx {
		merged[k] = v
	}
	merged["session_id"] = sess.ID
	if sess.AgentID != "" {
		merged["agent_id"] = sess.AgentID
	}
	if sess.UserID != "" {
		merged["user_id"] = sess.UserID
	}
	return withClockKeys(merged, now)
}

// withClockKeys returns a copy of ctx with the wall-clock sample injected
// under the reserved keys. Evaluation itself never reads the clock; rules
// with time-of-day or day-of-week expectations match against these values.
func withClockKeys(ctx map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		out[k] = v
	}
	out[policy.ContextKeyCurrentTime] = now.Format("15:04")
	out[policy.ContextKeyCurrentDay] = strings.ToLower(now.Weekday().String())
	return out
}
