package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/internal/domain/session"
)

// Report detail levels.
const (
	ReportSummary  = "summary"
	ReportDetailed = "detailed"
)

// defaultReportWindow is applied when a verification or report request
// leaves the time range open.
const defaultReportWindow = 30 * 24 * time.Hour

// ComplianceService produces integrity verifications and the aggregate
// compliance report over the audit log.
type ComplianceService struct {
	audit      *AuditService
	sessions   session.Store
	retention  *RetentionService
	journal    *JournalService
	policyInfo func() policy.Version
	logger     *slog.Logger
}

// ComplianceOption configures ComplianceService.
type ComplianceOption func(*ComplianceService)

// WithPolicyInfo sources the active policy version stamped into report
// metadata.
func WithPolicyInfo(fn func() policy.Version) ComplianceOption {
	return func(s *ComplianceService) {
		s.policyInfo = fn
	}
}

// NewComplianceService creates a ComplianceService.
func NewComplianceService(auditSvc *AuditService, sessions session.Store, retention *RetentionService, jrnl *JournalService, logger *slog.Logger, opts ...ComplianceOption) *ComplianceService {
	s := &ComplianceService{
		audit:     auditSvc,
		sessions:  sessions,
		retention: retention,
		journal:   jrnl,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IntegrityReport is a chain verification over a time range.
type IntegrityReport struct {
	VerifyReport
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// VerifyRange recomputes the hash chains of every session with entries in
// the range. A zero end defaults to now; a zero start defaults to thirty
// days before the end.
func (s *ComplianceService) VerifyRange(ctx context.Context, start, end time.Time) (*IntegrityReport, error) {
	start, end = normalizeRange(start, end)
	report, err := s.verifyRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	s.journal.Emit(journal.Event{
		Type: journal.EventIntegrityVerify,
		Message: fmt.Sprintf("verified %d entries across %d sessions, %d violations",
			report.EntriesChecked, report.SessionsChecked, len(report.Violations)),
		Fields: map[string]any{
			"period_start": start,
			"period_end":   end,
			"sessions":     report.SessionsChecked,
			"entries":      report.EntriesChecked,
			"violations":   len(report.Violations),
		},
	})
	return report, nil
}

// VerifySession recomputes the hash chain of a single session.
func (s *ComplianceService) VerifySession(ctx context.Context, sessionID string) (*IntegrityReport, error) {
	if sessionID == "" {
		return nil, &ValidationError{Message: "session_id is required"}
	}
	inner, err := s.audit.Verify(ctx, audit.Filter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{
		VerifyReport: *inner,
		VerifiedAt:   time.Now().UTC(),
	}

	s.journal.Emit(journal.Event{
		Type: journal.EventIntegrityVerify,
		Message: fmt.Sprintf("verified session chain, %d entries, %d violations",
			report.EntriesChecked, len(report.Violations)),
		SessionID: sessionID,
		Fields: map[string]any{
			"entries":    report.EntriesChecked,
			"violations": len(report.Violations),
		},
	})
	return report, nil
}

func (s *ComplianceService) verifyRange(ctx context.Context, start, end time.Time) (*IntegrityReport, error) {
	inner, err := s.audit.Verify(ctx, audit.Filter{Since: start, Until: end})
	if err != nil {
		return nil, err
	}
	return &IntegrityReport{
		VerifyReport: *inner,
		PeriodStart:  start,
		PeriodEnd:    end,
		VerifiedAt:   time.Now().UTC(),
	}, nil
}

// ReportMetadata identifies one generated report.
type ReportMetadata struct {
	GeneratedAt       time.Time `json:"generated_at"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	ReportType        string    `json:"report_type"`
	PolicyVersion     string    `json:"policy_version,omitempty"`
	PolicyFingerprint string    `json:"policy_fingerprint,omitempty"`
}

// UsageSummary aggregates the decisions in the report period.
type UsageSummary struct {
	TotalCalls       int     `json:"total_tool_calls"`
	AllowedCalls     int     `json:"allowed_calls"`
	DeniedCalls      int     `json:"denied_calls"`
	ApprovalRequired int     `json:"approval_required"`
	BypassedCalls    int     `json:"bypassed_calls"`
	UniqueAgents     int     `json:"unique_agents"`
	UniqueUsers      int     `json:"unique_users"`
	ViolationRate    float64 `json:"violation_rate"`
}

// ComplianceReport is the full governance report: usage aggregates, chain
// integrity, and retention posture, plus the raw entries in detailed mode.
type ComplianceReport struct {
	Metadata  ReportMetadata   `json:"report_metadata"`
	Usage     UsageSummary     `json:"ai_system_usage"`
	Integrity *IntegrityReport `json:"data_integrity"`
	Retention *RetentionStatus `json:"retention_compliance"`
	Entries   []audit.Entry    `json:"detailed_entries,omitempty"`
}

// AssembleReport builds the compliance report for the period. Detail level
// ReportDetailed additionally embeds every log entry in the range.
func (s *ComplianceService) AssembleReport(ctx context.Context, start, end time.Time, detail string) (*ComplianceReport, error) {
	switch detail {
	case ReportSummary, ReportDetailed:
	case "":
		detail = ReportSummary
	default:
		return nil, &ValidationError{Message: fmt.Sprintf("unknown report type %q (want summary or detailed)", detail)}
	}
	start, end = normalizeRange(start, end)

	var (
		usage      UsageSummary
		sessionIDs = make(map[string]bool)
		detailed   []audit.Entry
	)
	err := s.audit.eachEntry(ctx, audit.Filter{Since: start, Until: end}, func(e *audit.Entry) error {
		usage.TotalCalls++
		switch e.Decision {
		case "allow":
			usage.AllowedCalls++
		case "deny":
			usage.DeniedCalls++
		case "approve":
			usage.ApprovalRequired++
		}
		if e.Bypass {
			usage.BypassedCalls++
		}
		sessionIDs[e.SessionID] = true
		if detail == ReportDetailed {
			detailed = append(detailed, *e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	agents := make(map[string]bool)
	users := make(map[string]bool)
	for id := range sessionIDs {
		sess, err := s.sessions.Get(ctx, id)
		if errors.Is(err, session.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve session %s: %w", id, err)
		}
		if sess.AgentID != "" {
			agents[sess.AgentID] = true
		}
		if sess.UserID != "" {
			users[sess.UserID] = true
		}
	}
	usage.UniqueAgents = len(agents)
	usage.UniqueUsers = len(users)
	if usage.TotalCalls > 0 {
		usage.ViolationRate = float64(usage.DeniedCalls) / float64(usage.TotalCalls)
	}

	integrity, err := s.verifyRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	retention, err := s.retention.Status(ctx)
	if err != nil {
		return nil, err
	}

	meta := ReportMetadata{
		GeneratedAt: time.Now().UTC(),
		PeriodStart: start,
		PeriodEnd:   end,
		ReportType:  detail,
	}
	if s.policyInfo != nil {
		v := s.policyInfo()
		meta.PolicyVersion = v.Label
		meta.PolicyFingerprint = v.Fingerprint
	}

	report := &ComplianceReport{
		Metadata:  meta,
		Usage:     usage,
		Integrity: integrity,
		Retention: retention,
		Entries:   detailed,
	}

	s.journal.Emit(journal.Event{
		Type:    journal.EventComplianceReport,
		Message: fmt.Sprintf("generated %s compliance report covering %d decisions", detail, usage.TotalCalls),
		Fields: map[string]any{
			"period_start": start,
			"period_end":   end,
			"report_type":  detail,
			"decisions":    usage.TotalCalls,
			"chain_valid":  integrity.Valid,
		},
	})
	s.logger.Info("compliance report generated",
		"report_type", detail,
		"decisions", usage.TotalCalls,
		"violations", len(integrity.Violations),
		"chain_valid", integrity.Valid,
	)
	return report, nil
}

// normalizeRange fills open range bounds: end defaults to now, start to the
// default report window before end.
func normalizeRange(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-defaultReportWindow)
	}
	return start, end
}
