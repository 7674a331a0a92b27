package service

import (
	"context"
	"errors"
	"testing"
	"time"

	journalmem "github.com/tame-ai/tame/internal/adapter/outbound/journal"
	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/internal/domain/session"
)

type complianceFixture struct {
	svc      *ComplianceService
	audit    *AuditService
	logs     *mockLogStore
	sessions *mockSessionStore
	js       *JournalService
	events   *journalmem.MemoryStore
}

func newComplianceFixture() *complianceFixture {
	sessStore := newMockSessionStore()
	logStore := newMockLogStore()
	auditSvc := NewAuditService(logStore, testChainSecret, discardLogger())
	js, journalStore := startedJournal()
	retention := NewRetentionService(sessStore, logStore, js, discardLogger())
	svc := NewComplianceService(auditSvc, sessStore, retention, js, discardLogger(),
		WithPolicyInfo(func() policy.Version {
			return policy.Version{Label: "v1", Fingerprint: "fp-v1"}
		}),
	)
	return &complianceFixture{
		svc:      svc,
		audit:    auditSvc,
		logs:     logStore,
		sessions: sessStore,
		js:       js,
		events:   journalStore,
	}
}

// appendDecision appends one entry with the given verdict.
func appendDecision(t *testing.T, svc *AuditService, sessionID, decision string, bypass bool) *audit.Entry {
	t.Helper()
	e := &audit.Entry{
		SessionID:     sessionID,
		ToolName:      "read_file",
		Arguments:     map[string]any{"path": "/tmp/x"},
		PolicyVersion: "v1",
		Decision:      decision,
		Reason:        "test",
		Bypass:        bypass,
	}
	if _, err := svc.Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return e
}

// journalHas reports whether a stopped journal recorded an event type.
func journalHas(t *testing.T, fx *complianceFixture, eventType string) bool {
	t.Helper()
	fx.js.Stop()
	events, err := fx.events.Recent(context.Background(), 50)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	for _, ev := range events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// TestComplianceServiceVerifyRange verifies clean chains over the default
// thirty-day window and journals the run.
func TestComplianceServiceVerifyRange(t *testing.T) {
	fx := newComplianceFixture()
	appendN(t, fx.audit, "sess-a", 3)
	appendN(t, fx.audit, "sess-b", 2)

	report, err := fx.svc.VerifyRange(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyRange() error = %v", err)
	}
	if !report.Valid {
		t.Errorf("Valid = false, violations: %+v", report.Violations)
	}
	if report.SessionsChecked != 2 || report.EntriesChecked != 5 {
		t.Errorf("checked %d sessions / %d entries, want 2/5", report.SessionsChecked, report.EntriesChecked)
	}

	now := time.Now().UTC()
	if report.PeriodEnd.After(now.Add(time.Minute)) || report.PeriodEnd.Before(now.Add(-time.Minute)) {
		t.Errorf("PeriodEnd = %v, want about now", report.PeriodEnd)
	}
	wantStart := report.PeriodEnd.Add(-30 * 24 * time.Hour)
	if !report.PeriodStart.Equal(wantStart) {
		t.Errorf("PeriodStart = %v, want %v", report.PeriodStart, wantStart)
	}
	if report.VerifiedAt.IsZero() {
		t.Error("VerifiedAt not set")
	}

	if !journalHas(t, fx, journal.EventIntegrityVerify) {
		t.Error("no integrity.verify journal event recorded")
	}
}

// TestComplianceServiceVerifyRangeDetectsTampering surfaces a modified entry
// as a hash mismatch.
func TestComplianceServiceVerifyRangeDetectsTampering(t *testing.T) {
	fx := newComplianceFixture()
	entries := appendN(t, fx.audit, "sess-tamper", 3)
	fx.logs.mutate(entries[1].ID, func(e *audit.Entry) {
		e.ToolName = "edited_tool"
	})

	report, err := fx.svc.VerifyRange(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyRange() error = %v", err)
	}
	if report.Valid {
		t.Fatal("Valid = true for a tampered chain")
	}
	found := false
	for _, v := range report.Violations {
		if v.Kind == audit.ViolationHashMismatch && v.SessionID == "sess-tamper" {
			found = true
		}
	}
	if !found {
		t.Errorf("Violations = %+v, want a hash_mismatch for sess-tamper", report.Violations)
	}
}

// TestComplianceServiceAssembleReportSummary aggregates decisions, identity
// counts, integrity, and retention posture into one report.
func TestComplianceServiceAssembleReportSummary(t *testing.T) {
	fx := newComplianceFixture()
	now := time.Now().UTC()
	fx.sessions.put(session.Session{ID: "sess-a", AgentID: "agent-1", UserID: "user-1", CreatedAt: now})
	fx.sessions.put(session.Session{ID: "sess-b", AgentID: "agent-1", UserID: "user-2", CreatedAt: now})
	overdue := now.Add(-48 * time.Hour)
	fx.sessions.put(session.Session{ID: "sess-old", CreatedAt: now.Add(-90 * 24 * time.Hour), Archived: true, RetentionUntil: &overdue})

	appendDecision(t, fx.audit, "sess-a", "allow", false)
	appendDecision(t, fx.audit, "sess-a", "allow", false)
	appendDecision(t, fx.audit, "sess-a", "deny", false)
	appendDecision(t, fx.audit, "sess-b", "approve", false)
	appendDecision(t, fx.audit, "sess-b", "allow", true)
	// A session with no stored row still counts toward usage.
	appendDecision(t, fx.audit, "sess-ghost", "allow", false)

	report, err := fx.svc.AssembleReport(context.Background(), time.Time{}, time.Time{}, "")
	if err != nil {
		t.Fatalf("AssembleReport() error = %v", err)
	}

	if report.Metadata.ReportType != ReportSummary {
		t.Errorf("ReportType = %q, want summary by default", report.Metadata.ReportType)
	}
	if report.Metadata.PolicyVersion != "v1" || report.Metadata.PolicyFingerprint != "fp-v1" {
		t.Errorf("metadata policy = %q/%q, want v1/fp-v1",
			report.Metadata.PolicyVersion, report.Metadata.PolicyFingerprint)
	}
	u := report.Usage
	if u.TotalCalls != 6 {
		t.Errorf("TotalCalls = %d, want 6", u.TotalCalls)
	}
	if u.AllowedCalls != 4 || u.DeniedCalls != 1 || u.ApprovalRequired != 1 {
		t.Errorf("decisions = %d/%d/%d allow/deny/approve, want 4/1/1", u.AllowedCalls, u.DeniedCalls, u.ApprovalRequired)
	}
	if u.BypassedCalls != 1 {
		t.Errorf("BypassedCalls = %d, want 1", u.BypassedCalls)
	}
	if u.UniqueAgents != 1 || u.UniqueUsers != 2 {
		t.Errorf("identities = %d agents / %d users, want 1/2", u.UniqueAgents, u.UniqueUsers)
	}
	if want := 1.0 / 6.0; u.ViolationRate != want {
		t.Errorf("ViolationRate = %v, want %v", u.ViolationRate, want)
	}

	if report.Integrity == nil || !report.Integrity.Valid {
		t.Error("integrity section missing or invalid for a clean chain")
	}
	if report.Retention == nil || report.Retention.Compliant {
		t.Error("retention section should report the overdue session")
	}
	if report.Entries != nil {
		t.Errorf("summary report embedded %d entries", len(report.Entries))
	}

	if !journalHas(t, fx, journal.EventComplianceReport) {
		t.Error("no compliance.report journal event recorded")
	}
}

// TestComplianceServiceAssembleReportDetailed embeds the raw entries in
// chain order.
func TestComplianceServiceAssembleReportDetailed(t *testing.T) {
	fx := newComplianceFixture()
	fx.sessions.put(session.Session{ID: "sess-d", AgentID: "agent-1", CreatedAt: time.Now().UTC()})
	appendN(t, fx.audit, "sess-d", 4)

	report, err := fx.svc.AssembleReport(context.Background(), time.Time{}, time.Time{}, ReportDetailed)
	if err != nil {
		t.Fatalf("AssembleReport() error = %v", err)
	}
	if report.Metadata.ReportType != ReportDetailed {
		t.Errorf("ReportType = %q, want detailed", report.Metadata.ReportType)
	}
	if len(report.Entries) != 4 {
		t.Fatalf("embedded %d entries, want 4", len(report.Entries))
	}
	for i, e := range report.Entries {
		if e.Index != int64(i+1) {
			t.Errorf("entry %d has index %d, want chain order", i, e.Index)
		}
	}
}

// TestComplianceServiceAssembleReportUnknownDetail rejects detail levels
// other than summary and detailed.
func TestComplianceServiceAssembleReportUnknownDetail(t *testing.T) {
	fx := newComplianceFixture()

	_, err := fx.svc.AssembleReport(context.Background(), time.Time{}, time.Time{}, "csv")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error = %v, want *ValidationError", err)
	}
}

// TestComplianceServiceReportWindow applies the default thirty-day window
// and honors explicit ranges.
func TestComplianceServiceReportWindow(t *testing.T) {
	fx := newComplianceFixture()
	now := time.Now().UTC()

	stale := &audit.Entry{
		SessionID:     "sess-w",
		ToolName:      "read_file",
		Timestamp:     now.Add(-60 * 24 * time.Hour),
		PolicyVersion: "v1",
		Decision:      "allow",
		Reason:        "old",
	}
	if _, err := fx.audit.Append(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	appendDecision(t, fx.audit, "sess-w", "allow", false)

	report, err := fx.svc.AssembleReport(context.Background(), time.Time{}, time.Time{}, ReportSummary)
	if err != nil {
		t.Fatalf("AssembleReport() error = %v", err)
	}
	if report.Usage.TotalCalls != 1 {
		t.Errorf("default window TotalCalls = %d, want only the recent entry", report.Usage.TotalCalls)
	}

	report, err = fx.svc.AssembleReport(context.Background(), now.Add(-90*24*time.Hour), now, ReportSummary)
	if err != nil {
		t.Fatalf("AssembleReport() error = %v", err)
	}
	if report.Usage.TotalCalls != 2 {
		t.Errorf("explicit range TotalCalls = %d, want 2", report.Usage.TotalCalls)
	}
}
