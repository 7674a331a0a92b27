package integration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tame-ai/tame/internal/adapter/outbound/archive"
	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/service"
)

const customPolicy = `version: custom-v1
rules:
  - name: block-deletes
    action: deny
    tools: ["delete_file", "/^rm_/"]
    reason: "Destructive operations are blocked"
  - name: hold-deploys
    action: approve
    tools: deploy
default_action: allow
`

// activateCustomPolicy installs the test policy so decisions are predictable.
func activateCustomPolicy(t *testing.T, s *stack) {
	t.Helper()
	if _, err := s.policies.Create(context.Background(), []byte(customPolicy), "custom-v1", "", true); err != nil {
		t.Fatalf("activate test policy: %v", err)
	}
}

// TestEnforceSealVerify drives the whole lifecycle of a session: decisions
// for each verdict, a sealed outcome, and a clean chain verification.
func TestEnforceSealVerify(t *testing.T) {
	s := newMemoryStack(t)
	activateCustomPolicy(t, s)
	ctx := context.Background()

	allowed, err := s.enforcer.Enforce(ctx, service.EnforceRequest{
		ToolName:  "read_file",
		Arguments: map[string]any{"path": "/tmp/notes.txt"},
		AgentID:   "agent-7",
	})
	if err != nil {
		t.Fatalf("enforce read_file: %v", err)
	}
	if allowed.Decision != "allow" {
		t.Errorf("read_file decision = %q, want allow", allowed.Decision)
	}
	if allowed.PolicyVersion != "custom-v1" {
		t.Errorf("policy_version = %q, want custom-v1", allowed.PolicyVersion)
	}
	if allowed.LogID <= 0 {
		t.Fatalf("log_id = %d, want positive", allowed.LogID)
	}
	if allowed.SessionID == "" {
		t.Fatal("session id should be generated when omitted")
	}

	denied, err := s.enforcer.Enforce(ctx, service.EnforceRequest{
		ToolName:  "delete_file",
		Arguments: map[string]any{"path": "/etc/passwd"},
		SessionID: allowed.SessionID,
	})
	if err != nil {
		t.Fatalf("enforce delete_file: %v", err)
	}
	if denied.Decision != "deny" || denied.RuleName != "block-deletes" {
		t.Errorf("delete_file decision = %s/%s, want deny/block-deletes", denied.Decision, denied.RuleName)
	}

	held, err := s.enforcer.Enforce(ctx, service.EnforceRequest{
		ToolName:  "deploy",
		SessionID: allowed.SessionID,
	})
	if err != nil {
		t.Fatalf("enforce deploy: %v", err)
	}
	if held.Decision != "approve" {
		t.Errorf("deploy decision = %q, want approve", held.Decision)
	}

	sealed, err := s.enforcer.UpdateResult(ctx, allowed.SessionID, allowed.LogID, service.Outcome{
		Status:     audit.StatusSuccess,
		Result:     map[string]any{"bytes": 512},
		DurationMS: 12,
	})
	if err != nil {
		t.Fatalf("seal outcome: %v", err)
	}
	if sealed.Status != audit.StatusSuccess || sealed.SealedAt == nil {
		t.Errorf("sealed entry status = %q, sealed_at = %v", sealed.Status, sealed.SealedAt)
	}

	// The outcome is write-once.
	_, err = s.enforcer.UpdateResult(ctx, allowed.SessionID, allowed.LogID, service.Outcome{Status: audit.StatusError})
	if !errors.Is(err, audit.ErrAlreadySealed) {
		t.Errorf("second seal error = %v, want ErrAlreadySealed", err)
	}

	entries, err := s.audit.SessionEntries(ctx, allowed.SessionID, 100, 0)
	if err != nil {
		t.Fatalf("session entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entry count = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Index != int64(i+1) {
			t.Errorf("entries[%d].Index = %d, want %d", i, e.Index, i+1)
		}
	}

	report, err := s.audit.Verify(ctx, audit.Filter{SessionID: allowed.SessionID})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.EntriesChecked != 3 {
		t.Errorf("verify report: valid=%v entries=%d violations=%v",
			report.Valid, report.EntriesChecked, report.Violations)
	}
}

// TestTamperSurfacesInVerification rewrites a persisted entry behind the
// service's back and expects compliance verification to notice.
func TestTamperSurfacesInVerification(t *testing.T) {
	s := newMemoryStack(t)
	activateCustomPolicy(t, s)
	ctx := context.Background()

	res, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "read_file"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE log_entry SET tool_name = 'forged_tool' WHERE id = ?`, res.LogID); err != nil {
		t.Fatalf("tamper update: %v", err)
	}

	report, err := s.compliance.VerifySession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("verify session: %v", err)
	}
	if report.Valid {
		t.Fatal("verification should fail after tampering")
	}
	found := false
	for _, v := range report.Violations {
		if v.Kind == audit.ViolationHashMismatch && v.EntryID == res.LogID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a hash_mismatch violation for entry %d, got %v", res.LogID, report.Violations)
	}
}

// TestBypassModeTagsEntries verifies bypass decisions are recorded and
// marked rather than skipped.
func TestBypassModeTagsEntries(t *testing.T) {
	s := newMemoryStack(t, service.WithBypassMode(true))
	activateCustomPolicy(t, s)
	ctx := context.Background()

	// delete_file would be denied by policy; bypass allows it anyway.
	res, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "delete_file"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if res.Decision != "allow" {
		t.Errorf("bypass decision = %q, want allow", res.Decision)
	}
	if !strings.Contains(res.Reason, "Bypass mode") {
		t.Errorf("reason should mention bypass, got %q", res.Reason)
	}

	entries, err := s.audit.SessionEntries(ctx, res.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("session entries: %v", err)
	}
	if len(entries) != 1 || !entries[0].Bypass {
		t.Errorf("bypass entries must be appended and tagged, got %+v", entries)
	}

	report, err := s.audit.Verify(ctx, audit.Filter{SessionID: res.SessionID})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Errorf("bypass entries chain like any other: %v", report.Violations)
	}
}

// TestRetentionLifecycle archives a session, sweeps it, and checks the
// archive export landed before the rows were deleted.
func TestRetentionLifecycle(t *testing.T) {
	s := newMemoryStack(t)
	activateCustomPolicy(t, s)
	ctx := context.Background()

	res, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "read_file", UserID: "user-1"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if _, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "list_dir", SessionID: res.SessionID}); err != nil {
		t.Fatalf("enforce second call: %v", err)
	}

	writer := archive.NewWriter(t.TempDir(), testLogger())
	retention := service.NewRetentionService(s.sessionStore, s.logStore, s.journal, testLogger(),
		service.WithArchiveWriter(writer))

	sched, err := retention.ScheduleArchival(ctx, []string{res.SessionID, "no-such-session"}, 0, "compliance-officer")
	if err != nil {
		t.Fatalf("schedule archival: %v", err)
	}
	if len(sched.Archived) != 1 || sched.Archived[0] != res.SessionID {
		t.Fatalf("archived = %v, want [%s]", sched.Archived, res.SessionID)
	}

	sess, err := s.sessions.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.Archived {
		t.Error("session should be marked archived while awaiting deletion")
	}

	// Zero retention days puts the deadline in the past immediately.
	swept, err := retention.SweepExpired(ctx, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept.DeletedCount != 1 || swept.EntriesRemoved != 2 {
		t.Errorf("sweep deleted %d sessions / %d entries, want 1/2", swept.DeletedCount, swept.EntriesRemoved)
	}

	if _, err := s.sessions.Get(ctx, res.SessionID); err == nil {
		t.Error("session rows should be gone after the sweep")
	}

	rec, err := writer.Read(res.SessionID)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if rec.Session.ID != res.SessionID || rec.EntryCount != 2 {
		t.Errorf("archive holds session %s with %d entries, want %s with 2",
			rec.Session.ID, rec.EntryCount, res.SessionID)
	}
	if rec.Entries[0].ToolName != "read_file" {
		t.Errorf("archived entries out of order: %q first", rec.Entries[0].ToolName)
	}
	if rec.ExportedBy != "retention-sweeper" {
		t.Errorf("exported_by = %q", rec.ExportedBy)
	}
}

// TestReapAbandonedSealsStalePending verifies pending entries older than the
// threshold get sealed as errors, and sealed ones are left alone.
func TestReapAbandonedSealsStalePending(t *testing.T) {
	s := newMemoryStack(t)
	activateCustomPolicy(t, s)
	ctx := context.Background()

	stale, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "read_file"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	done, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "list_dir", SessionID: stale.SessionID})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if _, err := s.enforcer.UpdateResult(ctx, done.SessionID, done.LogID, service.Outcome{Status: audit.StatusSuccess}); err != nil {
		t.Fatalf("seal: %v", err)
	}

	retention := service.NewRetentionService(s.sessionStore, s.logStore, s.journal, testLogger(),
		service.WithReapAfter(time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	reaped, err := retention.ReapAbandoned(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped.Reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped.Reaped)
	}

	entry, err := s.audit.Entry(ctx, stale.LogID)
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Status != audit.StatusError || entry.ErrorMessage != "abandoned" {
		t.Errorf("reaped entry = %s/%q, want error/abandoned", entry.Status, entry.ErrorMessage)
	}

	// Reaping seals outcomes only; the chain must still verify.
	report, err := s.audit.Verify(ctx, audit.Filter{SessionID: stale.SessionID})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Errorf("chain broken after reap: %v", report.Violations)
	}
}

// TestActivationSwitchesDecisions verifies version activation changes
// decisions for new calls while recorded entries keep the old label.
func TestActivationSwitchesDecisions(t *testing.T) {
	s := newMemoryStack(t)
	activateCustomPolicy(t, s)
	ctx := context.Background()

	before, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "read_file"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if before.Decision != "allow" {
		t.Fatalf("decision before switch = %q, want allow", before.Decision)
	}

	lockdown := `version: lockdown-v1
rules:
  - name: deny-all-reads
    action: deny
    tools: read_file
default_action: allow
`
	if _, err := s.policies.Create(ctx, []byte(lockdown), "lockdown-v1", "", false); err != nil {
		t.Fatalf("create lockdown: %v", err)
	}
	act, err := s.policies.ActivateByLabel(ctx, "lockdown-v1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if act.OldVersion != "custom-v1" || act.NewVersion != "lockdown-v1" {
		t.Errorf("activation = %s -> %s", act.OldVersion, act.NewVersion)
	}

	after, err := s.enforcer.Enforce(ctx, service.EnforceRequest{ToolName: "read_file", SessionID: before.SessionID})
	if err != nil {
		t.Fatalf("enforce after switch: %v", err)
	}
	if after.Decision != "deny" || after.PolicyVersion != "lockdown-v1" {
		t.Errorf("after switch = %s under %s, want deny under lockdown-v1", after.Decision, after.PolicyVersion)
	}

	entries, err := s.audit.SessionEntries(ctx, before.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("session entries: %v", err)
	}
	if entries[0].PolicyVersion != "custom-v1" {
		t.Errorf("recorded entries keep their version, got %q", entries[0].PolicyVersion)
	}
}
