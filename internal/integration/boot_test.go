// Package integration contains end-to-end tests that wire the complete
// service stack the way the daemon does and drive whole tool-call
// lifecycles through it.
package integration

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	journalstore "github.com/tame-ai/tame/internal/adapter/outbound/journal"
	"github.com/tame-ai/tame/internal/adapter/outbound/sqlite"
	"github.com/tame-ai/tame/internal/service"
)

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stack is the full service graph over one database, wired like the daemon.
type stack struct {
	db          *sql.DB
	journal     *service.JournalService
	stats       *service.StatsService
	broadcaster *service.Broadcaster
	policies    *service.PolicyService
	audit       *service.AuditService
	sessions    *service.SessionService
	enforcer    *service.EnforcementService
	retention   *service.RetentionService
	compliance  *service.ComplianceService

	// Raw stores, for tests that rebuild one service with custom options.
	sessionStore *sqlite.SessionStore
	logStore     *sqlite.LogStore
}

// newStack boots every service on the given database. Cleanup stops the
// journal worker; the caller owns the database handle.
func newStack(t *testing.T, db *sql.DB, opts ...service.EnforcementOption) *stack {
	t.Helper()
	logger := testLogger()
	ctx := context.Background()

	journalSvc := service.NewJournalService(journalstore.NewMemoryStore(256), logger)
	journalSvc.Start(ctx)
	t.Cleanup(journalSvc.Stop)

	stats := service.NewStatsService()
	broadcaster := service.NewBroadcaster(logger)

	policySvc, err := service.NewPolicyService(ctx, sqlite.NewPolicyStore(db), journalSvc, logger)
	if err != nil {
		t.Fatalf("boot policy service: %v", err)
	}

	logStore := sqlite.NewLogStore(db)
	auditSvc := service.NewAuditService(logStore, []byte("integration-secret"), logger)

	sessionStore := sqlite.NewSessionStore(db)
	sessionSvc := service.NewSessionService(sessionStore, journalSvc, logger)

	enforceSvc := service.NewEnforcementService(sessionSvc, policySvc, auditSvc, broadcaster, stats, logger, opts...)
	retentionSvc := service.NewRetentionService(sessionStore, logStore, journalSvc, logger)
	complianceSvc := service.NewComplianceService(auditSvc, sessionStore, retentionSvc, journalSvc, logger)

	return &stack{
		db:           db,
		journal:      journalSvc,
		stats:        stats,
		broadcaster:  broadcaster,
		policies:     policySvc,
		audit:        auditSvc,
		sessions:     sessionSvc,
		enforcer:     enforceSvc,
		retention:    retentionSvc,
		compliance:   complianceSvc,
		sessionStore: sessionStore,
		logStore:     logStore,
	}
}

func newMemoryStack(t *testing.T, opts ...service.EnforcementOption) *stack {
	t.Helper()
	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newStack(t, db, opts...)
}

// TestBootSeedsDefaultPolicy verifies a fresh database comes up with the
// built-in policy active.
func TestBootSeedsDefaultPolicy(t *testing.T) {
	s := newMemoryStack(t)

	active, compiled := s.policies.Current()
	if !active.Active {
		t.Error("seeded version should be active")
	}
	if active.Label == "" {
		t.Error("seeded version should carry a label")
	}
	if compiled.RuleCount() == 0 {
		t.Error("seeded policy should compile to at least one rule")
	}

	versions, err := s.policies.Versions(context.Background())
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("fresh boot should have exactly 1 version, got %d", len(versions))
	}
}

// TestRebootKeepsPolicyStore verifies a second boot on the same database
// reuses the stored policy instead of seeding again.
func TestRebootKeepsPolicyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tame.db")

	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	first := newStack(t, db)
	firstActive, _ := first.policies.Current()

	res, err := first.policies.Create(context.Background(), []byte(customPolicy), "custom-v1", "", true)
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if res.Label != "custom-v1" {
		t.Fatalf("created label = %q", res.Label)
	}
	db.Close()

	db, err = sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()
	second := newStack(t, db)

	active, _ := second.policies.Current()
	if active.Label != "custom-v1" {
		t.Errorf("after reboot active = %q, want custom-v1", active.Label)
	}

	versions, err := second.policies.Versions(context.Background())
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("reboot should keep both versions (seed + custom), got %d", len(versions))
	}
	if firstActive.Label == active.Label {
		t.Errorf("custom version should have replaced the seed %q", firstActive.Label)
	}
}
