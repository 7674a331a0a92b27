package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"

	journalmem "github.com/tame-ai/tame/internal/adapter/outbound/journal"
	"github.com/tame-ai/tame/internal/adapter/outbound/sqlite"
	"github.com/tame-ai/tame/internal/domain/audit"
	"github.com/tame-ai/tame/internal/service"
)

var testChainSecret = []byte("0123456789abcdef0123456789abcdef")

// testEnv wires the full service stack over an in-memory database so
// handlers are exercised end to end, including the middleware chain.
type testEnv struct {
	t       *testing.T
	handler http.Handler
	server  *Server
	db      *sql.DB
	js      *service.JournalService
	bc      *service.Broadcaster
	stats   *service.StatsService
	enforce *service.EnforcementService

	stopOnce sync.Once
}

type envConfig struct {
	bypass     bool
	serverOpts []Option
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, envConfig{})
}

func newTestEnvWith(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()

	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	js := service.NewJournalService(journalmem.NewMemoryStore(), logger)
	js.Start(context.Background())

	env := &testEnv{t: t, db: db, js: js}
	t.Cleanup(env.stopJournal)

	policySvc, err := service.NewPolicyService(context.Background(), sqlite.NewPolicyStore(db), js, logger)
	if err != nil {
		t.Fatalf("policy service: %v", err)
	}

	stats := service.NewStatsService()
	bc := service.NewBroadcaster(logger)
	auditSvc := service.NewAuditService(sqlite.NewLogStore(db), testChainSecret, logger)
	sessSvc := service.NewSessionService(sqlite.NewSessionStore(db), js, logger)

	var enfOpts []service.EnforcementOption
	if cfg.bypass {
		enfOpts = append(enfOpts, service.WithBypassMode(true))
	}
	enforceSvc := service.NewEnforcementService(sessSvc, policySvc, auditSvc, bc, stats, logger, enfOpts...)

	retentionSvc := service.NewRetentionService(sqlite.NewSessionStore(db), sqlite.NewLogStore(db), js, logger)
	complianceSvc := service.NewComplianceService(auditSvc, sqlite.NewSessionStore(db), retentionSvc, js, logger)

	opts := []Option{
		WithEnforcementService(enforceSvc),
		WithSessionService(sessSvc),
		WithPolicyService(policySvc),
		WithAuditService(auditSvc),
		WithRetentionService(retentionSvc),
		WithComplianceService(complianceSvc),
		WithStatsService(stats),
		WithJournalService(js),
		WithBroadcaster(bc),
		WithLogger(logger),
		WithVersion("test"),
	}
	opts = append(opts, cfg.serverOpts...)

	env.server = NewServer(opts...)
	env.handler = env.server.Handler()
	env.bc = bc
	env.stats = stats
	env.enforce = enforceSvc
	return env
}

// stopJournal drains the journal worker so Recent sees everything emitted
// so far. Safe to call more than once.
func (e *testEnv) stopJournal() {
	e.stopOnce.Do(e.js.Stop)
}

// do runs one request through the full handler chain. A non-nil body is
// JSON-encoded.
func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a response body into out, failing the test on error.
func (e *testEnv) decode(rec *httptest.ResponseRecorder, out any) {
	e.t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		e.t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

// sessionEntries fetches a session's log through the API.
func (e *testEnv) sessionEntries(sessionID string) []audit.Entry {
	e.t.Helper()

	rec := e.do(http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("get session %s: status %d, body %s", sessionID, rec.Code, rec.Body.String())
	}
	var detail SessionDetailResponse
	e.decode(rec, &detail)
	return detail.Entries
}

// mustEnforce submits a tool call and fails the test unless the server
// returns a decision.
func (e *testEnv) mustEnforce(tool, sessionID string, args map[string]any) *service.EnforceResult {
	e.t.Helper()

	rec := e.do(http.MethodPost, "/api/v1/enforce", service.EnforceRequest{
		ToolName:  tool,
		Arguments: args,
		SessionID: sessionID,
		AgentID:   "agent-test",
	})
	if rec.Code != http.StatusOK {
		e.t.Fatalf("enforce %s: status %d, body %s", tool, rec.Code, rec.Body.String())
	}
	var result service.EnforceResult
	e.decode(rec, &result)
	return &result
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var health HealthResponse
	env.decode(rec, &health)
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
	if health.Version != "test" {
		t.Errorf("version = %q, want test", health.Version)
	}
	if got := health.Checks["policy"]; got != "ok: default-v1 (4 rules)" {
		t.Errorf("policy check = %q", got)
	}
	if _, ok := health.Checks["journal"]; !ok {
		t.Error("missing journal check")
	}
	if _, ok := health.Checks["goroutines"]; !ok {
		t.Error("missing goroutines check")
	}
	if _, ok := health.Checks["bypass_mode"]; ok {
		t.Error("bypass_mode reported while bypass is off")
	}
}

func TestHealthReportsBypass(t *testing.T) {
	env := newTestEnvWith(t, envConfig{bypass: true})

	rec := env.do(http.MethodGet, "/healthz", nil)
	var health HealthResponse
	env.decode(rec, &health)
	if health.Checks["bypass_mode"] != "active" {
		t.Errorf("bypass_mode = %q, want active", health.Checks["bypass_mode"])
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	const key = "tame_sk_testkey"
	sum := sha256.Sum256([]byte(key))
	auth := NewAuthenticator([]string{hex.EncodeToString(sum[:])})
	env := newTestEnvWith(t, envConfig{serverOpts: []Option{WithAuth(auth)}})

	// No credentials.
	rec := env.do(http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	var body ErrorBody
	env.decode(rec, &body)
	if body.Error.Kind != KindUnauthenticated {
		t.Errorf("kind = %q, want %q", body.Error.Kind, KindUnauthenticated)
	}

	// Wrong key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}

	// Correct key.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authed status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Health stays open without credentials.
	rec = env.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without auth", rec.Code)
	}
}

func TestAuthAcceptsArgonHash(t *testing.T) {
	const key = "tame_sk_argonkey"
	hash, err := argon2id.CreateHash(key, argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("create hash: %v", err)
	}
	auth := NewAuthenticator([]string{hash})
	env := newTestEnvWith(t, envConfig{serverOpts: []Option{WithAuth(auth)}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitEnforced(t *testing.T) {
	env := newTestEnvWith(t, envConfig{serverOpts: []Option{WithRateLimit(3, time.Minute)}})

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodGet, "/api/v1/stats", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := env.do(http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body ErrorBody
	env.decode(rec, &body)
	if body.Error.Kind != KindRateLimited {
		t.Errorf("kind = %q, want %q", body.Error.Kind, KindRateLimited)
	}

	// Limits apply per caller, not to the health probe.
	rec = env.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.mustEnforce("read_file", "", map[string]any{"path": "/home/u/a.txt"})

	rec := env.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	text := rec.Body.String()
	for _, metric := range []string{
		"tame_requests_total",
		"tame_enforce_duration_seconds",
		"tame_decisions_total",
		"tame_ws_subscribers",
	} {
		if !strings.Contains(text, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}
