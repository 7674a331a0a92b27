// Package api is the inbound HTTP adapter: the /api/v1 surface, the /ws
// push channel, health, and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/service"
)

// Server serves the governance API over HTTP.
type Server struct {
	enforcement *service.EnforcementService
	sessions    *service.SessionService
	policies    *service.PolicyService
	audit       *service.AuditService
	retention   *service.RetentionService
	compliance  *service.ComplianceService
	stats       *service.StatsService
	journal     *service.JournalService
	broadcaster *service.Broadcaster

	addr          string
	auth          *Authenticator
	limiter       *rateLimiter
	logger        *slog.Logger
	version       string
	tracer        trace.Tracer
	retentionDays int

	registry *prometheus.Registry
	metrics  *Metrics
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8400".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithEnforcementService sets the enforce/result service.
func WithEnforcementService(svc *service.EnforcementService) Option {
	return func(s *Server) { s.enforcement = svc }
}

// WithSessionService sets the session query service.
func WithSessionService(svc *service.SessionService) Option {
	return func(s *Server) { s.sessions = svc }
}

// WithPolicyService sets the policy lifecycle service.
func WithPolicyService(svc *service.PolicyService) Option {
	return func(s *Server) { s.policies = svc }
}

// WithAuditService sets the audit log service used for exports.
func WithAuditService(svc *service.AuditService) Option {
	return func(s *Server) { s.audit = svc }
}

// WithRetentionService sets the retention service.
func WithRetentionService(svc *service.RetentionService) Option {
	return func(s *Server) { s.retention = svc }
}

// WithComplianceService sets the compliance reporting service.
func WithComplianceService(svc *service.ComplianceService) Option {
	return func(s *Server) { s.compliance = svc }
}

// WithStatsService sets the in-memory counters service.
func WithStatsService(svc *service.StatsService) Option {
	return func(s *Server) { s.stats = svc }
}

// WithJournalService sets the operational journal.
func WithJournalService(svc *service.JournalService) Option {
	return func(s *Server) { s.journal = svc }
}

// WithBroadcaster sets the push-channel hub.
func WithBroadcaster(bc *service.Broadcaster) Option {
	return func(s *Server) { s.broadcaster = bc }
}

// WithAuth enables bearer authentication. A nil authenticator leaves the
// API open.
func WithAuth(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRateLimit enables fixed-window rate limiting per caller.
func WithRateLimit(maxRequests int, window time.Duration) Option {
	return func(s *Server) {
		if maxRequests > 0 && window > 0 {
			s.limiter = newRateLimiter(maxRequests, window)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the build version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithRetentionDefaultDays sets the retention period applied to archive
// requests that do not name one.
func WithRetentionDefaultDays(days int) Option {
	return func(s *Server) {
		if days >= 0 {
			s.retentionDays = days
		}
	}
}

// WithTracer enables tracing spans around the enforcement endpoints.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// NewServer creates a Server. The Prometheus registry and instruments are
// created here so Handler works without Start.
func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:          "127.0.0.1:8400",
		logger:        slog.Default(),
		retentionDays: defaultRetentionDays,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var subscribers func() int
	var wsDrops func() int64
	if s.broadcaster != nil {
		subscribers = s.broadcaster.SubscriberCount
		wsDrops = s.broadcaster.Dropped
	}
	var journalDrops func() int64
	if s.journal != nil {
		journalDrops = s.journal.DroppedEvents
	}
	s.metrics = NewMetrics(s.registry, subscribers, journalDrops, wsDrops)
	return s
}

// Handler returns the full route tree wrapped in the middleware chain:
// metrics, request id, real IP on the outside; rate limit and auth around
// the versioned API and the push channel only.
func (s *Server) Handler() http.Handler {
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /api/v1/enforce", s.handleEnforce)
	apiMux.HandleFunc("POST /api/v1/enforce/{session_id}/result", s.handleEnforceResult)

	apiMux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	apiMux.HandleFunc("GET /api/v1/sessions/export", s.handleExportSessions)
	apiMux.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionEntries)
	apiMux.HandleFunc("GET /api/v1/sessions/{id}/summary", s.handleSessionSummary)
	apiMux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	apiMux.HandleFunc("POST /api/v1/sessions/{id}/archive", s.handleArchiveSession)
	apiMux.HandleFunc("POST /api/v1/sessions/bulk/archive", s.handleBulkArchive)

	apiMux.HandleFunc("GET /api/v1/policy/current", s.handlePolicyCurrent)
	apiMux.HandleFunc("GET /api/v1/policy/test", s.handlePolicyTest)
	apiMux.HandleFunc("POST /api/v1/policy/validate", s.handlePolicyValidate)
	apiMux.HandleFunc("POST /api/v1/policy/create", s.handlePolicyCreate)
	apiMux.HandleFunc("POST /api/v1/policy/reload", s.handlePolicyReload)
	apiMux.HandleFunc("GET /api/v1/policy/versions", s.handlePolicyVersions)
	apiMux.HandleFunc("POST /api/v1/policy/activate/{version}", s.handlePolicyActivate)

	apiMux.HandleFunc("GET /api/v1/compliance/report/generate", s.handleComplianceReport)
	apiMux.HandleFunc("GET /api/v1/compliance/retention/status", s.handleRetentionStatus)
	apiMux.HandleFunc("POST /api/v1/compliance/retention/cleanup", s.handleRetentionCleanup)
	apiMux.HandleFunc("GET /api/v1/compliance/integrity/verify", s.handleIntegrityVerify)

	apiMux.HandleFunc("GET /api/v1/stats", s.handleStats)
	apiMux.HandleFunc("GET /api/v1/events", s.handleEvents)
	apiMux.HandleFunc("GET /api/v1/events/stream", s.handleEventStream)

	apiMux.HandleFunc("GET /ws", s.handleWebSocket)
	apiMux.HandleFunc("GET /ws/{session_id}", s.handleWebSocket)

	protected := s.rateLimitMiddleware(s.authMiddleware(apiMux))

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", protected)
	mux.Handle("/ws", protected)
	mux.Handle("/ws/", protected)
	mux.Handle("GET /healthz", s.healthHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	var handler http.Handler = mux
	handler = realIPMiddleware(handler)
	handler = requestIDMiddleware(s.logger)(handler)
	handler = metricsMiddleware(s.metrics)(handler)
	return handler
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.auth == nil {
		s.logger.Warn("API authentication disabled; configure api key hashes for production")
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	s.journalEmit(journal.Event{
		Type:    journal.EventServerStart,
		Message: "API server listening on " + s.addr,
	})

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.journalEmit(journal.Event{
		Type:    journal.EventServerStop,
		Message: "API server shutting down",
	})

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}

// journalEmit records an operational event when a journal is wired.
func (s *Server) journalEmit(ev journal.Event) {
	if s.journal != nil {
		s.journal.Emit(ev)
	}
}
