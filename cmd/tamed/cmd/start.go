package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tame-ai/tame/internal/adapter/inbound/api"
	"github.com/tame-ai/tame/internal/adapter/outbound/archive"
	journalstore "github.com/tame-ai/tame/internal/adapter/outbound/journal"
	"github.com/tame-ai/tame/internal/adapter/outbound/lockfile"
	"github.com/tame-ai/tame/internal/adapter/outbound/sqlite"
	"github.com/tame-ai/tame/internal/config"
	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/internal/service"
	"github.com/tame-ai/tame/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enforcement server",
	Long: `Start the tamed enforcement server.

The server listens on server.addr (default 127.0.0.1:8400) and exposes:

  POST /api/v1/enforce            submit a tool call for a decision
  POST /api/v1/enforce/result     seal the call's outcome
  GET  /api/v1/sessions           audit trail queries
  GET  /ws                        live decision feed

Examples:
  # Start with config file settings
  tamed start

  # Development mode: in-memory database, debug logging, dev chain secret
  tamed start --dev

  # Incident response: record everything, block nothing
  tamed start --bypass`,
	RunE: runStart,
}

var (
	devMode    bool
	bypassMode bool
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (in-memory database, debug logging, fixed dev chain secret)")
	startCmd.Flags().BoolVar(&bypassMode, "bypass", false, "Record tool calls without enforcing the policy")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	if bypassMode {
		cfg.Enforcement.BypassMode = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := buildLogger(cfg)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "tamed stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("tamed stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Chain secret first; the audit chain cannot start without it.
	secret, err := cfg.ChainSecret()
	if err != nil {
		return err
	}
	if cfg.Audit.ChainSecret == config.DevChainSecret {
		logger.Warn("using the fixed development chain secret; audit chains are NOT tamper-evident")
	}

	db, lock, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer db.Close()

	var tracerOpts []api.Option
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.Setup(ctx, Version, logger)
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
		tracerOpts = append(tracerOpts, api.WithTracer(provider.Tracer()))
	}

	// Journal store: file-backed when journal.dir is set, in-memory ring
	// otherwise. The journal is operational history, not the audit chain,
	// so losing it on restart is acceptable in the default setup.
	var store journal.Store
	if cfg.Journal.Dir != "" {
		fileStore, err := journalstore.NewFileStore(journalstore.Config{
			Dir:           cfg.Journal.Dir,
			RetentionDays: cfg.Journal.RetentionDays,
			CacheSize:     cfg.Journal.CacheSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal directory: %w", err)
		}
		defer fileStore.Close()
		store = fileStore
		logger.Info("journal output: files", "dir", cfg.Journal.Dir, "retention_days", cfg.Journal.RetentionDays)
	} else {
		store = journalstore.NewMemoryStore(cfg.Journal.CacheSize)
		logger.Debug("journal output: memory ring", "capacity", cfg.Journal.CacheSize)
	}

	journalSvc := service.NewJournalService(store, logger,
		service.WithChannelSize(cfg.Journal.ChannelSize),
		service.WithBatchSize(cfg.Journal.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Journal.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.Journal.SendTimeout, 50*time.Millisecond)),
	)
	journalSvc.Start(ctx)
	defer journalSvc.Stop()

	stats := service.NewStatsService()
	broadcaster := service.NewBroadcaster(logger)

	policyOpts := []service.PolicyServiceOption{
		service.WithCacheSize(cfg.Policy.CacheSize),
		service.WithStats(stats),
	}
	if cfg.Policy.File != "" {
		policyOpts = append(policyOpts, service.WithPolicyFile(cfg.Policy.File))
	}
	policySvc, err := service.NewPolicyService(ctx, sqlite.NewPolicyStore(db), journalSvc, logger, policyOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize policy service: %w", err)
	}

	var auditOpts []service.AuditOption
	if cfg.Audit.RedactArguments {
		auditOpts = append(auditOpts, service.WithArgRedaction())
	}
	logStore := sqlite.NewLogStore(db)
	auditSvc := service.NewAuditService(logStore, secret, logger, auditOpts...)

	sessionStore := sqlite.NewSessionStore(db)
	sessionSvc := service.NewSessionService(sessionStore, journalSvc, logger)

	var enforceOpts []service.EnforcementOption
	if cfg.Enforcement.BypassMode {
		enforceOpts = append(enforceOpts, service.WithBypassMode(true))
	}
	enforceSvc := service.NewEnforcementService(sessionSvc, policySvc, auditSvc, broadcaster, stats, logger, enforceOpts...)

	retentionOpts := []service.RetentionOption{
		service.WithSweepInterval(config.Duration(cfg.Retention.SweepInterval, time.Hour)),
		service.WithReapAfter(config.Duration(cfg.Retention.ReapAfter, 24*time.Hour)),
	}
	if cfg.Retention.ArchiveDir != "" {
		retentionOpts = append(retentionOpts, service.WithArchiveWriter(archive.NewWriter(cfg.Retention.ArchiveDir, logger)))
	}
	retentionSvc := service.NewRetentionService(sessionStore, logStore, journalSvc, logger, retentionOpts...)
	retentionSvc.Start(ctx)
	defer retentionSvc.Stop()

	complianceSvc := service.NewComplianceService(auditSvc, sessionStore, retentionSvc, journalSvc, logger,
		service.WithPolicyInfo(func() policy.Version {
			v, _ := policySvc.Current()
			return v
		}),
	)

	apiOpts := []api.Option{
		api.WithAddr(cfg.Server.Addr),
		api.WithLogger(logger),
		api.WithVersion(Version),
		api.WithEnforcementService(enforceSvc),
		api.WithSessionService(sessionSvc),
		api.WithPolicyService(policySvc),
		api.WithAuditService(auditSvc),
		api.WithRetentionService(retentionSvc),
		api.WithComplianceService(complianceSvc),
		api.WithStatsService(stats),
		api.WithJournalService(journalSvc),
		api.WithBroadcaster(broadcaster),
		api.WithRetentionDefaultDays(cfg.Retention.DefaultDays),
	}
	apiOpts = append(apiOpts, tracerOpts...)

	if len(cfg.Auth.APIKeyHashes) > 0 {
		apiOpts = append(apiOpts, api.WithAuth(api.NewAuthenticator(cfg.Auth.APIKeyHashes)))
	} else {
		logger.Warn("no API keys configured; the API is open to anyone who can reach it")
	}
	if cfg.RateLimit.Enabled {
		apiOpts = append(apiOpts, api.WithRateLimit(cfg.RateLimit.MaxRequests, config.Duration(cfg.RateLimit.Window, time.Minute)))
	}

	server := api.NewServer(apiOpts...)

	if cfg.Enforcement.BypassMode {
		journalSvc.Emit(journal.Event{
			Type:    journal.EventBypassActive,
			Actor:   "system",
			Message: "bypass mode active: tool calls are recorded but not enforced",
		})
	}

	active, compiled := policySvc.Current()
	logger.Info("tamed starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"policy", active.Label,
		"rules", compiled.RuleCount(),
		"database", cfg.Database.Path,
		"dev_mode", cfg.DevMode,
		"bypass", cfg.Enforcement.BypassMode,
		"rate_limit", cfg.RateLimit.Enabled,
		"auth", len(cfg.Auth.APIKeyHashes) > 0,
	)
	printBanner(cfg, active.Label, compiled.RuleCount())

	return server.Start(ctx)
}

// openDatabase opens the configured SQLite database. A lock file next to it
// prevents a second tamed from interleaving writes; in-memory databases
// need no lock and return a nil lock (Release on nil is a no-op).
func openDatabase(cfg *config.Config, logger *slog.Logger) (*sql.DB, *lockfile.Lock, error) {
	if cfg.Database.Path == ":memory:" {
		db, err := sqlite.OpenMemory()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil, nil
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	lock, err := lockfile.Acquire(cfg.Database.Path + ".lock")
	if err != nil {
		return nil, nil, err
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		_ = lock.Release()
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Debug("database opened", "path", cfg.Database.Path)

	return db, lock, nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates the process logger on stderr. DevMode forces debug
// regardless of the configured level.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// printBanner prints a formatted startup banner to stderr.
func printBanner(cfg *config.Config, policyLabel string, ruleCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		red    = "\033[31m"
		dim    = "\033[2m"
	)

	base := fmt.Sprintf("http://localhost%s", cfg.Server.Addr)
	if !strings.HasPrefix(cfg.Server.Addr, ":") {
		base = fmt.Sprintf("http://%s", cfg.Server.Addr)
	}

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset + dim + " (dev chain secret)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%stame %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s/api/v1\n", "API:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s/ws\n", "Live feed:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s (%d rules)\n", "Policy:", policyLabel, ruleCount)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Database:", cfg.Database.Path)
	if cfg.Enforcement.BypassMode {
		fmt.Fprintf(os.Stderr, "  %-14s %sBYPASS ACTIVE: calls are recorded, never blocked%s\n", "Enforcement:", red, reset)
	}
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the tamed PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".tame", "server.pid")
	}
	return filepath.Join(os.TempDir(), "tamed-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
