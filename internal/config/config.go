// Package config provides the file- and environment-based configuration
// schema for the tame server.
//
// Configuration is deliberately file-first: a single tame.yaml plus TAME_*
// environment overrides. Anything an operator can break at runtime (policies,
// retention) lives in the database and is managed through the API instead.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the tame server.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the SQLite store holding sessions, log entries,
	// and policy versions.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Policy configures boot seeding and the decision cache.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Audit configures the tamper-evidence chain and argument redaction.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Journal configures the operational event journal.
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`

	// Auth configures API key authentication.
	// Optional: when no key hashes are configured the API is open, which is
	// only acceptable on a loopback listener.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures optional per-caller rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Retention configures archival defaults and the background sweeper.
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`

	// Telemetry configures the OpenTelemetry exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Enforcement configures the decision pipeline.
	Enforcement EnforcementConfig `yaml:"enforcement" mapstructure:"enforcement"`

	// DevMode enables development conveniences: debug logging and a built-in
	// chain secret. Never run production audit chains on the dev secret.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; terminate it at a reverse proxy.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8400").
	// Defaults to "127.0.0.1:8400" (localhost only) if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "text" or "json".
	// Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything
	// in-process, which loses the audit trail on exit.
	// Defaults to "tame.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// PolicyConfig configures policy loading.
type PolicyConfig struct {
	// File is a policy document seeded on first boot and re-read by the
	// reload endpoint. Optional: without it an empty store is seeded with
	// the built-in baseline policy and reload is disabled.
	File string `yaml:"file" mapstructure:"file"`

	// CacheSize is the maximum number of cached decisions.
	// Defaults to 1024 if not specified or 0.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// AuditConfig configures the hash chain over the tool call log.
type AuditConfig struct {
	// ChainSecret is the HMAC key for the tamper-evidence chain. Changing it
	// invalidates verification of previously written entries, so treat it
	// like a signing key. At least 16 characters.
	ChainSecret string `yaml:"chain_secret" mapstructure:"chain_secret" validate:"omitempty,min=16"`

	// ChainSecretFile reads the HMAC key from a file instead. Exactly one of
	// ChainSecret and ChainSecretFile may be set.
	ChainSecretFile string `yaml:"chain_secret_file" mapstructure:"chain_secret_file"`

	// RedactArguments replaces values of sensitive-looking argument keys
	// (password, token, secret, ...) before entries are hashed and stored.
	RedactArguments bool `yaml:"redact_arguments" mapstructure:"redact_arguments"`
}

// JournalConfig configures the operational journal.
type JournalConfig struct {
	// Dir is the directory for journal files. Empty keeps the journal
	// memory-only, which loses events on restart.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays is the number of days to keep rotated journal files.
	// Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// CacheSize is the number of recent events kept in memory for the
	// events endpoints. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`

	// ChannelSize is the buffer between emitters and the journal writer.
	// Defaults to 256.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of events written per flush. Defaults to 32.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending events are flushed (e.g., "1s").
	// Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// SendTimeout is how long an emitter blocks when the channel is full
	// before the event is dropped (e.g., "50ms"). "0" drops immediately.
	// Defaults to "50ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// APIKeyHashes holds one hash per accepted API key: either an argon2id
	// PHC string (from `tamed hash-key`) or a lowercase hex SHA-256.
	// Raw keys never appear in configuration.
	APIKeyHashes []string `yaml:"api_key_hashes" mapstructure:"api_key_hashes" validate:"omitempty,dive,api_key_hash"`
}

// RateLimitConfig configures fixed-window rate limiting per caller.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// MaxRequests is the number of requests allowed per window.
	// Defaults to 300 if rate limiting is enabled.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"omitempty,min=1"`

	// Window is the fixed window size (e.g., "1m"). Defaults to "1m".
	Window string `yaml:"window" mapstructure:"window" validate:"omitempty"`
}

// RetentionConfig configures archival and the background sweeper.
type RetentionConfig struct {
	// DefaultDays is the retention window applied when an archive request
	// does not name one. Defaults to 30.
	DefaultDays int `yaml:"default_days" mapstructure:"default_days" validate:"omitempty,min=0"`

	// SweepInterval is how often the sweeper purges expired sessions and
	// reaps abandoned pending entries (e.g., "1h"). Defaults to "1h".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty"`

	// ReapAfter is how long an entry may stay pending before the reaper
	// seals it as an error (e.g., "24h"). Defaults to "24h".
	ReapAfter string `yaml:"reap_after" mapstructure:"reap_after" validate:"omitempty"`

	// ArchiveDir is where purged sessions are exported before deletion.
	// Empty disables export-before-purge.
	ArchiveDir string `yaml:"archive_dir" mapstructure:"archive_dir"`
}

// TelemetryConfig configures OpenTelemetry tracing and metrics export.
type TelemetryConfig struct {
	// Enabled turns the stdout exporters on. Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// EnforcementConfig configures the decision pipeline.
type EnforcementConfig struct {
	// BypassMode allows every call without evaluating policy. Entries are
	// still written and flagged. For incident response only; the server
	// logs loudly while it is active.
	BypassMode bool `yaml:"bypass_mode" mapstructure:"bypass_mode"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}

	// A fixed dev secret keeps chains verifiable across dev restarts.
	// Worthless as a key; the startup banner warns when it is in use.
	if c.Audit.ChainSecret == "" && c.Audit.ChainSecretFile == "" {
		c.Audit.ChainSecret = DevChainSecret
	}

	if c.Database.Path == "" {
		c.Database.Path = ":memory:"
	}
}

// DevChainSecret is the HMAC key used in dev mode when none is configured.
const DevChainSecret = "tame-dev-chain-secret-do-not-use"

// SetDefaults applies default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only; operators who want network exposure must say
	// so explicitly.
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8400"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	if c.Database.Path == "" {
		c.Database.Path = "tame.db"
	}

	if c.Policy.CacheSize == 0 {
		c.Policy.CacheSize = 1024
	}

	if c.Journal.RetentionDays == 0 {
		c.Journal.RetentionDays = 30
	}
	if c.Journal.CacheSize == 0 {
		c.Journal.CacheSize = 1000
	}
	if c.Journal.ChannelSize == 0 {
		c.Journal.ChannelSize = 256
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = 32
	}
	if c.Journal.FlushInterval == "" {
		c.Journal.FlushInterval = "1s"
	}
	if c.Journal.SendTimeout == "" {
		c.Journal.SendTimeout = "50ms"
	}

	// Rate limiting defaults on; viper.IsSet distinguishes "not set" from
	// an explicit false.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 300
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "1m"
	}

	if c.Retention.DefaultDays == 0 {
		c.Retention.DefaultDays = 30
	}
	if c.Retention.SweepInterval == "" {
		c.Retention.SweepInterval = "1h"
	}
	if c.Retention.ReapAfter == "" {
		c.Retention.ReapAfter = "24h"
	}
}

// Duration parses one of the config's duration strings, falling back when
// the string is empty or malformed. Validation catches malformed values
// before this runs; the fallback keeps the accessor total.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
