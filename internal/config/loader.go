package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for tame.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("tame")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TAME_SERVER_ADDR, TAME_DATABASE_PATH, ...
	viper.SetEnvPrefix("TAME")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a tame config file with an
// explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".tame"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "tame"))
		}
	} else {
		paths = append(paths, "/etc/tame")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for tame.yaml or
// tame.yml and returns the first match, or empty when none exists.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "tame"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all nested config keys for environment variable
// support. Viper's AutomaticEnv alone does not see keys that are absent from
// the config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")

	_ = viper.BindEnv("database.path")

	_ = viper.BindEnv("policy.file")
	_ = viper.BindEnv("policy.cache_size")

	_ = viper.BindEnv("audit.chain_secret")
	_ = viper.BindEnv("audit.chain_secret_file")
	_ = viper.BindEnv("audit.redact_arguments")

	_ = viper.BindEnv("journal.dir")
	_ = viper.BindEnv("journal.retention_days")
	_ = viper.BindEnv("journal.cache_size")
	_ = viper.BindEnv("journal.channel_size")
	_ = viper.BindEnv("journal.batch_size")
	_ = viper.BindEnv("journal.flush_interval")
	_ = viper.BindEnv("journal.send_timeout")

	// auth.api_key_hashes is an array; use the config file for it.

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.max_requests")
	_ = viper.BindEnv("rate_limit.window")

	_ = viper.BindEnv("retention.default_days")
	_ = viper.BindEnv("retention.sweep_interval")
	_ = viper.BindEnv("retention.reap_after")
	_ = viper.BindEnv("retention.archive_dir")

	_ = viper.BindEnv("telemetry.enabled")

	_ = viper.BindEnv("enforcement.bypass_mode")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates. Callers that override DevMode from CLI
// flags should use LoadConfigRaw instead and finish initialization
// themselves.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment variables and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or empty
// when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// ChainSecret resolves the audit chain secret, reading the secret file when
// one is configured. The returned bytes are what the HMAC chain is keyed on.
func (c *Config) ChainSecret() ([]byte, error) {
	if c.Audit.ChainSecretFile != "" {
		data, err := os.ReadFile(c.Audit.ChainSecretFile)
		if err != nil {
			return nil, fmt.Errorf("read chain secret file: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if len(secret) < 16 {
			return nil, fmt.Errorf("chain secret file %s holds fewer than 16 characters", c.Audit.ChainSecretFile)
		}
		return []byte(secret), nil
	}
	if c.Audit.ChainSecret == "" {
		return nil, fmt.Errorf("no chain secret configured (set audit.chain_secret or audit.chain_secret_file)")
	}
	return []byte(c.Audit.ChainSecret), nil
}
