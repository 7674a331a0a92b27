package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers tame-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("api_key_hash", validateAPIKeyHash); err != nil {
		return fmt.Errorf("failed to register api_key_hash validator: %w", err)
	}
	return nil
}

// validateAPIKeyHash accepts an argon2id PHC string or a 64-character hex
// SHA-256 digest. Anything shaped like a raw key is rejected so plaintext
// secrets never sit in configuration files.
func validateAPIKeyHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()

	if strings.HasPrefix(h, "$argon2id$") {
		return true
	}

	if len(h) != 64 {
		return false
	}
	for _, r := range strings.ToLower(h) {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// Validate validates the Config using struct tags and cross-field rules.
// Error messages are written for operators, not for programmers.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateChainSecret(); err != nil {
		return err
	}
	if err := c.validateDurations(); err != nil {
		return err
	}

	return nil
}

// validateChainSecret ensures exactly one secret source is configured. The
// chain cannot run without a key, and two sources would make it ambiguous
// which one entries were hashed with.
func (c *Config) validateChainSecret() error {
	hasInline := c.Audit.ChainSecret != ""
	hasFile := c.Audit.ChainSecretFile != ""

	if hasInline && hasFile {
		return errors.New("audit: set chain_secret OR chain_secret_file, not both")
	}
	if !hasInline && !hasFile {
		return errors.New("audit: a chain secret is required (set audit.chain_secret, audit.chain_secret_file, or run with --dev)")
	}
	return nil
}

// validateDurations checks every duration-typed string in one place so a
// typo fails at boot instead of silently falling back.
func (c *Config) validateDurations() error {
	fields := []struct {
		name  string
		value string
	}{
		{"journal.flush_interval", c.Journal.FlushInterval},
		{"journal.send_timeout", c.Journal.SendTimeout},
		{"rate_limit.window", c.RateLimit.Window},
		{"retention.sweep_interval", c.Retention.SweepInterval},
		{"retention.reap_after", c.Retention.ReapAfter},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if _, err := time.ParseDuration(f.value); err != nil {
			return fmt.Errorf("%s: %q is not a duration (want e.g. \"30s\", \"5m\", \"1h\")", f.name, f.value)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to operator
// friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a message for a single field error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "api_key_hash":
		return fmt.Sprintf("%s must be an argon2id hash (tamed hash-key) or a hex sha256 digest", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
