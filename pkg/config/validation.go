package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for relations between
// fields that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Store.MaxBufferAge < cfg.Store.Debounce {
		return fmt.Errorf("store: max_buffer_age (%v) must not be shorter than debounce (%v)",
			cfg.Store.MaxBufferAge, cfg.Store.Debounce)
	}

	if cfg.Store.FlushRetryBackoffMax < cfg.Store.FlushRetryBackoff {
		return fmt.Errorf("store: flush_retry_backoff_max (%v) must not be shorter than flush_retry_backoff (%v)",
			cfg.Store.FlushRetryBackoffMax, cfg.Store.FlushRetryBackoff)
	}

	if cfg.Store.FileName == "." || cfg.Store.FileName == ".." {
		return fmt.Errorf("store: file_name %q is not a file name", cfg.Store.FileName)
	}

	if cfg.Writer.LockTimeoutCap < cfg.Writer.LockTimeoutBase {
		return fmt.Errorf("writer: lock_timeout_cap (%v) must not be shorter than lock_timeout_base (%v)",
			cfg.Writer.LockTimeoutCap, cfg.Writer.LockTimeoutBase)
	}

	if cfg.Writer.BackoffMax < cfg.Writer.BackoffBase {
		return fmt.Errorf("writer: backoff_max (%v) must not be shorter than backoff_base (%v)",
			cfg.Writer.BackoffMax, cfg.Writer.BackoffBase)
	}

	if cfg.Writer.LockPollInterval >= cfg.Writer.LockTimeoutBase {
		return fmt.Errorf("writer: lock_poll_interval (%v) must be shorter than lock_timeout_base (%v)",
			cfg.Writer.LockPollInterval, cfg.Writer.LockTimeoutBase)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
