package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "DIRMETA"

// Config represents the complete dirmeta configuration.
//
// This structure captures all configurable aspects of dirmeta:
//   - Logging configuration
//   - Store behaviour (debounce, buffer age, flush retries, read cache)
//   - Writer behaviour (lock timeouts, write retries, durability)
//   - Registry idle eviction
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DIRMETA_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Store controls change buffering and read caching
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Writer controls how documents reach the disk
	Writer WriterConfig `mapstructure:"writer" yaml:"writer"`

	// Registry controls the lifetime of per-directory stores
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stderr (default), stdout, or a file path. Commands that
	// write results to stdout log to stderr instead of stdout.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// StoreConfig controls the per-directory store.
type StoreConfig struct {
	// FileName is the sidecar document name inside each managed directory
	FileName string `mapstructure:"file_name" yaml:"file_name" validate:"required,excludesall=/\\"`

	// Debounce is the quiet period after the last change before a flush
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gt=0"`

	// MaxBufferAge bounds how long a pending change may wait for a flush
	MaxBufferAge time.Duration `mapstructure:"max_buffer_age" yaml:"max_buffer_age" validate:"gt=0"`

	// MaxFlushRetries is the number of consecutive failed flushes before the
	// store stops retrying on its own
	MaxFlushRetries int `mapstructure:"max_flush_retries" yaml:"max_flush_retries" validate:"min=1"`

	// FlushRetryBackoff is the delay before the first flush retry
	FlushRetryBackoff time.Duration `mapstructure:"flush_retry_backoff" yaml:"flush_retry_backoff" validate:"gt=0"`

	// FlushRetryBackoffMax caps the flush retry delay
	FlushRetryBackoffMax time.Duration `mapstructure:"flush_retry_backoff_max" yaml:"flush_retry_backoff_max" validate:"gt=0"`

	// CacheTTL is how long a loaded document is served from memory (0 disables)
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`

	// ProbeExternalChanges stats the sidecar before serving a cached document
	ProbeExternalChanges bool `mapstructure:"probe_external_changes" yaml:"probe_external_changes"`

	// MaxWritesPerSecond throttles document writes across all stores (0 = unlimited)
	MaxWritesPerSecond float64 `mapstructure:"max_writes_per_second" yaml:"max_writes_per_second" validate:"gte=0"`

	// WriteBurst is the number of writes allowed back to back (0 = derived from the rate)
	WriteBurst int `mapstructure:"write_burst" yaml:"write_burst" validate:"gte=0"`
}

// WriterConfig controls locking, write retries and durability.
type WriterConfig struct {
	// LockTimeoutBase is the lock timeout for an empty document
	LockTimeoutBase time.Duration `mapstructure:"lock_timeout_base" yaml:"lock_timeout_base" validate:"gt=0"`

	// LockTimeoutPerMB is added per MiB of the existing document
	LockTimeoutPerMB time.Duration `mapstructure:"lock_timeout_per_mb" yaml:"lock_timeout_per_mb" validate:"gte=0"`

	// LockTimeoutCap bounds the computed lock timeout
	LockTimeoutCap time.Duration `mapstructure:"lock_timeout_cap" yaml:"lock_timeout_cap" validate:"gt=0"`

	// LockPollInterval is how often a contended lock is retried
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval" yaml:"lock_poll_interval" validate:"gt=0"`

	// IOFactor scales lock timeouts on slow hosts (1.0 = nominal)
	IOFactor float64 `mapstructure:"io_factor" yaml:"io_factor" validate:"gt=0"`

	// MaxAttempts is the number of write attempts per flush
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1,max=20"`

	// BackoffBase is the delay after the first failed write attempt
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" validate:"gt=0"`

	// BackoffMax caps the delay between write attempts
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"gt=0"`

	// Fsync flushes documents and their directory to stable storage
	Fsync bool `mapstructure:"fsync" yaml:"fsync"`

	// QuarantineCorrupt renames invalid documents aside instead of overwriting them
	QuarantineCorrupt bool `mapstructure:"quarantine_corrupt" yaml:"quarantine_corrupt"`
}

// RegistryConfig controls the store registry.
type RegistryConfig struct {
	// IdleTimeout is how long an unused store stays open
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`

	// IdleCheckInterval is how often idle stores are looked for (0 disables)
	IdleCheckInterval time.Duration `mapstructure:"idle_check_interval" yaml:"idle_check_interval" validate:"gte=0"`

	// CloseTimeout bounds the final flush of a store leaving the registry
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port of the metrics server
	Port int `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DIRMETA_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with defaults, environment variables and
// config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Every key needs a default so that AutomaticEnv can resolve it during
	// Unmarshal, and so explicit false values in the file win over true defaults
	registerDefaults(v, GetDefaultConfig())

	// Environment variables use DIRMETA_ prefix and underscores
	// Example: DIRMETA_STORE_DEBOUNCE=1s
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dirmeta/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// registerDefaults installs every field of cfg as a viper default.
func registerDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"logging.level":  cfg.Logging.Level,
		"logging.format": cfg.Logging.Format,
		"logging.output": cfg.Logging.Output,

		"store.file_name":               cfg.Store.FileName,
		"store.debounce":                cfg.Store.Debounce,
		"store.max_buffer_age":          cfg.Store.MaxBufferAge,
		"store.max_flush_retries":       cfg.Store.MaxFlushRetries,
		"store.flush_retry_backoff":     cfg.Store.FlushRetryBackoff,
		"store.flush_retry_backoff_max": cfg.Store.FlushRetryBackoffMax,
		"store.cache_ttl":               cfg.Store.CacheTTL,
		"store.probe_external_changes":  cfg.Store.ProbeExternalChanges,
		"store.max_writes_per_second":   cfg.Store.MaxWritesPerSecond,
		"store.write_burst":             cfg.Store.WriteBurst,

		"writer.lock_timeout_base":   cfg.Writer.LockTimeoutBase,
		"writer.lock_timeout_per_mb": cfg.Writer.LockTimeoutPerMB,
		"writer.lock_timeout_cap":    cfg.Writer.LockTimeoutCap,
		"writer.lock_poll_interval":  cfg.Writer.LockPollInterval,
		"writer.io_factor":           cfg.Writer.IOFactor,
		"writer.max_attempts":        cfg.Writer.MaxAttempts,
		"writer.backoff_base":        cfg.Writer.BackoffBase,
		"writer.backoff_max":         cfg.Writer.BackoffMax,
		"writer.fsync":               cfg.Writer.Fsync,
		"writer.quarantine_corrupt":  cfg.Writer.QuarantineCorrupt,

		"registry.idle_timeout":        cfg.Registry.IdleTimeout,
		"registry.idle_check_interval": cfg.Registry.IdleCheckInterval,
		"registry.close_timeout":       cfg.Registry.CloseTimeout,

		"metrics.enabled": cfg.Metrics.Enabled,
		"metrics.port":    cfg.Metrics.Port,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		// An explicitly named file that does not exist is not an error either
		if configPath != "" && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dirmeta")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dirmeta")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
