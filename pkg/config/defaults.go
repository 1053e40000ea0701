package config

import (
	"strings"

	"github.com/conceptfab/dirmeta/pkg/metadata/buffer"
	"github.com/conceptfab/dirmeta/pkg/metadata/writer"
	"github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/conceptfab/dirmeta/pkg/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "") are replaced with defaults
//   - Explicit values are preserved
//   - Boolean switches are not touched here; their defaults come from
//     GetDefaultConfig (and from viper defaults when loading)
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStoreDefaults(&cfg.Store)
	applyWriterDefaults(&cfg.Writer)
	applyRegistryDefaults(&cfg.Registry)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyStoreDefaults sets store and buffer defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	d := store.DefaultConfig()

	if cfg.FileName == "" {
		cfg.FileName = d.FileName
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = d.Buffer.Debounce
	}
	if cfg.MaxBufferAge == 0 {
		cfg.MaxBufferAge = d.Buffer.MaxAge
	}
	if cfg.MaxFlushRetries == 0 {
		cfg.MaxFlushRetries = d.Buffer.MaxFlushRetries
	}
	if cfg.FlushRetryBackoff == 0 {
		cfg.FlushRetryBackoff = d.Buffer.RetryBackoff
	}
	if cfg.FlushRetryBackoffMax == 0 {
		cfg.FlushRetryBackoffMax = d.Buffer.RetryBackoffMax
	}
	// CacheTTL zero is meaningful (cache disabled), so it has no default here
}

// applyWriterDefaults sets writer defaults.
func applyWriterDefaults(cfg *WriterConfig) {
	d := writer.DefaultConfig()

	if cfg.LockTimeoutBase == 0 {
		cfg.LockTimeoutBase = d.LockTimeoutBase
	}
	if cfg.LockTimeoutPerMB == 0 {
		cfg.LockTimeoutPerMB = d.LockTimeoutPerMB
	}
	if cfg.LockTimeoutCap == 0 {
		cfg.LockTimeoutCap = d.LockTimeoutCap
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = d.LockPollInterval
	}
	if cfg.IOFactor == 0 {
		cfg.IOFactor = d.IOFactor
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = d.BackoffMax
	}
}

// applyRegistryDefaults sets registry defaults.
func applyRegistryDefaults(cfg *RegistryConfig) {
	d := registry.DefaultConfig()

	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = d.CloseTimeout
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	s := store.DefaultConfig()
	r := registry.DefaultConfig()

	cfg := &Config{
		Store: StoreConfig{
			CacheTTL:             s.CacheTTL,
			ProbeExternalChanges: s.ProbeExternalChanges,
		},
		Writer: WriterConfig{
			Fsync:             s.Writer.Fsync,
			QuarantineCorrupt: s.Writer.QuarantineCorrupt,
		},
		Registry: RegistryConfig{
			IdleCheckInterval: r.IdleCheckInterval,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// BufferConfig converts the store section into a change buffer configuration.
func (c *Config) BufferConfig() buffer.Config {
	return buffer.Config{
		Debounce:        c.Store.Debounce,
		MaxAge:          c.Store.MaxBufferAge,
		MaxFlushRetries: c.Store.MaxFlushRetries,
		RetryBackoff:    c.Store.FlushRetryBackoff,
		RetryBackoffMax: c.Store.FlushRetryBackoffMax,
	}
}

// WriterConfig converts the writer section into an AtomicWriter configuration.
func (c *Config) WriterConfig() writer.Config {
	w := writer.DefaultConfig()
	w.LockTimeoutBase = c.Writer.LockTimeoutBase
	w.LockTimeoutPerMB = c.Writer.LockTimeoutPerMB
	w.LockTimeoutCap = c.Writer.LockTimeoutCap
	w.LockPollInterval = c.Writer.LockPollInterval
	w.IOFactor = c.Writer.IOFactor
	w.MaxAttempts = c.Writer.MaxAttempts
	w.BackoffBase = c.Writer.BackoffBase
	w.BackoffMax = c.Writer.BackoffMax
	w.Fsync = c.Writer.Fsync
	w.QuarantineCorrupt = c.Writer.QuarantineCorrupt
	return w
}

// StoreConfig converts the configuration into a store configuration.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		FileName:             c.Store.FileName,
		Buffer:               c.BufferConfig(),
		CacheTTL:             c.Store.CacheTTL,
		ProbeExternalChanges: c.Store.ProbeExternalChanges,
		Writer:               c.WriterConfig(),
	}
}

// RegistryConfig converts the configuration into a registry configuration.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		IdleTimeout:       c.Registry.IdleTimeout,
		IdleCheckInterval: c.Registry.IdleCheckInterval,
		CloseTimeout:      c.Registry.CloseTimeout,
		Store:             c.StoreConfig(),
	}
}
