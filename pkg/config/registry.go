package config

import (
	"fmt"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/internal/ratelimiter"
	"github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/conceptfab/dirmeta/pkg/store"
)

// InitializeRegistry creates a store registry from the provided configuration.
//
// Stores opened by the registry use the configured store, buffer and writer
// settings and report to the given metrics (nil metrics disable collection).
// All stores share one write limiter when store.max_writes_per_second is set.
// The returned registry's janitor is already running; call Close to flush
// and release every store.
//
// Example:
//
//	cfg, _ := config.Load("")
//	m := config.InitializeMetrics(cfg, nil)
//	reg, err := config.InitializeRegistry(cfg, m)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
//	defer reg.Close(ctx)
func InitializeRegistry(cfg *Config, m *MetricsResult) (*registry.Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if m == nil {
		m = &MetricsResult{}
	}

	storeCfg := cfg.StoreConfig()
	var opts []store.Option
	if m.Store != nil {
		opts = append(opts, store.WithMetrics(m.Store))
	}
	if limiter := ratelimiter.New(cfg.Store.MaxWritesPerSecond, cfg.Store.WriteBurst); limiter != nil {
		opts = append(opts, store.WithWriteLimiter(limiter))
	}
	opts = append(opts, store.WithErrorHandler(func(dir string, err error) {
		logger.Warn("Background flush for %s failed: %v", dir, err)
	}))

	factory := func(dir string) (*store.Store, error) {
		return store.New(dir, storeCfg, opts...)
	}

	reg := registry.New(cfg.RegistryConfig(), factory, m.Registry)
	reg.Start()

	logger.Debug("Store registry initialized: file_name=%s debounce=%v max_buffer_age=%v idle_timeout=%v max_writes_per_second=%v",
		storeCfg.FileName, storeCfg.Buffer.Debounce, storeCfg.Buffer.MaxAge, cfg.Registry.IdleTimeout, cfg.Store.MaxWritesPerSecond)
	return reg, nil
}
