package config

import (
	"github.com/conceptfab/dirmeta/pkg/metrics"
	"github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/conceptfab/dirmeta/pkg/store"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Store receives store observations (nil if disabled; stores fall back to no-op)
	Store store.Metrics

	// Registry receives registry observations (nil if disabled)
	Registry registry.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for stores and the registry
//
// If metrics are disabled every field is nil and components use their
// built-in no-op implementations.
func InitializeMetrics(cfg *Config, health func() error) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port:   cfg.Metrics.Port,
			Health: health,
		}),
		Store:    metrics.NewStoreMetrics(),
		Registry: metrics.NewRegistryMetrics(),
	}
}
