package metrics

import (
	"sync"

	dirregistry "github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// registryMetrics is the Prometheus implementation of dirregistry.Metrics.
type registryMetrics struct {
	storesOpened prometheus.Counter
	evictions    *prometheus.CounterVec
	liveStores   prometheus.Gauge
}

var (
	sharedRegistryMetrics dirregistry.Metrics
	registryMetricsOnce   sync.Once
)

// NewRegistryMetrics returns the Prometheus-backed dirregistry.Metrics, or nil
// when metrics are disabled.
func NewRegistryMetrics() dirregistry.Metrics {
	if !IsEnabled() {
		return nil
	}

	registryMetricsOnce.Do(func() {
		sharedRegistryMetrics = newRegistryMetrics(GetRegistry())
	})
	return sharedRegistryMetrics
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	return &registryMetrics{
		storesOpened: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dirmeta_registry_stores_opened_total",
				Help: "Total number of directory stores constructed",
			},
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirmeta_registry_evictions_total",
				Help: "Total number of stores evicted by reason and final flush outcome",
			},
			[]string{"reason", "outcome"},
		),
		liveStores: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dirmeta_registry_live_stores",
				Help: "Current number of open directory stores",
			},
		),
	}
}

func (m *registryMetrics) RecordStoreOpened() {
	m.storesOpened.Inc()
}

func (m *registryMetrics) RecordEviction(reason string, err error) {
	m.evictions.WithLabelValues(reason, outcome(err)).Inc()
}

func (m *registryMetrics) SetLiveStores(count int) {
	m.liveStores.Set(float64(count))
}
