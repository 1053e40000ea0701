package metrics

import (
	"sync"
	"time"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics is the Prometheus implementation of store.Metrics.
//
// One instance is shared by every store in the process; the collectors are
// registered once.
type storeMetrics struct {
	flushesTotal      *prometheus.CounterVec
	flushDuration     prometheus.Histogram
	flushChanges      prometheus.Histogram
	writeAttempts     prometheus.Histogram
	loadsTotal        *prometheus.CounterVec
	integrityFailures prometheus.Counter
	changesAdded      prometheus.Counter
}

var (
	sharedStoreMetrics store.Metrics
	storeMetricsOnce   sync.Once
)

// NewStoreMetrics returns the Prometheus-backed store.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// makes stores use their built-in no-op implementation.
func NewStoreMetrics() store.Metrics {
	if !IsEnabled() {
		return nil
	}

	storeMetricsOnce.Do(func() {
		sharedStoreMetrics = newStoreMetrics(GetRegistry())
	})
	return sharedStoreMetrics
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		flushesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirmeta_store_flushes_total",
				Help: "Total number of buffer flushes by outcome (success or error kind)",
			},
			[]string{"outcome"},
		),
		flushDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "dirmeta_store_flush_duration_seconds",
				Help: "Duration of buffer flushes in seconds, including lock wait and retries",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
		),
		flushChanges: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dirmeta_store_flush_changes",
				Help:    "Number of coalesced changes carried by each flush",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		writeAttempts: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dirmeta_writer_attempts",
				Help:    "Number of attempts each document write needed",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
		),
		loadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirmeta_store_loads_total",
				Help: "Total number of document loads by source (cache or disk)",
			},
			[]string{"source"},
		),
		integrityFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dirmeta_store_integrity_failures_total",
				Help: "Total number of malformed or invalid documents found on disk",
			},
		),
		changesAdded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dirmeta_store_changes_added_total",
				Help: "Total number of field changes accepted into change buffers",
			},
		),
	}
}

func (m *storeMetrics) RecordFlush(duration time.Duration, changes int, err error) {
	m.flushesTotal.WithLabelValues(outcome(err)).Inc()
	m.flushDuration.Observe(duration.Seconds())
	m.flushChanges.Observe(float64(changes))
}

func (m *storeMetrics) RecordWriteAttempts(attempts int) {
	m.writeAttempts.Observe(float64(attempts))
}

func (m *storeMetrics) RecordLoad(source string) {
	m.loadsTotal.WithLabelValues(source).Inc()
}

func (m *storeMetrics) RecordIntegrityFailure() {
	m.integrityFailures.Inc()
}

func (m *storeMetrics) RecordChangesAdded(count int) {
	m.changesAdded.Add(float64(count))
}

// outcome maps an error to a low-cardinality label value.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind, ok := metadata.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}
