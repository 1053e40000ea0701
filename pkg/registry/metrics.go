package registry

// Eviction reasons reported to Metrics.RecordEviction.
const (
	EvictReasonIdle     = "idle"
	EvictReasonExplicit = "explicit"
	EvictReasonShutdown = "shutdown"
)

// Metrics receives registry observations. A nil Metrics passed to New
// disables collection.
type Metrics interface {
	// RecordStoreOpened records the construction of a store.
	RecordStoreOpened()

	// RecordEviction records a store leaving the registry and the outcome of
	// its final flush.
	RecordEviction(reason string, err error)

	// SetLiveStores updates the number of stores in the registry.
	SetLiveStores(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordStoreOpened()            {}
func (noopMetrics) RecordEviction(string, error) {}
func (noopMetrics) SetLiveStores(int)             {}
