package store

import "time"

// Load sources reported to Metrics.RecordLoad.
const (
	LoadSourceCache = "cache"
	LoadSourceDisk  = "disk"
)

// Metrics receives store observations.
//
// This interface is optional - stores created without WithMetrics use a no-op
// implementation. The Prometheus implementation lives in pkg/metrics.
type Metrics interface {
	// RecordFlush records a flush attempt with the number of changes it
	// carried and its outcome.
	RecordFlush(duration time.Duration, changes int, err error)

	// RecordWriteAttempts records how many attempts a successful or failed
	// write needed.
	RecordWriteAttempts(attempts int)

	// RecordLoad records where a Load was served from (LoadSourceCache or
	// LoadSourceDisk).
	RecordLoad(source string)

	// RecordIntegrityFailure records a malformed or invalid on-disk document.
	RecordIntegrityFailure()

	// RecordChangesAdded records changes accepted by AddChanges.
	RecordChangesAdded(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordFlush(time.Duration, int, error) {}
func (noopMetrics) RecordWriteAttempts(int)              {}
func (noopMetrics) RecordLoad(string)                    {}
func (noopMetrics) RecordIntegrityFailure()              {}
func (noopMetrics) RecordChangesAdded(int)               {}
