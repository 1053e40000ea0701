// Package buffer accumulates pending metadata changes and decides when they
// should be flushed.
//
// A ChangeBuffer merges changes last-write-wins per field path and runs one
// scheduler goroutine that calls the flush function once the buffer has been
// quiet for the debounce interval, or once the oldest pending change reaches
// the maximum buffer age, whichever comes first. Failed flushes are retried
// with exponential backoff until the retry budget is spent.
//
// The flush function itself performs the Drain / Complete / Restore protocol,
// so the same protocol serves scheduled and synchronous flushes.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
)

// State is the buffer's position in the flush cycle.
type State int

const (
	// StateEmpty means nothing is pending.
	StateEmpty State = iota

	// StateDirty means changes are pending and a flush is scheduled.
	StateDirty

	// StateFlushing means a drained batch is being persisted.
	StateFlushing

	// StateFailed means the retry budget is spent. Pending changes are kept
	// but nothing is scheduled until the next Add or Kick.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDirty:
		return "dirty"
	case StateFlushing:
		return "flushing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config controls flush scheduling.
type Config struct {
	// Debounce is the quiet period after the last Add before a flush
	Debounce time.Duration

	// MaxAge bounds how long the oldest pending change may wait
	MaxAge time.Duration

	// MaxFlushRetries is the number of consecutive failed flushes before the
	// buffer gives up and enters StateFailed
	MaxFlushRetries int

	// RetryBackoff is the delay before the first retry; it doubles per failure
	RetryBackoff time.Duration

	// RetryBackoffMax caps the retry delay
	RetryBackoffMax time.Duration
}

// DefaultConfig returns the default scheduling parameters.
func DefaultConfig() Config {
	return Config{
		Debounce:        500 * time.Millisecond,
		MaxAge:          5 * time.Second,
		MaxFlushRetries: 5,
		RetryBackoff:    200 * time.Millisecond,
		RetryBackoffMax: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.MaxFlushRetries <= 0 {
		c.MaxFlushRetries = d.MaxFlushRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = d.RetryBackoffMax
	}
}

// FlushFunc is called by the scheduler goroutine when a flush is due. It is
// expected to Drain the buffer and report the outcome with Complete or
// Restore.
type FlushFunc func()

// Batch is a set of drained changes, ordered by sequence number.
type Batch struct {
	Changes []metadata.Change

	// since is when the oldest change in the batch was added
	since time.Time
}

// Len returns the number of changes in the batch.
func (b Batch) Len() int {
	return len(b.Changes)
}

// ChangeBuffer holds pending changes for one document.
//
// Thread Safety:
// All methods are safe for concurrent use. The flush function runs on the
// scheduler goroutine without the buffer lock held.
type ChangeBuffer struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	pending    map[string]metadata.Change
	inflight   *Batch
	seq        uint64
	state      State
	dirtySince time.Time
	lastAdd    time.Time
	retryAt    time.Time
	kicked     bool
	failures   int
	lastErr    error

	wake      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// New creates an empty buffer. Call Start to begin scheduling flushes.
func New(cfg Config) *ChangeBuffer {
	cfg.applyDefaults()
	return &ChangeBuffer{
		cfg:     cfg,
		now:     time.Now,
		pending: make(map[string]metadata.Change),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (b *ChangeBuffer) Config() Config {
	return b.cfg
}

// Start launches the scheduler goroutine. Subsequent calls are no-ops.
func (b *ChangeBuffer) Start(flush FlushFunc) {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.mu.Unlock()
		go b.run(flush)
	})
}

// Stop terminates the scheduler and waits for it to exit, including any flush
// it is currently running. Pending changes are kept. Safe to call multiple
// times, and before Start.
func (b *ChangeBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.doneCh
	}
}

// Add merges changes into the pending set and reschedules the flush.
//
// Changes are numbered in the order Add acquires the buffer lock, and a later
// value for a path replaces an earlier one. A whole-field replacement of
// pairedEntries drops every pending single-entry change.
func (b *ChangeBuffer) Add(changes []metadata.Change) {
	if len(changes) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if len(b.pending) == 0 {
		b.dirtySince = now
	}
	b.lastAdd = now

	for _, c := range changes {
		b.seq++
		c.Seq = b.seq
		for path, p := range b.pending {
			if c.Supersedes(p) {
				delete(b.pending, path)
			}
		}
		b.pending[c.Path] = c
	}

	switch b.state {
	case StateEmpty:
		b.state = StateDirty
	case StateFailed:
		logger.Debug("Change buffer: new changes after exhausted retries, rescheduling")
		b.state = StateDirty
		b.failures = 0
		b.retryAt = time.Time{}
	}

	b.signal()
}

// Kick requests a flush as soon as possible, bypassing the debounce interval
// and any pending retry delay.
func (b *ChangeBuffer) Kick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return
	}
	b.kicked = true
	if b.state == StateFailed {
		b.state = StateDirty
		b.failures = 0
	}
	b.signal()
}

// Drain atomically takes every pending change and moves the buffer to
// StateFlushing. It reports false when nothing is pending or another batch is
// still outstanding.
func (b *ChangeBuffer) Drain() (Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight != nil || len(b.pending) == 0 {
		return Batch{}, false
	}

	batch := Batch{Changes: sortedChanges(b.pending), since: b.dirtySince}
	b.pending = make(map[string]metadata.Change)
	b.inflight = &batch
	b.dirtySince = time.Time{}
	b.retryAt = time.Time{}
	b.kicked = false
	b.state = StateFlushing

	return batch, true
}

// Complete records that batch was persisted.
func (b *ChangeBuffer) Complete(batch Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inflight = nil
	b.failures = 0
	b.lastErr = nil
	if len(b.pending) > 0 {
		b.state = StateDirty
	} else {
		b.state = StateEmpty
	}

	logger.Debug("Change buffer: flushed %d change(s), %d pending", batch.Len(), len(b.pending))
	b.signal()
}

// Restore puts a batch that failed to persist back into the buffer beneath
// anything added since it was drained, and schedules a retry.
//
// After MaxFlushRetries consecutive failures, or immediately for errors that
// retrying cannot fix, the buffer enters StateFailed and stops scheduling.
func (b *ChangeBuffer) Restore(batch Batch, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inflight = nil

	for _, c := range batch.Changes {
		if b.supersededLocked(c) {
			continue
		}
		b.pending[c.Path] = c
	}
	if len(b.pending) > 0 && (b.dirtySince.IsZero() || batch.since.Before(b.dirtySince)) {
		b.dirtySince = batch.since
	}

	b.failures++
	b.lastErr = err

	if len(b.pending) == 0 {
		b.state = StateEmpty
		b.signal()
		return
	}

	if b.failures >= b.cfg.MaxFlushRetries || !metadata.IsRetryable(err) {
		b.state = StateFailed
		b.retryAt = time.Time{}
		logger.Error("Change buffer: giving up after %d failed flush(es), %d change(s) kept: %v",
			b.failures, len(b.pending), err)
		b.signal()
		return
	}

	delay := b.retryDelay(b.failures)
	b.state = StateDirty
	b.retryAt = b.now().Add(delay)
	logger.Warn("Change buffer: flush failed (attempt %d/%d), retrying in %v: %v",
		b.failures, b.cfg.MaxFlushRetries, delay, err)
	b.signal()
}

// supersededLocked reports whether a pending change makes c obsolete.
func (b *ChangeBuffer) supersededLocked(c metadata.Change) bool {
	for _, p := range b.pending {
		if p.Seq > c.Seq && p.Supersedes(c) {
			return true
		}
	}
	return false
}

func (b *ChangeBuffer) retryDelay(failures int) time.Duration {
	delay := b.cfg.RetryBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= b.cfg.RetryBackoffMax {
			return b.cfg.RetryBackoffMax
		}
	}
	return min(delay, b.cfg.RetryBackoffMax)
}

// Snapshot returns every change not yet persisted (outstanding batch plus
// pending), ordered by sequence number.
func (b *ChangeBuffer) Snapshot() []metadata.Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	// everything pending was added after the outstanding batch was drained
	var out []metadata.Change
	if b.inflight != nil {
		out = append(out, b.inflight.Changes...)
	}
	return append(out, sortedChanges(b.pending)...)
}

// Len returns the number of pending changes, excluding an outstanding batch.
func (b *ChangeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// State returns the current state.
func (b *ChangeBuffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the error of the most recent failed flush, or nil after a
// successful one.
func (b *ChangeBuffer) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Age returns how long the oldest pending change has been waiting.
func (b *ChangeBuffer) Age() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return 0
	}
	return b.now().Sub(b.dirtySince)
}

// signal wakes the scheduler without blocking. Must be called with b.mu held.
func (b *ChangeBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// deadlineLocked returns when the next flush is due, if one is.
//
// Must be called with b.mu held.
func (b *ChangeBuffer) deadlineLocked() (time.Time, bool) {
	if len(b.pending) == 0 || b.state != StateDirty {
		return time.Time{}, false
	}
	if b.kicked {
		return b.now(), true
	}
	if !b.retryAt.IsZero() {
		return b.retryAt, true
	}

	deadline := b.lastAdd.Add(b.cfg.Debounce)
	if ceiling := b.dirtySince.Add(b.cfg.MaxAge); ceiling.Before(deadline) {
		deadline = ceiling
	}
	return deadline, true
}

// run is the scheduler goroutine. It owns the single timer.
func (b *ChangeBuffer) run(flush FlushFunc) {
	defer close(b.doneCh)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		b.mu.Lock()
		deadline, due := b.deadlineLocked()
		b.mu.Unlock()

		var fire <-chan time.Time
		if due {
			wait := deadline.Sub(b.now())
			if wait <= 0 {
				select {
				case <-b.stopCh:
					return
				default:
				}
				flush()
				continue
			}
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-b.stopCh:
			return
		case <-b.wake:
			timer.Stop()
		case <-fire:
			flush()
		}
	}
}

func sortedChanges(m map[string]metadata.Change) []metadata.Change {
	out := make([]metadata.Change, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
