// Package registry keeps one metadata store per managed directory.
//
// Directory paths are normalized before lookup, so every spelling of the same
// directory maps to the same store. Stores live in a concurrent handle table
// with explicit reference counts; an idle janitor closes (and thereby
// flushes) stores nobody has used for a while.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/store"
	"github.com/puzpuzpuz/xsync/v3"
)

// Config controls the registry's idle eviction.
type Config struct {
	// IdleTimeout is how long an unreferenced store stays open after its last use
	IdleTimeout time.Duration

	// IdleCheckInterval is how often the janitor looks for idle stores.
	// Zero disables the janitor; stores then only leave through Evict or Close.
	IdleCheckInterval time.Duration

	// CloseTimeout bounds the final flush of an evicted store
	CloseTimeout time.Duration

	// Store is the configuration used by the default factory
	Store store.Config
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       2 * time.Minute,
		IdleCheckInterval: 30 * time.Second,
		CloseTimeout:      30 * time.Second,
		Store:             store.DefaultConfig(),
	}
}

// Factory constructs the store for a normalized directory path.
type Factory func(dir string) (*store.Store, error)

// handle is one entry of the handle table.
//
// Every field except key, dir and store is only touched inside a Compute
// callback for the handle's key.
//
// A handle whose store is being closed stays in the table with closing set
// until the close has finished, so no replacement store can be built for the
// directory while the old one is still writing. done is closed once the
// handle has left the table.
type handle struct {
	key      string
	dir      string
	store    *store.Store
	refs     int
	lastUsed time.Time
	closing  bool
	done     chan struct{}
}

// markClosing flags h as closing. Must be called inside a Compute callback.
func (h *handle) markClosing() {
	h.closing = true
	h.done = make(chan struct{})
}

// Registry hands out one Store per directory.
//
// Lookups for the same directory, however it is spelled, return the same
// Store until that store is evicted. Stores are kept alive by leases
// (Acquire) and by recent use (GetStore); the janitor closes stores that have
// been unreferenced for longer than IdleTimeout.
//
// Thread Safety: Safe for concurrent use. Construction and eviction of a
// directory's store happen under the concurrent map's per-key Compute, so
// exactly one caller constructs a store. A lookup that finds a store being
// closed waits for the close to finish before building a replacement.
type Registry struct {
	cfg     Config
	factory Factory
	metrics Metrics
	now     func() time.Time

	handles *xsync.MapOf[string, *handle]

	// lifecycleMu orders insertions against Close: lookups hold it shared
	// while they may insert, Close holds it exclusively while setting closed.
	lifecycleMu sync.RWMutex
	closed      atomic.Bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// New creates a registry. A nil factory opens stores with cfg.Store; nil
// metrics disables metrics collection. Call Start to run the idle janitor.
func New(cfg Config, factory Factory, metrics Metrics) *Registry {
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = d.CloseTimeout
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	r := &Registry{
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		handles: xsync.NewMapOf[string, *handle](),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if factory == nil {
		storeCfg := cfg.Store
		factory = func(dir string) (*store.Store, error) {
			return store.New(dir, storeCfg)
		}
	}
	r.factory = factory
	return r
}

// Start launches the idle janitor. Subsequent calls are no-ops.
func (r *Registry) Start() {
	if r.cfg.IdleCheckInterval <= 0 {
		logger.Debug("Store registry janitor disabled")
		return
	}

	r.startOnce.Do(func() {
		r.started.Store(true)
		logger.Debug("Starting store registry janitor: interval=%s idle_timeout=%s",
			r.cfg.IdleCheckInterval, r.cfg.IdleTimeout)
		go r.janitor()
	})
}

// GetStore returns the store for dir, creating it if needed, and marks it as
// recently used.
//
// The returned store is not pinned: once it has been idle for IdleTimeout it
// may be closed by the janitor, after which its methods return a Closed
// error. Callers that keep a store across operations should use Acquire.
func (r *Registry) GetStore(dir string) (*store.Store, error) {
	h, err := r.lookup(dir, 0)
	if err != nil {
		return nil, err
	}
	return h.store, nil
}

// Acquire returns a lease that pins the store for dir until released.
func (r *Registry) Acquire(dir string) (*Lease, error) {
	h, err := r.lookup(dir, 1)
	if err != nil {
		return nil, err
	}
	return &Lease{registry: r, key: h.key, store: h.store}, nil
}

// lookup finds or constructs the handle for dir and adjusts its reference
// count by delta.
func (r *Registry) lookup(dir string, delta int) (*handle, error) {
	key, cleaned, err := normalizePath(dir)
	if err != nil {
		return nil, metadata.NewError(metadata.ErrInvalidInput, "get_store", dir, "invalid directory path", err)
	}

	for {
		h, created, wait, err := r.lookupOnce(key, cleaned, delta)
		if err != nil {
			return nil, err
		}
		if wait != nil {
			<-wait
			continue
		}

		if created {
			r.metrics.RecordStoreOpened()
			r.metrics.SetLiveStores(r.handles.Size())
			logger.Debug("Registered metadata store for %s (key %s)", cleaned, key)
		}
		return h, nil
	}
}

// lookupOnce runs one Compute for key. When the existing handle is being
// closed it returns that handle's done channel instead of a handle.
func (r *Registry) lookupOnce(key, cleaned string, delta int) (*handle, bool, <-chan struct{}, error) {
	r.lifecycleMu.RLock()
	defer r.lifecycleMu.RUnlock()

	if r.closed.Load() {
		return nil, false, nil, r.closedError(cleaned)
	}

	var (
		created bool
		wait    chan struct{}
		ferr    error
	)
	h, ok := r.handles.Compute(key, func(old *handle, loaded bool) (*handle, bool) {
		now := r.now()
		if loaded {
			if old.closing {
				wait = old.done
				return old, false
			}
			old.refs += delta
			old.lastUsed = now
			return old, false
		}

		s, err := r.factory(cleaned)
		if err != nil {
			ferr = err
			return nil, true
		}
		created = true
		return &handle{key: key, dir: cleaned, store: s, refs: delta, lastUsed: now}, false
	})
	if ferr != nil {
		logger.Warn("Failed to open metadata store for %s: %v", cleaned, ferr)
		return nil, false, nil, ferr
	}
	if wait != nil {
		return nil, false, wait, nil
	}
	if !ok || h == nil {
		return nil, false, nil, metadata.NewError(metadata.ErrTransient, "get_store", cleaned, "store vanished during lookup", nil)
	}
	return h, created, nil, nil
}

func (r *Registry) closedError(dir string) error {
	return metadata.NewError(metadata.ErrClosed, "get_store", dir, "registry is closed", metadata.ErrStoreClosed)
}

// Evict closes the store for dir immediately, regardless of idle time.
//
// Evict is refused while leases on the store are outstanding. Evicting a
// directory without a live store is a no-op.
func (r *Registry) Evict(ctx context.Context, dir string) error {
	key, _, err := normalizePath(dir)
	if err != nil {
		return metadata.NewError(metadata.ErrInvalidInput, "evict", dir, "invalid directory path", err)
	}

	var (
		victim *handle
		refs   int
		wait   chan struct{}
	)
	r.handles.Compute(key, func(old *handle, loaded bool) (*handle, bool) {
		if !loaded {
			return nil, true
		}
		if old.closing {
			wait = old.done
			return old, false
		}
		if old.refs > 0 {
			refs = old.refs
			return old, false
		}
		old.markClosing()
		victim = old
		return old, false
	})

	if wait != nil {
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return metadata.NewError(metadata.ErrTransient, "evict", dir, "cancelled waiting for close", ctx.Err())
		}
	}
	if refs > 0 {
		return metadata.NewError(metadata.ErrInvalidInput, "evict", dir,
			fmt.Sprintf("store has %d active lease(s)", refs), nil)
	}
	if victim == nil {
		return nil
	}
	return r.closeHandle(ctx, victim, EvictReasonExplicit)
}

// Len returns the number of stores in the table, including any that are
// still being closed.
func (r *Registry) Len() int {
	return r.handles.Size()
}

// Close stops the janitor and closes every store, flushing pending changes.
// Stores that are still leased are closed too. All flush failures are
// returned joined.
//
// Once Close has started no new store is created; a store created by a
// lookup that raced with Close is closed along with the others.
func (r *Registry) Close(ctx context.Context) error {
	r.lifecycleMu.Lock()
	if r.closed.Load() {
		r.lifecycleMu.Unlock()
		return nil
	}
	r.closed.Store(true)
	r.lifecycleMu.Unlock()

	r.stopJanitor()

	var errs []error
	for keys := r.keys(); len(keys) > 0; keys = r.keys() {
		for _, key := range keys {
			var victim *handle
			var wait chan struct{}
			r.handles.Compute(key, func(old *handle, loaded bool) (*handle, bool) {
				if !loaded {
					return nil, true
				}
				if old.closing {
					wait = old.done
					return old, false
				}
				old.markClosing()
				victim = old
				return old, false
			})

			if wait != nil {
				select {
				case <-wait:
				case <-ctx.Done():
					return errors.Join(append(errs, ctx.Err())...)
				}
				continue
			}
			if victim == nil {
				continue
			}
			if victim.refs > 0 {
				logger.Warn("Closing metadata store for %s with %d active lease(s)", victim.dir, victim.refs)
			}
			if err := r.closeHandle(ctx, victim, EvictReasonShutdown); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// sweep evicts every unreferenced store idle for longer than IdleTimeout and
// returns how many were evicted.
func (r *Registry) sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	var victims []*handle
	for _, key := range r.keys() {
		r.handles.Compute(key, func(old *handle, loaded bool) (*handle, bool) {
			if !loaded {
				return nil, true
			}
			if !old.closing && old.refs == 0 && old.lastUsed.Before(cutoff) {
				old.markClosing()
				victims = append(victims, old)
			}
			return old, false
		})
	}

	for _, h := range victims {
		_ = r.closeHandle(ctx, h, EvictReasonIdle)
	}
	return len(victims)
}

// closeHandle closes the store of a handle marked closing, then removes the
// handle from the table and wakes lookups waiting on it.
func (r *Registry) closeHandle(ctx context.Context, h *handle, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
	defer cancel()

	err := h.store.Close(ctx)

	r.handles.Compute(h.key, func(old *handle, loaded bool) (*handle, bool) {
		if loaded && old != h {
			return old, false
		}
		return nil, true
	})
	close(h.done)

	r.metrics.RecordEviction(reason, err)
	r.metrics.SetLiveStores(r.handles.Size())

	if err != nil {
		logger.Warn("Evicted metadata store for %s (%s) with unflushed changes: %v", h.dir, reason, err)
		return err
	}
	logger.Debug("Evicted metadata store for %s (%s)", h.dir, reason)
	return nil
}

func (r *Registry) keys() []string {
	keys := make([]string, 0, r.handles.Size())
	r.handles.Range(func(key string, _ *handle) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// janitor is the background goroutine that evicts idle stores.
func (r *Registry) janitor() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.sweep(context.Background()); n > 0 {
				logger.Debug("Store registry janitor evicted %d idle store(s), %d live", n, r.Len())
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) stopJanitor() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}
