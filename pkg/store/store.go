// Package store provides DirectoryMetadataStore, the facade that callers use
// to read and mutate the metadata document of one managed directory.
//
// A Store ties together three components:
//   - a ChangeBuffer that coalesces bursts of AddChanges calls,
//   - a ReadCache that serves Load without touching disk,
//   - an AtomicWriter that persists complete documents under an advisory lock.
//
// Flushes run on the buffer's scheduler goroutine, or synchronously through
// FlushNow and Close. Every flush drains the buffer, merges the drained changes
// into the last known document, writes it, and refreshes the cache.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/metadata/buffer"
	"github.com/conceptfab/dirmeta/pkg/metadata/cache"
	"github.com/conceptfab/dirmeta/pkg/metadata/writer"
)

// Store is the metadata store for one directory.
//
// Thread Safety:
// All methods are safe for concurrent use. AddChanges never performs I/O;
// Load, View, FlushNow and Close may block on the advisory lock and disk.
type Store struct {
	dir        string
	cfg        Config
	validator  metadata.Validator
	metrics    Metrics
	onError    ErrorHandler
	limiter    WriteLimiter
	writerOpts []writer.Option

	writer *writer.AtomicWriter
	cache  *cache.ReadCache
	buf    *buffer.ChangeBuffer

	// flushMu serializes flushes so each drained batch is merged into the
	// result of the previous one
	flushMu sync.Mutex

	// generation counts successful writes; it orders cache entries
	generation atomic.Uint64

	// lifecycleMu guards closed against concurrent AddChanges
	lifecycleMu sync.RWMutex
	closed      bool
}

// New creates a store for dir and starts its flush scheduler.
//
// dir must be an existing directory. The sidecar document does not need to
// exist yet.
//
// Parameters:
//   - dir: Managed directory; the sidecar lives at dir/cfg.FileName
//   - cfg: Store configuration (zero values take defaults)
//   - opts: Optional validator, metrics, locker, write limiter and error handler
//
// Returns:
//   - *Store: Running store; call Close to flush and stop it
//   - error: InvalidInput if dir is not a usable directory
func New(dir string, cfg Config, opts ...Option) (*Store, error) {
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if filepath.Base(cfg.FileName) != cfg.FileName {
		return nil, metadata.NewError(metadata.ErrInvalidInput, "open", dir,
			fmt.Sprintf("file name %q must not contain a path separator", cfg.FileName), nil)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, metadata.NewError(metadata.ErrInvalidInput, "open", dir, "cannot access directory", err)
	}
	if !info.IsDir() {
		return nil, metadata.NewError(metadata.ErrInvalidInput, "open", dir, "not a directory", nil)
	}

	s := &Store{
		dir:       dir,
		cfg:       cfg,
		validator: metadata.NewDefaultValidator(),
		metrics:   noopMetrics{},
		limiter:   unlimited{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.writer = writer.New(filepath.Join(dir, cfg.FileName), cfg.Writer, s.validator, s.writerOpts...)
	s.cache = cache.New(cfg.CacheTTL)
	s.buf = buffer.New(cfg.Buffer)
	s.buf.Start(s.scheduledFlush)

	logger.Debug("Opened metadata store for %s", dir)
	return s, nil
}

// Dir returns the managed directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the sidecar document path.
func (s *Store) Path() string {
	return s.writer.Path()
}

// Pending returns the number of buffered changes not yet handed to a flush.
func (s *Store) Pending() int {
	return s.buf.Len()
}

// State returns the buffer state.
func (s *Store) State() buffer.State {
	return s.buf.State()
}

// LastFlushError returns the most recent flush failure, or nil once a flush
// succeeds again.
func (s *Store) LastFlushError() error {
	return s.buf.LastError()
}

// CacheStats returns the read cache hit, miss and invalidation counters.
func (s *Store) CacheStats() (hits, misses, invalidations uint64) {
	return s.cache.Stats()
}

// Load returns the persisted document.
//
// A fresh cache entry is returned when its on-disk fingerprint still matches
// (or without probing when ProbeExternalChanges is off). Otherwise the
// document is read from disk under the advisory lock and cached. Changes that
// have not been flushed yet are not visible; use View for that.
//
// A malformed or invalid document on disk is reported through the logger and
// yields the empty document rather than an error.
func (s *Store) Load(ctx context.Context) (metadata.Document, error) {
	if s.isClosed() {
		return metadata.Document{}, s.closedError("load")
	}
	return s.load(ctx)
}

// View returns the persisted document with every unflushed change applied.
func (s *Store) View(ctx context.Context) (metadata.Document, error) {
	if s.isClosed() {
		return metadata.Document{}, s.closedError("view")
	}

	doc, err := s.load(ctx)
	if err != nil {
		return metadata.Document{}, err
	}
	metadata.Apply(&doc, s.buf.Snapshot())
	return doc, nil
}

func (s *Store) load(ctx context.Context) (metadata.Document, error) {
	gen := s.generation.Load()

	if s.cfg.ProbeExternalChanges {
		fp, err := s.writer.Stat()
		if err == nil {
			if e, ok := s.cache.GetVerified(fp); ok {
				s.metrics.RecordLoad(LoadSourceCache)
				return e.Document, nil
			}
		} else {
			logger.Debug("Stat of %s failed, reading from disk: %v", s.writer.Path(), err)
		}
	} else if e, ok := s.cache.Get(); ok {
		s.metrics.RecordLoad(LoadSourceCache)
		return e.Document, nil
	}

	res, err := s.writer.Read(ctx)
	if err != nil {
		return metadata.Document{}, err
	}
	s.metrics.RecordLoad(LoadSourceDisk)
	if res.Integrity != nil {
		s.metrics.RecordIntegrityFailure()
	}

	s.cache.Set(res.Document, gen, res.Fingerprint)
	return res.Document, nil
}

// AddChanges validates changes and queues them for the next flush.
//
// Every path and value is checked synchronously; if any is invalid the whole
// set is rejected with an InvalidInput error and nothing is buffered. Valid
// changes are merged into the pending set and a debounced flush is scheduled.
// AddChanges never blocks on I/O.
func (s *Store) AddChanges(changes metadata.ChangeSet) error {
	normalized, err := changes.Normalize(s.validator)
	if err != nil {
		return metadata.NewError(metadata.ErrInvalidInput, "add_changes", s.dir, "invalid change set", err)
	}

	s.lifecycleMu.RLock()
	defer s.lifecycleMu.RUnlock()

	if s.closed {
		return s.closedError("add_changes")
	}
	if len(normalized) == 0 {
		return nil
	}

	s.buf.Add(normalized)
	s.metrics.RecordChangesAdded(len(normalized))
	return nil
}

// FlushNow persists every pending change and blocks until the write has
// succeeded or failed. Calling it with nothing pending is a no-op.
func (s *Store) FlushNow(ctx context.Context) error {
	return s.flush(ctx)
}

// Close stops the flush scheduler, waiting for an in-flight flush, then
// performs a final synchronous flush and returns its error.
//
// After Close, AddChanges, Load and View return a Closed error. If the final
// flush fails the changes stay buffered and Close may be called again to
// retry it.
func (s *Store) Close(ctx context.Context) error {
	s.lifecycleMu.Lock()
	first := !s.closed
	s.closed = true
	s.lifecycleMu.Unlock()

	if first {
		s.buf.Stop()
	}

	if err := s.flush(ctx); err != nil {
		logger.Error("Final flush of %s failed, %d change(s) still pending: %v", s.dir, s.buf.Len(), err)
		return err
	}

	if first {
		logger.Debug("Closed metadata store for %s", s.dir)
	}
	return nil
}

// scheduledFlush runs on the buffer's scheduler goroutine.
func (s *Store) scheduledFlush() {
	if err := s.flush(context.Background()); err != nil {
		if s.onError != nil {
			s.onError(s.dir, err)
		}
	}
}

// flush executes one Drain -> merge -> write -> cache refresh cycle.
func (s *Store) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch, ok := s.buf.Drain()
	if !ok {
		return nil
	}

	start := time.Now()
	err := s.persist(ctx, batch.Changes)
	s.metrics.RecordFlush(time.Since(start), batch.Len(), err)

	if err != nil {
		s.buf.Restore(batch, err)
		return err
	}

	s.buf.Complete(batch)
	return nil
}

// persist merges changes into the document on disk and writes the result.
// The read, merge and write happen under one acquisition of the advisory
// lock, so a concurrent writer in another process is never overwritten with
// stale content.
func (s *Store) persist(ctx context.Context, changes []metadata.Change) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return metadata.NewError(metadata.ErrTransient, "write", s.writer.Path(), "write throttled", err)
	}

	res, err := s.writer.Update(ctx, func(doc *metadata.Document) {
		metadata.Apply(doc, changes)
	})
	if res.Base.Integrity != nil {
		s.metrics.RecordIntegrityFailure()
	}
	if res.Attempts > 0 {
		s.metrics.RecordWriteAttempts(res.Attempts)
	}
	if err != nil {
		return err
	}

	gen := s.generation.Add(1)
	s.cache.Invalidate()
	s.cache.Set(res.Document, gen, res.Fingerprint)

	logger.Debug("Flushed %d change(s) to %s (%d bytes, %d attempt(s), %v)",
		len(changes), s.writer.Path(), res.Bytes, res.Attempts, res.Duration)
	return nil
}

func (s *Store) isClosed() bool {
	s.lifecycleMu.RLock()
	defer s.lifecycleMu.RUnlock()
	return s.closed
}

func (s *Store) closedError(op string) error {
	return metadata.NewError(metadata.ErrClosed, op, s.dir, "store is closed", metadata.ErrStoreClosed)
}

// IsClosed reports whether err was returned because the store is closed.
func IsClosed(err error) bool {
	return errors.Is(err, metadata.ErrStoreClosed)
}
