// Package writer persists metadata documents to their sidecar file with
// crash-safe semantics.
//
// Every write goes to a uniquely named temporary file in the sidecar's own
// directory and is then renamed over the target, so readers only ever observe
// the previous complete document or the new complete document. Writers and
// readers coordinate through an advisory lock on a companion ".lock" file.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/google/uuid"
)

// Config controls locking, retry and durability behaviour.
type Config struct {
	// LockTimeoutBase is the lock timeout for an empty or missing document
	LockTimeoutBase time.Duration

	// LockTimeoutPerMB is added to the timeout for every MiB of the existing document
	LockTimeoutPerMB time.Duration

	// LockTimeoutCap bounds the computed lock timeout
	LockTimeoutCap time.Duration

	// LockPollInterval is how often a contended lock is retried
	LockPollInterval time.Duration

	// IOFactor scales the lock timeout for slow hosts (1.0 = nominal)
	IOFactor float64

	// MaxAttempts is the number of write attempts before giving up
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt; it doubles per attempt
	BackoffBase time.Duration

	// BackoffMax caps the delay between attempts
	BackoffMax time.Duration

	// Fsync flushes the temporary file and the directory to stable storage
	Fsync bool

	// QuarantineCorrupt renames an invalid on-disk document aside instead of
	// leaving it to be overwritten by the next write
	QuarantineCorrupt bool

	// FileMode is the permission of newly written documents
	FileMode fs.FileMode
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeoutBase:   2 * time.Second,
		LockTimeoutPerMB:  1 * time.Second,
		LockTimeoutCap:    30 * time.Second,
		LockPollInterval:  10 * time.Millisecond,
		IOFactor:          1.0,
		MaxAttempts:       3,
		BackoffBase:       100 * time.Millisecond,
		BackoffMax:        2 * time.Second,
		Fsync:             true,
		QuarantineCorrupt: true,
		FileMode:          0644,
	}
}

// applyDefaults fills zero numeric values. Boolean switches are left alone so
// callers can turn them off explicitly.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LockTimeoutBase <= 0 {
		c.LockTimeoutBase = d.LockTimeoutBase
	}
	if c.LockTimeoutPerMB < 0 {
		c.LockTimeoutPerMB = 0
	}
	if c.LockTimeoutCap <= 0 {
		c.LockTimeoutCap = d.LockTimeoutCap
	}
	if c.LockTimeoutCap < c.LockTimeoutBase {
		c.LockTimeoutCap = c.LockTimeoutBase
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = d.LockPollInterval
	}
	if c.IOFactor <= 0 {
		c.IOFactor = d.IOFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.FileMode == 0 {
		c.FileMode = d.FileMode
	}
}

// WriteResult describes a successful or failed write.
type WriteResult struct {
	// Attempts is the number of attempts made, including the successful one
	Attempts int

	// Bytes is the encoded document size
	Bytes int

	// Duration covers all attempts and backoff
	Duration time.Duration

	// LockTimeout is the timeout used for the last lock acquisition
	LockTimeout time.Duration

	// Fingerprint describes the target after a successful rename
	Fingerprint metadata.Fingerprint
}

// ReadResult is the outcome of a read. A missing or invalid document yields
// the default empty document.
type ReadResult struct {
	Document    metadata.Document
	Fingerprint metadata.Fingerprint

	// Integrity is set when the on-disk document was malformed or invalid
	Integrity error

	// QuarantinedTo is the path the invalid document was moved to, if any
	QuarantinedTo string
}

// UpdateResult describes an Update.
type UpdateResult struct {
	WriteResult

	// Document is the document that was written
	Document metadata.Document

	// Base is the outcome of reading the document the update started from
	Base ReadResult
}

// AtomicWriter reads and writes one sidecar document.
//
// The writer keeps no state between calls apart from its configuration; the
// advisory lock is only held for the duration of a Read, Write or Update.
//
// Thread Safety: Safe for concurrent use. Concurrent calls serialize on the
// advisory lock.
type AtomicWriter struct {
	path      string
	lockPath  string
	cfg       Config
	validator metadata.Validator
	locker    Locker

	// beforeRename runs after the temporary file is complete and before it
	// replaces the target. Used by tests to simulate interrupted writes.
	beforeRename func(tmpPath string) error
}

// Option customizes an AtomicWriter.
type Option func(*AtomicWriter)

// WithLocker replaces the advisory lock implementation.
func WithLocker(l Locker) Option {
	return func(w *AtomicWriter) {
		if l != nil {
			w.locker = l
		}
	}
}

// New creates a writer for the document at path. The lock file lives next to
// it at path + ".lock".
func New(path string, cfg Config, validator metadata.Validator, opts ...Option) *AtomicWriter {
	cfg.applyDefaults()
	if validator == nil {
		validator = metadata.NewDefaultValidator()
	}

	w := &AtomicWriter{
		path:      path,
		lockPath:  LockPath(path),
		cfg:       cfg,
		validator: validator,
	}
	w.locker = newFileLocker(cfg.LockPollInterval)

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// LockPath returns the companion lock file for a document path.
func LockPath(docPath string) string {
	return docPath + ".lock"
}

// Path returns the document path.
func (w *AtomicWriter) Path() string {
	return w.path
}

// Stat returns the current on-disk fingerprint without taking the lock.
func (w *AtomicWriter) Stat() (metadata.Fingerprint, error) {
	fp, err := metadata.FingerprintOf(w.path)
	if err != nil {
		return fp, classifyIOError("stat", w.path, err)
	}
	return fp, nil
}

// Write persists doc, retrying transient failures with exponential backoff.
//
// Invalid documents and encoding failures are caller errors and are not
// retried. On any failure the previous document on disk is left untouched.
func (w *AtomicWriter) Write(ctx context.Context, doc metadata.Document) (WriteResult, error) {
	start := time.Now()
	result := WriteResult{}

	data, err := w.encode(doc)
	if err != nil {
		return result, err
	}
	result.Bytes = len(data)

	err = w.retry(ctx, "write", &result, func(ctx context.Context) error {
		timeout, err := w.withLock(ctx, func() error {
			fp, err := w.commitLocked(data)
			result.Fingerprint = fp
			return err
		})
		result.LockTimeout = timeout
		return err
	})
	result.Duration = time.Since(start)
	return result, err
}

// Update reads the current document, applies mutate to it and writes the
// result, all under a single acquisition of the advisory lock, so a write by
// another process can never land between the read and the write.
//
// The on-disk document is read like Read does: a missing or invalid file
// yields the empty document. An invalid file that is not quarantined is
// replaced by the result. mutate may run more than once when attempts are
// retried and must only depend on the document it is given.
//
// Returns:
//   - UpdateResult: Write statistics, the written document and the outcome of
//     the read half
//   - error: Classified failure; the document on disk is left untouched
func (w *AtomicWriter) Update(ctx context.Context, mutate func(doc *metadata.Document)) (UpdateResult, error) {
	start := time.Now()
	result := UpdateResult{}

	err := w.retry(ctx, "update", &result.WriteResult, func(ctx context.Context) error {
		timeout, err := w.withLock(ctx, func() error {
			base, err := w.readLocked()
			if err != nil {
				return err
			}
			result.Base = base

			doc := base.Document
			mutate(&doc)

			data, err := w.encode(doc)
			if err != nil {
				return err
			}
			result.Bytes = len(data)

			if base.Integrity != nil && base.QuarantinedTo == "" {
				logger.Warn("Replacing invalid document %s with a new document", w.path)
			}

			fp, err := w.commitLocked(data)
			if err != nil {
				return err
			}
			result.Fingerprint = fp
			result.Document = doc
			return nil
		})
		result.LockTimeout = timeout
		return err
	})
	result.Duration = time.Since(start)
	return result, err
}

// encode validates and serializes doc. Failures are InvalidInput.
func (w *AtomicWriter) encode(doc metadata.Document) ([]byte, error) {
	if err := w.validator.ValidateDocument(&doc); err != nil {
		return nil, metadata.NewError(metadata.ErrInvalidInput, "write", w.path, "document failed validation", err)
	}

	data, err := metadata.Encode(doc)
	if err != nil {
		return nil, metadata.NewError(metadata.ErrInvalidInput, "write", w.path, "failed to encode document", err)
	}
	return data, nil
}

// retry runs attempt up to MaxAttempts times with exponential backoff,
// stopping at the first success or non-retryable error. result.Attempts is
// kept current.
func (w *AtomicWriter) retry(ctx context.Context, op string, result *WriteResult, attempt func(ctx context.Context) error) error {
	var lastErr error
	for n := 1; n <= w.cfg.MaxAttempts; n++ {
		result.Attempts = n

		if err := ctx.Err(); err != nil {
			return metadata.NewError(metadata.ErrTransient, op, w.path, "cancelled", err)
		}

		err := attempt(ctx)
		if err == nil {
			if n > 1 {
				logger.Debug("Wrote %s after %d attempts", w.path, n)
			}
			return nil
		}

		lastErr = err
		if !metadata.IsRetryable(err) {
			return err
		}

		if n < w.cfg.MaxAttempts {
			delay := backoffDelay(w.cfg.BackoffBase, w.cfg.BackoffMax, n)
			logger.Debug("Write attempt %d/%d for %s failed, retrying in %v: %v",
				n, w.cfg.MaxAttempts, w.path, delay, err)
			if err := sleepContext(ctx, delay); err != nil {
				return metadata.NewError(metadata.ErrTransient, op, w.path, "cancelled during backoff", err)
			}
		}
	}

	kind, _ := metadata.KindOf(lastErr)
	return metadata.NewError(kind, op, w.path,
		fmt.Sprintf("giving up after %d attempts", result.Attempts), lastErr)
}

// withLock runs fn while holding the advisory lock, after removing leftovers
// of interrupted writes. It returns the lock timeout that was used.
func (w *AtomicWriter) withLock(ctx context.Context, fn func() error) (time.Duration, error) {
	timeout := w.lockTimeout()

	unlock, err := w.locker.Lock(ctx, w.lockPath, timeout)
	if err != nil {
		return timeout, classifyIOError("lock", w.lockPath, err)
	}
	defer w.release(unlock)

	w.removeLeftovers()
	return timeout, fn()
}

// commitLocked writes data to a temporary file and renames it onto the
// target. Must be called with the advisory lock held.
func (w *AtomicWriter) commitLocked(data []byte) (metadata.Fingerprint, error) {
	dir := filepath.Dir(w.path)
	tmpPath := w.path + "." + uuid.NewString() + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, w.cfg.FileMode)
	if err != nil {
		return metadata.Fingerprint{}, classifyIOError("create temp", tmpPath, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = f.Close()
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Failed to discard temporary file %s: %v", tmpPath, err)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return metadata.Fingerprint{}, classifyIOError("write temp", tmpPath, err)
	}
	if w.cfg.Fsync {
		if err := f.Sync(); err != nil {
			return metadata.Fingerprint{}, classifyIOError("sync temp", tmpPath, err)
		}
	}
	if err := f.Close(); err != nil {
		return metadata.Fingerprint{}, classifyIOError("close temp", tmpPath, err)
	}

	if w.beforeRename != nil {
		if err := w.beforeRename(tmpPath); err != nil {
			return metadata.Fingerprint{}, classifyIOError("rename", w.path, err)
		}
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return metadata.Fingerprint{}, classifyIOError("rename", w.path, err)
	}
	committed = true

	if w.cfg.Fsync {
		syncDir(dir)
	}

	fp, err := metadata.FingerprintOf(w.path)
	if err != nil {
		logger.Debug("Failed to fingerprint %s after write: %v", w.path, err)
	}
	return fp, nil
}

// Read loads the document under the advisory lock.
//
// A missing file yields the empty document. A malformed or invalid file also
// yields the empty document, with ReadResult.Integrity describing the problem;
// the file is never repaired in place.
func (w *AtomicWriter) Read(ctx context.Context) (ReadResult, error) {
	var result ReadResult
	_, err := w.withLock(ctx, func() error {
		var err error
		result, err = w.readLocked()
		return err
	})
	if err != nil {
		return ReadResult{}, err
	}
	return result, nil
}

// readLocked decodes and validates the document on disk. Must be called with
// the advisory lock held.
func (w *AtomicWriter) readLocked() (ReadResult, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ReadResult{Document: metadata.NewDocument()}, nil
		}
		return ReadResult{}, classifyIOError("read", w.path, err)
	}

	fp, err := metadata.FingerprintOf(w.path)
	if err != nil {
		return ReadResult{}, classifyIOError("stat", w.path, err)
	}

	doc, derr := metadata.Decode(data)
	if derr == nil {
		derr = w.validator.ValidateDocument(&doc)
	}
	if derr == nil {
		return ReadResult{Document: doc, Fingerprint: fp}, nil
	}

	result := ReadResult{
		Document:    metadata.NewDocument(),
		Fingerprint: fp,
		Integrity:   metadata.NewError(metadata.ErrIntegrity, "read", w.path, "invalid document on disk", derr),
	}
	logger.Warn("Data integrity warning: %s is not a valid metadata document, treating as absent: %v", w.path, derr)

	if w.cfg.QuarantineCorrupt {
		if dest, err := w.quarantine(); err != nil {
			logger.Warn("Failed to quarantine invalid document %s: %v", w.path, err)
		} else {
			result.QuarantinedTo = dest
			result.Fingerprint = metadata.Fingerprint{}
			logger.Warn("Invalid document %s moved to %s", w.path, dest)
		}
	}

	return result, nil
}

func (w *AtomicWriter) release(unlock func() error) {
	if err := unlock(); err != nil {
		logger.Warn("Failed to release lock %s: %v", w.lockPath, err)
	}
}

// lockTimeout computes the dynamic timeout from the current document size and
// the host I/O characteristics.
func (w *AtomicWriter) lockTimeout() time.Duration {
	var size int64
	if info, err := os.Stat(w.path); err == nil {
		size = info.Size()
	}
	factor := w.cfg.IOFactor * slowFilesystemFactor(filepath.Dir(w.path))
	return computeLockTimeout(w.cfg, size, factor)
}
