package store

import (
	"context"
	"time"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/metadata/buffer"
	"github.com/conceptfab/dirmeta/pkg/metadata/writer"
)

// DefaultFileName is the sidecar document name inside a managed directory.
const DefaultFileName = ".dirmeta.json"

// Config configures a Store.
type Config struct {
	// FileName is the sidecar document name (default: .dirmeta.json)
	FileName string

	// Buffer controls debounce, max age and flush retries
	Buffer buffer.Config

	// CacheTTL is how long a loaded document is served from memory.
	// Zero disables the read cache.
	CacheTTL time.Duration

	// ProbeExternalChanges stats the sidecar on every cached Load and drops
	// the cache entry when the file changed behind the store's back
	ProbeExternalChanges bool

	// Writer controls locking, retries and durability
	Writer writer.Config
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		FileName:             DefaultFileName,
		Buffer:               buffer.DefaultConfig(),
		CacheTTL:             2 * time.Second,
		ProbeExternalChanges: true,
		Writer:               writer.DefaultConfig(),
	}
}

// ErrorHandler is notified when a background flush fails.
type ErrorHandler func(dir string, err error)

// WriteLimiter throttles document writes. Implementations are usually
// shared by every store of a process.
type WriteLimiter interface {
	Wait(ctx context.Context) error
}

type unlimited struct{}

func (unlimited) Wait(context.Context) error { return nil }

// Option customizes a Store.
type Option func(*Store)

// WithValidator replaces the default document validator.
func WithValidator(v metadata.Validator) Option {
	return func(s *Store) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLocker replaces the advisory file lock used by the writer.
func WithLocker(l writer.Locker) Option {
	return func(s *Store) {
		s.writerOpts = append(s.writerOpts, writer.WithLocker(l))
	}
}

// WithErrorHandler registers a callback for background flush failures.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Store) {
		s.onError = h
	}
}

// WithWriteLimiter throttles the store's writes through l.
func WithWriteLimiter(l WriteLimiter) Option {
	return func(s *Store) {
		if l != nil {
			s.limiter = l
		}
	}
}
