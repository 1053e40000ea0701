// Package cache provides the read cache that sits in front of a sidecar
// document.
//
// The cache holds the most recently known-good document for one directory.
// Entries expire after a configurable TTL and are dropped whenever the store
// writes, or when a cheap stat of the sidecar shows that someone else changed
// it.
package cache

import (
	"sync"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
)

// Entry is a cached document.
type Entry struct {
	// Document is a private copy; callers may modify it freely
	Document metadata.Document

	// Generation is the store's write generation when the entry was recorded
	Generation uint64

	// Fingerprint is the on-disk state the document corresponds to
	Fingerprint metadata.Fingerprint

	// StoredAt is when the entry was recorded
	StoredAt time.Time
}

// ReadCache is a single-entry TTL cache.
//
// Thread Safety:
// All operations are protected by a RWMutex for safe concurrent use.
type ReadCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	entry *Entry

	// generation is the highest generation ever stored; it survives Invalidate
	generation uint64

	// Metrics
	hits          uint64
	misses        uint64
	invalidations uint64
}

// New creates a cache with the given TTL. A TTL of zero disables caching:
// Set is a no-op and Get always misses.
func New(ttl time.Duration) *ReadCache {
	return newWithClock(ttl, time.Now)
}

func newWithClock(ttl time.Duration, now func() time.Time) *ReadCache {
	if ttl < 0 {
		ttl = 0
	}
	return &ReadCache{ttl: ttl, now: now}
}

// TTL returns the configured time-to-live.
func (c *ReadCache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the entry if it is still fresh.
func (c *ReadCache) Get() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.freshLocked()
	if !ok {
		c.misses++
		return Entry{}, false
	}
	c.hits++
	return e, true
}

// GetVerified returns a copy of the entry if it is fresh and fp matches the
// fingerprint recorded with it. A mismatch means the sidecar changed on disk
// behind our back: the entry is invalidated and the lookup misses.
func (c *ReadCache) GetVerified(fp metadata.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.freshLocked()
	if !ok {
		c.misses++
		return Entry{}, false
	}

	if !e.Fingerprint.Equal(fp) {
		logger.Debug("Read cache: on-disk fingerprint changed (size %d -> %d), invalidating",
			e.Fingerprint.Size, fp.Size)
		c.entry = nil
		c.invalidations++
		c.misses++
		return Entry{}, false
	}

	c.hits++
	return e, true
}

// freshLocked must be called with c.mu held.
func (c *ReadCache) freshLocked() (Entry, bool) {
	if c.entry == nil || c.ttl == 0 {
		return Entry{}, false
	}
	if c.now().Sub(c.entry.StoredAt) >= c.ttl {
		return Entry{}, false
	}

	e := *c.entry
	e.Document = c.entry.Document.Clone()
	return e, true
}

// Set records doc as the current document.
//
// An entry with a generation older than any previously stored one is ignored,
// so a slow reader can never replace the result of a newer write, even after
// the newer entry was invalidated.
func (c *ReadCache) Set(doc metadata.Document, generation uint64, fp metadata.Fingerprint) {
	if c.ttl == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if generation < c.generation {
		logger.Debug("Read cache: ignoring generation %d older than %d", generation, c.generation)
		return
	}
	c.generation = generation

	c.entry = &Entry{
		Document:    doc.Clone(),
		Generation:  generation,
		Fingerprint: fp,
		StoredAt:    c.now(),
	}
}

// Invalidate drops the cached entry.
func (c *ReadCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil {
		c.entry = nil
		c.invalidations++
	}
}

// Stats returns hit, miss and invalidation counters.
func (c *ReadCache) Stats() (hits, misses, invalidations uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.invalidations
}
