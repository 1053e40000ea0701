package registry

import (
	"sync"

	"github.com/conceptfab/dirmeta/pkg/store"
)

// Lease pins a directory's store in the registry until Release is called.
type Lease struct {
	registry *Registry
	key      string
	store    *store.Store
	once     sync.Once
}

// Store returns the leased store.
func (l *Lease) Store() *store.Store {
	return l.store
}

// Release drops the lease. The store stays open until it has been idle for
// the registry's IdleTimeout. Calling Release more than once has no effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.handles.Compute(l.key, func(old *handle, loaded bool) (*handle, bool) {
			if !loaded {
				return nil, true
			}
			// the handle may have been replaced after a forced close
			if old.store == l.store && old.refs > 0 {
				old.refs--
				old.lastUsed = l.registry.now()
			}
			return old, false
		})
	})
}
