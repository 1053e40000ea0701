package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/metadata/writer"
	"github.com/conceptfab/dirmeta/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.Buffer.Debounce = time.Hour
	cfg.Buffer.MaxAge = time.Hour
	cfg.Writer.LockTimeoutBase = 200 * time.Millisecond
	cfg.Writer.LockTimeoutCap = time.Second
	return cfg
}

// countingFactory opens real stores and counts constructions.
type countingFactory struct {
	calls atomic.Int32
}

func (f *countingFactory) open(dir string) (*store.Store, error) {
	f.calls.Add(1)
	return store.New(dir, testStoreConfig())
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *countingFactory) {
	t.Helper()
	f := &countingFactory{}
	r := New(cfg, f.open, nil)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, f
}

// manualClock lets tests age handles without sleeping.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGetStore_ConcurrentCallersShareOneStore(t *testing.T) {
	r, factory := newTestRegistry(t, DefaultConfig())
	dir := t.TempDir()

	const callers = 32
	stores := make([]*store.Store, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetStore(dir)
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range stores {
		assert.Same(t, stores[0], s)
	}
	assert.Equal(t, int32(1), factory.calls.Load())
	assert.Equal(t, 1, r.Len())
}

func TestGetStore_NormalizesPaths(t *testing.T) {
	r, factory := newTestRegistry(t, DefaultConfig())
	dir := t.TempDir()

	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(dir, link))

	first, err := r.GetStore(dir)
	require.NoError(t, err)

	for _, spelling := range []string{
		dir + string(filepath.Separator),
		filepath.Join(dir, "."),
		filepath.Join(dir, "sub", ".."),
		link,
	} {
		s, err := r.GetStore(spelling)
		require.NoError(t, err, spelling)
		assert.Same(t, first, s, spelling)
	}
	assert.Equal(t, int32(1), factory.calls.Load())
}

func TestGetStore_ConstructionFailure(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := r.GetStore(file)
	require.Error(t, err)
	assert.True(t, metadata.IsKind(err, metadata.ErrInvalidInput))
	assert.Equal(t, 0, r.Len())

	_, err = r.GetStore("  ")
	assert.True(t, metadata.IsKind(err, metadata.ErrInvalidInput))
}

func TestSweep_EvictsIdleUnreferencedStores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	r, factory := newTestRegistry(t, cfg)

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	dir := t.TempDir()
	s, err := r.GetStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddChanges(metadata.ChangeSet{"unpairedPrimary": []string{"flushed-on-evict"}}))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, r.sweep(context.Background()), "not idle long enough")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, r.sweep(context.Background()))
	assert.Equal(t, 0, r.Len())

	err = s.AddChanges(metadata.ChangeSet{"hasSpecialFolders": true})
	assert.True(t, store.IsClosed(err), "evicted store is closed")

	data, err := os.ReadFile(filepath.Join(dir, store.DefaultFileName))
	require.NoError(t, err, "eviction flushes pending changes")
	doc, err := metadata.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"flushed-on-evict"}, doc.UnpairedPrimary)

	fresh, err := r.GetStore(dir)
	require.NoError(t, err)
	assert.NotSame(t, s, fresh, "a reclaimed directory gets a fresh store")
	assert.Equal(t, int32(2), factory.calls.Load())
}

func TestLease_PinsStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	r, _ := newTestRegistry(t, cfg)

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	dir := t.TempDir()
	lease, err := r.Acquire(dir)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, r.sweep(context.Background()), "leased store is never idle-evicted")

	err = r.Evict(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, metadata.IsKind(err, metadata.ErrInvalidInput))

	lease.Release()
	lease.Release()

	assert.Equal(t, 0, r.sweep(context.Background()), "release counts as a use")
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.sweep(context.Background()))
}

func TestLease_StaleReleaseAfterReplacement(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	dir := t.TempDir()

	lease, err := r.Acquire(dir)
	require.NoError(t, err)

	// force the store out through Close of the whole registry, then reuse the key
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 0, r.Len())

	lease.Release()

	_, err = r.GetStore(dir)
	assert.True(t, metadata.IsKind(err, metadata.ErrClosed))
}

func TestEvict_ExplicitAndMissing(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	dir := t.TempDir()

	require.NoError(t, r.Evict(context.Background(), dir), "nothing to evict")

	s, err := r.GetStore(dir)
	require.NoError(t, err)
	require.NoError(t, r.Evict(context.Background(), dir))
	assert.Equal(t, 0, r.Len())

	_, err = s.Load(context.Background())
	assert.True(t, store.IsClosed(err))
}

func TestJanitor_RunsInBackground(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.IdleCheckInterval = 10 * time.Millisecond
	r, _ := newTestRegistry(t, cfg)
	r.Start()
	r.Start()

	_, err := r.GetStore(t.TempDir())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClose_ClosesEveryStore(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	ctx := context.Background()

	var dirs []string
	for range 3 {
		dir := t.TempDir()
		dirs = append(dirs, dir)
		s, err := r.GetStore(dir)
		require.NoError(t, err)
		require.NoError(t, s.AddChanges(metadata.ChangeSet{"hasSpecialFolders": true}))
	}

	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 0, r.Len())

	for _, dir := range dirs {
		_, err := os.Stat(filepath.Join(dir, store.DefaultFileName))
		assert.NoError(t, err, "store for %s was flushed", dir)
	}
}

// gatedLocker blocks the first lock acquisition until release is closed.
type gatedLocker struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

var _ writer.Locker = (*gatedLocker)(nil)

func newGatedLocker() *gatedLocker {
	return &gatedLocker{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLocker) Lock(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return func() error { return nil }, nil
}

func readSidecar(t *testing.T, dir string) metadata.Document {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, store.DefaultFileName))
	require.NoError(t, err)
	doc, err := metadata.Decode(data)
	require.NoError(t, err)
	return doc
}

func TestGetStore_WaitsForEvictionToFinish(t *testing.T) {
	gate := newGatedLocker()
	var calls atomic.Int32
	factory := func(dir string) (*store.Store, error) {
		if calls.Add(1) == 1 {
			return store.New(dir, testStoreConfig(), store.WithLocker(gate))
		}
		return store.New(dir, testStoreConfig())
	}
	r := New(DefaultConfig(), factory, nil)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	ctx := context.Background()
	dir := t.TempDir()

	first, err := r.GetStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.AddChanges(metadata.ChangeSet{"unpairedPrimary": []string{"a"}}))

	evicted := make(chan error, 1)
	go func() { evicted <- r.Evict(ctx, dir) }()
	<-gate.entered

	got := make(chan *store.Store, 1)
	go func() {
		s, err := r.GetStore(dir)
		assert.NoError(t, err)
		got <- s
	}()

	select {
	case <-got:
		t.Fatal("a replacement store was built while the old one was still flushing")
	case <-time.After(100 * time.Millisecond):
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	err = r.Evict(short, dir)
	cancel()
	require.Error(t, err, "evicting a store that is closing waits for it")
	assert.True(t, metadata.IsKind(err, metadata.ErrTransient))

	close(gate.release)
	require.NoError(t, <-evicted)

	second := <-got
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, second.AddChanges(metadata.ChangeSet{"hasSpecialFolders": true}))
	require.NoError(t, second.FlushNow(ctx))

	doc := readSidecar(t, dir)
	assert.Equal(t, []string{"a"}, doc.UnpairedPrimary)
	assert.True(t, doc.HasSpecialFolders)
}

func TestClose_RacingLookupsAreFlushed(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	const workers = 48
	dirs := make([]string, workers)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}

	accepted := make([]atomic.Bool, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := r.GetStore(dirs[i])
			if err != nil {
				assert.True(t, metadata.IsKind(err, metadata.ErrClosed), "unexpected error: %v", err)
				return
			}
			err = s.AddChanges(metadata.ChangeSet{"unpairedPrimary": []string{"entry"}})
			if err != nil {
				assert.True(t, store.IsClosed(err), "unexpected error: %v", err)
				return
			}
			accepted[i].Store(true)
		}(i)
	}

	closed := make(chan error, 1)
	go func() {
		<-start
		closed <- r.Close(context.Background())
	}()

	close(start)
	wg.Wait()
	require.NoError(t, <-closed)
	assert.Equal(t, 0, r.Len())

	for i, dir := range dirs {
		if !accepted[i].Load() {
			continue
		}
		doc := readSidecar(t, dir)
		assert.Equal(t, []string{"entry"}, doc.UnpairedPrimary, "accepted change for %s was lost", dir)
	}
}

func TestEvict_ConcurrentWithSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	r, factory := newTestRegistry(t, cfg)

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	dir := t.TempDir()
	_, err := r.GetStore(dir)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Evict(context.Background(), dir))
	}()
	go func() {
		defer wg.Done()
		r.sweep(context.Background())
	}()
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	_, err = r.GetStore(dir)
	require.NoError(t, err)
	assert.Equal(t, int32(2), factory.calls.Load())
}
