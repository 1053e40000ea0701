package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockTimeoutBase = 200 * time.Millisecond
	cfg.LockTimeoutCap = time.Second
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func newTestWriter(t *testing.T, cfg Config, opts ...Option) *AtomicWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".dirmeta.json")
	return New(path, cfg, nil, opts...)
}

func testDocument() metadata.Document {
	doc := metadata.NewDocument()
	doc.PairedEntries["chair"] = metadata.PairRecord{Primary: "chair.zip", Secondary: "chair.jpg"}
	doc.UnpairedPrimary = []string{"table.rar"}
	doc.UnpairedSecondary = []string{"lamp.png"}
	doc.HasSpecialFolders = true
	return doc
}

func tempFiles(t *testing.T, w *AtomicWriter) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(w.Path()))
	require.NoError(t, err)

	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			out = append(out, e.Name())
		}
	}
	return out
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })
	return &buf
}

// ============================================================================
// Round trip
// ============================================================================

func TestWriteRead_RoundTrip(t *testing.T) {
	w := newTestWriter(t, testConfig())
	ctx := context.Background()
	doc := testDocument()

	res, err := w.Write(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Fingerprint.Exists)
	assert.Equal(t, int64(res.Bytes), res.Fingerprint.Size)

	read, err := w.Read(ctx)
	require.NoError(t, err)
	assert.NoError(t, read.Integrity)
	assert.Equal(t, doc, read.Document)
	assert.True(t, read.Fingerprint.Equal(res.Fingerprint))
	assert.Empty(t, tempFiles(t, w))
}

func TestWrite_SameDocumentSameBytes(t *testing.T) {
	w := newTestWriter(t, testConfig())
	ctx := context.Background()

	_, err := w.Write(ctx, testDocument())
	require.NoError(t, err)
	first, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	_, err = w.Write(ctx, testDocument())
	require.NoError(t, err)
	second, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWriteRead_PreservesUnknownFields(t *testing.T) {
	w := newTestWriter(t, testConfig())
	ctx := context.Background()

	raw := `{"pairedEntries": {}, "unpairedPrimary": [], "unpairedSecondary": [], "hasSpecialFolders": false, "viewMode": "grid"}`
	require.NoError(t, os.WriteFile(w.Path(), []byte(raw), 0644))

	read, err := w.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, read.Integrity)

	doc := read.Document
	doc.UnpairedPrimary = []string{"new.zip"}
	_, err = w.Write(ctx, doc)
	require.NoError(t, err)

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"viewMode": "grid"`)
}

func TestRead_MissingFileReturnsEmptyDocument(t *testing.T) {
	w := newTestWriter(t, testConfig())

	read, err := w.Read(context.Background())
	require.NoError(t, err)
	assert.NoError(t, read.Integrity)
	assert.Equal(t, metadata.NewDocument(), read.Document)
	assert.False(t, read.Fingerprint.Exists)
}

// ============================================================================
// Integrity
// ============================================================================

func TestRead_MissingPairedEntriesIsTreatedAsAbsent(t *testing.T) {
	logs := captureLogs(t)

	cfg := testConfig()
	cfg.QuarantineCorrupt = false
	w := newTestWriter(t, cfg)

	raw := `{"unpairedPrimary": ["a"], "unpairedSecondary": [], "hasSpecialFolders": true}`
	require.NoError(t, os.WriteFile(w.Path(), []byte(raw), 0644))

	read, err := w.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metadata.NewDocument(), read.Document)
	require.Error(t, read.Integrity)
	assert.True(t, metadata.IsKind(read.Integrity, metadata.ErrIntegrity))
	assert.Contains(t, logs.String(), "Data integrity warning")

	// never repaired in place
	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Equal(t, raw, string(data))
}

func TestRead_QuarantinesInvalidDocument(t *testing.T) {
	captureLogs(t)
	w := newTestWriter(t, testConfig())

	require.NoError(t, os.WriteFile(w.Path(), []byte("{not json"), 0644))

	read, err := w.Read(context.Background())
	require.NoError(t, err)
	require.Error(t, read.Integrity)
	require.NotEmpty(t, read.QuarantinedTo)

	_, err = os.Stat(w.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	data, err := os.ReadFile(read.QuarantinedTo)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestRead_ValidatorRejection(t *testing.T) {
	captureLogs(t)
	path := filepath.Join(t.TempDir(), ".dirmeta.json")
	cfg := testConfig()
	cfg.QuarantineCorrupt = false

	plain := New(path, cfg, nil)
	_, err := plain.Write(context.Background(), testDocument())
	require.NoError(t, err)

	strict := New(path, cfg, metadata.ValidatorFunc(func(d *metadata.Document) error {
		if d.HasSpecialFolders {
			return errors.New("special folders not allowed")
		}
		return nil
	}))

	read, err := strict.Read(context.Background())
	require.NoError(t, err)
	assert.Error(t, read.Integrity)
	assert.Equal(t, metadata.NewDocument(), read.Document)
}

// ============================================================================
// Failure handling
// ============================================================================

func TestWrite_InterruptedBeforeRenameKeepsPriorDocument(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	w := newTestWriter(t, cfg)
	ctx := context.Background()

	original := testDocument()
	_, err := w.Write(ctx, original)
	require.NoError(t, err)

	w.beforeRename = func(tmpPath string) error {
		_, statErr := os.Stat(tmpPath)
		require.NoError(t, statErr, "temporary file should exist before rename")
		return errors.New("simulated crash")
	}

	updated := testDocument()
	updated.UnpairedPrimary = []string{"something-else.zip"}
	res, err := w.Write(ctx, updated)
	require.Error(t, err)
	assert.True(t, metadata.IsRetryable(err))
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, tempFiles(t, w))

	w.beforeRename = nil
	read, err := w.Read(ctx)
	require.NoError(t, err)
	assert.NoError(t, read.Integrity)
	assert.Equal(t, original, read.Document)
}

func TestWrite_LockFailsTwiceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	locker := LockerFunc(func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
		if calls.Add(1) <= 2 {
			return nil, fmt.Errorf("%w: simulated contention", metadata.ErrLockTimeout)
		}
		return func() error { return nil }, nil
	})

	w := newTestWriter(t, testConfig(), WithLocker(locker))

	res, err := w.Write(context.Background(), testDocument())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWrite_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	locker := LockerFunc(func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
		calls.Add(1)
		return nil, metadata.ErrLockTimeout
	})

	cfg := testConfig()
	cfg.MaxAttempts = 4
	w := newTestWriter(t, cfg, WithLocker(locker))

	res, err := w.Write(context.Background(), testDocument())
	require.Error(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, int32(4), calls.Load())
	assert.True(t, metadata.IsKind(err, metadata.ErrTransient))
	assert.ErrorIs(t, err, metadata.ErrLockTimeout)

	_, statErr := os.Stat(w.Path())
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestWrite_InvalidDocumentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	locker := LockerFunc(func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
		calls.Add(1)
		return func() error { return nil }, nil
	})
	w := newTestWriter(t, testConfig(), WithLocker(locker))

	doc := testDocument()
	doc.UnpairedPrimary = []string{"dup", "dup"}

	res, err := w.Write(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, metadata.IsKind(err, metadata.ErrInvalidInput))
	assert.False(t, metadata.IsRetryable(err))
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWrite_ResourceExhaustionIsClassified(t *testing.T) {
	locker := LockerFunc(func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
		return nil, &os.PathError{Op: "open", Path: lockPath, Err: syscall.ENOSPC}
	})
	cfg := testConfig()
	cfg.MaxAttempts = 2
	w := newTestWriter(t, cfg, WithLocker(locker))

	_, err := w.Write(context.Background(), testDocument())
	require.Error(t, err)
	assert.True(t, metadata.IsKind(err, metadata.ErrResourceExhausted))
	assert.True(t, metadata.IsRetryable(err))
}

func TestWrite_CancelledContext(t *testing.T) {
	w := newTestWriter(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Write(ctx, testDocument())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrite_RemovesLeftoverTempFiles(t *testing.T) {
	captureLogs(t)
	w := newTestWriter(t, testConfig())

	leftover := w.Path() + ".0f8fad5b-d9cb-469f-a165-70867728950e.tmp"
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0644))
	unrelated := filepath.Join(filepath.Dir(w.Path()), "model.tmp")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep me"), 0644))

	_, err := w.Write(context.Background(), testDocument())
	require.NoError(t, err)

	_, err = os.Stat(leftover)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(unrelated)
	assert.NoError(t, err)
}

// ============================================================================
// Read-modify-write
// ============================================================================

func TestUpdate_AppliesToCurrentDocument(t *testing.T) {
	w := newTestWriter(t, testConfig())
	ctx := context.Background()

	_, err := w.Write(ctx, testDocument())
	require.NoError(t, err)

	res, err := w.Update(ctx, func(doc *metadata.Document) {
		doc.UnpairedPrimary = append(doc.UnpairedPrimary, "sofa.7z")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Fingerprint.Exists)
	assert.NoError(t, res.Base.Integrity)
	assert.Equal(t, []string{"table.rar", "sofa.7z"}, res.Document.UnpairedPrimary)

	read, err := w.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Document, read.Document)
	assert.True(t, res.Fingerprint.Equal(read.Fingerprint))
}

func TestUpdate_ConcurrentWritersLoseNothing(t *testing.T) {
	cfg := testConfig()
	cfg.LockTimeoutBase = 5 * time.Second
	cfg.LockTimeoutCap = 10 * time.Second
	path := filepath.Join(t.TempDir(), ".dirmeta.json")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate writers stand in for separate processes
			w := New(path, cfg, nil)
			_, err := w.Update(ctx, func(doc *metadata.Document) {
				doc.UnpairedPrimary = append(doc.UnpairedPrimary, fmt.Sprintf("asset-%d.zip", i))
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	read, err := New(path, cfg, nil).Read(ctx)
	require.NoError(t, err)
	assert.Len(t, read.Document.UnpairedPrimary, writers)
}

func TestUpdate_HoldsLockAcrossReadAndWrite(t *testing.T) {
	var locks, unlocks atomic.Int32
	locker := LockerFunc(func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
		locks.Add(1)
		return func() error {
			unlocks.Add(1)
			return nil
		}, nil
	})
	w := newTestWriter(t, testConfig(), WithLocker(locker))

	_, err := w.Update(context.Background(), func(doc *metadata.Document) {
		assert.Equal(t, int32(1), locks.Load())
		assert.Equal(t, int32(0), unlocks.Load(), "lock must still be held while applying changes")
		doc.HasSpecialFolders = true
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), locks.Load())
	assert.Equal(t, int32(1), unlocks.Load())
}

func TestUpdate_WarnsWhenReplacingInvalidDocument(t *testing.T) {
	logs := captureLogs(t)
	cfg := testConfig()
	cfg.QuarantineCorrupt = false
	w := newTestWriter(t, cfg)

	require.NoError(t, os.WriteFile(w.Path(), []byte("{not json"), 0644))

	res, err := w.Update(context.Background(), func(doc *metadata.Document) {
		doc.HasSpecialFolders = true
	})
	require.NoError(t, err)
	require.Error(t, res.Base.Integrity)
	assert.True(t, metadata.IsKind(res.Base.Integrity, metadata.ErrIntegrity))
	assert.Empty(t, res.Base.QuarantinedTo)
	assert.Contains(t, logs.String(), "Replacing invalid document "+w.Path())

	read, err := w.Read(context.Background())
	require.NoError(t, err)
	assert.NoError(t, read.Integrity)
	assert.True(t, read.Document.HasSpecialFolders)
}

func TestUpdate_QuarantinedDocumentIsNotReported(t *testing.T) {
	logs := captureLogs(t)
	w := newTestWriter(t, testConfig())

	require.NoError(t, os.WriteFile(w.Path(), []byte("{not json"), 0644))

	res, err := w.Update(context.Background(), func(doc *metadata.Document) {
		doc.HasSpecialFolders = true
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Base.QuarantinedTo)
	assert.NotContains(t, logs.String(), "Replacing invalid document")

	data, err := os.ReadFile(res.Base.QuarantinedTo)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestUpdate_InvalidResultIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	locker := LockerFunc(func(ctx context.Context, lockPath string, timeout time.Duration) (func() error, error) {
		calls.Add(1)
		return func() error { return nil }, nil
	})
	w := newTestWriter(t, testConfig(), WithLocker(locker))

	res, err := w.Update(context.Background(), func(doc *metadata.Document) {
		doc.UnpairedPrimary = []string{"dup", "dup"}
	})
	require.Error(t, err)
	assert.True(t, metadata.IsKind(err, metadata.ErrInvalidInput))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	_, statErr := os.Stat(w.Path())
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

// ============================================================================
// Timeout and backoff policy
// ============================================================================

func TestComputeLockTimeout(t *testing.T) {
	cfg := Config{
		LockTimeoutBase:  2 * time.Second,
		LockTimeoutPerMB: time.Second,
		LockTimeoutCap:   30 * time.Second,
	}

	tests := []struct {
		name   string
		size   int64
		factor float64
		want   time.Duration
	}{
		{"empty document", 0, 1, 2 * time.Second},
		{"one MiB", 1 << 20, 1, 3 * time.Second},
		{"ten MiB", 10 << 20, 1, 12 * time.Second},
		{"slow host", 1 << 20, 3, 9 * time.Second},
		{"capped", 100 << 20, 1, 30 * time.Second},
		{"non-positive factor", 0, 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeLockTimeout(cfg, tt.size, tt.factor))
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, maxDelay, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, maxDelay, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, maxDelay, 3))
	assert.Equal(t, time.Second, backoffDelay(base, maxDelay, 5))
	assert.Equal(t, time.Second, backoffDelay(base, maxDelay, 50))
}

func TestLockTimeout_GrowsWithDocumentSize(t *testing.T) {
	cfg := testConfig()
	cfg.LockTimeoutPerMB = 100 * time.Millisecond
	w := newTestWriter(t, cfg)

	small := w.lockTimeout()
	require.NoError(t, os.WriteFile(w.Path(), make([]byte, 2<<20), 0644))
	large := w.lockTimeout()

	assert.Greater(t, large, small)
	assert.LessOrEqual(t, large, cfg.LockTimeoutCap)
}
