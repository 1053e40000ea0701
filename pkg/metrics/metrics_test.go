package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	dirregistry "github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/conceptfab/dirmeta/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newStoreMetrics(reg)

	m.RecordFlush(20*time.Millisecond, 3, nil)
	m.RecordFlush(time.Second, 1, metadata.NewError(metadata.ErrTransient, "write", "", "busy", metadata.ErrLockTimeout))
	m.RecordFlush(time.Second, 1, errors.New("unclassified"))
	m.RecordLoad(store.LoadSourceCache)
	m.RecordLoad(store.LoadSourceCache)
	m.RecordLoad(store.LoadSourceDisk)
	m.RecordIntegrityFailure()
	m.RecordChangesAdded(4)
	m.RecordWriteAttempts(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushesTotal.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushesTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.loadsTotal.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadsTotal.WithLabelValues("disk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.changesAdded))

	count, err := testutil.GatherAndCount(reg, "dirmeta_store_flush_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegistryMetrics_Records(t *testing.T) {
	m := newRegistryMetrics(prometheus.NewRegistry())

	m.RecordStoreOpened()
	m.RecordStoreOpened()
	m.RecordEviction(dirregistry.EvictReasonIdle, nil)
	m.RecordEviction(dirregistry.EvictReasonShutdown, metadata.NewError(metadata.ErrResourceExhausted, "write", "", "no space", nil))
	m.SetLiveStores(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.storesOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("idle", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("shutdown", "resource_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liveStores))
}

func TestServer_HealthEndpoint(t *testing.T) {
	var healthErr error
	srv := NewServer(ServerConfig{Port: 19090, Health: func() error { return healthErr }})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	healthErr = errors.New("registry closed")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "registry closed")
}

func TestServer_IndexAndUnknownPaths(t *testing.T) {
	srv := NewServer(ServerConfig{})
	assert.Equal(t, 9090, srv.Port())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "/metrics"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
