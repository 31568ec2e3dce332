package sandbox

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore"
)

func newTestServer(t *testing.T, cfg Config, roll func() float64) (*Server, *mrdstore.Client) {
	t.Helper()
	s, err := newServer(logr.Discard(), cfg, roll)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	client, err := mrdstore.New(mrdstore.Config{URL: srv.URL, Subject: "sandbox", MaxRetries: -1})
	require.NoError(t, err)
	return s, client
}

func TestServerServesStorageAPI(t *testing.T) {
	s, client := newTestServer(t, Config{PageSize: 1}, nil)
	ctx := context.Background()

	require.NoError(t, client.Healthcheck(ctx))
	for i := range 2 {
		_, err := client.Store(ctx, map[string]any{"i": i}, &mrdstore.StoreOptions{Name: "series"})
		require.NoError(t, err)
	}
	it, err := client.FetchBlobs(&mrdstore.Query{Name: "series"})
	require.NoError(t, err)
	blobs, err := it.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 2)
	assert.Equal(t, 2, s.Store().Len())

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues(http.MethodGet, "/healthcheck", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues(http.MethodPost, "/v1/blobs/data", "201")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues(http.MethodGet, "/v1/blobs", "200")))
	assert.Greater(t, testutil.ToFloat64(s.metrics.bytesSent), 0.0)
	assert.Greater(t, testutil.ToFloat64(s.metrics.bytesReceived), 0.0)

	_, err = client.FetchLatest(ctx, &mrdstore.Query{Name: "missing"})
	assert.ErrorIs(t, err, mrdstore.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues(http.MethodGet, "/v1/blobs/data/latest", "404")))
}

func TestServerInjectsFailures(t *testing.T) {
	var rolls atomic.Int32
	roll := func() float64 {
		if rolls.Add(1) == 1 {
			return 0.1
		}
		return 0.9
	}
	s, client := newTestServer(t, Config{Fail: FailConfig{Rate: 0.5, Code: http.StatusServiceUnavailable}}, roll)
	ctx := context.Background()

	_, err := client.Store(ctx, map[string]any{"k": "v"}, nil)
	var serverErr *mrdstore.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.StatusCode)
	assert.Equal(t, "Injected", serverErr.Code)
	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.injected.WithLabelValues("503")))

	_, err = client.Store(ctx, map[string]any{"k": "v"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Store().Len())
}

func TestServerLatency(t *testing.T) {
	_, client := newTestServer(t, Config{Latency: 30 * time.Millisecond}, nil)

	start := time.Now()
	require.NoError(t, client.Healthcheck(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestServerMetricsEndpoint(t *testing.T) {
	s, client := newTestServer(t, Config{}, nil)
	require.NoError(t, client.Healthcheck(context.Background()))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `mrd_sandbox_requests_total{code="200",method="GET",route="/healthcheck"} 1`)
	assert.Contains(t, body, "go_goroutines")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"error":"NotFound"`))
}

func TestServerSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"subject":"sandbox","name":"cfg","data":{"k":"v"}}]`), 0o600))

	_, client := newTestServer(t, Config{SeedPath: path}, nil)
	payload, err := client.FetchLatest(context.Background(), &mrdstore.Query{Name: "cfg"})
	require.NoError(t, err)
	m, err := payload.Map()
	require.NoError(t, err)
	assert.Equal(t, "v", m["k"])

	_, err = New(logr.Discard(), Config{SeedPath: filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}

func TestServerStartAndShutdown(t *testing.T) {
	s, err := New(logr.Discard(), Config{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, ln) }()

	client, err := mrdstore.New(mrdstore.Config{URL: "http://" + ln.Addr().String()})
	require.NoError(t, err)
	require.NoError(t, client.Healthcheck(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
