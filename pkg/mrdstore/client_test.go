package mrdstore_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore"
	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore/mock"
)

// testClock is a manually advanced clock shared with the mock server.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingTransport counts round trips before handing them to next.
type countingTransport struct {
	next  http.RoundTripper
	calls atomic.Int32
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return t.next.RoundTrip(req)
}

type fixture struct {
	client    *mrdstore.Client
	server    *mock.Mock
	clock     *testClock
	transport *countingTransport
}

func newFixture(t *testing.T, cfg mrdstore.Config, opts ...mock.Option) *fixture {
	t.Helper()
	clock := newTestClock()
	server := mock.New(append([]mock.Option{mock.WithClock(clock.Now)}, opts...)...)
	transport := &countingTransport{next: server.Transport()}
	cfg.URL = "http://mrd-storage.test/"
	cfg.Transport = transport
	client, err := mrdstore.New(cfg)
	require.NoError(t, err)
	return &fixture{client: client, server: server, clock: clock, transport: transport}
}

func TestStoreFetchLatestRoundTrip(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	info, err := f.client.Store(ctx, map[string]any{"key": "value"}, nil)
	require.NoError(t, err)
	assert.Equal(t, mrdstore.DefaultSubject, info.Subject)
	assert.Equal(t, mrdstore.ContentTypeJSON, info.ContentType)
	assert.NotEmpty(t, info.DataURL)

	payload, err := f.client.FetchLatest(ctx, nil)
	require.NoError(t, err)
	m, err := payload.Map()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "value"}, m)
	assert.True(t, f.clock.Now().Equal(payload.LastModified), "last modified %v", payload.LastModified)
}

func TestStoreTagRoundTrip(t *testing.T) {
	f := newFixture(t, mrdstore.Config{Subject: "patient-1"})
	ctx := context.Background()

	_, err := f.client.Store(ctx, map[string]any{"k": 1}, &mrdstore.StoreOptions{
		Name:       "calibration",
		CustomTags: map[string]any{"array_idx": 3, "Labels": []string{"a", "b"}},
	})
	require.NoError(t, err)

	payload, err := f.client.FetchLatest(ctx, &mrdstore.Query{CustomTags: map[string]any{"array_idx": 3}})
	require.NoError(t, err)
	idx, err := payload.TagInt("array_idx")
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx)
	assert.Equal(t, []string{"a", "b"}, payload.CustomTags.Values("labels"))
	assert.Equal(t, "calibration", payload.Name)
	assert.Equal(t, "patient-1", payload.Subject)

	it, err := f.client.FetchBlobs(&mrdstore.Query{Name: "calibration"})
	require.NoError(t, err)
	blobs, err := it.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	idx, err = blobs[0].TagInt("ARRAY_IDX")
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx)

	_, err = blobs[0].TagFloat("missing")
	var notFound *mrdstore.TagNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStoreArrayTagRoundTrip(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	_, err := f.client.Store(ctx, []float64{1.5, 2, 3.25}, &mrdstore.StoreOptions{
		Name:       "noise",
		CustomTags: map[string]any{"array_idx": 3},
	})
	require.NoError(t, err)

	it, err := f.client.FetchBlobs(&mrdstore.Query{Name: "noise"})
	require.NoError(t, err)
	blobs, err := it.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, mrdstore.ContentTypeCBOR, blobs[0].ContentType)
	idx, err := blobs[0].TagInt("array_idx")
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx)

	payload, err := blobs[0].Load(ctx)
	require.NoError(t, err)
	arr, err := payload.Array()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2, 3.25}, arr)
}

func TestFetchLatestOrderingAndFilter(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	_, err := f.client.Store(ctx, map[string]any{"v": "A"}, &mrdstore.StoreOptions{Name: "x"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.client.Store(ctx, map[string]any{"v": "B"}, &mrdstore.StoreOptions{Name: "y"})
	require.NoError(t, err)

	latest, err := f.client.FetchLatest(ctx, nil)
	require.NoError(t, err)
	m, err := latest.Map()
	require.NoError(t, err)
	assert.Equal(t, "B", m["v"])

	byName, err := f.client.FetchLatest(ctx, &mrdstore.Query{Name: "x"})
	require.NoError(t, err)
	m, err = byName.Map()
	require.NoError(t, err)
	assert.Equal(t, "A", m["v"])
}

func TestFetchLatestNotFound(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})

	_, err := f.client.FetchLatest(context.Background(), &mrdstore.Query{Name: "nothing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mrdstore.ErrNotFound)
	var serverErr *mrdstore.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusNotFound, serverErr.StatusCode)
	assert.Equal(t, "NotFound", serverErr.Code)
}

func TestStoreTTLExpiry(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	info, err := f.client.Store(ctx, map[string]any{"k": "v"}, &mrdstore.StoreOptions{TTL: "1m"})
	require.NoError(t, err)
	require.NotNil(t, info.ExpiresAt)
	assert.True(t, f.clock.Now().Add(time.Minute).Equal(*info.ExpiresAt), "expires at %v", *info.ExpiresAt)

	_, err = f.client.FetchLatest(ctx, nil)
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	_, err = f.client.FetchLatest(ctx, nil)
	assert.ErrorIs(t, err, mrdstore.ErrNotFound)
}

func TestStoreRejectsBadInputLocally(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	var tagErr *mrdstore.InvalidTagError
	_, err := f.client.Store(ctx, map[string]any{}, &mrdstore.StoreOptions{CustomTags: map[string]any{"subject": "x"}})
	assert.ErrorAs(t, err, &tagErr)
	_, err = f.client.Store(ctx, map[string]any{}, &mrdstore.StoreOptions{CustomTags: map[string]any{"_at": "x"}})
	assert.ErrorAs(t, err, &tagErr)
	_, err = f.client.Store(ctx, map[string]any{}, &mrdstore.StoreOptions{CustomTags: map[string]any{"nested": map[string]any{}}})
	assert.ErrorAs(t, err, &tagErr)
	_, err = f.client.Store(ctx, map[string]any{}, &mrdstore.StoreOptions{TTL: "forever"})
	assert.Error(t, err)
	_, err = f.client.Store(ctx, map[string]any{}, &mrdstore.StoreOptions{TTL: "-5s"})
	assert.Error(t, err)

	var serErr *mrdstore.SerializeError
	_, err = f.client.Store(ctx, nil, nil)
	assert.ErrorAs(t, err, &serErr)
	_, err = f.client.Store(ctx, map[string]any{"ch": make(chan int)}, nil)
	assert.ErrorAs(t, err, &serErr)

	_, err = f.client.FetchLatest(ctx, &mrdstore.Query{CustomTags: map[string]any{"location": "x"}})
	assert.ErrorAs(t, err, &tagErr)

	assert.Equal(t, int32(0), f.transport.calls.Load())
}

func TestStoreRejectsTagCaseCollision(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	var tagErr *mrdstore.InvalidTagError
	_, err := f.client.Store(ctx, map[string]any{}, &mrdstore.StoreOptions{CustomTags: map[string]any{"Idx": 1, "idx": 2}})
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, "idx", tagErr.Key)
	_, err = f.client.FetchLatest(ctx, &mrdstore.Query{CustomTags: map[string]any{"Run": "a", "RUN": "b"}})
	assert.ErrorAs(t, err, &tagErr)
	assert.Equal(t, int32(0), f.transport.calls.Load())
}

func TestStoreEncodings(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	info, err := f.client.Store(ctx, []int{1, 2, 3}, &mrdstore.StoreOptions{Name: "ints"})
	require.NoError(t, err)
	assert.Equal(t, mrdstore.ContentTypeCBOR, info.ContentType)

	payload, err := f.client.FetchLatest(ctx, &mrdstore.Query{Name: "ints"})
	require.NoError(t, err)
	arr, err := payload.Array()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, arr)
	v, err := payload.Value()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, v)
	_, err = payload.Map()
	assert.Error(t, err)

	_, err = f.client.Store(ctx, []byte{0xde, 0xad}, &mrdstore.StoreOptions{Name: "raw"})
	require.NoError(t, err)
	payload, err = f.client.FetchLatest(ctx, &mrdstore.Query{Name: "raw"})
	require.NoError(t, err)
	assert.Equal(t, mrdstore.ContentTypeBinary, payload.ContentType)
	assert.Equal(t, []byte{0xde, 0xad}, payload.Raw)

	type header struct {
		Matrix []int  `json:"matrix"`
		Label  string `json:"label"`
	}
	_, err = f.client.Store(ctx, header{Matrix: []int{128, 128}, Label: "a<b"}, &mrdstore.StoreOptions{Name: "header"})
	require.NoError(t, err)
	got, err := mrdstore.FetchLatestAs[header](ctx, f.client, &mrdstore.Query{Name: "header"})
	require.NoError(t, err)
	assert.Equal(t, header{Matrix: []int{128, 128}, Label: "a<b"}, got)
}

func TestFetchBlobsPaginatesLazily(t *testing.T) {
	f := newFixture(t, mrdstore.Config{}, mock.WithPageSize(2))
	ctx := context.Background()

	for i := range 5 {
		_, err := f.client.Store(ctx, map[string]any{"i": i}, &mrdstore.StoreOptions{Name: "series"})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	_, err := f.client.Store(ctx, map[string]any{"i": 99}, &mrdstore.StoreOptions{Name: "other"})
	require.NoError(t, err)
	f.transport.calls.Store(0)

	it, err := f.client.FetchBlobs(&mrdstore.Query{Name: "series"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.transport.calls.Load())

	var seen []float64
	for it.Next(ctx) {
		payload, err := it.Blob().Load(ctx)
		require.NoError(t, err)
		m, err := payload.Map()
		require.NoError(t, err)
		seen = append(seen, m["i"].(float64))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []float64{4, 3, 2, 1, 0}, seen)
	// three search pages plus five data downloads
	assert.Equal(t, int32(8), f.transport.calls.Load())

	assert.False(t, it.Next(ctx))
	assert.Nil(t, it.Blob())
}

func TestFetchBlobsPageSizeAndAt(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	ctx := context.Background()

	var infos []*mrdstore.BlobInfo
	for i := range 3 {
		info, err := f.client.Store(ctx, map[string]any{"i": i}, nil)
		require.NoError(t, err)
		infos = append(infos, info)
		f.clock.Advance(time.Minute)
	}

	it, err := f.client.FetchBlobs(&mrdstore.Query{PageSize: 1, At: infos[1].LastModified})
	require.NoError(t, err)
	blobs, err := it.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, infos[1].Location, blobs[0].Location)
	assert.Equal(t, infos[0].Location, blobs[1].Location)

	payloads, err := f.client.Fetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	m, err := payloads[0].Map()
	require.NoError(t, err)
	assert.Equal(t, float64(2), m["i"])
}

func TestClientScopesDeviceAndSession(t *testing.T) {
	f := newFixture(t, mrdstore.Config{Subject: "s", Device: "scanner-1", Session: "exam-7"})
	ctx := context.Background()

	_, err := f.server.Create(ctx, map[string][]string{"subject": {"s"}, "device": {"scanner-2"}}, "application/json", []byte(`{"v":"other"}`))
	require.NoError(t, err)
	_, err = f.client.FetchLatest(ctx, nil)
	assert.ErrorIs(t, err, mrdstore.ErrNotFound)

	info, err := f.client.Store(ctx, map[string]any{"v": "mine"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scanner-1", info.Device)
	assert.Equal(t, "exam-7", info.Session)

	payload, err := f.client.FetchLatest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "scanner-1", payload.Device)
	assert.Equal(t, "exam-7", payload.Session)
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t, mrdstore.Config{})
	require.NoError(t, f.client.Healthcheck(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := mrdstore.New(mrdstore.Config{URL: srv.URL, MaxRetries: -1})
	require.NoError(t, err)
	err = client.Healthcheck(context.Background())
	assert.ErrorIs(t, err, mrdstore.ErrUnhealthy)
	var serverErr *mrdstore.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "database down", serverErr.Message)
}

func TestStoreIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":"Unavailable","message":"storage offline"}`)
	}))
	defer srv.Close()

	client, err := mrdstore.New(mrdstore.Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = client.Store(context.Background(), map[string]any{"k": "v"}, nil)
	var serverErr *mrdstore.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.StatusCode)
	assert.Equal(t, "Unavailable", serverErr.Code)
	assert.Equal(t, "storage offline", serverErr.Message)
	assert.False(t, errors.Is(err, mrdstore.ErrNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLatestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mrd-Tag-Subject", "$null")
		w.Header().Set("Mrd-Tag-Array_idx", "3")
		io.WriteString(w, `{"key":"value"}`)
	}))
	defer srv.Close()

	client, err := mrdstore.New(mrdstore.Config{URL: srv.URL})
	require.NoError(t, err)

	payload, err := client.FetchLatest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	idx, err := payload.TagInt("array_idx")
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx)
}

func TestFetchLatestRetriesAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mrd-Tag-Subject", "$null")
		io.WriteString(w, `{"key":"value"}`)
	}))
	defer srv.Close()

	client, err := mrdstore.New(mrdstore.Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	payload, err := client.FetchLatest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	m, err := payload.Map()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "value"}, m)
}

func TestStoreEmptyCreatedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://storage/v1/blobs/abc")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := mrdstore.New(mrdstore.Config{URL: srv.URL})
	require.NoError(t, err)

	info, err := client.Store(context.Background(), map[string]any{"k": "v"}, nil)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "http://storage/v1/blobs/abc", info.Location)
}

func TestNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := mrdstore.New(mrdstore.Config{URL: url, MaxRetries: -1})
	require.NoError(t, err)

	var netErr *mrdstore.NetworkError
	_, err = client.FetchLatest(context.Background(), nil)
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "fetch latest", netErr.Op)

	_, err = client.Store(context.Background(), map[string]any{"k": "v"}, nil)
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "store", netErr.Op)

	err = client.Healthcheck(context.Background())
	assert.ErrorAs(t, err, &netErr)
	assert.False(t, errors.Is(err, mrdstore.ErrUnhealthy))

	f := newFixture(t, mrdstore.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.client.FetchLatest(ctx, nil)
	require.ErrorAs(t, err, &netErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesURL(t *testing.T) {
	_, err := mrdstore.New(mrdstore.Config{URL: "ftp://storage"})
	assert.Error(t, err)

	client, err := mrdstore.New(mrdstore.Config{})
	require.NoError(t, err)
	assert.Equal(t, mrdstore.DefaultSubject, client.Subject())
}
