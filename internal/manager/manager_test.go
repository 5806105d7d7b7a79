package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericselin/rangecache/internal/cachestore"
	"github.com/ericselin/rangecache/internal/mixedreader"
	"github.com/ericselin/rangecache/internal/origin"
)

func parseRange(t *testing.T, r *http.Request) (start, end int64, open bool) {
	t.Helper()
	h := r.Header.Get("Range")
	require.True(t, strings.HasPrefix(h, "bytes="))
	h = strings.TrimPrefix(h, "bytes=")
	if strings.HasSuffix(h, "-") {
		s, err := strconv.ParseInt(strings.TrimSuffix(h, "-"), 10, 64)
		require.NoError(t, err)
		return s, 0, true
	}
	parts := strings.SplitN(h, "-", 2)
	require.Len(t, parts, 2)
	s, err := strconv.ParseInt(parts[0], 10, 64)
	require.NoError(t, err)
	e, err := strconv.ParseInt(parts[1], 10, 64)
	require.NoError(t, err)
	return s, e + 1, false
}

func newOriginServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, end, open := parseRange(t, r)
		if open || end > int64(len(data)) {
			end = int64(len(data))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:end])
	}))
}

func newTestManager(t *testing.T, srv *httptest.Server, opts ...Option) (*Manager, *cachestore.Store) {
	t.Helper()
	store, err := cachestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	fetcher := origin.New(origin.Config{
		MaxAttempts:    2,
		Backoff:        []time.Duration{time.Millisecond},
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
	reader := mixedreader.New(store, fetcher, mixedreader.WithMinFetch(8192))
	mgr := New(store, reader, opts...)
	return mgr, store
}

func i64(n int64) *int64 { return &n }

func TestKeyOfIsStableHexDigest(t *testing.T) {
	k1 := KeyOf("http://example.test/a.mp4")
	k2 := KeyOf("http://example.test/a.mp4")
	k3 := KeyOf("http://example.test/b.mp4")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64) // hex-encoded sha256
}

func TestServeBoundedRangeAgainstEmptyCache(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	srv := newOriginServer(t, data)
	defer srv.Close()

	mgr, _ := newTestManager(t, srv)
	res, err := mgr.Serve(context.Background(), srv.URL, RangeSpec{Start: i64(0), End: i64(5)})
	require.NoError(t, err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "the q", string(b))
}

func TestServeWithNoRangeTreatsAsFromZero(t *testing.T) {
	data := []byte("0123456789")
	srv := newOriginServer(t, data)
	defer srv.Close()

	mgr, _ := newTestManager(t, srv)
	res, err := mgr.Serve(context.Background(), srv.URL, RangeSpec{})
	require.NoError(t, err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(b))
	require.NotNil(t, res.TotalSize)
	assert.Equal(t, int64(10), *res.TotalSize)
}

func TestServeSuffixLengthResolvesAgainstDiscoveredTotal(t *testing.T) {
	data := []byte("0123456789")
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		start, end, open := parseRange(t, r)
		if open || end > int64(len(data)) {
			end = int64(len(data))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:end])
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t, srv)
	res, err := mgr.Serve(context.Background(), srv.URL, RangeSpec{SuffixLength: i64(3)})
	require.NoError(t, err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "789", string(b))
	// One probe fetch to learn total_size, plus the real suffix fetch.
	assert.Equal(t, 2, calls)
}

func TestServeSuffixLengthSkipsProbeWhenTotalAlreadyKnown(t *testing.T) {
	data := []byte("0123456789")
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		start, end, open := parseRange(t, r)
		if open || end > int64(len(data)) {
			end = int64(len(data))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:end])
	}))
	defer srv.Close()

	mgr, store := newTestManager(t, srv)
	require.NoError(t, store.SetTotalSize(KeyOf(srv.URL), srv.URL, int64(len(data))))

	res, err := mgr.Serve(context.Background(), srv.URL, RangeSpec{SuffixLength: i64(4)})
	require.NoError(t, err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(b))
	assert.Equal(t, 1, calls)
}

func TestIdleEvictionReleasesHandleAfterCapacityExceeded(t *testing.T) {
	data := []byte("0123456789")
	srv := newOriginServer(t, data)
	defer srv.Close()

	mgr, store := newTestManager(t, srv, WithIdleCapacity(1))

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("%s/%d", srv.URL, i)
		res, err := mgr.Serve(context.Background(), url, RangeSpec{Start: i64(0), End: i64(5)})
		require.NoError(t, err)
		_, _ = io.ReadAll(res.Body)
		res.Body.Close()
	}

	// The first key's handle should have been evicted from the idle LRU
	// once the second key pushed it past capacity 1; Release is idempotent
	// and a later Snapshot transparently reopens it.
	firstKey := KeyOf(fmt.Sprintf("%s/%d", srv.URL, 0))
	assert.False(t, mgr.idle.Contains(firstKey))
	_, _, err := store.Snapshot(firstKey, fmt.Sprintf("%s/%d", srv.URL, 0))
	require.NoError(t, err)
}

func TestClearResetsRefcountsAndUnderlyingStore(t *testing.T) {
	data := []byte("0123456789")
	srv := newOriginServer(t, data)
	defer srv.Close()

	mgr, store := newTestManager(t, srv)
	res, err := mgr.Serve(context.Background(), srv.URL, RangeSpec{Start: i64(0), End: i64(5)})
	require.NoError(t, err)
	_, _ = io.ReadAll(res.Body)
	res.Body.Close()

	require.NoError(t, mgr.Clear())

	key := KeyOf(srv.URL)
	ranges, total, err := store.Snapshot(key, srv.URL)
	require.NoError(t, err)
	assert.Nil(t, total)
	assert.Empty(t, ranges.Ranges())
}
