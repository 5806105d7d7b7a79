package listener

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericselin/rangecache/internal/cachestore"
	"github.com/ericselin/rangecache/internal/manager"
	"github.com/ericselin/rangecache/internal/mixedreader"
	"github.com/ericselin/rangecache/internal/origin"
)

func parseOriginRange(t *testing.T, r *http.Request) (start, end int64, open bool) {
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
		start, end, open := parseOriginRange(t, r)
		if open || end > int64(len(data)) {
			end = int64(len(data))
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:end])
	}))
}

func newTestListener(t *testing.T, origSrv *httptest.Server) (*Listener, *cachestore.Store) {
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
	mgr := manager.New(store, reader)
	return New(mgr, store), store
}

func TestProxyFullResourceWithoutRangeHeaderReturns200(t *testing.T) {
	data := []byte("0123456789")
	origSrv := newOriginServer(t, data)
	defer origSrv.Close()

	ls, _ := newTestListener(t, origSrv)
	req := httptest.NewRequest(http.MethodGet, "/proxy/"+origSrv.URL, nil)
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, string(data), rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestProxyBoundedRangeReturns206WithContentRange(t *testing.T) {
	data := []byte("the quick brown fox")
	origSrv := newOriginServer(t, data)
	defer origSrv.Close()

	ls, _ := newTestListener(t, origSrv)
	req := httptest.NewRequest(http.MethodGet, "/proxy/"+origSrv.URL, nil)
	req.Header.Set("Range", "bytes=4-8")
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "quick", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, fmt.Sprintf("bytes 4-8/%d", len(data)), rec.Header().Get("Content-Range"))
}

func TestProxyMalformedRangeReturns400(t *testing.T) {
	data := []byte("hello")
	origSrv := newOriginServer(t, data)
	defer origSrv.Close()

	ls, _ := newTestListener(t, origSrv)
	req := httptest.NewRequest(http.MethodGet, "/proxy/"+origSrv.URL, nil)
	req.Header.Set("Range", "bytes=abc-def")
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyMissingTargetReturns400(t *testing.T) {
	origSrv := newOriginServer(t, []byte("x"))
	defer origSrv.Close()

	ls, _ := newTestListener(t, origSrv)
	req := httptest.NewRequest(http.MethodGet, "/proxy/", nil)
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyUnsatisfiableRangeReturns416(t *testing.T) {
	data := []byte("short")
	origSrv := newOriginServer(t, data)
	defer origSrv.Close()

	ls, store := newTestListener(t, origSrv)
	require.NoError(t, store.SetTotalSize(manager.KeyOf(origSrv.URL), origSrv.URL, int64(len(data))))

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+origSrv.URL, nil)
	req.Header.Set("Range", "bytes=100-200")
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestProxyOriginFailureReturns502(t *testing.T) {
	origSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer origSrv.Close()

	ls, _ := newTestListener(t, origSrv)
	req := httptest.NewRequest(http.MethodGet, "/proxy/"+origSrv.URL, nil)
	req.Header.Set("Range", "bytes=0-4")
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthzReturns200(t *testing.T) {
	origSrv := newOriginServer(t, []byte("x"))
	defer origSrv.Close()
	ls, _ := newTestListener(t, origSrv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminClearReturns204AndWipesStore(t *testing.T) {
	data := []byte("0123456789")
	origSrv := newOriginServer(t, data)
	defer origSrv.Close()

	ls, store := newTestListener(t, origSrv)
	req := httptest.NewRequest(http.MethodGet, "/proxy/"+origSrv.URL, nil)
	req.Header.Set("Range", "bytes=0-4")
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)

	clearReq := httptest.NewRequest(http.MethodPost, "/admin/clear", nil)
	clearRec := httptest.NewRecorder()
	ls.ServeHTTP(clearRec, clearReq)
	require.Equal(t, http.StatusNoContent, clearRec.Code)

	ranges, total, err := store.Snapshot(manager.KeyOf(origSrv.URL), origSrv.URL)
	require.NoError(t, err)
	assert.Nil(t, total)
	assert.Empty(t, ranges.Ranges())
}

func TestAdminCompactUnknownKeyReturns404(t *testing.T) {
	origSrv := newOriginServer(t, []byte("x"))
	defer origSrv.Close()
	ls, _ := newTestListener(t, origSrv)

	req := httptest.NewRequest(http.MethodPost, "/admin/compact/doesnotexist", nil)
	rec := httptest.NewRecorder()
	ls.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
