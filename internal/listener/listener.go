// Package listener implements the HTTP-facing surface described in
// spec.md §6: the /proxy/<url> route, Range header parsing and response
// assembly, request-id tracing, and the health/metrics/admin endpoints
// spec.md §12 adds. Routing is built on github.com/go-chi/chi/v5, the same
// router always-cache-always-cache/main_test.go exercises.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericselin/rangecache/internal/cachestore"
	"github.com/ericselin/rangecache/internal/manager"
	"github.com/ericselin/rangecache/internal/mediaerr"
	"github.com/ericselin/rangecache/internal/mixedreader"
)

// requestIDHeader echoes the request id always-cache-always-cache's test
// fixtures generate with google/uuid, so a caller can correlate a response
// with the server's structured logs.
const requestIDHeader = "X-Request-Id"

// Listener wires a Manager and a CacheStore into an http.Handler.
type Listener struct {
	mgr    *manager.Manager
	store  *cachestore.Store
	log    zerolog.Logger
	router chi.Router
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger overrides the listener's logger.
func WithLogger(l zerolog.Logger) Option { return func(ls *Listener) { ls.log = l } }

// New builds a Listener and mounts its routes.
func New(mgr *manager.Manager, store *cachestore.Store, opts ...Option) *Listener {
	ls := &Listener{mgr: mgr, store: store, log: log.Logger}
	for _, o := range opts {
		o(ls)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Get("/healthz", ls.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/proxy/*", ls.handleProxy)
	r.Post("/admin/clear", ls.handleClear)
	r.Post("/admin/compact/{key}", ls.handleCompact)
	ls.router = r
	return ls
}

// ServeHTTP makes Listener an http.Handler.
func (ls *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ls.router.ServeHTTP(w, r)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (ls *Listener) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleProxy implements spec.md §6's core route: decode the target URL
// from the path, parse the client's Range header, call Manager.Serve, and
// assemble the response per the status-code table spec.md §6 lays out.
func (ls *Listener) handleProxy(w http.ResponseWriter, r *http.Request) {
	reqLog := ls.log.With().Str("request_id", requestIDFrom(r.Context())).Logger()

	targetURL, err := decodeProxyURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	spec, hadRange, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := ls.mgr.Serve(r.Context(), targetURL, spec)
	if err != nil {
		ls.writeError(w, reqLog, err)
		return
	}
	defer res.Body.Close()

	writeRangeResponse(w, res, hadRange)

	if _, err := io.Copy(w, res.Body); err != nil {
		if r.Context().Err() != nil || errors.Is(err, mediaerr.ErrCanceled) {
			return // consumer disconnected: silent, per spec.md §7.
		}
		reqLog.Warn().Err(err).Str("url", targetURL).Msg("stream interrupted after headers sent")
	}
}

// writeRangeResponse sets Content-Range/Content-Length and the status
// code per spec.md §6: 200 only when the client sent no Range header and
// the delivered range is the entire (known) resource; 206 otherwise.
func writeRangeResponse(w http.ResponseWriter, res *mixedreader.Result, hadRange bool) {
	start, end := res.ContentRange.Start, res.ContentRange.End
	length := end - start

	isFullResource := !hadRange && res.TotalSize != nil && start == 0 && end == *res.TotalSize
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	if isFullResource {
		w.WriteHeader(http.StatusOK)
		return
	}

	totalStr := "*"
	if res.TotalSize != nil {
		totalStr = strconv.FormatInt(*res.TotalSize, 10)
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end-1, totalStr))
	w.WriteHeader(http.StatusPartialContent)
}

func (ls *Listener) writeError(w http.ResponseWriter, reqLog zerolog.Logger, err error) {
	switch {
	case errors.Is(err, mediaerr.ErrCanceled):
		return
	case errors.Is(err, mediaerr.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, mediaerr.ErrOriginUnsatisfiable):
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	case errors.Is(err, context.DeadlineExceeded):
		reqLog.Error().Err(err).Msg("origin request timed out")
		w.WriteHeader(http.StatusGatewayTimeout)
	case errors.Is(err, mediaerr.ErrOriginFatal):
		reqLog.Error().Err(err).Msg("origin request failed")
		w.WriteHeader(http.StatusBadGateway)
	default:
		reqLog.Error().Err(err).Msg("unexpected error serving proxy request")
		w.WriteHeader(http.StatusBadGateway)
	}
}

func (ls *Listener) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := ls.mgr.Clear(); err != nil {
		ls.log.Error().Err(err).Msg("clearing cache")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ls *Listener) handleCompact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := ls.store.Compact(key); err != nil {
		if errors.Is(err, mediaerr.ErrCacheMiss) {
			http.Error(w, "unknown key", http.StatusNotFound)
			return
		}
		ls.log.Error().Err(err).Str("key", key).Msg("compacting cache entry")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeProxyURL extracts the target URL from a /proxy/<url> path, per
// spec.md §6. The wildcard match hands back everything after "/proxy/"
// verbatim; the original query string (if any) is reattached since chi's
// router strips it before matching.
func decodeProxyURL(r *http.Request) (string, error) {
	rest := chi.URLParam(r, "*")
	if rest == "" {
		return "", fmt.Errorf("%w: missing proxy target", mediaerr.ErrBadRequest)
	}
	if !strings.Contains(rest, "://") {
		return "", fmt.Errorf("%w: proxy target %q is not an absolute URL", mediaerr.ErrBadRequest, rest)
	}
	if r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}
	return rest, nil
}

func requestIDFrom(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}
