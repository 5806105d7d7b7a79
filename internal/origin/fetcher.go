// Package origin issues ranged GET requests against an upstream origin,
// retrying transient failures and resuming truncated bodies mid-stream.
// The retry loop is built on cenkalti/backoff/v4, replaying the
// configured backoff schedule the way Sternrassler-eve-esi-client's
// pkg/client/retry.go hand-rolls its own exponential-backoff-with-jitter
// loop; here the library drives the loop and we supply a fixed-schedule
// BackOff plus the same jitter formula.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericselin/rangecache/internal/mediaerr"
)

// Status classifies a successful origin response per spec.md §4.3.
type Status int

const (
	StatusFull Status = iota
	StatusPartial
)

// Window is the byte interval requested from the origin: a bounded
// [Start, *End) range, or an open suffix [Start, ∞) when End is nil.
type Window struct {
	Start int64
	End   *int64
}

func (w Window) rangeHeader() string {
	if w.End == nil {
		return fmt.Sprintf("bytes=%d-", w.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", w.Start, *w.End-1)
}

// Response is the result of a successful Fetch. Body must be closed by
// the caller; reads from it may transparently re-issue a continuation
// fetch if the underlying stream is truncated mid-way.
type Response struct {
	Status       Status
	ContentRange Window
	TotalSize    *int64
	Body         io.ReadCloser

	expectedLen int64 // -1 if the origin disclosed no length for this part
}

var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rangecache_origin_requests_total",
		Help: "Origin fetch attempts by outcome",
	}, []string{"outcome"})

	originRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rangecache_origin_retries_total",
		Help: "Origin fetch retries, including mid-stream resumptions",
	})

	originFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rangecache_origin_fetch_duration_seconds",
		Help:    "Time from first attempt to response headers",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// Config controls retry/backoff/timeout behavior, sized from
// internal/config.Config's retry_count/retry_backoff_ms/*_timeout_ms.
type Config struct {
	MaxAttempts    int
	Backoff        []time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Fetcher issues ranged GET requests against upstream URLs.
type Fetcher struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger overrides the fetcher's logger.
func WithLogger(l zerolog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// New builds a Fetcher. cfg.ConnectTimeout governs dial time only; use
// cfg.ReadTimeout to bound per-chunk body reads.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg: cfg,
		log: log.Logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch performs a ranged GET against url for window w, retrying
// transient failures per cfg, and returns a Response whose Body resumes
// transparently across mid-stream truncations.
func (f *Fetcher) Fetch(ctx context.Context, url string, w Window) (*Response, error) {
	started := time.Now()

	resp, err := f.retryAttempt(ctx, url, w)

	originFetchDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		originRequestsTotal.WithLabelValues(outcomeOf(err)).Inc()
		return nil, err
	}
	originRequestsTotal.WithLabelValues("ok").Inc()

	resp.Body = f.newResumableBody(ctx, url, resp.ContentRange, resp.Body, resp.expectedLen)
	return resp, nil
}

// retryAttempt drives attempt() through the configured backoff schedule,
// stopping immediately on a non-retryable classification.
func (f *Fetcher) retryAttempt(ctx context.Context, url string, w Window) (*Response, error) {
	var resp *Response
	attempt := 0

	err := backoff.Retry(func() error {
		attempt++
		r, err := f.attempt(ctx, url, w)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			originRetriesTotal.Inc()
			f.log.Debug().Str("url", url).Int("attempt", attempt).Err(err).Msg("retrying origin fetch")
			return err
		}
		resp = r
		return nil
	}, f.backoff(ctx))

	if err != nil {
		// backoff.Retry already unwraps a PermanentError and returns the
		// error it carried, so permanent classifications pass through as-is.
		if isPermanent(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", mediaerr.ErrOriginFatal, err)
	}
	return resp, nil
}

// attempt performs exactly one HTTP round trip and classifies its
// outcome per spec.md §4.3: 200/206 succeed, 416 is a permanent
// satisfaction error, 5xx/408/429 are retryable, other 4xx are fatal.
func (f *Fetcher) attempt(ctx context.Context, url string, w Window) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", mediaerr.ErrBadRequest, err)
	}
	req.Header.Set("Range", w.rangeHeader())

	hr, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mediaerr.ErrCanceled
		}
		return nil, fmt.Errorf("%w: %v", mediaerr.ErrOriginTransient, err)
	}

	switch {
	case hr.StatusCode == http.StatusOK || hr.StatusCode == http.StatusPartialContent:
		return f.buildResponse(w, hr)
	case hr.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		hr.Body.Close()
		return nil, mediaerr.ErrOriginUnsatisfiable
	case hr.StatusCode >= 500 || hr.StatusCode == http.StatusRequestTimeout || hr.StatusCode == http.StatusTooManyRequests:
		hr.Body.Close()
		return nil, fmt.Errorf("%w: status %d", mediaerr.ErrOriginTransient, hr.StatusCode)
	default:
		hr.Body.Close()
		return nil, fmt.Errorf("%w: status %d", mediaerr.ErrOriginFatal, hr.StatusCode)
	}
}

func (f *Fetcher) buildResponse(w Window, hr *http.Response) (*Response, error) {
	resp := &Response{Body: hr.Body, expectedLen: -1}

	if hr.StatusCode == http.StatusPartialContent {
		resp.Status = StatusPartial
		cr := hr.Header.Get("Content-Range")
		start, end, total, err := parseContentRange(cr)
		if err != nil {
			hr.Body.Close()
			return nil, fmt.Errorf("%w: unparsable Content-Range %q: %v", mediaerr.ErrOriginFatal, cr, err)
		}
		resp.ContentRange = Window{Start: start, End: &end}
		resp.TotalSize = total
		resp.expectedLen = end - start
		return resp, nil
	}

	resp.Status = StatusFull
	var total *int64
	if hr.ContentLength >= 0 {
		t := hr.ContentLength
		total = &t
		end := t
		resp.ContentRange = Window{Start: 0, End: &end}
		resp.expectedLen = t
	} else {
		resp.ContentRange = Window{Start: 0, End: nil}
	}
	resp.TotalSize = total
	return resp, nil
}

// resumableBody wraps an origin response body so that a mid-stream
// truncation, read timeout, or transport error transparently re-issues a
// continuation fetch starting from the last byte actually delivered,
// rather than surfacing the error to the MixedReader.
type resumableBody struct {
	ctx context.Context
	f   *Fetcher
	url string

	window      Window
	expectedLen int64

	cur         io.ReadCloser
	delivered   int64
	resumesLeft int
	closed      bool
}

func (f *Fetcher) newResumableBody(ctx context.Context, url string, w Window, body io.ReadCloser, expectedLen int64) *resumableBody {
	return &resumableBody{
		ctx:         ctx,
		f:           f,
		url:         url,
		window:      w,
		expectedLen: expectedLen,
		cur:         body,
		resumesLeft: f.cfg.MaxAttempts,
	}
}

func (b *resumableBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, io.ErrClosedPipe
	}

	n, err := readWithTimeout(b.cur, p, b.f.cfg.ReadTimeout)
	b.delivered += int64(n)
	if err == nil {
		return n, nil
	}

	if err == io.EOF && (b.expectedLen < 0 || b.delivered >= b.expectedLen) {
		return n, io.EOF
	}

	// Truncated body, read timeout, or transport error mid-stream: resume.
	if rerr := b.resume(); rerr != nil {
		if n > 0 {
			return n, nil
		}
		return 0, rerr
	}
	return n, nil
}

func (b *resumableBody) resume() error {
	if b.resumesLeft <= 0 {
		return fmt.Errorf("%w: resume attempts exhausted mid-stream", mediaerr.ErrOriginFatal)
	}
	b.resumesLeft--
	originRetriesTotal.Inc()
	b.cur.Close()

	nextStart := b.window.Start + b.delivered
	w := Window{Start: nextStart, End: b.window.End}

	resp, err := b.f.retryAttempt(b.ctx, b.url, w)
	if err != nil {
		return err
	}
	b.cur = resp.Body
	b.window = resp.ContentRange
	b.expectedLen = resp.expectedLen
	b.delivered = 0
	return nil
}

func (b *resumableBody) Close() error {
	b.closed = true
	return b.cur.Close()
}

// readWithTimeout bounds a single Read call by timeout. On timeout it
// returns a sentinel error and abandons the goroutine once its Read call
// eventually returns; acceptable here since a resumed fetch opens a new
// underlying connection regardless.
func readWithTimeout(r io.Reader, p []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return r.Read(p)
	}
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, errReadTimeout
	}
}

var errReadTimeout = errors.New("origin read timeout")

// scheduleBackoff replays a configured list of backoff durations with
// ±20% jitter, then stops, per spec.md §4.3's fixed retry schedule
// rather than a formula-driven exponential curve. It also stops after
// maxRetries retries when maxRetries is not negative. Jitter formula
// grounded on Sternrassler-eve-esi-client/pkg/client/retry.go.
type scheduleBackoff struct {
	schedule   []time.Duration
	maxRetries int
	i          int
}

func (b *scheduleBackoff) NextBackOff() time.Duration {
	if b.i >= len(b.schedule) || (b.maxRetries >= 0 && b.i >= b.maxRetries) {
		return backoff.Stop
	}
	d := b.schedule[b.i]
	b.i++
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

func (b *scheduleBackoff) Reset() { b.i = 0 }

func (f *Fetcher) backoff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(&scheduleBackoff{schedule: f.cfg.Backoff, maxRetries: f.cfg.MaxAttempts - 1}, ctx)
}

func isPermanent(err error) bool {
	return errors.Is(err, mediaerr.ErrOriginUnsatisfiable) ||
		errors.Is(err, mediaerr.ErrOriginFatal) ||
		errors.Is(err, mediaerr.ErrCanceled) ||
		errors.Is(err, mediaerr.ErrBadRequest)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, mediaerr.ErrOriginUnsatisfiable):
		return "unsatisfiable"
	case errors.Is(err, mediaerr.ErrCanceled):
		return "canceled"
	case errors.Is(err, mediaerr.ErrOriginFatal):
		return "fatal"
	default:
		return "error"
	}
}

// parseContentRange parses "bytes a-b/total" (or ".../*" for unknown
// total) into a half-open [start,end) plus optional total size.
func parseContentRange(v string) (start, end int64, total *int64, err error) {
	v = strings.TrimSpace(v)
	const prefix = "bytes "
	if !strings.HasPrefix(v, prefix) {
		return 0, 0, nil, fmt.Errorf("missing %q prefix in %q", prefix, v)
	}
	v = strings.TrimPrefix(v, prefix)

	rangeAndTotal := strings.SplitN(v, "/", 2)
	if len(rangeAndTotal) != 2 {
		return 0, 0, nil, fmt.Errorf("missing total separator in %q", v)
	}

	se := strings.SplitN(rangeAndTotal[0], "-", 2)
	if len(se) != 2 {
		return 0, 0, nil, fmt.Errorf("malformed range %q", rangeAndTotal[0])
	}
	start, err = strconv.ParseInt(se[0], 10, 64)
	if err != nil {
		return 0, 0, nil, err
	}
	endIncl, err := strconv.ParseInt(se[1], 10, 64)
	if err != nil {
		return 0, 0, nil, err
	}
	end = endIncl + 1

	if rangeAndTotal[1] != "*" {
		t, err := strconv.ParseInt(rangeAndTotal[1], 10, 64)
		if err != nil {
			return 0, 0, nil, err
		}
		total = &t
	}
	return start, end, total, nil
}
