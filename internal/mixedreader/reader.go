// Package mixedreader implements the stream-stitching core of the proxy
// (spec.md §4.4): given a requested byte range, it plans a sequence of
// CACHE and ORIGIN segments against a CacheStore snapshot, relays them in
// strict ascending order, and tees ORIGIN bytes back into the CacheStore
// as they pass through. The tee itself generalizes the buffering idea in
// always-cache-always-cache/pkg/response-writer-tee/tee.go — there, one
// full response is written to two destinations (client + cache); here,
// many segments from two different sources (cache file, origin fetch)
// feed one ordered destination stream.
package mixedreader

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericselin/rangecache/internal/cachestore"
	"github.com/ericselin/rangecache/internal/mediaerr"
	"github.com/ericselin/rangecache/internal/origin"
	"github.com/ericselin/rangecache/internal/rangeset"
)

// DefaultMinFetch is the minimum origin fetch granularity (spec.md §4.4).
const DefaultMinFetch = 8192

// Request describes the byte interval a caller wants delivered. End nil
// means "the rest of the resource," whose length may not yet be known.
type Request struct {
	Start int64
	End   *int64
}

// Result is what Open returns: the concrete range actually being
// delivered (resolved even for an open Request), the resource's total
// size if known, and the body to relay to the consumer.
type Result struct {
	ContentRange rangeset.Range
	TotalSize    *int64
	Body         io.ReadCloser
}

// Reader stitches cache reads and origin fetches into one ordered stream.
type Reader struct {
	store    *cachestore.Store
	fetcher  *origin.Fetcher
	minFetch int64
	log      zerolog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger overrides the reader's logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Reader) { r.log = l } }

// WithMinFetch overrides the minimum origin fetch granularity.
func WithMinFetch(n int64) Option { return func(r *Reader) { r.minFetch = n } }

// New builds a Reader over store and fetcher.
func New(store *cachestore.Store, fetcher *origin.Fetcher, opts ...Option) *Reader {
	r := &Reader{store: store, fetcher: fetcher, minFetch: DefaultMinFetch, log: log.Logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open plans and opens a stitched stream for req against key/url. The
// returned Result.Body must be closed by the caller. For a Request whose
// total size is not yet known, Open blocks until the origin's response
// headers for the discovery fetch arrive (not its full body), per
// spec.md §4.5's "the first origin call also acts as the probe."
func (mr *Reader) Open(ctx context.Context, key, url string, req Request) (*Result, error) {
	snapshot, total, err := mr.store.Snapshot(key, url)
	if err != nil {
		return nil, err
	}

	if total != nil && req.Start >= *total {
		return nil, mediaerr.ErrOriginUnsatisfiable
	}

	if total == nil {
		// total_size is only learned from a successful origin response,
		// so if the cache has never seen one, the true end of this
		// request — bounded or open — isn't known yet. Resolve it by
		// letting the first origin call double as the size probe,
		// exactly as spec.md §4.5 prescribes for open suffixes; a
		// bounded request just clamps to whatever the origin reports
		// once that response headers come back.
		return mr.resolveUnknownTotal(ctx, key, url, req, snapshot)
	}

	end := *total
	if req.End != nil && *req.End < end {
		end = *req.End
	}

	reqRange := rangeset.Range{Start: req.Start, End: end}
	if reqRange.Empty() {
		return nil, mediaerr.ErrOriginUnsatisfiable
	}

	segs := planSegments(snapshot, reqRange)
	providers := make([]sourceFunc, len(segs))
	for i, seg := range segs {
		providers[i] = mr.providerFor(ctx, key, url, seg, snapshot, total)
	}

	return &Result{
		ContentRange: reqRange,
		TotalSize:    total,
		Body:         newStitchedReader(providers),
	}, nil
}

// resolveUnknownTotal handles a request — bounded or open-ended — against
// a key whose total_size is not yet known: any already-cached prefix is
// relayed normally, then a single origin fetch covers the rest of the
// request (or the rest of the resource, for an open End) and discloses
// total_size via its response headers before any of its body is read.
// Only one origin call is needed here because total_size only ever
// becomes known after a successful origin response, so an unknown total
// implies no prior origin fetch has landed any bytes beyond this prefix.
func (mr *Reader) resolveUnknownTotal(ctx context.Context, key, url string, req Request, snapshot *rangeset.RangeSet) (*Result, error) {
	prefix := planOpenPrefix(snapshot, req.Start)
	providers := make([]sourceFunc, 0, len(prefix)+1)
	tailStart := req.Start
	for _, seg := range prefix {
		deliver := seg.Deliver
		if req.End != nil && deliver.End > *req.End {
			deliver.End = *req.End
		}
		if deliver.Start >= deliver.End {
			break
		}
		providers = append(providers, mr.cacheProvider(key, url, deliver))
		tailStart = deliver.End
		if req.End != nil && tailStart >= *req.End {
			break
		}
	}

	if req.End != nil && tailStart >= *req.End {
		// The cached prefix alone already satisfies a bounded request;
		// no origin call is needed, and total_size stays unknown.
		return &Result{
			ContentRange: rangeset.Range{Start: req.Start, End: *req.End},
			TotalSize:    nil,
			Body:         newStitchedReader(providers),
		}, nil
	}

	resp, err := mr.fetcher.Fetch(ctx, url, origin.Window{Start: tailStart, End: req.End})
	if err != nil {
		return nil, err
	}

	if resp.TotalSize != nil {
		if werr := mr.store.SetTotalSize(key, url, *resp.TotalSize); werr != nil {
			mr.log.Warn().Err(werr).Str("key", key).Msg("persisting discovered total size")
		}
	}

	contentEnd := tailStart
	switch {
	case resp.ContentRange.End != nil:
		contentEnd = *resp.ContentRange.End
	case resp.TotalSize != nil:
		contentEnd = *resp.TotalSize
	}

	// The origin may have ignored the Range header (StatusFull) and be
	// streaming the whole resource from byte 0, rather than from tailStart;
	// bodyStart records where the body actually begins so bytes before
	// tailStart are skipped rather than written at the wrong offset.
	bodyStart := resp.ContentRange.Start
	tailRange := rangeset.Range{Start: tailStart, End: contentEnd}
	providers = append(providers, func() (io.ReadCloser, error) {
		return newTeeWriteback(mr.store, mr.log, key, url, bodyStart, resp.Body, tailRange, tailRange), nil
	})

	return &Result{
		ContentRange: rangeset.Range{Start: req.Start, End: contentEnd},
		TotalSize:    resp.TotalSize,
		Body:         newStitchedReader(providers),
	}, nil
}

type kind int

const (
	kindCache kind = iota
	kindOrigin
)

type segment struct {
	Kind    kind
	Deliver rangeset.Range
}

// planSegments partitions req into an ordered sequence of CACHE and
// ORIGIN segments, walking s exactly as spec.md §4.1 describes Gaps:
// stored ranges intersecting req become CACHE segments, the complement
// becomes ORIGIN segments.
func planSegments(s *rangeset.RangeSet, req rangeset.Range) []segment {
	var segs []segment
	cursor := req.Start
	for _, r := range s.Ranges() {
		if r.End <= cursor {
			continue
		}
		if r.Start >= req.End {
			break
		}
		if r.Start > cursor {
			segs = append(segs, segment{Kind: kindOrigin, Deliver: rangeset.Range{Start: cursor, End: min64(r.Start, req.End)}})
		}
		cacheStart := max64(cursor, r.Start)
		cacheEnd := min64(r.End, req.End)
		if cacheEnd > cacheStart {
			segs = append(segs, segment{Kind: kindCache, Deliver: rangeset.Range{Start: cacheStart, End: cacheEnd}})
		}
		cursor = max64(cursor, r.End)
		if cursor >= req.End {
			break
		}
	}
	if cursor < req.End {
		segs = append(segs, segment{Kind: kindOrigin, Deliver: rangeset.Range{Start: cursor, End: req.End}})
	}
	return segs
}

// planOpenPrefix returns the CACHE segments contiguously covering start
// up to (not including) the first gap; everything from there on is left
// to the caller's open-suffix origin fetch.
func planOpenPrefix(s *rangeset.RangeSet, start int64) []segment {
	var segs []segment
	cursor := start
	for _, r := range s.Ranges() {
		if r.End <= cursor {
			continue
		}
		if r.Start > cursor {
			break
		}
		segs = append(segs, segment{Kind: kindCache, Deliver: rangeset.Range{Start: cursor, End: r.End}})
		cursor = r.End
	}
	return segs
}

func (mr *Reader) providerFor(ctx context.Context, key, url string, seg segment, snapshot *rangeset.RangeSet, total *int64) sourceFunc {
	if seg.Kind == kindCache {
		return mr.cacheProvider(key, url, seg.Deliver)
	}
	return mr.originProvider(ctx, key, url, seg.Deliver, snapshot, total)
}

func (mr *Reader) cacheProvider(key, url string, deliver rangeset.Range) sourceFunc {
	return func() (io.ReadCloser, error) {
		return mr.store.Read(key, url, deliver)
	}
}

// originProvider fetches deliver (possibly rounded up to minFetch) from
// the origin and returns a reader that tees every received byte back to
// the cache while relaying only the bytes within deliver downstream.
func (mr *Reader) originProvider(ctx context.Context, key, url string, deliver rangeset.Range, snapshot *rangeset.RangeSet, total *int64) sourceFunc {
	return func() (io.ReadCloser, error) {
		fetchRange := expandGap(snapshot, deliver, mr.minFetch, total)
		end := fetchRange.End
		resp, err := mr.fetcher.Fetch(ctx, url, origin.Window{Start: fetchRange.Start, End: &end})
		if err != nil {
			return nil, err
		}
		if resp.TotalSize != nil {
			if werr := mr.store.SetTotalSize(key, url, *resp.TotalSize); werr != nil {
				mr.log.Warn().Err(werr).Str("key", key).Msg("persisting discovered total size")
			}
		}
		// The origin may return StatusFull (ignoring Range:) and stream the
		// whole resource from byte 0 rather than from fetchRange.Start;
		// resp.ContentRange.Start records where the body's bytes actually
		// begin so the write/relay offsets stay correct either way.
		return newTeeWriteback(mr.store, mr.log, key, url, resp.ContentRange.Start, resp.Body, fetchRange, deliver), nil
	}
}

// expandGap extends a gap shorter than minFetch up to the start of the
// next cached range when that range begins inside [g.Start,
// g.Start+minFetch), clamped to total, per the min_fetch resolution
// recorded in DESIGN.md. Gaps with no cached data inside that window are
// left unexpanded: rounding into the void has no locality benefit.
func expandGap(s *rangeset.RangeSet, g rangeset.Range, minFetch int64, total *int64) rangeset.Range {
	if g.Len() >= minFetch {
		return g
	}
	window := rangeset.Range{Start: g.Start, End: g.Start + minFetch}
	gaps := s.Gaps(window)
	if len(gaps) == 0 || gaps[0].End >= window.End {
		return g
	}
	ceiling := gaps[0].End
	if total != nil && ceiling > *total {
		ceiling = *total
	}
	if ceiling < g.End {
		ceiling = g.End
	}
	return rangeset.Range{Start: g.Start, End: ceiling}
}

// teeWriteback wraps an origin response body, writing every byte it reads
// to the cache store at its true absolute offset while relaying
// downstream only the bytes within relayRange. The body's first byte may
// not land at writeRange.Start — an origin answering with StatusFull
// ignores the Range: header and streams the whole resource from byte 0 —
// so bodyStart records where the body actually begins and every offset is
// computed from there, never assumed to match the request. Bytes within
// writeRange but outside relayRange (min_fetch expansion) are written but
// not relayed; once relayRange is exhausted, the remainder up to
// writeRange.End drains in the background so the network read isn't
// wasted, per spec.md §4.4's "writeback is best-effort... must not fail
// the client stream." Reading past writeRange.End is never attempted, so
// a StatusFull response over a gigabyte-scale resource doesn't get pulled
// in full just to serve a small range.
type teeWriteback struct {
	store    *cachestore.Store
	log      zerolog.Logger
	key, url string

	body io.ReadCloser

	// cursor is the absolute offset of the next unread byte from body; it
	// is never truncated to a smaller window, so writes always land at
	// the body's true position.
	cursor int64

	writeStart, writeEnd int64
	relayStart, relayEnd int64

	relayDone bool
}

func newTeeWriteback(store *cachestore.Store, logger zerolog.Logger, key, url string, bodyStart int64, body io.ReadCloser, writeRange, relayRange rangeset.Range) *teeWriteback {
	return &teeWriteback{
		store:      store,
		log:        logger,
		key:        key,
		url:        url,
		body:       body,
		cursor:     bodyStart,
		writeStart: writeRange.Start,
		writeEnd:   writeRange.End,
		relayStart: relayRange.Start,
		relayEnd:   relayRange.End,
	}
}

func (t *teeWriteback) Read(p []byte) (int, error) {
	for {
		if t.relayDone {
			return 0, io.EOF
		}
		if t.cursor >= t.writeEnd {
			t.relayDone = true
			t.body.Close()
			return 0, io.EOF
		}

		buf := p
		if max := t.writeEnd - t.cursor; int64(len(buf)) > max {
			buf = buf[:max]
		}

		n, rerr := t.body.Read(buf)
		relayN := 0
		if n > 0 {
			absStart, absEnd := t.cursor, t.cursor+int64(n)
			data := buf[:n]

			if wStart, wEnd := clipRange(absStart, absEnd, t.writeStart, t.writeEnd); wEnd > wStart {
				if werr := t.store.Write(t.key, t.url, wStart, data[wStart-absStart:wEnd-absStart]); werr != nil {
					t.log.Warn().Err(werr).Str("key", t.key).Msg("cache writeback failed")
				}
			}
			if rStart, rEnd := clipRange(absStart, absEnd, t.relayStart, t.relayEnd); rEnd > rStart {
				relayN = int(rEnd - rStart)
				if rStart > absStart {
					copy(data, data[rStart-absStart:rEnd-absStart])
				}
			}
			t.cursor = absEnd
		}

		if rerr != nil {
			// The body itself is exhausted or erroring: nothing left to drain.
			t.relayDone = true
			t.body.Close()
			if rerr == io.EOF {
				return relayN, io.EOF
			}
			return relayN, rerr
		}

		if t.cursor >= t.relayEnd {
			// Downstream relay is satisfied, but the write window (min_fetch
			// expansion) may still have bytes to land in the cache.
			t.relayDone = true
			if t.cursor < t.writeEnd {
				go t.drainExcess()
			} else {
				t.body.Close()
			}
			if relayN == 0 {
				return 0, io.EOF
			}
			return relayN, nil
		}

		if relayN > 0 {
			return relayN, nil
		}
		// Bytes read so far fall entirely before relayStart (or exactly
		// fill a write-only gap): keep reading rather than surfacing a
		// zero-byte, nil-error Read to the caller.
	}
}

func (t *teeWriteback) drainExcess() {
	buf := make([]byte, 32*1024)
	for t.cursor < t.writeEnd {
		rb := buf
		if max := t.writeEnd - t.cursor; int64(len(rb)) > max {
			rb = rb[:max]
		}
		n, err := t.body.Read(rb)
		if n > 0 {
			if werr := t.store.Write(t.key, t.url, t.cursor, rb[:n]); werr != nil {
				t.log.Warn().Err(werr).Str("key", t.key).Msg("cache writeback failed during drain")
			}
			t.cursor += int64(n)
		}
		if err != nil {
			break
		}
	}
	t.body.Close()
}

func (t *teeWriteback) Close() error {
	if !t.relayDone {
		t.relayDone = true
		t.body.Close()
	}
	return nil
}

// clipRange intersects the absolute byte interval [absStart, absEnd) with
// [lo, hi), returning an empty (start == end) result when they don't overlap.
func clipRange(absStart, absEnd, lo, hi int64) (int64, int64) {
	start := max64(absStart, lo)
	end := min64(absEnd, hi)
	if end < start {
		end = start
	}
	return start, end
}

// sourceFunc lazily opens one segment's reader. Evaluated at most once.
type sourceFunc func() (io.ReadCloser, error)

type readerResult struct {
	rc  io.ReadCloser
	err error
}

// stitchedReader relays a sequence of sourceFuncs as one continuous
// stream, prefetching at most one segment ahead of what the consumer is
// currently reading, per spec.md §4.4's execution model.
type stitchedReader struct {
	providers []sourceFunc
	idx       int
	cur       io.ReadCloser
	pending   chan readerResult
}

func newStitchedReader(providers []sourceFunc) *stitchedReader {
	return &stitchedReader{providers: providers}
}

func (s *stitchedReader) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			rc, err := s.advance()
			if err != nil {
				return 0, err
			}
			if rc == nil {
				return 0, io.EOF
			}
			s.cur = rc
			s.prefetchNext()
		}

		n, err := s.cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			s.cur.Close()
			s.cur = nil
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *stitchedReader) advance() (io.ReadCloser, error) {
	if s.pending != nil {
		res := <-s.pending
		s.pending = nil
		return res.rc, res.err
	}
	if s.idx >= len(s.providers) {
		return nil, nil
	}
	p := s.providers[s.idx]
	s.idx++
	return p()
}

func (s *stitchedReader) prefetchNext() {
	if s.pending != nil || s.idx >= len(s.providers) {
		return
	}
	p := s.providers[s.idx]
	s.idx++
	ch := make(chan readerResult, 1)
	s.pending = ch
	go func() {
		rc, err := p()
		ch <- readerResult{rc: rc, err: err}
	}()
}

func (s *stitchedReader) Close() error {
	var firstErr error
	if s.cur != nil {
		if err := s.cur.Close(); err != nil {
			firstErr = err
		}
		s.cur = nil
	}
	if s.pending != nil {
		res := <-s.pending
		if res.rc != nil {
			if err := res.rc.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.pending = nil
	}
	return firstErr
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
