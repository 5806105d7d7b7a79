// Package manager implements the top-level coordination layer described in
// spec.md §4.5: object-key derivation, reference-counted handle lifecycle
// over CacheObjects, and the Serve entry point the Listener calls into. The
// refcounted-map-plus-LRU-over-idle-keys shape generalizes
// always-cache-always-cache/core/cache-provider.go's MemCache map-of-locks,
// bounding it with an eviction policy for handles nobody is using.
package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericselin/rangecache/internal/cachestore"
	"github.com/ericselin/rangecache/internal/mixedreader"
)

// DefaultIdleCapacity bounds how many zero-refcount handles stay open
// before their file descriptors are released.
const DefaultIdleCapacity = 256

// KeyOf derives the cache key for a URL: a hex-encoded SHA-256 digest, per
// spec.md §4.5's key_of(url) = hex(digest(url)).
func KeyOf(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// RangeSpec is the Listener's parsed form of a client Range header,
// covering all three forms spec.md §6 names: bytes=a-b, bytes=a- (End
// nil), and bytes=-n (Start nil, SuffixLength set).
type RangeSpec struct {
	Start        *int64
	End          *int64
	SuffixLength *int64
}

// Manager owns per-key reference counting over a CacheStore and dispatches
// requests to a MixedReader.
type Manager struct {
	store  *cachestore.Store
	reader *mixedreader.Reader
	log    zerolog.Logger

	mu   sync.Mutex
	refs map[string]int
	idle *lru.Cache[string, struct{}]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithIdleCapacity overrides how many zero-refcount handles stay open.
func WithIdleCapacity(n int) Option {
	return func(m *Manager) {
		idle, _ := lru.NewWithEvict[string, struct{}](n, m.onIdleEvict)
		m.idle = idle
	}
}

// New builds a Manager over store, dispatching through reader.
func New(store *cachestore.Store, reader *mixedreader.Reader, opts ...Option) *Manager {
	m := &Manager{store: store, reader: reader, log: log.Logger, refs: make(map[string]int)}
	for _, o := range opts {
		o(m)
	}
	if m.idle == nil {
		idle, _ := lru.NewWithEvict[string, struct{}](DefaultIdleCapacity, m.onIdleEvict)
		m.idle = idle
	}
	return m
}

// onIdleEvict is the LRU's eviction callback: once a key's refcount has
// been zero long enough to fall out of the idle window, its CacheObject
// file descriptor is released. The on-disk files and metadata are
// untouched; a later request reopens and resumes from where it left off.
func (m *Manager) onIdleEvict(key string, _ struct{}) {
	if err := m.store.Release(key); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("releasing idle cache handle")
	}
}

// acquire increments key's refcount and removes it from the idle set, so
// an in-flight request's handle is never evicted out from under it.
func (m *Manager) acquire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[key]++
	m.idle.Remove(key)
}

// release drops key's refcount; at zero the handle becomes eligible for
// idle eviction, per spec.md §4.5's "last drop closes files" — here
// relaxed to "last drop makes files eligible for the idle LRU to close,"
// so a handle that's released and immediately reacquired doesn't pay the
// cost of a close/reopen.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[key]--
	if m.refs[key] <= 0 {
		delete(m.refs, key)
		m.idle.Add(key, struct{}{})
	}
}

// Serve is the top-level entry point the Listener calls: it resolves spec
// into a concrete byte range (performing an origin probe first only when
// the client asked for a suffix-length and total_size isn't known yet),
// then opens a stitched stream for it via the MixedReader. The acquired
// handle is held for the duration of the returned Result.Body's stream,
// per spec.md §3/§4.5 binding the read-view's lifetime to the request:
// releasing it as soon as Serve returns (rather than on Body.Close) would
// make an in-flight stream's handle idle-evictable mid-read once more than
// DefaultIdleCapacity distinct keys are in play.
func (m *Manager) Serve(ctx context.Context, url string, spec RangeSpec) (*mixedreader.Result, error) {
	key := KeyOf(url)
	m.acquire(key)

	req, err := m.resolveRequest(ctx, key, url, spec)
	if err != nil {
		m.release(key)
		return nil, err
	}

	res, err := m.reader.Open(ctx, key, url, req)
	if err != nil {
		m.release(key)
		return nil, err
	}

	res.Body = &releaseOnClose{ReadCloser: res.Body, release: func() { m.release(key) }}
	return res, nil
}

// releaseOnClose defers a Manager.release until the consumer is actually
// done reading the stitched stream, rather than when Serve returns.
type releaseOnClose struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}

// resolveRequest turns a RangeSpec into a mixedreader.Request. The
// bytes=-n form needs total_size to compute its start offset; if that's
// not yet known, a one-byte probe fetch doubles as the HEAD-equivalent
// spec.md §4.5 describes, exactly as resolveUnknownTotal's single-fetch
// discovery does for an open suffix.
func (m *Manager) resolveRequest(ctx context.Context, key, url string, spec RangeSpec) (mixedreader.Request, error) {
	if spec.SuffixLength == nil {
		if spec.Start == nil {
			return mixedreader.Request{Start: 0, End: spec.End}, nil
		}
		return mixedreader.Request{Start: *spec.Start, End: spec.End}, nil
	}

	_, total, err := m.store.Snapshot(key, url)
	if err != nil {
		return mixedreader.Request{}, err
	}
	if total == nil {
		probeEnd := int64(1)
		probe, err := m.reader.Open(ctx, key, url, mixedreader.Request{Start: 0, End: &probeEnd})
		if err != nil {
			return mixedreader.Request{}, err
		}
		drain(probe.Body)
		probe.Body.Close()
		total = probe.TotalSize
		if total == nil {
			_, total, err = m.store.Snapshot(key, url)
			if err != nil {
				return mixedreader.Request{}, err
			}
		}
	}

	start := int64(0)
	if total != nil {
		start = *total - *spec.SuffixLength
		if start < 0 {
			start = 0
		}
	}
	return mixedreader.Request{Start: start, End: nil}, nil
}

func drain(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		_, err := r.Read(buf)
		if err != nil {
			return
		}
	}
}

// Clear delegates to the CacheStore's clear and drops every tracked
// refcount and idle entry. Simplification: CacheStore.Clear closes every
// open data file unconditionally, so an in-flight read against a key
// being cleared observes an I/O error rather than finishing against its
// already-opened descriptor; spec.md §4.5's softer guarantee (in-flight
// reads run to completion) would need per-key deferred close tracking
// that isn't implemented here.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.refs = make(map[string]int)
	m.idle.Purge()
	m.mu.Unlock()
	return m.store.Clear()
}
