// Package cachestore implements the durable, per-key sparse cache described
// in spec.md §4.2: a data file holding bytes plus a sidecar metadata file
// holding the RangeSet and discovered total size. Metadata is persisted
// via the teacher's write-temp-then-rename protocol so a crash mid-write
// never corrupts the live file.
package cachestore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericselin/rangecache/internal/mediaerr"
	"github.com/ericselin/rangecache/internal/rangeset"
)

// Prometheus counters are package-level (registered once against the
// default registry) rather than per-Store, since tests and multi-origin
// deployments may construct more than one Store in a process.
var (
	storeReadHits   = promauto.NewCounter(prometheus.CounterOpts{Name: "rangecache_store_read_hits_total"})
	storeReadMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "rangecache_store_read_misses_total"})
	storeWrites     = promauto.NewCounter(prometheus.CounterOpts{Name: "rangecache_store_writes_total"})
)

// Store owns every object's data and metadata files rooted at a single
// directory. It is safe for concurrent use.
type Store struct {
	root string
	log  zerolog.Logger

	mu      sync.Mutex // guards objects map only; Open and Release do file I/O without it, Clear and Close hold it throughout
	objects map[string]*object
}

// object is the in-memory handle for one cached resource. Its mu guards
// metadata mutation only, per spec.md §4.2's concurrency note: data-file
// writes at non-overlapping offsets may proceed in parallel and acquire
// this lock only while growing the file, updating the RangeSet and
// persisting metadata.
type object struct {
	mu sync.Mutex

	key      string
	url      string
	dataPath string
	metaPath string

	data *os.File

	ranges        *rangeset.RangeSet
	totalSize     *int64
	allocatedSize int64
}

// Metadata is the on-disk sidecar document, matching spec.md §6's schema
// exactly: {"ranges": [[a,b], ...], "total_size": TOTAL | null, "url": "..."}.
type Metadata struct {
	Ranges    [][2]int64 `json:"ranges"`
	TotalSize *int64     `json:"total_size"`
	URL       string     `json:"url"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger. The global zerolog logger is
// used if not set.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating cache root: %v", mediaerr.ErrCacheIO, err)
	}
	s := &Store{
		root:    root,
		log:     log.Logger,
		objects: make(map[string]*object),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// layout mirrors spec.md §6: <cache_root>/<key[0..2]>/<key>.data|.meta
func (s *Store) paths(key string) (dataPath, metaPath string) {
	prefix := key
	if len(prefix) > 2 {
		prefix = key[:2]
	}
	dir := filepath.Join(s.root, prefix)
	return filepath.Join(dir, key+".data"), filepath.Join(dir, key+".meta")
}

// Open returns the object handle for key, creating its files if absent and
// lazily loading existing metadata from disk on first touch. Idempotent.
func (s *Store) Open(key, url string) (*object, error) {
	s.mu.Lock()
	if obj, ok := s.objects[key]; ok {
		s.mu.Unlock()
		return obj, nil
	}
	s.mu.Unlock()

	dataPath, metaPath := s.paths(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", mediaerr.ErrCacheIO, err)
	}

	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening data file: %v", mediaerr.ErrCacheIO, err)
	}

	obj := &object{
		key:      key,
		url:      url,
		dataPath: dataPath,
		metaPath: metaPath,
		data:     f,
		ranges:   &rangeset.RangeSet{},
	}
	if fi, err := f.Stat(); err == nil {
		obj.allocatedSize = fi.Size()
	}
	if err := obj.loadMetadata(); err != nil {
		f.Close()
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.objects[key]; ok {
		s.mu.Unlock()
		f.Close()
		return existing, nil
	}
	s.objects[key] = obj
	s.mu.Unlock()

	return obj, nil
}

// loadMetadata reads the sidecar file, tolerating its absence (interpreted
// as an empty RangeSet per spec.md §4.2).
func (o *object) loadMetadata() error {
	b, err := os.ReadFile(o.metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading metadata: %v", mediaerr.ErrCacheIO, err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		// a corrupted sidecar is treated as an empty RangeSet rather than
		// a fatal error; the next write will repair it.
		return nil
	}
	for _, r := range meta.Ranges {
		o.ranges.Insert(rangeset.Range{Start: r[0], End: r[1]})
	}
	o.totalSize = meta.TotalSize
	if o.url == "" {
		o.url = meta.URL
	}
	return nil
}

// persist writes metadata to a sibling temp file and atomically renames it
// over the live file, per spec.md §4.2's crash-safety protocol.
func (o *object) persist() error {
	meta := Metadata{URL: o.url, TotalSize: o.totalSize, Ranges: [][2]int64{}}
	for _, r := range o.ranges.Ranges() {
		meta.Ranges = append(meta.Ranges, [2]int64{r.Start, r.End})
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling metadata: %v", mediaerr.ErrCacheIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(o.metaPath), filepath.Base(o.metaPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp metadata file: %v", mediaerr.ErrCacheIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing temp metadata file: %v", mediaerr.ErrCacheIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp metadata file: %v", mediaerr.ErrCacheIO, err)
	}
	if err := os.Rename(tmpName, o.metaPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: renaming metadata file: %v", mediaerr.ErrCacheIO, err)
	}
	return nil
}

// Snapshot returns an atomic read of the current RangeSet and total size.
func (s *Store) Snapshot(key, url string) (*rangeset.RangeSet, *int64, error) {
	obj, err := s.Open(key, url)
	if err != nil {
		return nil, nil, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return rangeset.New(obj.ranges.Ranges()...), obj.totalSize, nil
}

// Read opens a bounded reader over [r.Start, r.End) of key's data file. It
// fails with ErrCacheMiss unless the stored RangeSet covers r.
func (s *Store) Read(key, url string, r rangeset.Range) (io.ReadCloser, error) {
	obj, err := s.Open(key, url)
	if err != nil {
		return nil, err
	}
	obj.mu.Lock()
	covered := obj.ranges.Covers(r)
	obj.mu.Unlock()
	if !covered {
		storeReadMisses.Inc()
		return nil, mediaerr.ErrCacheMiss
	}
	storeReadHits.Inc()
	sr := io.NewSectionReader(obj.data, r.Start, r.Len())
	return nopCloser{sr}, nil
}

// Write stores bytes at offset in key's data file, then records the
// covered range in metadata and persists it. Idempotent for equal bytes;
// the caller must never write differing bytes over an already-covered
// range (spec.md §4.2).
func (s *Store) Write(key, url string, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	obj, err := s.Open(key, url)
	if err != nil {
		return err
	}

	end := offset + int64(len(data))

	// Growth is checked and applied under the lock so a smaller concurrent
	// write can never truncate the file below a larger write's end.
	obj.mu.Lock()
	if end > obj.allocatedSize {
		if err := obj.data.Truncate(end); err != nil {
			obj.mu.Unlock()
			return fmt.Errorf("%w: growing data file: %v", mediaerr.ErrCacheIO, err)
		}
		obj.allocatedSize = end
	}
	obj.mu.Unlock()

	if _, err := obj.data.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing data file: %v", mediaerr.ErrCacheIO, err)
	}
	storeWrites.Inc()

	obj.mu.Lock()
	obj.ranges.Insert(rangeset.Range{Start: offset, End: end})
	err = obj.persist()
	obj.mu.Unlock()
	return err
}

// SetTotalSize records the resource's full size, as disclosed by the first
// origin response carrying Content-Range or Content-Length.
func (s *Store) SetTotalSize(key, url string, total int64) error {
	obj, err := s.Open(key, url)
	if err != nil {
		return err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.totalSize != nil {
		return nil
	}
	obj.totalSize = &total
	return obj.persist()
}

// Compact re-inserts every range of a key's open handle through the merge
// algorithm and persists the result, so the sidecar file is rewritten in
// merged form even if a crash or an older buggy writer left it with
// ranges that should have coalesced (loading already merges them in
// memory). It does not re-read the file from disk, and a key with no open
// handle returns ErrCacheMiss.
func (s *Store) Compact(key string) error {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return mediaerr.ErrCacheMiss
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	old := obj.ranges.Ranges()
	obj.ranges = &rangeset.RangeSet{}
	for _, r := range old {
		obj.ranges.Insert(r)
	}
	return obj.persist()
}

// Release closes and drops the open handle for key, if any. It does not
// touch the on-disk files: a later Open reloads metadata from disk and
// resumes exactly where this handle left off. Intended for callers (the
// Manager's idle-handle eviction) that want to bound the number of open
// file descriptors without losing any cached bytes.
func (s *Store) Release(key string) error {
	s.mu.Lock()
	obj, ok := s.objects[key]
	if ok {
		delete(s.objects, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return obj.data.Close()
}

// Clear removes every cache file under root and drops all open handles.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		obj.data.Close()
	}
	s.objects = make(map[string]*object)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", mediaerr.ErrCacheIO, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("%w: %v", mediaerr.ErrCacheIO, err)
		}
	}
	return nil
}

// Close releases every open file descriptor. Intended for shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, obj := range s.objects {
		if err := obj.data.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.objects = make(map[string]*object)
	return firstErr
}

type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }
