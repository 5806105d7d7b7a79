// Package mediaerr defines the error kinds shared across the proxy's core
// packages, per the error handling design. The listener maps them to
// status codes: Canceled is dropped silently, CacheMiss reaches it only
// from Store.Compact (as 404), and the rest become error responses.
package mediaerr

import "errors"

var (
	// ErrBadRequest signals a malformed Range header or unparsable proxy URL.
	ErrBadRequest = errors.New("bad request")

	// ErrCacheMiss signals that a read was attempted against a range the
	// cache does not (yet) cover. Internal only; never returned to a
	// Manager caller.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheIO signals a disk read/write failure in the cache store.
	ErrCacheIO = errors.New("cache i/o error")

	// ErrOriginTransient signals a retryable origin failure. Retried
	// internally by the fetcher; exhaustion becomes ErrOriginFatal.
	ErrOriginTransient = errors.New("transient origin error")

	// ErrOriginFatal signals that origin retries were exhausted, or the
	// origin answered with a non-retryable error. Maps to 502 at the
	// listener.
	ErrOriginFatal = errors.New("origin fatal error")

	// ErrOriginUnsatisfiable signals a 416 from the origin, or a request
	// range that clamps to empty against the discovered total size. Maps
	// to 416 at the listener.
	ErrOriginUnsatisfiable = errors.New("range not satisfiable")

	// ErrCanceled signals that the consumer of a MixedReader stream
	// disconnected. Silent: never logged as an error.
	ErrCanceled = errors.New("canceled")
)
