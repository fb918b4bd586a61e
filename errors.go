package streamfile

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors returned by Stream and Cache operations. Callers should
// match them with errors.Is; most are returned wrapped with context.
var (
	// ErrInvalidState is returned when an operation is called in a phase
	// that does not allow it, for example Read while a Buffer is pending.
	ErrInvalidState = errors.New("streamfile: invalid state")

	// ErrInvalidInput is returned for negative sizes, offsets past the
	// known length, and similar caller mistakes.
	ErrInvalidInput = errors.New("streamfile: invalid input")

	// ErrNotSeekable is returned by Seek when the origin did not answer
	// with a ranged response, so the stream can only be read forward.
	ErrNotSeekable = errors.New("streamfile: stream is not seekable")

	// ErrAborted is returned by any operation interrupted by Abort.
	ErrAborted = errors.New("streamfile: aborted")

	// ErrNoSpace is returned by Cache.Write when the destination range is
	// not an empty hole, or the bytes do not fit in the hole.
	ErrNoSpace = errors.New("streamfile: write does not fit in empty range")

	// ErrCacheInvariant indicates internal cache corruption. It should
	// never surface; seeing it is a bug.
	ErrCacheInvariant = errors.New("streamfile: cache invariant violated")
)

// errStaleRange is the internal marker for a partial-content response whose
// range does not start at the requested offset. Some origin caches answer a
// rewind with a previously-served later range; the coordinator recovers by
// retrying with a cache-busting query parameter, so this never surfaces.
var errStaleRange = errors.New("streamfile: stale range response")

// NetworkError reports a transport failure or a non-2xx HTTP response.
//
// The underlying transport error (if any) can be accessed via errors.Unwrap.
type NetworkError struct {
	URL    string
	Status int // HTTP status code, 0 for transport-level failures
	cause  error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("streamfile: HTTP %d fetching %s", e.Status, e.URL)
	}
	if e.cause != nil {
		return fmt.Sprintf("streamfile: fetching %s: %s", e.URL, e.cause)
	}
	return fmt.Sprintf("streamfile: network error fetching %s", e.URL)
}

func (e *NetworkError) Unwrap() error { return e.cause }
