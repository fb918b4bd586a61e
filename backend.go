package streamfile

import (
	"context"
	"net/http"
)

// fetchRequest describes a single ranged GET handed to a backend.
type fetchRequest struct {
	url         string
	offset      int64
	length      int64
	cachever    int
	progressive bool
}

// backendSink receives a backend's events. The coordinator implements it.
// Every callback carries the source backend so events from a superseded
// request can be discarded by identity; the backend itself never holds a
// reference to the coordinator.
type backendSink interface {
	// backendBuffer delivers a chunk of payload bytes, in order.
	backendBuffer(src fetchBackend, b []byte)
	// backendDone reports that the response body ended cleanly.
	backendDone(src fetchBackend)
	// backendError reports a terminal failure (including abort).
	backendError(src fetchBackend, err error)
}

// fetchBackend is one in-flight range request. A stream owns at most one at
// a time.
type fetchBackend interface {
	// load performs the request and parses the response headers. After a
	// nil return the metadata accessors are valid and payload delivery to
	// the sink has started. Returns errStaleRange when a partial response
	// does not start at the requested offset.
	load(ctx context.Context) error

	// bufferToOffset blocks until bytes up to the absolute offset end have
	// been delivered, the response ended, or the request failed.
	bufferToOffset(ctx context.Context, end int64) error

	// abort cancels the request. Pending waiters fail with ErrAborted.
	abort()

	// fail injects a terminal error, waking pending waiters with it.
	fail(err error)

	seekable() bool
	length() int64
	headers() http.Header
	offset() int64
	bytesRead() int64
}
