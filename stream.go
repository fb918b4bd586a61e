// Package streamfile provides a seekable, asynchronously buffered byte
// stream over a remote HTTP resource. A Stream fetches data on demand with
// Range requests, keeps it in a sparse in-memory segment cache, and serves
// reads and seeks as if the resource were a local random-access file.
package streamfile

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// staleRangeRetries bounds recovery attempts against an origin cache that
// keeps answering with the wrong range.
const staleRangeRetries = 3

type phase uint8

const (
	phaseIdle phase = iota
	phaseLoading
	phaseSeeking
	phaseBuffering
)

// Stream coordinates a segment cache with at most one in-flight range
// request. Operations taking a context block until enough data is buffered;
// Abort cancels them synchronously.
//
// All methods are safe for concurrent use, but Load, Seek, Buffer and Read
// serialize through the phase machine: calling one while another is pending
// fails with ErrInvalidState.
type Stream struct {
	url     string
	opts    Options
	cache   *Cache
	logger  logrus.FieldLogger
	client  *http.Client
	limiter *rate.Limiter
	metrics MetricsCollector

	// set by Manager
	sem     *semaphore.Weighted
	onClose func()

	mu         sync.Mutex
	phase      phase
	loaded     bool
	canSeek    bool
	closed     bool
	length     int64
	hdr        http.Header
	cachever   int
	backend    fetchBackend
	semHeld    bool
	lastActive time.Time
}

// New creates a stream for url. Passing nil options selects the defaults.
// The stream performs no I/O until Load.
func New(url string, opt *Options) *Stream {
	o := opt.normalized()
	cacheSize := o.CacheSize
	if cacheSize < 0 {
		cacheSize = 0 // unbounded
	}
	c := NewCache(o.ChunkSize, cacheSize)
	c.Metrics = o.Metrics
	return &Stream{
		url:     url,
		opts:    o,
		cache:   c,
		logger:  o.Logger,
		client:  o.Client,
		limiter: o.Limiter,
		metrics: o.Metrics,
		length:  -1,
	}
}

// URL returns the resource URL the stream was created with.
func (s *Stream) URL() string { return s.url }

// Headers returns the response headers captured when the stream loaded.
func (s *Stream) Headers() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdr
}

// Length returns the resource length in bytes, or -1 when unknown.
func (s *Stream) Length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Offset returns the current read position.
func (s *Stream) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.ReadOffset()
}

// EOF reports whether the read position sits at the known end of the
// resource.
func (s *Stream) EOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eofLocked()
}

func (s *Stream) eofLocked() bool {
	return s.length >= 0 && s.cache.ReadOffset() == s.length
}

// Loaded reports whether Load has completed.
func (s *Stream) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Loading reports whether a Load is in flight.
func (s *Stream) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseLoading
}

// Seeking reports whether a Seek is in flight.
func (s *Stream) Seeking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseSeeking
}

// Buffering reports whether a Buffer or Read is waiting on the network.
func (s *Stream) Buffering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseBuffering
}

// Seekable reports whether the origin honors range requests.
func (s *Stream) Seekable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSeek
}

func (s *Stream) touchLocked() { s.lastActive = time.Now() }

// Load opens the stream: it issues the first range request, captures the
// resource's length, seekability and headers, and starts buffering from
// offset 0. Calling Load on a loaded or loading stream fails with
// ErrInvalidState.
func (s *Stream) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.loaded || s.phase != phaseIdle {
		s.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "load")
	}
	s.phase = phaseLoading
	s.touchLocked()
	s.mu.Unlock()

	be, err := s.ensureBackend(ctx, phaseLoading)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.phase == phaseLoading {
			s.phase = phaseIdle
		}
		return err
	}
	if be != nil {
		s.canSeek = be.seekable()
		s.length = be.length()
		s.hdr = be.headers()
	}
	s.loaded = true
	if s.phase == phaseLoading {
		s.phase = phaseIdle
	}
	return nil
}

// Seek repositions the read cursor. The stream must be loaded, idle and
// seekable; off must be within [0, length] when the length is known
// (seeking to exactly length positions at EOF). Any in-flight range request
// is dropped and, when readahead is enabled, a new one is opened in the
// background.
func (s *Stream) Seek(off int64) error {
	s.mu.Lock()
	if s.closed || !s.loaded || s.phase != phaseIdle {
		s.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "seek")
	}
	if !s.canSeek {
		s.mu.Unlock()
		return ErrNotSeekable
	}
	if off < 0 || (s.length >= 0 && off > s.length) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidInput, "seek to %d", off)
	}
	s.phase = phaseSeeking
	s.dropBackendLocked()
	err := s.cache.SeekRead(off)
	if err == nil {
		err = s.cache.SeekWrite(off)
	}
	s.touchLocked()
	s.phase = phaseIdle
	readAhead := err == nil && s.opts.ReadAhead && !s.eofLocked()
	s.mu.Unlock()

	if readAhead {
		go s.readAhead()
	}
	return err
}

// Buffer ensures up to n bytes past the read position are resident,
// fetching as needed, and returns the number of bytes now available there.
// The result is short only at end of stream. Buffer leaves the read
// position untouched.
func (s *Stream) Buffer(ctx context.Context, n int64) (int64, error) {
	s.mu.Lock()
	if s.closed || !s.loaded || s.phase != phaseIdle {
		s.mu.Unlock()
		return 0, errors.Wrap(ErrInvalidState, "buffer")
	}
	if n < 0 {
		s.mu.Unlock()
		return 0, errors.Wrap(ErrInvalidInput, "negative buffer length")
	}
	s.phase = phaseBuffering
	s.touchLocked()
	s.mu.Unlock()

	got, err := s.fill(ctx, n)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Abort resets the phase itself; only clear it when this operation
	// still owns it, so state set after an abort is not disturbed.
	if s.phase == phaseBuffering {
		s.phase = phaseIdle
	}
	if err != nil {
		return 0, err
	}
	return got, nil
}

// fill is Buffer's loop: wait on the current backend, or open a new one
// when a single request does not span the target (a short final range, a
// hole between cached runs). Runs until the target is covered or there is
// nothing left to fetch.
func (s *Stream) fill(ctx context.Context, n int64) (int64, error) {
	for {
		s.mu.Lock()
		if s.phase != phaseBuffering {
			s.mu.Unlock()
			return 0, ErrAborted
		}
		off := s.cache.ReadOffset()
		end := off + n
		if s.length >= 0 && end > s.length {
			end = s.length
		}
		want := end - off
		if want <= 0 {
			s.mu.Unlock()
			return 0, nil
		}
		if have := s.cache.BytesReadable(want); have >= want {
			s.mu.Unlock()
			return want, nil
		}
		be := s.backend
		s.mu.Unlock()

		if be == nil {
			var err error
			be, err = s.ensureBackend(ctx, phaseBuffering)
			if err != nil {
				return 0, err
			}
			if be == nil {
				// nothing left to fetch, resolve with what exists
				s.mu.Lock()
				have := s.cache.BytesReadable(want)
				s.mu.Unlock()
				return have, nil
			}
		}
		if err := be.bufferToOffset(ctx, end); err != nil {
			return 0, err
		}
	}
}

// Read buffers up to n bytes at the read position and consumes them,
// advancing the position. The result is short only at end of stream.
func (s *Stream) Read(ctx context.Context, n int64) ([]byte, error) {
	if _, err := s.Buffer(ctx, n); err != nil {
		return nil, err
	}
	return s.ReadNow(n)
}

// ReadNow consumes up to n already-buffered bytes without touching the
// network, advancing the read position. It fails with ErrInvalidState
// while a Buffer or Seek is pending.
func (s *Stream) ReadNow(n int64) ([]byte, error) {
	s.mu.Lock()
	if s.closed || !s.loaded || s.phase != phaseIdle {
		s.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidState, "read")
	}
	if n < 0 {
		s.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidInput, "negative read length")
	}
	buf := make([]byte, s.cache.BytesReadable(n))
	s.cache.ReadBytes(buf)
	if s.metrics != nil {
		s.metrics.RecordRead(int64(len(buf)))
	}
	s.touchLocked()
	readAhead := s.opts.ReadAhead && s.backend == nil && !s.eofLocked()
	s.mu.Unlock()

	if readAhead {
		go s.readAhead()
	}
	return buf, nil
}

// ReadBytes consumes up to len(dest) already-buffered bytes into dest and
// returns the count. Same phase rules as ReadNow.
func (s *Stream) ReadBytes(dest []byte) (int, error) {
	s.mu.Lock()
	if s.closed || !s.loaded || s.phase != phaseIdle {
		s.mu.Unlock()
		return 0, errors.Wrap(ErrInvalidState, "read")
	}
	n := s.cache.ReadBytes(dest)
	if s.metrics != nil {
		s.metrics.RecordRead(int64(n))
	}
	s.touchLocked()
	readAhead := s.opts.ReadAhead && s.backend == nil && !s.eofLocked()
	s.mu.Unlock()

	if readAhead {
		go s.readAhead()
	}
	return n, nil
}

// BytesAvailable returns the contiguous buffered byte count at the read
// position, capped by max. A negative max means no cap.
func (s *Stream) BytesAvailable(max int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.BytesReadable(max)
}

// BufferedRanges returns the sorted [start, end) extents of buffered data.
func (s *Stream) BufferedRanges() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Ranges()
}

// Abort synchronously cancels any in-flight operation. Pending Load,
// Buffer and Read calls fail with ErrAborted; the stream stays usable.
func (s *Stream) Abort() {
	s.mu.Lock()
	s.dropBackendLocked()
	s.phase = phaseIdle
	s.mu.Unlock()
}

// Close aborts any in-flight work and releases the stream. Further
// operations fail with ErrInvalidState. Close is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.dropBackendLocked()
	s.phase = phaseIdle
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// ensureBackend returns the current backend, or plans and opens a new range
// request covering the unbuffered span past the readable prefix. It returns
// (nil, nil) when there is nothing left to fetch. Stale-range responses are
// retried with a bumped cache buster.
//
// during is the phase the calling operation runs in; if the stream has left
// that phase (Abort fired) the open is abandoned instead of installing a
// backend the abort could not see.
func (s *Stream) ensureBackend(ctx context.Context, during phase) (fetchBackend, error) {
	for attempt := 0; attempt <= staleRangeRetries; attempt++ {
		s.mu.Lock()
		if s.closed || s.phase != during {
			s.mu.Unlock()
			if s.closed {
				return nil, errors.Wrap(ErrInvalidState, "stream closed")
			}
			return nil, ErrAborted
		}
		if s.backend != nil {
			be := s.backend
			s.mu.Unlock()
			return be, nil
		}
		readable := s.cache.BytesReadable(s.opts.ChunkSize)
		if during == phaseBuffering {
			// Buffer only gets here when its target lies past the contiguous
			// run, so fetch from the end of the whole run
			readable = s.cache.BytesReadable(-1)
		}
		readTail := s.cache.ReadOffset() + readable
		if s.length >= 0 && readTail >= s.length {
			s.mu.Unlock()
			return nil, nil
		}
		if err := s.cache.SeekWrite(readTail); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		writable := s.cache.BytesWritable(s.opts.ChunkSize)
		if s.length >= 0 && s.length-s.cache.WriteOffset() < writable {
			writable = s.length - s.cache.WriteOffset()
		}
		if writable <= 0 {
			s.mu.Unlock()
			return nil, nil
		}
		req := fetchRequest{
			url:         s.url,
			offset:      s.cache.WriteOffset(),
			length:      writable,
			cachever:    s.cachever,
			progressive: s.opts.Progressive,
		}
		s.mu.Unlock()

		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		}
		be := newHTTPBackend(req, s.client, s, s.logger, s.limiter, s.metrics)

		s.mu.Lock()
		if s.closed || s.phase != during || s.backend != nil {
			existing := s.backend
			closed := s.closed
			aborted := s.phase != during
			s.mu.Unlock()
			if s.sem != nil {
				s.sem.Release(1)
			}
			be.abort()
			switch {
			case existing != nil && !closed && !aborted:
				return existing, nil
			case closed:
				return nil, errors.Wrap(ErrInvalidState, "stream closed")
			default:
				return nil, ErrAborted
			}
		}
		s.backend = be
		s.semHeld = s.sem != nil
		s.mu.Unlock()

		err := be.load(ctx)

		s.mu.Lock()
		if s.backend != be {
			// superseded by Abort or Seek while the request was opening
			s.mu.Unlock()
			return nil, ErrAborted
		}
		if err != nil {
			if errors.Is(err, errStaleRange) {
				s.cachever++
				cachever := s.cachever
				s.dropBackendLocked()
				s.mu.Unlock()
				if s.logger != nil {
					s.logger.WithFields(logrus.Fields{
						"url":      s.url,
						"offset":   req.offset,
						"cachever": cachever,
					}).Warn("stale range response, retrying with cache buster")
				}
				continue
			}
			s.dropBackendLocked()
			s.mu.Unlock()
			return nil, err
		}
		if s.length < 0 && be.length() >= 0 {
			s.length = be.length()
		}
		s.mu.Unlock()
		return be, nil
	}
	return nil, &NetworkError{URL: s.url, cause: errors.New("persistent stale range responses")}
}

// dropBackendLocked aborts and forgets the current backend, releasing its
// manager slot. Callers hold s.mu.
func (s *Stream) dropBackendLocked() {
	if s.backend != nil {
		s.backend.abort()
		s.backend = nil
	}
	if s.semHeld {
		s.sem.Release(1)
		s.semHeld = false
	}
}

// clearBackendLocked forgets a terminated backend without aborting it.
func (s *Stream) clearBackendLocked() {
	s.backend = nil
	if s.semHeld {
		s.sem.Release(1)
		s.semHeld = false
	}
}

// readAhead opens the next range request without a waiting consumer.
// Failures are logged and otherwise dropped; the next Buffer retries.
func (s *Stream) readAhead() {
	_, err := s.ensureBackend(context.Background(), phaseIdle)
	if err != nil && !errors.Is(err, ErrAborted) && !errors.Is(err, ErrInvalidState) {
		if s.logger != nil {
			s.logger.WithField("url", s.url).WithError(err).Debug("readahead failed")
		}
	}
}

// reapIdleBackend drops the in-flight request of a stream that has been
// idle longer than the timeout. Called by the Manager's reap loop.
func (s *Stream) reapIdleBackend(idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil && s.phase == phaseIdle && time.Since(s.lastActive) > idle {
		if s.logger != nil {
			s.logger.WithField("url", s.url).Debug("dropping idle connection")
		}
		s.dropBackendLocked()
	}
}

// backendBuffer implements backendSink: append a chunk from the current
// backend to the cache. Chunks from superseded backends are dropped.
func (s *Stream) backendBuffer(src fetchBackend, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != src {
		return
	}
	if err := s.cache.Write(b); err != nil {
		if s.logger != nil {
			s.logger.WithField("url", s.url).WithError(err).Error("dropping backend after cache write failure")
		}
		src.fail(err)
		s.dropBackendLocked()
		return
	}
	s.touchLocked()
}

// backendDone implements backendSink: the response ended cleanly. A stream
// with an unknown length learns it here.
func (s *Stream) backendDone(src fetchBackend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != src {
		return
	}
	if s.length < 0 {
		s.length = src.offset() + src.bytesRead()
	}
	s.clearBackendLocked()
}

// backendError implements backendSink: the request failed terminally.
func (s *Stream) backendError(src fetchBackend, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != src {
		return
	}
	if s.logger != nil && !errors.Is(err, ErrAborted) {
		s.logger.WithField("url", s.url).WithError(err).Debug("range request failed")
	}
	s.clearBackendLocked()
}
