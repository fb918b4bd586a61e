package streamfile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// readSlab is the granularity of progressive payload delivery.
const readSlab = 64 << 10

// cacheBusterParam defeats origin caches that answer a rewind with a
// previously-served later range: bumping the value makes the URL unique.
const cacheBusterParam = "buggy_cachever"

// httpBackend performs one ranged GET. It pumps the response body on its
// own goroutine and hands chunks to the sink; bufferToOffset lets the
// coordinator wait for delivery progress.
type httpBackend struct {
	req     fetchRequest
	client  *http.Client
	sink    backendSink
	logger  logrus.FieldLogger
	limiter *rate.Limiter
	metrics MetricsCollector

	ctx    context.Context // request lifetime, ends on abort
	cancel context.CancelFunc

	mu       sync.Mutex
	progress chan struct{} // closed and replaced on every state change
	canSeek  bool
	total    int64
	hdr      http.Header
	read     int64
	done     bool
	err      error
	started  time.Time
}

func newHTTPBackend(req fetchRequest, client *http.Client, sink backendSink,
	logger logrus.FieldLogger, limiter *rate.Limiter, metrics MetricsCollector) *httpBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpBackend{
		req:      req,
		client:   client,
		sink:     sink,
		logger:   logger,
		limiter:  limiter,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		progress: make(chan struct{}),
		total:    -1,
	}
}

func (b *httpBackend) requestURL() string {
	if b.req.cachever <= 0 {
		return b.req.url
	}
	u, err := url.Parse(b.req.url)
	if err != nil {
		return b.req.url
	}
	q := u.Query()
	q.Set(cacheBusterParam, strconv.Itoa(b.req.cachever))
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *httpBackend) load(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(b.ctx, http.MethodGet, b.requestURL(), nil)
	if err != nil {
		err = &NetworkError{URL: b.req.url, cause: err}
		b.fail(err)
		return err
	}
	if b.req.offset != 0 || b.req.length != 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", b.req.offset, b.req.offset+b.req.length-1))
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"url":      b.req.url,
			"offset":   b.req.offset,
			"length":   b.req.length,
			"cachever": b.req.cachever,
		}).Debug("opening range request")
	}

	b.mu.Lock()
	b.started = time.Now()
	b.mu.Unlock()

	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := b.client.Do(httpReq)
		ch <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		b.abort()
		go func() {
			if r := <-ch; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			err := error(&NetworkError{URL: b.req.url, cause: r.err})
			b.mu.Lock()
			if b.err != nil {
				// abort won the race, report that instead
				err = b.err
			} else {
				b.err = err
			}
			b.signalLocked()
			b.mu.Unlock()
			return err
		}
		resp = r.resp
	}

	st := resp.StatusCode
	switch {
	case st == http.StatusPartialContent:
		start, total, perr := parseContentRange(resp.Header.Get("Content-Range"))
		if perr != nil {
			resp.Body.Close()
			err := error(&NetworkError{URL: b.req.url, Status: st, cause: perr})
			b.fail(err)
			return err
		}
		if start != b.req.offset {
			resp.Body.Close()
			b.fail(errStaleRange)
			return errStaleRange
		}
		b.mu.Lock()
		b.canSeek = true
		b.total = total
		b.hdr = resp.Header
		b.mu.Unlock()
	case st >= 200 && st < 300:
		if b.req.offset != 0 {
			// the origin ignored the Range header; its body starts at 0,
			// which would corrupt the cache
			resp.Body.Close()
			err := error(&NetworkError{URL: b.req.url, Status: st, cause: errors.New("origin ignored range request")})
			b.fail(err)
			return err
		}
		total := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if v, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				total = v
			}
		}
		b.mu.Lock()
		b.canSeek = false
		b.total = total
		b.hdr = resp.Header
		b.mu.Unlock()
	default:
		resp.Body.Close()
		err := error(&NetworkError{URL: b.req.url, Status: st})
		b.fail(err)
		return err
	}

	if b.req.progressive {
		go b.pump(resp.Body)
	} else {
		go b.pumpWhole(resp.Body)
	}
	return nil
}

// pump delivers the body to the sink slab by slab as it arrives.
func (b *httpBackend) pump(body io.ReadCloser) {
	defer body.Close()
	buf := make([]byte, readSlab)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := b.throttle(n); werr != nil {
				b.finish(werr)
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.sink.backendBuffer(b, chunk)
			b.mu.Lock()
			b.read += int64(n)
			b.signalLocked()
			b.mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				b.complete()
			} else {
				b.finish(err)
			}
			return
		}
	}
}

// pumpWhole buffers the entire body, then delivers it in a single event.
func (b *httpBackend) pumpWhole(body io.ReadCloser) {
	defer body.Close()
	var all []byte
	buf := make([]byte, readSlab)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := b.throttle(n); werr != nil {
				b.finish(werr)
				return
			}
			all = append(all, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			b.finish(err)
			return
		}
	}
	if len(all) > 0 {
		b.sink.backendBuffer(b, all)
		b.mu.Lock()
		b.read += int64(len(all))
		b.signalLocked()
		b.mu.Unlock()
	}
	b.complete()
}

func (b *httpBackend) throttle(n int) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.WaitN(b.ctx, n)
}

func (b *httpBackend) complete() {
	b.sink.backendDone(b)
	b.mu.Lock()
	b.done = true
	read, started := b.read, b.started
	b.signalLocked()
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordFetch(time.Since(started), read, nil)
	}
}

func (b *httpBackend) finish(err error) {
	b.mu.Lock()
	if b.err == nil {
		if b.ctx.Err() != nil {
			err = ErrAborted
		} else {
			err = &NetworkError{URL: b.req.url, cause: err}
		}
		b.err = err
	} else {
		err = b.err
	}
	read, started := b.read, b.started
	b.signalLocked()
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordFetch(time.Since(started), read, err)
	}
	b.sink.backendError(b, err)
}

// fail records a load-time error for any waiters; the caller reports it
// synchronously, so the sink is not notified.
func (b *httpBackend) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.signalLocked()
	b.mu.Unlock()
}

func (b *httpBackend) signalLocked() {
	close(b.progress)
	b.progress = make(chan struct{})
}

func (b *httpBackend) bufferToOffset(ctx context.Context, end int64) error {
	for {
		b.mu.Lock()
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return err
		}
		if b.done || b.req.offset+b.read >= end {
			b.mu.Unlock()
			return nil
		}
		wait := b.progress
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *httpBackend) abort() {
	b.mu.Lock()
	if b.err == nil && !b.done {
		b.err = ErrAborted
	}
	b.signalLocked()
	b.mu.Unlock()
	b.cancel()
}

func (b *httpBackend) seekable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canSeek
}

func (b *httpBackend) length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *httpBackend) headers() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hdr
}

func (b *httpBackend) offset() int64 { return b.req.offset }

func (b *httpBackend) bytesRead() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read
}

// parseContentRange parses "bytes S-E/T" as sent with 206 responses. The
// total is -1 when the origin reports it as "*".
func parseContentRange(v string) (start, total int64, err error) {
	const prefix = "bytes "
	if !strings.HasPrefix(v, prefix) {
		return 0, 0, errors.Errorf("malformed Content-Range %q", v)
	}
	rest := v[len(prefix):]
	dash := strings.IndexByte(rest, '-')
	slash := strings.IndexByte(rest, '/')
	if dash <= 0 || slash <= dash {
		return 0, 0, errors.Errorf("malformed Content-Range %q", v)
	}
	start, err = strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil {
		return 0, 0, errors.Errorf("malformed Content-Range %q", v)
	}
	if _, err = strconv.ParseInt(rest[dash+1:slash], 10, 64); err != nil {
		return 0, 0, errors.Errorf("malformed Content-Range %q", v)
	}
	totalStr := rest[slash+1:]
	if totalStr == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, 0, errors.Errorf("malformed Content-Range %q", v)
	}
	return start, total, nil
}
