package streamfile

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testData is deterministic random content shared by the end-to-end tests.
var testData []byte

func init() {
	testData = make([]byte, 256*1024)
	rand.New(rand.NewSource(1)).Read(testData)
}

// newRangeServer serves testData with full Range support.
func newRangeServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "test.bin", time.Time{}, bytes.NewReader(testData))
	}))
}

// newPlainServer serves testData in full, ignoring Range headers.
func newPlainServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(testData)))
		w.WriteHeader(http.StatusOK)
		w.Write(testData)
	}))
}

func testOptions() *Options {
	return &Options{
		ChunkSize:   64 * 1024,
		CacheSize:   -1, // unbounded, keeps assertions deterministic
		Progressive: true,
		ReadAhead:   false,
	}
}

func TestLoad(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	assert.True(t, s.Loaded())
	assert.True(t, s.Seekable())
	assert.False(t, s.Loading())
	assert.Equal(t, int64(len(testData)), s.Length())
	assert.Equal(t, server.URL, s.URL())
	assert.NotEmpty(t, s.Headers().Get("Content-Range"))

	// loading twice is a caller error
	require.ErrorIs(t, s.Load(context.Background()), ErrInvalidState)
}

func TestOpsBeforeLoad(t *testing.T) {
	s := New("http://example.invalid/x", testOptions())
	defer s.Close()

	require.ErrorIs(t, s.Seek(0), ErrInvalidState)
	_, err := s.Buffer(context.Background(), 1)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = s.ReadNow(1)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSequentialRead(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	b, err := s.Read(context.Background(), 1024)
	require.NoError(t, err)
	assert.Equal(t, testData[:1024], b)
	assert.Equal(t, int64(1024), s.Offset())

	b, err = s.Read(context.Background(), 2048)
	require.NoError(t, err)
	assert.Equal(t, testData[1024:3072], b)
	assert.Equal(t, int64(3072), s.Offset())
}

func TestReadAcrossChunkBoundary(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	// a 100 KiB read spans two 64 KiB fetches, exercising the buffer loop
	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	b, err := s.Read(context.Background(), 100*1024)
	require.NoError(t, err)
	assert.Equal(t, testData[:100*1024], b)
}

func TestSeekAndRead(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.Seek(100000))
	assert.Equal(t, int64(100000), s.Offset())

	b, err := s.Read(context.Background(), 512)
	require.NoError(t, err)
	assert.Equal(t, testData[100000:100512], b)
}

func TestSeekBounds(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	require.ErrorIs(t, s.Seek(-1), ErrInvalidInput)
	require.ErrorIs(t, s.Seek(int64(len(testData))+1), ErrInvalidInput)

	// seeking to exactly the length parks at EOF with nothing to read
	require.NoError(t, s.Seek(int64(len(testData))))
	assert.True(t, s.EOF())
	got, err := s.Buffer(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
	b, err := s.ReadNow(100)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestBufferReportsAvailable(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	got, err := s.Buffer(context.Background(), 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got)
	assert.GreaterOrEqual(t, s.BytesAvailable(-1), int64(4096))

	ranges := s.BufferedRanges()
	require.NotEmpty(t, ranges)
	assert.Equal(t, int64(0), ranges[0][0])

	// near the end the result is capped by EOF
	require.NoError(t, s.Seek(int64(len(testData))-100))
	got, err = s.Buffer(context.Background(), 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)
}

func TestNonSeekableOrigin(t *testing.T) {
	server := newPlainServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	assert.False(t, s.Seekable())
	assert.Equal(t, int64(len(testData)), s.Length())
	require.ErrorIs(t, s.Seek(0), ErrNotSeekable)

	// the single 200 response streams the whole body through one backend,
	// so reads past the requested chunk still work
	b, err := s.Read(context.Background(), 100*1024)
	require.NoError(t, err)
	assert.Equal(t, testData[:100*1024], b)

	b, err = s.Read(context.Background(), int64(len(testData)))
	require.NoError(t, err)
	assert.Equal(t, testData[100*1024:], b)
	assert.True(t, s.EOF())
}

func TestUnknownLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// flush headers before the body so no Content-Length is set
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(testData)
	}))
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, int64(-1), s.Length())
	assert.False(t, s.EOF())

	// buffering to the end discovers the length from the response EOF
	got, err := s.Buffer(context.Background(), 1<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(len(testData)), got)
	assert.Equal(t, int64(len(testData)), s.Length())

	b, err := s.ReadNow(int64(len(testData)))
	require.NoError(t, err)
	assert.Equal(t, testData, b)
	assert.True(t, s.EOF())
}

func TestHTTPErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	err := s.Load(context.Background())
	require.Error(t, err)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, http.StatusNotFound, ne.Status)
	assert.False(t, s.Loaded())
	assert.False(t, s.Loading())
}

// newStaleRangeServer answers a request for offset 0 that lacks the cache
// buster with a previously-served later range, mimicking a misbehaving
// origin cache.
func newStaleRangeServer(busted *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if strings.HasPrefix(rng, "bytes=0-") && r.URL.Query().Get(cacheBusterParam) == "" {
			stale := testData[65536:131072]
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes 65536-131071/%d", len(testData)))
			w.Header().Set("Content-Length", strconv.Itoa(len(stale)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(stale)
			return
		}
		if r.URL.Query().Get(cacheBusterParam) != "" {
			busted.Add(1)
		}
		http.ServeContent(w, r, "test.bin", time.Time{}, bytes.NewReader(testData))
	}))
}

func TestStaleRangeRecovery(t *testing.T) {
	var busted atomic.Int32
	server := newStaleRangeServer(&busted)
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	// the coordinator retried transparently with the cache buster
	assert.GreaterOrEqual(t, busted.Load(), int32(1))
	assert.Equal(t, 1, s.cachever)

	b, err := s.Read(context.Background(), 1024)
	require.NoError(t, err)
	assert.Equal(t, testData[:1024], b)
}

func TestStaleRangePersistent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 65536-131071/%d", len(testData)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(testData[65536:131072])
	}))
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	err := s.Load(context.Background())
	require.Error(t, err)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
}

func TestAbortMidBuffer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// answer the range request but stall after a few bytes
		var off int64
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-", &off)
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", off, int64(len(testData))-1, len(testData)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(testData[off : off+10])
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), int64(len(testData)))
		errc <- err
	}()

	require.Eventually(t, s.Buffering, time.Second, time.Millisecond)
	s.Abort()
	assert.False(t, s.Buffering())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("read did not observe the abort")
	}

	// the stream stays usable
	require.NoError(t, s.Seek(0))
}

func TestAbortIdempotent(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))
	s.Abort()
	s.Abort()
	assert.False(t, s.Buffering())

	b, err := s.Read(context.Background(), 256)
	require.NoError(t, err)
	assert.Equal(t, testData[:256], b)
}

func TestWholeBodyBackend(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	opt := testOptions()
	opt.Progressive = false
	s := New(server.URL, opt)
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	b, err := s.Read(context.Background(), 100*1024)
	require.NoError(t, err)
	assert.Equal(t, testData[:100*1024], b)
}

func TestReadAheadFillsCache(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	opt := testOptions()
	opt.ReadAhead = true
	s := New(server.URL, opt)
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	b, err := s.Read(context.Background(), 1024)
	require.NoError(t, err)
	require.Equal(t, testData[:1024], b)

	// wait for the initial 64 KiB fetch to drain
	require.Eventually(t, func() bool {
		return s.BytesAvailable(-1) >= int64(64*1024-1024)
	}, 2*time.Second, 5*time.Millisecond)

	// this read finds no request in flight and fires the readahead for the
	// next chunk
	b, err = s.Read(context.Background(), 1024)
	require.NoError(t, err)
	require.Equal(t, testData[1024:2048], b)
	require.Eventually(t, func() bool {
		return s.BytesAvailable(-1) > int64(64*1024)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCompleteAndFullyBuffered(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	s := New(server.URL, testOptions())
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	assert.False(t, s.FullyBuffered())
	require.NoError(t, s.Seek(200000))
	_, err := s.Buffer(context.Background(), 1024)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.FirstMissing(), int64(0))

	require.NoError(t, s.Complete(context.Background()))
	assert.True(t, s.FullyBuffered())
	assert.Equal(t, int64(-1), s.FirstMissing())
	assert.Equal(t, int64(200000), s.Offset())

	require.NoError(t, s.Seek(0))
	b, err := s.ReadNow(int64(len(testData)))
	require.NoError(t, err)
	assert.Equal(t, testData, b)
}

func TestCompleteNeedsUnboundedCache(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	opt := testOptions()
	opt.CacheSize = 1 << 20
	s := New(server.URL, opt)
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))
	require.ErrorIs(t, s.Complete(context.Background()), ErrInvalidState)
}

func TestBoundedCacheEvictsWhileReading(t *testing.T) {
	server := newRangeServer()
	defer server.Close()

	metrics := &BasicMetricsCollector{}
	opt := testOptions()
	opt.ChunkSize = 32 * 1024
	opt.CacheSize = 128 * 1024
	opt.Metrics = metrics
	s := New(server.URL, opt)
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	// stream the whole resource through the bounded cache
	var got []byte
	for {
		b, err := s.Read(context.Background(), 16*1024)
		require.NoError(t, err)
		if len(b) == 0 {
			break
		}
		got = append(got, b...)
	}
	assert.Equal(t, testData, got)
	assert.True(t, s.EOF())

	// the cache shed data beyond its cap along the way
	var buffered int64
	for _, r := range s.BufferedRanges() {
		buffered += r[1] - r[0]
	}
	assert.LessOrEqual(t, buffered, int64(192*1024))
	assert.Greater(t, metrics.EvictBytes.Load(), int64(0))
	assert.Greater(t, metrics.FetchCount.Load(), int64(1))
	assert.Equal(t, int64(len(testData)), metrics.ReadBytes.Load())
}
