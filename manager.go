package streamfile

import (
	"crypto/sha256"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	reapInterval       = 10 * time.Second
	backendIdleTimeout = time.Minute
)

// Manager shares an HTTP client, logger, rate limiter and a concurrency cap
// across a set of streams, deduplicating them by URL. Opening the same URL
// twice returns the same Stream.
type Manager struct {
	// MaxConcurrent caps the range requests in flight across all managed
	// streams. Changing it after the first Open has no effect. Default 10.
	MaxConcurrent int64

	// Client is the http client handed to managed streams.
	Client *http.Client

	// Logger receives debug output from managed streams. nil disables it.
	Logger logrus.FieldLogger

	// Limiter, when set, paces download throughput across all streams.
	Limiter *rate.Limiter

	// Metrics, when set, receives counters from all managed streams.
	Metrics MetricsCollector

	// Defaults supplies per-stream options (chunk and cache sizes,
	// progressive mode, readahead). nil selects DefaultOptions.
	Defaults *Options

	mu      sync.Mutex
	sem     *semaphore.Weighted
	streams map[[32]byte]*Stream
	stop    chan struct{}
	closed  bool
	once    sync.Once
}

// NewManager returns a manager with default settings and starts its reap
// loop, which drops idle connections the way a browser would.
func NewManager() *Manager {
	m := &Manager{
		Client:  http.DefaultClient,
		Logger:  logrus.StandardLogger(),
		streams: make(map[[32]byte]*Stream),
		stop:    make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Open returns the managed stream for rawurl, creating it on first use.
// The stream is not loaded; call Load on it.
func (m *Manager) Open(rawurl string) (*Stream, error) {
	if _, err := url.Parse(rawurl); err != nil {
		return nil, errors.Wrapf(ErrInvalidInput, "parse %q: %s", rawurl, err)
	}
	key := sha256.Sum256([]byte(rawurl))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Wrap(ErrInvalidState, "manager closed")
	}
	if s, ok := m.streams[key]; ok {
		return s, nil
	}
	if m.sem == nil {
		mc := m.MaxConcurrent
		if mc <= 0 {
			mc = 10
		}
		m.sem = semaphore.NewWeighted(mc)
	}

	opt := m.Defaults.normalized()
	if m.Client != nil {
		opt.Client = m.Client
	}
	opt.Logger = m.Logger
	if m.Limiter != nil {
		opt.Limiter = m.Limiter
	}
	if m.Metrics != nil {
		opt.Metrics = m.Metrics
	}
	s := New(rawurl, &opt)
	s.sem = m.sem
	s.onClose = func() { m.forget(key) }
	m.streams[key] = s
	return s, nil
}

func (m *Manager) forget(key [32]byte) {
	m.mu.Lock()
	delete(m.streams, key)
	m.mu.Unlock()
}

// Close stops the reap loop and closes every managed stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		open = append(open, s)
	}
	m.streams = make(map[[32]byte]*Stream)
	m.mu.Unlock()

	m.once.Do(func() { close(m.stop) })
	for _, s := range open {
		s.Close()
	}
	return nil
}

func (m *Manager) reapLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.mu.Lock()
	open := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.reapIdleBackend(backendIdleTimeout)
	}
}
