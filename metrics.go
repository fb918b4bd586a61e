package streamfile

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics from streams and caches.
// Implement it to bridge into a monitoring system such as Prometheus; the
// library itself only calls the hooks.
type MetricsCollector interface {
	// RecordFetch is called when a range request terminates. bytes is the
	// number of payload bytes delivered; err is nil on a clean EOF.
	RecordFetch(duration time.Duration, bytes int64, err error)

	// RecordRead is called after bytes are copied out of the cache.
	RecordRead(bytes int64)

	// RecordEvict is called after a garbage collection pass, with the
	// number of cached bytes released.
	RecordEvict(bytes int64)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordFetch(time.Duration, int64, error) {}
func (NoopMetricsCollector) RecordRead(int64)                        {}
func (NoopMetricsCollector) RecordEvict(int64)                       {}

// BasicMetricsCollector keeps simple in-memory counters. Useful for tests
// and debugging without an external monitoring stack.
type BasicMetricsCollector struct {
	FetchCount  atomic.Int64
	FetchErrors atomic.Int64
	FetchBytes  atomic.Int64
	FetchNanos  atomic.Int64
	ReadBytes   atomic.Int64
	EvictBytes  atomic.Int64
}

func (m *BasicMetricsCollector) RecordFetch(d time.Duration, bytes int64, err error) {
	m.FetchCount.Add(1)
	m.FetchBytes.Add(bytes)
	m.FetchNanos.Add(int64(d))
	if err != nil {
		m.FetchErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordRead(bytes int64) { m.ReadBytes.Add(bytes) }

func (m *BasicMetricsCollector) RecordEvict(bytes int64) { m.EvictBytes.Add(bytes) }
