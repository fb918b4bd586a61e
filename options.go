package streamfile

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultChunkSize is the readahead window: the amount requested per
	// range fetch and the span protected from eviction around the read
	// cursor.
	DefaultChunkSize int64 = 1 << 20 // 1 MiB

	// DefaultCacheSize is the soft cap on buffered bytes.
	DefaultCacheSize int64 = 32 << 20 // 32 MiB
)

// Options configures a Stream. The zero value of a field selects its
// default; construct via DefaultOptions to get the documented defaults for
// the boolean fields as well.
type Options struct {
	// Client is the http client used for range requests. Defaults to
	// http.DefaultClient.
	Client *http.Client

	// ChunkSize is the readahead window in bytes. Defaults to
	// DefaultChunkSize.
	ChunkSize int64

	// CacheSize caps the buffered bytes. 0 selects DefaultCacheSize; a
	// negative value disables the cap entirely (required by Complete).
	CacheSize int64

	// Progressive selects the backend that hands bytes over as they
	// arrive. When false the backend buffers the whole response and
	// delivers it in one piece.
	Progressive bool

	// ReadAhead opens the next range request in the background after
	// reads and seeks.
	ReadAhead bool

	// Logger receives debug output. nil disables logging.
	Logger logrus.FieldLogger

	// Limiter, when set, paces download throughput.
	Limiter *rate.Limiter

	// Metrics, when set, receives fetch/read/evict counters.
	Metrics MetricsCollector
}

// DefaultOptions returns the documented defaults: 1 MiB chunks, a 32 MiB
// cache, progressive fetching and readahead enabled.
func DefaultOptions() *Options {
	return &Options{
		Client:      http.DefaultClient,
		ChunkSize:   DefaultChunkSize,
		CacheSize:   DefaultCacheSize,
		Progressive: true,
		ReadAhead:   true,
	}
}

func (o *Options) normalized() Options {
	if o == nil {
		return *DefaultOptions()
	}
	out := *o
	if out.Client == nil {
		out.Client = http.DefaultClient
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.CacheSize == 0 {
		out.CacheSize = DefaultCacheSize
	}
	return out
}
