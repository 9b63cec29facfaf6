package binstore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"

	"github.com/aweris/binstore/internal/collector"
	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/directupload"
	"github.com/aweris/binstore/internal/metrics"
)

// DefaultCacheMaxSize bounds the local file cache when no size is given.
const DefaultCacheMaxSize int64 = 100 << 20

// Options configures a Manager.
type Options struct {
	CacheDir      string
	CacheMaxSize  int64
	Algorithm     digest.Algorithm
	GCGracePeriod time.Duration
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Broker        *directupload.Broker

	closers []func() error
}

// Option is a functional option for configuring NewManager.
type Option func(*Options)

func defaultOptions(name string) *Options {
	return &Options{
		CacheDir:      defaultCacheDir(name),
		CacheMaxSize:  DefaultCacheMaxSize,
		Algorithm:     digest.Default,
		GCGracePeriod: collector.DefaultGracePeriod,
		Clock:         clock.WallClock,
	}
}

// WithCacheDir sets the local cache directory.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithCacheMaxSize sets the cache budget in bytes.
func WithCacheMaxSize(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.CacheMaxSize = n
		}
	}
}

// WithDigestAlgorithm sets the algorithm content keys are computed with.
func WithDigestAlgorithm(alg digest.Algorithm) Option {
	return func(o *Options) {
		if alg != "" {
			o.Algorithm = alg
		}
	}
}

// WithGCGracePeriod sets how old an unmarked object must be before the
// garbage collector deletes it.
func WithGCGracePeriod(d time.Duration) Option {
	return func(o *Options) { o.GCGracePeriod = d }
}

// WithClock sets the clock used by the garbage collector.
func WithClock(clk clock.Clock) Option {
	return func(o *Options) { o.Clock = clk }
}

// WithMetrics sets the metrics the manager and its parts report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithBroker attaches a direct upload broker.
func WithBroker(b *directupload.Broker) Option {
	return func(o *Options) { o.Broker = b }
}

// withCloser registers a function run by Manager.Close.
func withCloser(fn func() error) Option {
	return func(o *Options) { o.closers = append(o.closers, fn) }
}

func defaultCacheDir(name string) string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "binstore", name)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "binstore", name)
	}
	return filepath.Join(".binstore", name)
}
