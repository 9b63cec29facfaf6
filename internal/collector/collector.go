// Package collector implements mark-sweep garbage collection over any
// store that can list and delete its objects.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/binstore/internal/metrics"
	"github.com/aweris/binstore/internal/storage"
)

var logger = loggo.GetLogger("binstore.collector")

// ErrInProgress is returned by Start while a collection is running.
const ErrInProgress = errors.ConstError("garbage collection already in progress")

// DefaultGracePeriod protects objects written shortly before a collection
// started, whose references may not have been marked yet.
const DefaultGracePeriod = time.Hour

// Store is what the collector needs from a storage backend.
type Store interface {
	List(ctx context.Context, fn func(storage.ObjectInfo) error) error
	Delete(ctx context.Context, key string) error
}

// Config configures a Collector.
type Config struct {
	// ID names the collector in logs.
	ID    string
	Store Store
	Clock clock.Clock

	// GracePeriod is subtracted from the start time to get the cutoff
	// below which unmarked objects are deleted.
	GracePeriod time.Duration

	// IsValidKey filters listed keys. Keys it rejects are neither counted
	// nor deleted. Nil accepts every key.
	IsValidKey func(string) bool

	Concurrency int
	Metrics     *metrics.Metrics
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.GracePeriod < 0 {
		return errors.NotValidf("negative grace period")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return nil
}

// Status summarises a completed collection. Live objects are marked or
// too recent, GC objects are the ones eligible for deletion.
type Status struct {
	NumBinaries     int64
	SizeBinaries    int64
	NumBinariesGC   int64
	SizeBinariesGC  int64
	NumDeleteErrors int64
}

type state int

const (
	idle state = iota
	marking
	sweeping
)

// Collector runs one collection at a time: Start, any number of Mark
// calls, then Stop.
type Collector struct {
	cfg Config

	mu        sync.Mutex
	state     state
	startTime time.Time
	marked    map[string]struct{}
	status    Status
}

// New returns an idle collector.
func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Collector{cfg: cfg}, nil
}

// Start begins a collection and records its start time.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != idle {
		return ErrInProgress
	}
	c.state = marking
	c.startTime = c.cfg.Clock.Now()
	c.marked = make(map[string]struct{})
	logger.Debugf("%s: collection started at %s", c.cfg.ID, c.startTime.Format(time.RFC3339))
	return nil
}

// Mark records key as live.
func (c *Collector) Mark(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != marking {
		return errors.NotValidf("mark %q outside of a collection", key)
	}
	c.marked[key] = struct{}{}
	return nil
}

// Stop lists the store and computes the status. When del is set, every
// unmarked object last modified before the start time minus the grace
// period is deleted. A failed delete is counted and does not stop the
// sweep. The collector is idle again when Stop returns.
func (c *Collector) Stop(ctx context.Context, del bool) (Status, error) {
	c.mu.Lock()
	if c.state != marking {
		c.mu.Unlock()
		return Status{}, errors.NotValidf("stop without a collection")
	}
	c.state = sweeping
	marked := c.marked
	cutoff := c.startTime.Add(-c.cfg.GracePeriod)
	c.mu.Unlock()

	status, err := c.sweep(ctx, marked, cutoff, del)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = idle
	c.marked = nil
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	c.status = status
	logger.Infof("%s: %d live objects (%d bytes), %d garbage (%d bytes), %d delete errors",
		c.cfg.ID, status.NumBinaries, status.SizeBinaries,
		status.NumBinariesGC, status.SizeBinariesGC, status.NumDeleteErrors)
	return status, nil
}

func (c *Collector) sweep(ctx context.Context, marked map[string]struct{}, cutoff time.Time, del bool) (Status, error) {
	var (
		status Status
		dead   []string
	)
	err := c.cfg.Store.List(ctx, func(obj storage.ObjectInfo) error {
		if c.cfg.IsValidKey != nil && !c.cfg.IsValidKey(obj.Key) {
			return nil
		}
		_, live := marked[obj.Key]
		if live || !obj.ModTime.Before(cutoff) {
			status.NumBinaries++
			status.SizeBinaries += obj.Size
			return nil
		}
		status.NumBinariesGC++
		status.SizeBinariesGC += obj.Size
		dead = append(dead, obj.Key)
		return nil
	})
	if err != nil {
		return Status{}, errors.Annotate(err, "listing objects")
	}
	if !del || len(dead) == 0 {
		return status, nil
	}

	var failed atomic.Int64
	p := pool.New().WithMaxGoroutines(c.cfg.Concurrency)
	for _, key := range dead {
		key := key
		p.Go(func() {
			err := c.cfg.Store.Delete(ctx, key)
			c.cfg.Metrics.GCDelete(err)
			if err != nil {
				failed.Add(1)
				logger.Warningf("%s: deleting %s: %v", c.cfg.ID, key, err)
			}
		})
	}
	p.Wait()
	status.NumDeleteErrors = failed.Load()
	return status, nil
}

// Status returns the result of the last completed collection.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsInProgress reports whether a collection is running.
func (c *Collector) IsInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != idle
}

// StartTime returns the start time of the current or last collection.
func (c *Collector) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}
