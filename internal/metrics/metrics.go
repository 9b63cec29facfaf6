// Package metrics exposes Prometheus counters for the blob store. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "binstore"

// Metrics groups every counter the store updates.
type Metrics struct {
	CacheRequests   *prometheus.CounterVec
	CacheEvictions  prometheus.Counter
	StorageWrites   *prometheus.CounterVec
	GCDeleted       prometheus.Counter
	GCDeleteErrors  prometheus.Counter
	RecordCommits   *prometheus.CounterVec
	UploadsComplete prometheus.Counter
}

// New creates unregistered counters.
func New() *Metrics {
	return &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "File cache lookups by result.",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Files evicted from the local cache.",
		}),
		StorageWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Objects written to a storage backend.",
		}, []string{"backend"}),
		GCDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "deleted_objects_total",
			Help:      "Objects removed by garbage collection.",
		}),
		GCDeleteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "delete_errors_total",
			Help:      "Garbage collection deletes that failed.",
		}),
		RecordCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "commits_total",
			Help:      "Record store key commits by result.",
		}, []string{"result"}),
		UploadsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directupload",
			Name:      "completed_total",
			Help:      "Direct uploads relocated into permanent storage.",
		}),
	}
}

// Register registers all counters with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.CacheRequests, m.CacheEvictions, m.StorageWrites,
		m.GCDeleted, m.GCDeleteErrors, m.RecordCommits, m.UploadsComplete,
	} {
		if err := r.Register(c); err != nil {
			return errors.Annotate(err, "registering metrics")
		}
	}
	return nil
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheRequests.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheRequests.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) CacheEvicted() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

func (m *Metrics) StorageWrite(backend string) {
	if m != nil {
		m.StorageWrites.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) GCDelete(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.GCDeleteErrors.Inc()
		return
	}
	m.GCDeleted.Inc()
}

func (m *Metrics) RecordCommit(conflict bool) {
	if m == nil {
		return
	}
	if conflict {
		m.RecordCommits.WithLabelValues("conflict").Inc()
		return
	}
	m.RecordCommits.WithLabelValues("ok").Inc()
}

func (m *Metrics) UploadCompleted() {
	if m != nil {
		m.UploadsComplete.Inc()
	}
}
