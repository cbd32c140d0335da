// Package metrics defines the Prometheus collectors for commit and
// reconstruction activity.
//
// All methods are safe on a nil *Metrics, so components record
// unconditionally and callers that do not want metrics pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/chronicle/internal/ir"
)

const namespace = "chronicle"

// Metrics holds every collector registered by New.
type Metrics struct {
	commits          prometheus.Counter
	versions         *prometheus.CounterVec
	suppressed       prometheus.Counter
	aborted          *prometheus.CounterVec
	degradedFailures prometheus.Counter
	commitDuration   prometheus.Histogram
	readDuration     *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Transactions written to history",
		}),
		versions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_total",
			Help:      "Version records written by operation",
		}, []string{"operation"}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_noops_total",
			Help:      "Pending changes dropped because nothing changed against stored history",
		}),
		aborted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborted_commits_total",
			Help:      "Finalize calls that failed and aborted the host commit, by error code",
		}, []string{"code"}),
		degradedFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_write_failures_total",
			Help:      "History writes that failed after the host had already committed",
		}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Time spent inside Finalize",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		readDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruct_duration_seconds",
			Help:      "History query latency by operation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"operation"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Reconstruction cache lookups by result",
		}, []string{"result"}),
	}
}

// ObserveCommit records one committed transaction and its versions.
func (m *Metrics) ObserveCommit(versions []ir.VersionRecord, suppressed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(elapsed.Seconds())
	if len(versions) > 0 {
		m.commits.Inc()
	}
	for _, v := range versions {
		m.versions.WithLabelValues(string(v.Operation)).Inc()
	}
	m.suppressed.Add(float64(suppressed))
}

// ObserveAbort records a Finalize failure.
func (m *Metrics) ObserveAbort(err error) {
	if m == nil {
		return
	}
	code := string(ir.ErrorCodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	m.aborted.WithLabelValues(code).Inc()
}

// ObserveDegradedFailure records a history write lost after the host committed.
func (m *Metrics) ObserveDegradedFailure() {
	if m == nil {
		return
	}
	m.degradedFailures.Inc()
}

// ObserveRead records the latency of a history query.
func (m *Metrics) ObserveRead(operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.readDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveCache records a cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
