// Package metrics exposes repository counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "revfs"

type Metrics struct {
	registry *prometheus.Registry

	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	youngest       prometheus.Gauge
	packedShards   prometheus.Counter
	packDuration   prometheus.Histogram
	locks          *prometheus.CounterVec
	hooks          *prometheus.CounterVec
	repBytes       prometheus.Counter
	requests       *prometheus.CounterVec
	requestTime    prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commit attempts by outcome.",
		}, []string{"outcome"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_finalization_seconds",
			Help:      "Time spent finalizing transactions.",
			Buckets:   prometheus.DefBuckets,
		}),
		youngest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "youngest_revision",
			Help:      "Youngest committed revision.",
		}),
		packedShards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packed_shards_total",
			Help:      "Shards packed.",
		}),
		packDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pack_shard_seconds",
			Help:      "Time spent packing one shard.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Lock table operations by kind.",
		}, []string{"op"}),
		hooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_runs_total",
			Help:      "Hook invocations by hook and outcome.",
		}, []string{"hook", "outcome"}),
		repBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_revision_bytes_total",
			Help:      "Bytes of revision files promoted.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inspection API requests by method and status code.",
		}, []string{"method", "code"}),
		requestTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "Inspection API request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.commits, m.commitDuration, m.youngest, m.packedShards,
		m.packDuration, m.locks, m.hooks, m.repBytes,
		m.requests, m.requestTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CommitFinished(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.commitDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetYoungest(rev int64) {
	if m == nil {
		return
	}
	m.youngest.Set(float64(rev))
}

func (m *Metrics) RevisionBytes(n int64) {
	if m == nil {
		return
	}
	m.repBytes.Add(float64(n))
}

func (m *Metrics) ShardPacked(started time.Time) {
	if m == nil {
		return
	}
	m.packedShards.Inc()
	m.packDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) LockOp(op string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(op).Inc()
}

func (m *Metrics) HookRun(hook, outcome string) {
	if m == nil {
		return
	}
	m.hooks.WithLabelValues(hook, outcome).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, started time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestTime.Observe(time.Since(started).Seconds())
}
