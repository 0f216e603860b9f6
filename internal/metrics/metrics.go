// Package metrics exposes Prometheus metrics for the sync agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Drain and entry outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeOffline   = "offline"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Metrics owns a private registry so tests and multiple agents in one
// process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	drainsTotal          *prometheus.CounterVec
	entriesTotal         *prometheus.CounterVec
	drainDurationSeconds prometheus.Histogram
	queueDepth           prometheus.Gauge
	cacheSweptTotal      prometheus.Counter
}

// New creates and registers the metric set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.drainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drains_total",
			Help:      "Sync queue drains by outcome.",
		},
		[]string{"outcome"},
	)
	m.entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entries_total",
			Help:      "Dispatched queue entries by outcome.",
		},
		[]string{"outcome", "collection"},
	)
	m.drainDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of sync queue drains in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Pending entries in the sync queue after the last drain.",
		},
	)
	m.cacheSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "swept_total",
			Help:      "Expired cache items removed by sweeps.",
		},
	)

	m.registry.MustRegister(
		m.drainsTotal,
		m.entriesTotal,
		m.drainDurationSeconds,
		m.queueDepth,
		m.cacheSweptTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDrain records one drain.
func (m *Metrics) ObserveDrain(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.drainsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped && outcome != OutcomeOffline {
		m.drainDurationSeconds.Observe(d.Seconds())
	}
}

// ObserveEntry records the outcome of one queue entry.
func (m *Metrics) ObserveEntry(outcome, collection string) {
	if m == nil {
		return
	}
	m.entriesTotal.WithLabelValues(outcome, collection).Inc()
}

// SetQueueDepth records the number of pending entries.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// AddSwept records expired cache items removed by a sweep.
func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheSweptTotal.Add(float64(n))
}

// CacheStats is a snapshot of an in-process cache layer.
type CacheStats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// WatchCache exports the stats returned by fn on every scrape.
func (m *Metrics) WatchCache(fn func() CacheStats) error {
	if m == nil || fn == nil {
		return nil
	}
	return m.registry.Register(newCacheCollector(fn))
}

type cacheCollector struct {
	stats                         func() CacheStats
	size, hits, misses, evictions *prometheus.Desc
}

func newCacheCollector(fn func() CacheStats) *cacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &cacheCollector{
		stats:     fn,
		size:      desc("local_entries", "Entries held by the local cache layer."),
		hits:      desc("local_hits_total", "Local cache lookups that found a live entry."),
		misses:    desc("local_misses_total", "Local cache lookups that missed or found an expired entry."),
		evictions: desc("local_evictions_total", "Entries evicted from the local cache for capacity."),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
}
