// Package obs exposes the engine's Prometheus metrics.
//
// All methods on *Metrics are safe to call on a nil receiver, so components
// built without metrics need no guards.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sigdns"

type Metrics struct {
	registry *prometheus.Registry

	cacheLookups *prometheus.CounterVec
	cacheEntries prometheus.Gauge
	inflight     prometheus.Gauge
	resolutions  *prometheus.CounterVec
	latency      prometheus.Histogram
	refreshPass  prometheus.Histogram
	refreshed    *prometheus.CounterVec
	persisted    *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry, along with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held across all caches.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "inflight_queries",
			Help:      "Queries begun but not yet completed.",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "resolutions_total",
			Help:      "Completed resolutions by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "resolution_seconds",
			Help:      "Time from BeginQuery to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		refreshPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "pass_seconds",
			Help:      "Duration of a refresh pass, from selection to last reissue.",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "queries_total",
			Help:      "Queries reissued by the refresher by outcome.",
		}, []string{"outcome"}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "persist_total",
			Help:      "Query list save and load operations by result.",
		}, []string{"op", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.cacheEntries,
		m.inflight,
		m.resolutions,
		m.latency,
		m.refreshPass,
		m.refreshed,
		m.persisted,
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheBypass counts lookups that skipped the cache on request.
func (m *Metrics) CacheBypass() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("bypass").Inc()
}

func (m *Metrics) CacheEntries(delta int) {
	if m == nil {
		return
	}
	m.cacheEntries.Add(float64(delta))
}

func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(delta))
}

func (m *Metrics) ObserveResolution(failed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) ObserveRefreshPass(d time.Duration) {
	if m == nil {
		return
	}
	m.refreshPass.Observe(d.Seconds())
}

func (m *Metrics) Refreshed(failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.refreshed.WithLabelValues(outcome).Inc()
}

// Persisted counts a save or load of the query list file.
func (m *Metrics) Persisted(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persisted.WithLabelValues(op, result).Inc()
}
