// Package metrics records Prometheus metrics for refresh cycles and queries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leads"

// Recorder owns a private registry. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	refreshRuns       *prometheus.CounterVec
	refreshDuration   *prometheus.HistogramVec
	records           *prometheus.CounterVec
	connectorFailures *prometheus.CounterVec
	markedStale       *prometheus.CounterVec
	queryLatency      *prometheus.HistogramVec
	queryCache        *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec
	geocodes          *prometheus.CounterVec
	outbox            *prometheus.CounterVec
}

// New creates a Recorder with Go and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	auto := promauto.With(reg)

	return &Recorder{
		registry: reg,
		refreshRuns: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Refresh cycles by region and terminal status",
		}, []string{"region", "status"}),
		refreshDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Refresh cycle wall time",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"region"}),
		records: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "records_total",
			Help:      "Records processed by connector and outcome",
		}, []string{"connector", "outcome"}),
		connectorFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "connector_failures_total",
			Help:      "Connector sub-task failures",
		}, []string{"connector"}),
		markedStale: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "marked_stale_total",
			Help:      "Leads marked stale after a completed cycle",
		}, []string{"region"}),
		queryLatency: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "latency_seconds",
			Help:      "Top-leads query latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		queryCache: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "cache_total",
			Help:      "Top-leads cache lookups by result",
		}, []string{"result"}),
		circuitState: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per connector (0 closed, 1 open, 2 half-open)",
		}, []string{"connector"}),
		geocodes: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "geocodes_total",
			Help:      "Coordinate lookups for records without a location, by result",
		}, []string{"result"}),
		outbox: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events by dispatch result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RefreshFinished records a cycle outcome.
func (r *Recorder) RefreshFinished(region, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.refreshRuns.WithLabelValues(region, status).Inc()
	r.refreshDuration.WithLabelValues(region).Observe(elapsed.Seconds())
}

// Record counts n records for a connector outcome such as created or skipped.
func (r *Recorder) Record(connector, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.records.WithLabelValues(connector, outcome).Add(float64(n))
}

// ConnectorFailed counts a connector sub-task failure.
func (r *Recorder) ConnectorFailed(connector string) {
	if r == nil {
		return
	}
	r.connectorFailures.WithLabelValues(connector).Inc()
}

// MarkedStale counts leads marked stale in a region.
func (r *Recorder) MarkedStale(region string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.markedStale.WithLabelValues(region).Add(float64(n))
}

// QueryObserved records one top-leads query.
func (r *Recorder) QueryObserved(strategy string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.queryLatency.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// CacheLookup counts a cache hit or miss.
func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.queryCache.WithLabelValues(result).Inc()
}

// CircuitState sets a connector's breaker state gauge.
func (r *Recorder) CircuitState(connector string, state int) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(connector).Set(float64(state))
}

// Geocoded counts a coordinate lookup: matched, unmatched or error.
func (r *Recorder) Geocoded(result string) {
	if r == nil {
		return
	}
	r.geocodes.WithLabelValues(result).Inc()
}

// OutboxEvents counts dispatched outbox events: delivered, retry or failed.
func (r *Recorder) OutboxEvents(result string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.outbox.WithLabelValues(result).Add(float64(n))
}
