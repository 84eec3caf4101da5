// Package metrics provides Prometheus collectors for the allocation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bundle_allocator"

// Allocation outcome labels.
const (
	StatusSuccess      = "success"
	StatusInsufficient = "insufficient"
	StatusInvalid      = "invalid"
	StatusError        = "error"
)

// Cache operation labels.
const (
	CacheGet   = "get"
	CacheSet   = "set"
	CacheClear = "clear"

	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheOK      = "success"
	CacheFailure = "failure"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestTotal    *prometheus.CounterVec

	AllocationsTotal   *prometheus.CounterVec
	AllocationDuration *prometheus.HistogramVec
	ReplicationFactor  prometheus.Histogram
	Efficiency         prometheus.Histogram

	CacheOperationsTotal *prometheus.CounterVec
	CacheEntries         prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds by method, route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status_code"}),
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, route and status code.",
		}, []string{"method", "path", "status_code"}),
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total allocation runs by mode and outcome.",
		}, []string{"mode", "status"}),
		AllocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Allocation run duration in seconds by mode.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"mode"}),
		ReplicationFactor: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replication_factor",
			Help:      "Replication factor of successful allocations.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		Efficiency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "efficiency_percentage",
			Help:      "Share of inventory units allocated by successful runs.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		CacheOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total result cache operations by operation and result.",
		}, []string{"operation", "result"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries held by the in-memory result cache.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestDuration,
		m.HTTPRequestTotal,
		m.AllocationsTotal,
		m.AllocationDuration,
		m.ReplicationFactor,
		m.Efficiency,
		m.CacheOperationsTotal,
		m.CacheEntries,
	)
	return m
}

// Middleware records request duration and count. Paths are labelled with
// the matched chi route pattern to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		m.HTTPRequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
		m.HTTPRequestTotal.WithLabelValues(r.Method, path, code).Inc()
	})
}

// RecordAllocation records the outcome of one allocation run.
func (m *Metrics) RecordAllocation(mode, status string, duration time.Duration) {
	m.AllocationsTotal.WithLabelValues(mode, status).Inc()
	m.AllocationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordResult records the shape of a successful allocation.
func (m *Metrics) RecordResult(quantity int, efficiency float64) {
	m.ReplicationFactor.Observe(float64(quantity))
	m.Efficiency.Observe(efficiency)
}

// RecordCacheOperation counts one cache operation.
func (m *Metrics) RecordCacheOperation(operation, result string) {
	m.CacheOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SetCacheEntries updates the cache size gauge.
func (m *Metrics) SetCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}
