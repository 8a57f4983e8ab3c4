// Package metrics exposes Prometheus instrumentation for the compute cache
// and its callers. All record functions are safe to call before Init, which
// keeps library code free of nil checks and tests free of registry setup.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the collectors for marketdeck metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	cacheRequests   *prometheus.CounterVec
	failOpens       *prometheus.CounterVec
	dailySupersedes prometheus.Counter

	computeDuration *prometheus.HistogramVec
	lockWait        prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Buckets sized for compute closures that call slow third-party APIs.
var computeBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

var (
	initOnce    sync.Once
	promMetrics *PrometheusMetrics
)

// Init initializes the Prometheus metrics subsystem. Subsequent calls are
// no-ops.
func Init(namespace string) {
	initOnce.Do(func() {
		registry := prometheus.NewRegistry()
		registry.MustRegister(prometheus.NewGoCollector())
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

		pm := &PrometheusMetrics{
			registry: registry,

			cacheRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_requests_total",
					Help:      "Compute cache lookups by policy and outcome",
				},
				[]string{"policy", "outcome"},
			),

			failOpens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_fail_open_total",
					Help:      "Lookups served without coordination because the store was unavailable",
				},
				[]string{"reason"},
			),

			dailySupersedes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_daily_supersedes_total",
					Help:      "Daily write-backs that replaced a previous trading day",
				},
			),

			computeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "cache_compute_duration_seconds",
					Help:      "Wall time of compute closures invoked on cache misses",
					Buckets:   computeBuckets,
				},
				[]string{"policy"},
			),

			lockWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "cache_lock_wait_seconds",
					Help:      "Time spent waiting for the distributed cache lock",
					Buckets:   computeBuckets,
				},
			),

			httpRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_requests_total",
					Help:      "API requests by route and status",
				},
				[]string{"route", "status"},
			),

			httpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "http_request_duration_seconds",
					Help:      "API request latency by route",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"route"},
			),
		}

		registry.MustRegister(
			pm.cacheRequests,
			pm.failOpens,
			pm.dailySupersedes,
			pm.computeDuration,
			pm.lockWait,
			pm.httpRequests,
			pm.httpDuration,
		)

		promMetrics = pm
	})
}

// Handler returns the Prometheus scrape handler, or a 503 handler when
// metrics were never initialized.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// CacheRequest records a cache lookup outcome ("hit" or "miss").
func CacheRequest(policy, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheRequests.WithLabelValues(policy, outcome).Inc()
}

// FailOpen records a lookup that bypassed coordination.
func FailOpen(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.failOpens.WithLabelValues(reason).Inc()
}

// DailySupersede records a daily write-back replacing an older trading day.
func DailySupersede() {
	if promMetrics == nil {
		return
	}
	promMetrics.dailySupersedes.Inc()
}

// ObserveCompute records the duration of a compute closure.
func ObserveCompute(policy string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.computeDuration.WithLabelValues(policy).Observe(d.Seconds())
}

// ObserveLockWait records time spent blocked on the distributed lock.
func ObserveLockWait(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.lockWait.Observe(d.Seconds())
}

// HTTPRequest records an API request outcome.
func HTTPRequest(route, status string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequests.WithLabelValues(route, status).Inc()
	promMetrics.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
