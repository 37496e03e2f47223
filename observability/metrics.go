package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type serviceMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	serviceMetricsOnce sync.Once
	serviceRegistry    *serviceMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingEngineMetrics
)

// ServiceMetrics returns the lazily-initialised registry recording HTTP API
// activity of the lending daemon.
func ServiceMetrics() *serviceMetrics {
	serviceMetricsOnce.Do(func() {
		serviceRegistry = &serviceMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peerlend",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by rate limiting.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			serviceRegistry.requests,
			serviceRegistry.errors,
			serviceRegistry.latency,
			serviceRegistry.throttles,
		)
	})
	return serviceRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *serviceMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *serviceMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// LendingEngineMetrics records loan lifecycle operations. It satisfies the
// lending engine's Metrics interface.
type LendingEngineMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	hookFallbacks prometheus.Counter
}

// LendingMetrics returns the lazily-initialised lending engine registry.
func LendingMetrics() *LendingEngineMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingEngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Loan lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Time spent inside loan lifecycle operations.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			}, []string{"operation"}),
			hookFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "lender_hook_fallbacks_total",
				Help:      "Repayments kept in custody because the holder's hook failed.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.hookFallbacks,
		)
	})
	return lendingRegistry
}

// Observe records one engine operation.
func (m *LendingEngineMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHookFallback counts a lender hook failure.
func (m *LendingEngineMetrics) RecordHookFallback() {
	if m == nil {
		return
	}
	m.hookFallbacks.Inc()
}
