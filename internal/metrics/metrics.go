// Package metrics exposes Prometheus collectors for the governor service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	complianceDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_compliance_decisions_total",
			Help: "Total compliance gate decisions, labeled by outcome and first blocking reason.",
		},
		[]string{"outcome", "reason"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_retry_attempts_total",
			Help: "Total retry attempts, labeled by error category.",
		},
		[]string{"category"},
	)

	circuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_circuit_transitions_total",
			Help: "Total circuit breaker state transitions, labeled by operation key and new state.",
		},
		[]string{"operation_key", "state"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations, labeled by domain.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"domain"},
	)

	operationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_operations_in_flight",
			Help: "Number of governed operations currently executing.",
		},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_operations_total",
			Help: "Total governed operations, labeled by terminal outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveComplianceDecision counts one gate decision.
func ObserveComplianceDecision(allowed bool, reason string) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	complianceDecisionsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveRetryAttempt counts one retry attempt for a category.
func ObserveRetryAttempt(category string) {
	retryAttemptsTotal.WithLabelValues(category).Inc()
}

// ObserveCircuitTransition counts a breaker state transition.
func ObserveCircuitTransition(operationKey, state string) {
	circuitTransitionsTotal.WithLabelValues(operationKey, state).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limiter wait.
func ObserveRateLimitDelay(domain string, delay time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// ObserveOperation counts a finished governed operation by terminal outcome.
func ObserveOperation(outcome string) {
	operationsTotal.WithLabelValues(outcome).Inc()
}

// IncOperationsInFlight increments the in-flight operations gauge.
func IncOperationsInFlight() {
	operationsInFlight.Inc()
}

// DecOperationsInFlight decrements the in-flight operations gauge.
func DecOperationsInFlight() {
	operationsInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
