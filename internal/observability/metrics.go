package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	apiRequestsTotal   *prometheus.CounterVec
	apiLatencySeconds  *prometheus.HistogramVec
	apiErrorsTotal     *prometheus.CounterVec
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	retryAttemptsTotal *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	fallbackTotal      prometheus.Counter
	queueDepth         prometheus.Gauge
	queueJobsInflight  prometheus.Gauge
	waitTimeoutsTotal  prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors for the API surface
// and the evaluation pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluations_total",
			Help: "Total number of evaluations settled, by terminal status.",
		}, []string{"status"})

		evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evaluation_duration_seconds",
			Help:    "End-to-end processing time of one evaluation job.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		})

		retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retry attempts spent against external dependencies.",
		}, []string{"dependency"})

		breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"})

		breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_transitions_total",
			Help: "Circuit breaker transitions per dependency and target state.",
		}, []string{"dependency", "to"})

		fallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fallback_total",
			Help: "Evaluations settled with the self-assessment fallback.",
		})

		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs queued and not yet picked up by a worker.",
		})

		queueJobsInflight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_inflight",
			Help: "Jobs currently executing on the worker pool.",
		})

		waitTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wait_timeouts_total",
			Help: "Bounded synchronous waits that elapsed before the job settled.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			evaluationsTotal, evaluationDuration, retryAttemptsTotal,
			breakerState, breakerTransitions, fallbackTotal,
			queueDepth, queueJobsInflight, waitTimeoutsTotal,
		)
	})
}

// APIRequests exposes the counter for served requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for served requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// Evaluations exposes the counter for settled evaluations.
func Evaluations() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationsTotal
}

// EvaluationDuration exposes the end-to-end processing histogram.
func EvaluationDuration() prometheus.Histogram {
	RegisterMetrics()
	return evaluationDuration
}

// RetryAttempts exposes the per-dependency retry counter.
func RetryAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return retryAttemptsTotal
}

// BreakerState exposes the per-dependency breaker state gauge.
func BreakerState() *prometheus.GaugeVec {
	RegisterMetrics()
	return breakerState
}

// BreakerTransitions exposes the breaker transition counter.
func BreakerTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return breakerTransitions
}

// Fallbacks exposes the fallback feedback counter.
func Fallbacks() prometheus.Counter {
	RegisterMetrics()
	return fallbackTotal
}

// QueueDepth exposes the queued-jobs gauge.
func QueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return queueDepth
}

// QueueJobsInflight exposes the executing-jobs gauge.
func QueueJobsInflight() prometheus.Gauge {
	RegisterMetrics()
	return queueJobsInflight
}

// WaitTimeouts exposes the elapsed bounded-wait counter.
func WaitTimeouts() prometheus.Counter {
	RegisterMetrics()
	return waitTimeoutsTotal
}
