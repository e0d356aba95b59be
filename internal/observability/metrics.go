package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peloton_sync"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "total",
		Help:      "Sync runs finalized, by terminal status.",
	}, []string{"status"})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "duration_seconds",
		Help:      "Wall time of finalized sync runs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	lastSuccessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "last_successful_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync run.",
	})
	workoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workouts",
		Name:      "total",
		Help:      "Workouts reconciled, by outcome (created, updated, failed).",
	}, []string{"outcome"})
	detailFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detail",
		Name:      "failures_total",
		Help:      "Performance detail fetches or writes that failed and were skipped.",
	})
	remoteRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Remote API calls by route and result.",
	}, []string{"route", "result"})
	remoteRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "retries_total",
		Help:      "Remote API attempts retried after a transient failure.",
	}, []string{"route"})
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"breaker"})
	breakerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "circuit_requests_total",
		Help:      "Requests passing through the circuit breaker by result.",
	}, []string{"breaker", "result"})
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		runDuration,
		lastSuccessGauge,
		workoutsTotal,
		detailFailures,
		remoteRequests,
		remoteRetries,
		breakerState,
		breakerRequests,
	)
}

// RecordRun records a finalized run.
func RecordRun(status string, started, completed time.Time, success bool) {
	runsTotal.WithLabelValues(status).Inc()
	if !started.IsZero() && completed.After(started) {
		runDuration.Observe(completed.Sub(started).Seconds())
	}
	if success && !completed.IsZero() {
		lastSuccessGauge.Set(float64(completed.Unix()))
	}
}

// RecordWorkout counts one reconciled workout.
func RecordWorkout(outcome string) {
	workoutsTotal.WithLabelValues(outcome).Inc()
}

// WorkoutCounter exposes the per-outcome counter for tests.
func WorkoutCounter(outcome string) prometheus.Counter {
	return workoutsTotal.WithLabelValues(outcome)
}

// RecordDetailFailure counts a skipped detail sync.
func RecordDetailFailure() {
	detailFailures.Inc()
}

// DetailFailures exposes the detail failure counter for tests.
func DetailFailures() prometheus.Counter { return detailFailures }

// RecordRemoteRequest counts a finished remote call.
func RecordRemoteRequest(route, result string) {
	remoteRequests.WithLabelValues(route, result).Inc()
}

// RecordRemoteRetry counts a retried remote call.
func RecordRemoteRetry(route string) {
	remoteRetries.WithLabelValues(route).Inc()
}

// SetBreakerState publishes the breaker state.
func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerRequest counts a request seen by the breaker.
func RecordBreakerRequest(name, result string) {
	breakerRequests.WithLabelValues(name, result).Inc()
}
