// Package metrics exposes cloudburst's Prometheus instrumentation: wave
// scheduling progress, in-flight task counts, claim contention, result
// latency, and compute-pool size, plus a Timer helper for histogram
// observations and health/readiness/liveness HTTP handlers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher / wave scheduling metrics
	WavesDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudburst_waves_dispatched_total",
			Help: "Total number of quota-limited dispatch waves sent",
		},
	)

	TasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudburst_tasks_in_flight",
			Help: "Number of tasks currently dispatched and unresolved, by cluster",
		},
		[]string{"cluster"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudburst_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state, by cluster and outcome",
		},
		[]string{"cluster", "outcome"},
	)

	// Detached session claim metrics
	ClaimAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudburst_claim_attempts_total",
			Help: "Total number of atomic claim attempts by a worker, by outcome",
		},
		[]string{"outcome"}, // "won", "lost_race", "already_claimed"
	)

	ResultLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudburst_result_latency_seconds",
			Help:    "Time from task submission to a terminal result being observed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Compute Pool Manager metrics
	PoolDesired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudburst_pool_desired",
			Help: "Desired instance count of the compute pool's auto scaling group",
		},
	)

	PoolInService = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudburst_pool_in_service",
			Help: "In-service instance count of the compute pool's auto scaling group",
		},
	)

	PoolRegisteredContainerInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudburst_pool_registered_container_instances",
			Help: "Number of container instances registered with the cluster",
		},
	)

	// Session/manifest metrics
	SessionTaskCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudburst_session_task_counts",
			Help: "Task counts by state for a detached session",
		},
		[]string{"session_id", "state"},
	)

	ManifestCASRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudburst_manifest_cas_retries_total",
			Help: "Total number of manifest compare-and-swap retries across all sessions",
		},
	)

	// Cost tracking
	EstimatedCostUSD = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudburst_estimated_cost_usd",
			Help: "Running estimate of accrued cost in USD, by cluster",
		},
		[]string{"cluster"},
	)
)

func init() {
	prometheus.MustRegister(
		WavesDispatchedTotal,
		TasksInFlight,
		TasksCompletedTotal,
		ClaimAttemptsTotal,
		ResultLatency,
		PoolDesired,
		PoolInService,
		PoolRegisteredContainerInstances,
		SessionTaskCounts,
		ManifestCASRetriesTotal,
		EstimatedCostUSD,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
