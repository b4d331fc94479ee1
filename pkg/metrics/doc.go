/*
Package metrics provides Prometheus metrics collection and exposition for
cloudburst.

Metrics are exposed via an HTTP endpoint for scraping by Prometheus
servers, alongside health/readiness/liveness JSON endpoints for
orchestrators.

# Metrics Catalog

Dispatcher / wave scheduling:

cloudburst_waves_dispatched_total:
  - Type: Counter
  - Description: Total quota-limited dispatch waves sent
  - Example: cloudburst_waves_dispatched_total 42

cloudburst_tasks_in_flight{cluster}:
  - Type: Gauge
  - Description: Tasks currently dispatched and unresolved
  - Labels: cluster
  - Example: cloudburst_tasks_in_flight{cluster="my-cluster"} 64

cloudburst_tasks_completed_total{cluster, outcome}:
  - Type: Counter
  - Description: Tasks that reached a terminal state
  - Labels: cluster, outcome ("completed", "failed")
  - Example: cloudburst_tasks_completed_total{cluster="my-cluster",outcome="completed"} 1000

cloudburst_result_latency_seconds:
  - Type: Histogram
  - Description: Time from task submission to a terminal result observed

Detached session claims:

cloudburst_claim_attempts_total{outcome}:
  - Type: Counter
  - Description: Atomic claim attempts by a worker
  - Labels: outcome ("won", "lost_race", "already_claimed")

cloudburst_session_task_counts{session_id, state}:
  - Type: Gauge
  - Description: Task counts by state for a detached session
  - Labels: session_id, state ("pending", "running", "completed", "failed")

cloudburst_manifest_cas_retries_total:
  - Type: Counter
  - Description: Manifest compare-and-swap retries across all sessions

Compute pool:

cloudburst_pool_desired:
  - Type: Gauge
  - Description: Desired instance count of the compute pool's auto scaling group

cloudburst_pool_in_service:
  - Type: Gauge
  - Description: In-service instance count of the compute pool's auto scaling group

cloudburst_pool_registered_container_instances:
  - Type: Gauge
  - Description: Container instances registered with the cluster

Cost:

cloudburst_estimated_cost_usd{cluster}:
  - Type: Gauge
  - Description: Running estimate of accrued cost in USD

# Usage

	import "github.com/cuemby/cloudburst/pkg/metrics"

	metrics.WavesDispatchedTotal.Inc()
	metrics.ClaimAttemptsTotal.WithLabelValues("won").Inc()

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ResultLatency)

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())

# Integration Points

  - pkg/dispatcher: waves, in-flight count, completions, result latency, cost
  - pkg/session: manifest CAS retries, session task counts
  - pkg/pool: desired/in-service/registered instance counts (via Collector)
  - Prometheus: scrapes /metrics

# Design Patterns

Counters are incremented at the call site that observes the event
(claim outcome, wave dispatch, task completion). Gauges that have no
natural event — pool size — are refreshed on a ticker by Collector,
following the same Start/Stop/collect shape as a one-shot poll loop.

# Cardinality

Keep label values bounded: cluster names and session ids are
operator-controlled and few in number; "outcome" and "state" enumerate
a fixed small set. Never label with task ids or timestamps.
*/
package metrics
