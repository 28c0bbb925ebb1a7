// Package telemetry holds the prometheus collectors shared by the worker,
// sweeper, and monitor, and the /metrics handler that exposes them.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_completed_total", Help: "Jobs completed with a new published artifact"})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_retried_total", Help: "Attempts that failed retryably and returned to pending"})
	JobsErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_errored_total", Help: "Jobs that reached terminal error"})
	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_duplicates_suppressed_total", Help: "Publishes skipped by the duplicate guard"})
	StaleClaimsReset = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_stale_claims_reset_total", Help: "Processing jobs reclaimed by the sweeper"})
	AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_alerts_fired_total", Help: "Failure-rate alerts fired"}, []string{"severity"})
	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_jobs_in_flight", Help: "Jobs currently being processed by this instance"})
)

// Handler exposes the /metrics HTTP handler, registering the collectors once.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsErrored,
			DuplicatesSuppressed,
			StaleClaimsReset,
			AlertsFired,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
