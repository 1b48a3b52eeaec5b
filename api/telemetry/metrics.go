package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_submissions_total", Help: "Total job submissions accepted"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	StageRuns         = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_stage_runs_total", Help: "Stage executions started"})
	StageRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_stage_retries_total", Help: "Stage attempts retried after a transient failure"})
	StageFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_stage_failures_total", Help: "Stages that failed after exhausting retries"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_jobs_completed_total", Help: "Jobs reaching the completed state"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "podforge_jobs_failed_total", Help: "Jobs reaching the failed state"})
	RunningGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "podforge_jobs_running", Help: "Jobs currently running their pipeline"})
	WaitingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "podforge_jobs_waiting", Help: "Admitted jobs waiting for a run slot"})
	SubscriberGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "podforge_live_subscribers", Help: "Observers attached to live event streams"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionCounter,
			RateLimitRejects,
			StageRuns,
			StageRetries,
			StageFailures,
			JobsCompleted,
			JobsFailed,
			RunningGauge,
			WaitingGauge,
			SubscriberGauge,
		)
	})
	return promhttp.Handler()
}
