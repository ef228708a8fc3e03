package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compose_jobs_dispatched_total",
			Help: "Total number of jobs driven to a terminal status.",
		},
		[]string{"kind", "status"},
	)

	pollErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compose_poll_errors_total",
			Help: "Total number of failed polls of the job store.",
		},
	)

	stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compose_steps_total",
			Help: "Total number of composition steps delivered.",
		},
	)

	jobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compose_jobs_reaped_total",
			Help: "Total number of stale in-progress jobs marked failed.",
		},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compose_job_duration_seconds",
			Help:    "Wall-clock job execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(jobsDispatchedTotal)
	prometheus.MustRegister(pollErrorsTotal)
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(jobsReapedTotal)
	prometheus.MustRegister(jobDuration)
}
