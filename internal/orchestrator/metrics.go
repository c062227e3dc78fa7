package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status.",
		},
		[]string{"status"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_attempts_total",
			Help: "Total number of recognition attempts by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanforge_attempt_duration_seconds",
			Help:    "Recognition attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	quotaDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_quota_denials_total",
			Help: "Total number of attempts denied by quota ceilings.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(quotaDenialsTotal)
}
