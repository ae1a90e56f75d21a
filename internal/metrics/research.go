package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsTotal,
		jobDuration,
		stepsTotal,
		stepTokens,
		oracleCalls,
		oracleLatencyMs,
		rateLimitTrips,
		sweptJobs,
	)
}

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_jobs_total",
			Help: "Research jobs by terminal status.",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_job_duration_seconds",
			Help:    "Wall time spent executing a research job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_steps_total",
			Help: "Research loop iterations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	stepTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_step_tokens_total",
			Help: "Estimated tokens recorded per action.",
		},
		[]string{"action"},
	)

	oracleCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_oracle_calls_total",
			Help: "Oracle calls by operation and success.",
		},
		[]string{"op", "success"},
	)

	oracleLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_oracle_latency_ms",
			Help:    "Oracle call latency distribution in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
		[]string{"op"},
	)

	rateLimitTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_ratelimit_trips_total",
			Help: "Times the video guard was disabled by a blocking signal.",
		},
	)

	sweptJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_swept_jobs_total",
			Help: "Jobs deleted by the retention sweeper.",
		},
	)
)

// ObserveJob records a finished job.
func ObserveJob(status string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.Observe(elapsed.Seconds())
}

// ObserveStep records one loop iteration outcome: recorded, empty, error, skipped or over_budget.
func ObserveStep(action, outcome string, tokens int64) {
	stepsTotal.WithLabelValues(action, outcome).Inc()
	if tokens > 0 {
		stepTokens.WithLabelValues(action).Add(float64(tokens))
	}
}

func ObserveOracleCall(op string, success bool, elapsed time.Duration) {
	s := "false"
	if success {
		s = "true"
	}
	oracleCalls.WithLabelValues(op, s).Inc()
	oracleLatencyMs.WithLabelValues(op).Observe(float64(elapsed.Milliseconds()))
}

func IncRateLimitTrip() { rateLimitTrips.Inc() }

func AddSweptJobs(n int) {
	if n > 0 {
		sweptJobs.Add(float64(n))
	}
}
