package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_jobs_dispatched_total", Help: "Jobs handed to the delivery agent"},
	)
	JobsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_jobs_deferred_total", Help: "Due jobs pushed past the send window or daily quota"},
	)
	JobsReverted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_jobs_reverted_total", Help: "Assigned jobs reverted to pending after claim timeout"},
	)
	JobsExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_jobs_exhausted_total", Help: "Jobs failed after exceeding dispatch attempts"},
	)
	FollowUpsPromoted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_followups_promoted_total", Help: "Follow-up jobs created from due recipients"},
	)
	OutcomesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconciler_outcomes_applied_total", Help: "Terminal outcomes applied"},
		[]string{"result"},
	)
	OutcomesDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "reconciler_outcomes_duplicate_total", Help: "Duplicate or late outcome reports absorbed"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Time spent per scheduler pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "agent_jobs_consumed_total", Help: "Jobs consumed from the dispatch queue"},
	)
	AgentSendsOK = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "agent_sends_ok_total", Help: "Deliveries that succeeded"},
	)
	AgentSendsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "agent_sends_failed_total", Help: "Deliveries that failed"},
	)
	AgentSkippedDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "agent_skipped_duplicate_total", Help: "Jobs skipped by the dedup guard"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsDispatched, JobsDeferred, JobsReverted, JobsExhausted, FollowUpsPromoted,
		OutcomesApplied, OutcomesDuplicate, TickDuration,
		AgentJobsConsumed, AgentSendsOK, AgentSendsFailed, AgentSkippedDuplicate,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
