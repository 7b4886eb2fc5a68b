package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsTotal tracks claim attempts by outcome (won or lost)
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_claims_total",
			Help: "Total number of execution claim attempts",
		},
		[]string{"outcome"},
	)

	// ExecutionsTotal tracks finished deployment attempts by result
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Total number of finished deployment attempts",
		},
		[]string{"result"},
	)

	// RetriesTotal tracks executions requeued by the retry coordinator
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_retries_total",
			Help: "Total number of executions requeued for retry",
		},
	)

	// ExhaustedTotal tracks executions terminally marked RETRY_EXHAUSTED
	ExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_retry_exhausted_total",
			Help: "Total number of executions that ran out of retry budget",
		},
	)

	// CascadeFailuresTotal tracks executions failed by the node-offline cascade
	CascadeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_cascade_failures_total",
			Help: "Total number of executions failed because their node went offline",
		},
	)

	// ReconciledTotal tracks out-of-band completions folded back by the reconciler
	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reconciled_total",
			Help: "Total number of executions resolved by the status reconciler",
		},
		[]string{"result"},
	)

	// ExecutionsByState tracks the current queue depth per lifecycle state
	ExecutionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_executions_by_state",
			Help: "Current number of executions per lifecycle state",
		},
		[]string{"state"},
	)

	// NodesByStatus tracks the current node fleet per health status
	NodesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_nodes_by_status",
			Help: "Current number of nodes per health status",
		},
		[]string{"status"},
	)

	// DBConnectionPoolUsage tracks connection pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
