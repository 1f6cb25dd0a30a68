// Package metrics exposes this engine's Prometheus metrics: backtests run,
// optimizer search progress, worker pool saturation, and reconciliation
// actions taken against a broker. Metrics are package-level vectors
// registered in init() and served at /metrics by internal/httpapi, the
// same registration idiom the pack's other_examples/chidi150c-coinbase
// bot uses for its own `bot_*` metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BacktestsRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratforge_backtests_run_total",
			Help: "Completed backtest runs, by outcome (completed|failed).",
		},
		[]string{"outcome"},
	)

	BacktestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratforge_backtest_duration_seconds",
			Help:    "Wall-clock duration of one strategy's backtest run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"template_id"},
	)

	OptimizerIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratforge_optimizer_iterations_total",
			Help: "Coordinate-descent rounds completed across all optimizer runs.",
		},
	)

	OptimizerVariationsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratforge_optimizer_variations_rejected_total",
			Help: "Evaluated parameter variations rejected for exceeding the drawdown ceiling.",
		},
	)

	OptimizerBestScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratforge_optimizer_best_score",
			Help: "Best objective score found so far, by template and objective.",
		},
		[]string{"template_id", "objective"},
	)

	WorkerPoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratforge_worker_pool_queue_depth",
			Help: "Tasks currently queued in a worker pool, by pool name.",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratforge_worker_pool_tasks_failed_total",
			Help: "Tasks that returned an error or panicked, by pool name.",
		},
		[]string{"pool"},
	)

	ReconciliationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratforge_reconciliation_actions_total",
			Help: "Reconciler decisions taken against broker order state, by action.",
		},
		[]string{"action"},
	)

	BrokerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratforge_broker_request_duration_seconds",
			Help:    "Alpaca REST call latency, by endpoint and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BacktestsRun,
		BacktestDuration,
		OptimizerIterations,
		OptimizerVariationsRejected,
		OptimizerBestScore,
		WorkerPoolQueueDepth,
		WorkerPoolTasksFailed,
		ReconciliationActions,
		BrokerRequestDuration,
	)
}

// ObserveBacktest records one completed backtest's outcome and duration.
func ObserveBacktest(templateID, outcome string, durationSeconds float64) {
	BacktestsRun.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		BacktestDuration.WithLabelValues(templateID).Observe(durationSeconds)
	}
}

// ObserveReconciliationAction records one reconciler decision.
func ObserveReconciliationAction(action string) {
	ReconciliationActions.WithLabelValues(action).Inc()
}

// ObserveBrokerRequest records one Alpaca REST call's latency.
func ObserveBrokerRequest(endpoint, outcome string, durationSeconds float64) {
	BrokerRequestDuration.WithLabelValues(endpoint, outcome).Observe(durationSeconds)
}
