// Package activebacktest drives many strategies' backtests in parallel
// across a shared candle universe, then persists the completed results one
// at a time so a slow or failing store write never blocks an in-flight
// simulation. It is the orchestration layer that sits on top of
// internal/engine: one Job per active strategy, one worker-pool task per
// Job, a result channel collecting whatever finishes first.
package activebacktest

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/stratforge/internal/engine"
	"github.com/atlas-desktop/stratforge/internal/metrics"
	"github.com/atlas-desktop/stratforge/internal/workers"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

// StrategyFactory builds a runnable strategy from a template id and its
// parameters. internal/strategy.Registry satisfies this without being
// imported here — the consumer declares the capability it needs.
type StrategyFactory interface {
	Create(templateID string, params map[string]float64) (engine.Strategy, bool)
}

// ResultStore persists one completed backtest. internal/store's
// implementation satisfies this without this package importing
// internal/store.
type ResultStore interface {
	SaveBacktestResult(ctx context.Context, job Job, run *engine.BacktestRun) error
}

// Job is one strategy's unit of backtest work. Signals, when non-empty,
// restrict the run to a signal replay over the tickers those signals
// reference instead of live strategy-driven signal generation — mirroring
// the account-linked-strategy replay path in the reference backtester.
type Job struct {
	ID                string
	Name              string
	TemplateID        string
	Parameters        map[string]float64
	Signals           []types.GeneratedSignal
	StartDateOverride time.Time
	Existing          *types.BacktestResult
	TickerScope       string
	PeriodMonths      *int
}

// jobResult is one completed (or failed) Job, with its elapsed run time.
type jobResult struct {
	job      Job
	run      *engine.BacktestRun
	err      error
	duration time.Duration
}

// Summary tallies one RunAll call.
type Summary struct {
	Total      int
	Completed  int
	Failed     int
	Persisted  int
	PersistErr int
}

// Runner fans a batch of Jobs out across a bounded worker pool, each task
// building its own engine.Engine from Config/RuntimeSettings plus the
// Job's parameters, then persists completed runs sequentially.
type Runner struct {
	logger  *zap.Logger
	factory StrategyFactory
	config  engine.Config
	runtime engine.RuntimeSettings
	expense map[string]float64
}

// NewRunner constructs a Runner. logger may be nil.
func NewRunner(logger *zap.Logger, factory StrategyFactory, config engine.Config, runtimeSettings engine.RuntimeSettings, tickerExpenseMap map[string]float64) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:  logger,
		factory: factory,
		config:  config,
		runtime: runtimeSettings,
		expense: tickerExpenseMap,
	}
}

// RunAll backtests every Job over (tickers, allCandles, uniqueDates) in
// parallel, then persists each completed result through store, one at a
// time, in completion order. A Job whose strategy template cannot be
// resolved, or whose engine run errors, is counted as failed and never
// reaches store.
func (r *Runner) RunAll(ctx context.Context, jobs []Job, tickers []string, allCandles []types.Candle, uniqueDates []time.Time, store ResultStore) (Summary, error) {
	summary := Summary{Total: len(jobs)}
	if len(jobs) == 0 {
		return summary, nil
	}

	numWorkers := len(jobs)
	if cpus := runtime.NumCPU(); cpus < numWorkers {
		numWorkers = cpus
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	r.logger.Info("starting active strategy backtests",
		zap.Int("strategies", len(jobs)), zap.Int("workers", numWorkers))

	poolConfig := workers.DefaultPoolConfig("active-backtest")
	poolConfig.NumWorkers = numWorkers
	poolConfig.QueueSize = len(jobs)
	pool := workers.NewPool(r.logger, poolConfig)
	pool.Start()
	defer pool.Stop()

	resultCh := make(chan jobResult, len(jobs))
	for _, job := range jobs {
		job := job
		task := workers.TaskFunc(func() error {
			start := time.Now()
			run, err := r.runOne(job, tickers, allCandles, uniqueDates)
			resultCh <- jobResult{job: job, run: run, err: err, duration: time.Since(start)}
			return err
		})
		if err := pool.Submit(task); err != nil {
			resultCh <- jobResult{job: job, err: fmt.Errorf("submit job %s: %w", job.ID, err)}
		}
	}
	metrics.WorkerPoolQueueDepth.WithLabelValues("active-backtest").Set(float64(pool.QueueLength()))

	pending := make([]jobResult, 0, len(jobs))
	for i := 0; i < len(jobs); i++ {
		res := <-resultCh
		if res.err != nil {
			summary.Failed++
			metrics.ObserveBacktest(res.job.TemplateID, "failed", res.duration.Seconds())
			r.logger.Warn("backtest failed",
				zap.String("strategy_id", res.job.ID),
				zap.String("template_id", res.job.TemplateID),
				zap.Error(res.err))
			continue
		}
		summary.Completed++
		metrics.ObserveBacktest(res.job.TemplateID, "completed", res.duration.Seconds())
		r.logger.Info("completed backtest",
			zap.String("strategy_id", res.job.ID),
			zap.String("name", res.job.Name),
			zap.Float64("calmar_ratio", res.run.Result.Performance.CalmarRatio),
			zap.Float64("sharpe_ratio", res.run.Result.Performance.SharpeRatio),
			zap.Duration("duration", res.duration))
		pending = append(pending, res)
	}

	if len(pending) > 0 {
		r.logger.Info("persisting backtest results sequentially", zap.Int("count", len(pending)))
	}
	for _, res := range pending {
		if err := store.SaveBacktestResult(ctx, res.job, res.run); err != nil {
			summary.PersistErr++
			r.logger.Warn("failed to persist backtest result",
				zap.String("strategy_id", res.job.ID), zap.Error(err))
			continue
		}
		summary.Persisted++
	}

	return summary, nil
}

func (r *Runner) runOne(job Job, tickers []string, allCandles []types.Candle, uniqueDates []time.Time) (*engine.BacktestRun, error) {
	eng := engine.New(r.config, r.runtime, r.logger)
	eng.SetTickerExpenseMap(r.expense)

	var strategy engine.Strategy
	var providedSignals []types.GeneratedSignal
	runTickers := tickers

	if len(job.Signals) > 0 {
		providedSignals = job.Signals
		runTickers = uniqueTickersFromSignals(job.Signals)
	} else {
		built, ok := r.factory.Create(job.TemplateID, job.Parameters)
		if !ok {
			return nil, fmt.Errorf("activebacktest: unknown strategy template %q", job.TemplateID)
		}
		strategy = built
	}

	startOverride := job.StartDateOverride
	run, err := eng.Backtest(strategy, job.TemplateID, runTickers, allCandles, uniqueDates, providedSignals, &startOverride, job.Existing)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func uniqueTickersFromSignals(signals []types.GeneratedSignal) []string {
	seen := make(map[string]bool, len(signals))
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		if seen[s.Ticker] {
			continue
		}
		seen[s.Ticker] = true
		out = append(out, s.Ticker)
	}
	return out
}
