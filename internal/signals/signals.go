// Package signals generates and records per-strategy trading signals across
// a ticker/date range, independent of whether the backtest engine acted on
// them. A signal run dispatches one job per ticker to a bounded worker
// pool, then merges the per-ticker results into a single deterministically
// ordered slice so replaying a recorded run reproduces the same chronology.
package signals

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/stratforge/internal/hashorder"
	"github.com/atlas-desktop/stratforge/internal/workers"
	"github.com/atlas-desktop/stratforge/pkg/types"
	"go.uber.org/zap"
)

// Strategy is the subset of internal/engine's Strategy contract a Generator
// needs. Duck-typed against the same shape strategies already implement;
// this package never imports internal/engine or internal/strategy.
type Strategy interface {
	GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool)
	MinHistory() int
}

// Generator runs one strategy across many tickers in parallel.
type Generator struct {
	logger *zap.Logger
	pool   *workers.Pool
}

// NewGenerator creates a Generator backed by a worker pool sized to the
// host's CPU count, mirroring the teacher's CPU-bound pool sizing
// (internal/workers.DefaultPoolConfig uses 2x CPUs for I/O-bound work; a
// signal-generation job is pure CPU, so this uses 1x instead).
func NewGenerator(logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := workers.DefaultPoolConfig("signal-generator")
	config.NumWorkers = cpuWorkerCount()
	pool := workers.NewPool(logger, config)
	pool.Start()
	return &Generator{logger: logger, pool: pool}
}

// Close stops the underlying worker pool.
func (g *Generator) Close() error {
	return g.pool.Stop()
}

type tickerJobResult struct {
	ticker  string
	signals []types.GeneratedSignal
	err     error
}

// GenerateRange runs strategy over every ticker's candle history, emitting
// one GeneratedSignal per (ticker, date) at indices where the strategy has
// enough history to decide. Results are deduplicated by (ticker, date) in
// case a ticker's job is ever dispatched more than once for the same run,
// then merged date-major, hash-ordered within a date, matching the
// iteration order the simulation engine and planner use.
func (g *Generator) GenerateRange(strategyID string, strategy Strategy, tickers []string, candlesByTicker map[string][]types.Candle) ([]types.GeneratedSignal, error) {
	resultCh := make(chan tickerJobResult, len(tickers))
	var wg sync.WaitGroup

	for _, ticker := range tickers {
		ticker := ticker
		candles := candlesByTicker[ticker]
		wg.Add(1)
		job := workers.TaskFunc(func() error {
			defer wg.Done()
			sigs, err := g.generateForTicker(strategyID, strategy, ticker, candles)
			resultCh <- tickerJobResult{ticker: ticker, signals: sigs, err: err}
			return err
		})
		if err := g.pool.Submit(job); err != nil {
			wg.Done()
			return nil, fmt.Errorf("submit signal job for %s: %w", ticker, err)
		}
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	seen := make(map[dateTicker]bool)
	byDate := make(map[int64][]types.GeneratedSignal)
	var firstErr error
	for res := range resultCh {
		if res.err != nil {
			g.logger.Warn("signal generation job failed", zap.String("ticker", res.ticker), zap.Error(res.err))
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		for _, s := range res.signals {
			key := dateTicker{ticker: s.Ticker, unixDate: s.Date.Unix()}
			if seen[key] {
				continue
			}
			seen[key] = true
			byDate[key.unixDate] = append(byDate[key.unixDate], s)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return mergeDateOrdered(byDate), nil
}

type dateTicker struct {
	ticker   string
	unixDate int64
}

func (g *Generator) generateForTicker(strategyID string, strategy Strategy, ticker string, candles []types.Candle) ([]types.GeneratedSignal, error) {
	minHistory := strategy.MinHistory()
	if minHistory < 1 {
		minHistory = 1
	}
	out := make([]types.GeneratedSignal, 0, len(candles))
	for idx := minHistory - 1; idx < len(candles); idx++ {
		decision, ok := strategy.GenerateSignal(ticker, candles, idx)
		if !ok {
			continue
		}
		out = append(out, types.GeneratedSignal{
			StrategyID: strategyID,
			Ticker:     ticker,
			Date:       candles[idx].Date,
			Action:     decision.Action,
			Confidence: decision.Confidence,
		})
	}
	return out, nil
}

func mergeDateOrdered(byDate map[int64][]types.GeneratedSignal) []types.GeneratedSignal {
	unixDates := make([]int64, 0, len(byDate))
	for d := range byDate {
		unixDates = append(unixDates, d)
	}
	sort.Slice(unixDates, func(i, j int) bool { return unixDates[i] < unixDates[j] })

	merged := make([]types.GeneratedSignal, 0)
	for _, unixDate := range unixDates {
		daySignals := byDate[unixDate]
		tickers := make([]string, 0, len(daySignals))
		byTicker := make(map[string]types.GeneratedSignal, len(daySignals))
		for _, s := range daySignals {
			tickers = append(tickers, s.Ticker)
			byTicker[s.Ticker] = s
		}
		for _, ticker := range hashorder.Sort(tickers, unixDate) {
			merged = append(merged, byTicker[ticker])
		}
	}
	return merged
}

func cpuWorkerCount() int {
	n := workers.DefaultPoolConfig("").NumWorkers / 2
	if n < 1 {
		return 1
	}
	return n
}
