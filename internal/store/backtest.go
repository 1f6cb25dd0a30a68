package store

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-desktop/stratforge/internal/activebacktest"
	"github.com/atlas-desktop/stratforge/internal/engine"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

// SaveBacktestResult persists one completed run, replacing whatever
// existing result previously occupied the same (strategy, period_months,
// ticker_scope) slot along with its trades. A "live" ticker scope is
// upserted in place instead, since a strategy has at most one live result
// at a time, matching the reference's replace_strategy_backtest_data split
// between its live-account and validation/training paths.
//
// Satisfies internal/activebacktest.ResultStore.
func (s *Store) SaveBacktestResult(ctx context.Context, job activebacktest.Job, run *engine.BacktestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := run.Result
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	result.StrategyID = job.ID
	result.TickerScope = job.TickerScope
	if result.TickerScope == "" {
		result.TickerScope = "validation"
	}

	if result.TickerScope == "live" {
		for id, existing := range s.backtestResults {
			if existing.StrategyID == result.StrategyID && existing.TickerScope == "live" {
				s.deleteTradesForResult(id)
				delete(s.backtestResults, id)
			}
		}
		s.backtestResults[result.ID] = result
		s.replaceTradesForResult(result.ID, result.Trades)
		return s.flushBacktestTables()
	}

	// validation/training: delete whatever previously occupied this
	// (strategy, period_months, ticker_scope) slot, then insert fresh.
	for id, existing := range s.backtestResults {
		if existing.StrategyID != result.StrategyID || existing.TickerScope != result.TickerScope {
			continue
		}
		existingMonths := calculatePeriodMonths(calculatePeriodDays(existing.WindowStart, existing.WindowEnd))
		if job.PeriodMonths != nil && existingMonths != *job.PeriodMonths {
			continue
		}
		s.deleteTradesForResult(id)
		delete(s.backtestResults, id)
	}

	s.backtestResults[result.ID] = result
	s.replaceTradesForResult(result.ID, result.Trades)
	return s.flushBacktestTables()
}

// replaceTradesForResult must be called with s.mu held.
func (s *Store) replaceTradesForResult(resultID string, trades []types.Trade) {
	s.deleteTradesForResult(resultID)
	for _, trade := range trades {
		s.trades[trade.ID] = trade
	}
}

// deleteTradesForResult must be called with s.mu held. Trade does not carry
// its owning backtest result id directly, so the association is tracked
// through the trades map being fully rewritten alongside its result rather
// than queried back out of it.
func (s *Store) deleteTradesForResult(resultID string) {
	if existing, ok := s.backtestResults[resultID]; ok {
		for _, trade := range existing.Trades {
			delete(s.trades, trade.ID)
		}
	}
}

func (s *Store) flushBacktestTables() error {
	if err := s.saveJSON(backtestResultsFile, s.backtestResults); err != nil {
		return err
	}
	return s.saveJSON(tradesFile, s.trades)
}

// LoadLatestBacktestResult returns the most recently windowed result for
// strategyID/tickerScope, if any, standing in for the reference's
// load_latest_backtest_result query.
func (s *Store) LoadLatestBacktestResult(ctx context.Context, strategyID, tickerScope string) (*types.BacktestResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.BacktestResult
	for _, result := range s.backtestResults {
		if result.StrategyID != strategyID || result.TickerScope != tickerScope {
			continue
		}
		if latest == nil || result.WindowEnd.After(latest.WindowEnd) {
			r := result
			latest = &r
		}
	}
	return latest, latest != nil
}

// PersistTradeReconciliation upserts a single trade's state, the unit of
// work internal/reconciler performs per broker order evaluation, mirroring
// the reference's persist_trade_reconciliation.
func (s *Store) PersistTradeReconciliation(ctx context.Context, trade types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.ID] = trade
	return s.saveJSON(tradesFile, s.trades)
}

func calculatePeriodDays(start, end time.Time) int {
	startDate := start.Truncate(24 * time.Hour)
	endDate := end.Truncate(24 * time.Hour)
	if endDate.Before(startDate) {
		return 0
	}
	return int(endDate.Sub(startDate).Hours() / 24)
}

func calculatePeriodMonths(periodDays int) int {
	if periodDays <= 0 {
		return 0
	}
	return int(math.Round(float64(periodDays) / 30.4))
}
