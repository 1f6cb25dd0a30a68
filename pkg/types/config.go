// Package types: lightweight shared enums and windows referenced across
// engine, planner, optimizer and CLI packages.
package types

import "time"

// TickerScope partitions tickers and backtest results into a named subset.
type TickerScope string

const (
	TickerScopeAll        TickerScope = "all"
	TickerScopeTraining   TickerScope = "training"
	TickerScopeValidation TickerScope = "validation"
)

// OptimizationObjective selects the scalar the optimizer maximizes.
type OptimizationObjective string

const (
	ObjectiveCAGR   OptimizationObjective = "cagr"
	ObjectiveSharpe OptimizationObjective = "sharpe"
)

// BacktestWindow is the inclusive [Start, End] date range a backtest or
// active-backtest invocation covers.
type BacktestWindow struct {
	Start time.Time
	End   time.Time
}
