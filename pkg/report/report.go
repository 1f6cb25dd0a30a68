// Package report formats backtest and optimizer results for CLI output.
// It sits at the reporting boundary: the simulation engine works in plain
// float64 throughout (per the epsilon-comparison invariants that drive
// its arithmetic), and report converts final figures to decimal.Decimal
// only where a human is going to read them, the same boundary
// pkg/utils.FormatMoney already draws.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/stratforge/pkg/types"
	"github.com/atlas-desktop/stratforge/pkg/utils"
)

// BacktestSummary renders one BacktestResult's headline figures as a
// multi-line report, the Go-idiomatic counterpart of the reference
// optimizer's print_results per-rank block.
func BacktestSummary(result types.BacktestResult) string {
	p := result.Performance
	var b strings.Builder

	fmt.Fprintf(&b, "Strategy:         %s\n", result.StrategyID)
	fmt.Fprintf(&b, "Window:           %s to %s\n", result.WindowStart.Format("2006-01-02"), result.WindowEnd.Format("2006-01-02"))
	fmt.Fprintf(&b, "Initial Capital:  %s\n", utils.FormatMoney(decimal.NewFromFloat(result.InitialCapital), "USD"))
	fmt.Fprintf(&b, "Final Value:      %s\n", utils.FormatMoney(decimal.NewFromFloat(result.FinalPortfolioValue), "USD"))
	fmt.Fprintf(&b, "CAGR:             %.2f%%\n", p.CAGR*100)
	fmt.Fprintf(&b, "Calmar Ratio:     %.4f\n", p.CalmarRatio)
	fmt.Fprintf(&b, "Sharpe Ratio:     %.4f\n", p.SharpeRatio)
	fmt.Fprintf(&b, "Sortino Ratio:    %.4f\n", p.SortinoRatio)
	fmt.Fprintf(&b, "Total Return:     %s\n", utils.FormatMoney(decimal.NewFromFloat(p.TotalReturn), "USD"))
	fmt.Fprintf(&b, "Max Drawdown:     %s (%.2f%%)\n", utils.FormatMoney(decimal.NewFromFloat(p.MaxDrawdown), "USD"), p.MaxDrawdownPercent)
	fmt.Fprintf(&b, "Win Rate:         %.2f%%\n", p.WinRate*100)
	fmt.Fprintf(&b, "Profit Factor:    %.2f\n", p.ProfitFactor)
	fmt.Fprintf(&b, "Total Trades:     %d (%d winning, %d losing)\n", p.TotalTrades, p.WinningTrades, p.LosingTrades)

	if absTicker, relTicker, ok := TopTickerGains(result.Trades); ok {
		fmt.Fprintf(&b, "Top Absolute Gain Ticker: %s\n", absTicker)
		fmt.Fprintf(&b, "Top Relative Gain Ticker: %s\n", relTicker)
	}

	return b.String()
}

// OptimizerRankSummary renders one ranked candidate the way the reference
// optimizer's print_results does, for use by a CLI that prints the top N
// results of a local search run in order.
func OptimizerRankSummary(rank int, parameters map[string]float64, cagr, calmarRatio, sharpeRatio, totalReturn, maxDrawdown, maxDrawdownRatio, winRate float64, totalTrades int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Rank %d:\n", rank)
	fmt.Fprintf(&b, "  CAGR: %.2f%%\n", cagr*100)
	fmt.Fprintf(&b, "  Calmar Ratio: %.4f\n", calmarRatio)
	fmt.Fprintf(&b, "  Sharpe Ratio: %.4f\n", sharpeRatio)
	fmt.Fprintf(&b, "  Total Return: %s\n", utils.FormatMoney(decimal.NewFromFloat(totalReturn), "USD"))
	fmt.Fprintf(&b, "  Max Drawdown: %s (ratio %.4f, %.2f%%)\n",
		utils.FormatMoney(decimal.NewFromFloat(maxDrawdown), "USD"), maxDrawdownRatio, maxDrawdownRatio*100)
	fmt.Fprintf(&b, "  Win Rate: %.2f%%\n", winRate*100)
	fmt.Fprintf(&b, "  Total Trades: %d\n", totalTrades)
	fmt.Fprintf(&b, "  Parameters:\n")

	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "    %s: %g\n", name, parameters[name])
	}

	return b.String()
}

// TopTickerGains aggregates closed trades by ticker and returns the ticker
// with the highest total absolute PnL and the ticker with the highest PnL
// relative to its traded notional, transcribed from the reference
// optimizer's extract_top_ticker_gains. ok is false if no trade carried a
// finite realized PnL.
func TopTickerGains(trades []types.Trade) (absoluteTicker, relativeTicker string, ok bool) {
	type aggregate struct {
		totalPnL      float64
		totalNotional float64
	}
	aggregated := make(map[string]aggregate)

	for _, trade := range trades {
		if trade.PnL == nil || !isFinite(*trade.PnL) {
			continue
		}
		notional := abs(trade.Quantity) * abs(trade.Price)
		if !isFinite(notional) || notional < 0 {
			notional = 0
		}

		entry := aggregated[trade.Ticker]
		entry.totalPnL += *trade.PnL
		if notional > 0 {
			entry.totalNotional += notional
		}
		aggregated[trade.Ticker] = entry
	}

	var bestAbsolute float64
	haveAbsolute := false
	var bestRelative float64
	haveRelative := false

	for ticker, agg := range aggregated {
		if isFinite(agg.totalPnL) && (!haveAbsolute || agg.totalPnL > bestAbsolute) {
			absoluteTicker = ticker
			bestAbsolute = agg.totalPnL
			haveAbsolute = true
		}

		if agg.totalNotional > 0 && isFinite(agg.totalPnL) {
			ratio := (agg.totalPnL / agg.totalNotional) * 100
			if !haveRelative || ratio > bestRelative {
				relativeTicker = ticker
				bestRelative = ratio
				haveRelative = true
			}
		}
	}

	return absoluteTicker, relativeTicker, haveAbsolute
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
