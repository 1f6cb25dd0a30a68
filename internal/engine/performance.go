package engine

import (
	"math"
	"time"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

const riskFreeRate = 0.02
const tradingDaysPerYear = 252.0

// CalculatePerformance summarizes one backtest's trade and equity history.
// CAGR, max drawdown and Calmar follow the reference engine's calendar-day
// formulas; Sharpe, Sortino, win rate and profit factor follow the
// teacher's decimal-based MetricsCalculator, adapted to operate on float64
// daily returns.
func CalculatePerformance(trades []types.Trade, initialCapital, finalPortfolioValue float64, startDate, endDate time.Time, snapshots []types.DailySnapshot) types.PerformanceSummary {
	if !isFinite(finalPortfolioValue) {
		if len(snapshots) > 0 {
			finalPortfolioValue = snapshots[len(snapshots)-1].PortfolioValue
		} else {
			finalPortfolioValue = initialCapital
		}
	}

	totalReturn := 0.0
	if isFinite(finalPortfolioValue) {
		totalReturn = finalPortfolioValue - initialCapital
	}

	var winningTrades, losingTrades int
	var totalWins, totalLosses float64
	for _, t := range trades {
		pnl := derefOr(t.PnL, 0)
		switch {
		case pnl > 0:
			winningTrades++
			totalWins += pnl
		case pnl < 0:
			losingTrades++
			totalLosses += -pnl
		}
	}
	totalTrades := len(trades)

	winRate := 0.0
	if totalTrades > 0 {
		winRate = float64(winningTrades) / float64(totalTrades)
	}

	profitFactor := 0.0
	if totalLosses > 0 {
		profitFactor = totalWins / totalLosses
	}

	returns := dailyReturns(snapshots)
	sharpe := sharpeRatio(returns)
	sortino := sortinoRatio(returns)

	maxDrawdown, maxDrawdownPercent := maxDrawdown(snapshots)
	cagr := calculateCAGR(initialCapital, finalPortfolioValue, startDate, endDate)
	calmar := calmarRatio(cagr, maxDrawdownPercent)

	return types.PerformanceSummary{
		TotalReturn:        totalReturn,
		CAGR:               cagr,
		SharpeRatio:        sharpe,
		SortinoRatio:       sortino,
		MaxDrawdown:        maxDrawdown,
		MaxDrawdownPercent: maxDrawdownPercent,
		CalmarRatio:        calmar,
		WinRate:            winRate,
		ProfitFactor:       profitFactor,
		TotalTrades:        totalTrades,
		WinningTrades:      winningTrades,
		LosingTrades:       losingTrades,
	}
}

func calculateCAGR(initialCapital, finalPortfolioValue float64, startDate, endDate time.Time) float64 {
	if initialCapital <= 0 || !isFinite(finalPortfolioValue) {
		return 0
	}
	if !endDate.After(startDate) {
		return 0
	}
	years := endDate.Sub(startDate).Seconds() / (365.25 * 24 * 60 * 60)
	if years <= 0 {
		return 0
	}
	ratio := finalPortfolioValue / initialCapital
	if ratio <= 0 {
		return -1
	}
	return math.Pow(ratio, 1/years) - 1
}

func dailyReturns(snapshots []types.DailySnapshot) []float64 {
	if len(snapshots) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(snapshots)-1)
	for i := 1; i < len(snapshots); i++ {
		prev := snapshots[i-1].PortfolioValue
		cur := snapshots[i].PortfolioValue
		if prev > 0 {
			returns = append(returns, (cur-prev)/prev)
		} else {
			returns = append(returns, 0)
		}
	}
	return returns
}

func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	std := stdDevOf(returns)
	if std == 0 {
		return 0
	}
	annualizedReturn := mean * tradingDaysPerYear
	annualizedVol := std * math.Sqrt(tradingDaysPerYear)
	return (annualizedReturn - riskFreeRate) / annualizedVol
}

func sortinoRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	downside := downsideDeviation(returns)
	if downside == 0 {
		return 0
	}
	annualizedReturn := mean * tradingDaysPerYear
	annualizedDownside := downside * math.Sqrt(tradingDaysPerYear)
	return (annualizedReturn - riskFreeRate) / annualizedDownside
}

func calmarRatio(cagr, maxDrawdownPercent float64) float64 {
	if !isFinite(cagr) || !isFinite(maxDrawdownPercent) {
		return 0
	}
	ratio := math.Abs(maxDrawdownPercent / 100)
	if ratio <= 1e-9 {
		return 0
	}
	return cagr / ratio
}

func maxDrawdown(snapshots []types.DailySnapshot) (float64, float64) {
	if len(snapshots) == 0 {
		return 0, 0
	}
	var maxDD, maxDDPercent float64
	peak := snapshots[0].PortfolioValue
	for _, s := range snapshots {
		if s.PortfolioValue > peak {
			peak = s.PortfolioValue
			continue
		}
		dd := peak - s.PortfolioValue
		ddPercent := 0.0
		if peak > 0 {
			ddPercent = dd / peak * 100
		}
		if dd > maxDD {
			maxDD = dd
		}
		if ddPercent > maxDDPercent {
			maxDDPercent = ddPercent
		}
	}
	return maxDD, maxDDPercent
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDevOf(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := meanOf(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return stdDevOf(negative)
}
