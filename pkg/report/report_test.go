package report

import (
	"testing"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

func pnl(v float64) *float64 { return &v }

func TestTopTickerGainsPicksHighestAbsoluteAndRelative(t *testing.T) {
	trades := []types.Trade{
		{Ticker: "AAA", Quantity: 10, Price: 100, PnL: pnl(50)},  // notional 1000, ratio 5%
		{Ticker: "BBB", Quantity: 1, Price: 100, PnL: pnl(80)},   // notional 100, ratio 80%
		{Ticker: "BBB", Quantity: 1, Price: 100, PnL: pnl(-10)},  // notional 100
	}

	abs, rel, ok := TopTickerGains(trades)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if abs != "BBB" {
		t.Errorf("absolute ticker: got %s, want BBB (70 > 50)", abs)
	}
	if rel != "BBB" {
		t.Errorf("relative ticker: got %s, want BBB", rel)
	}
}

func TestTopTickerGainsIgnoresNilAndNonFinitePnL(t *testing.T) {
	trades := []types.Trade{
		{Ticker: "AAA", Quantity: 1, Price: 10, PnL: nil},
		{Ticker: "BBB", Quantity: 1, Price: 10, PnL: pnl(5)},
	}

	abs, _, ok := TopTickerGains(trades)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if abs != "BBB" {
		t.Errorf("got %s, want BBB", abs)
	}
}

func TestTopTickerGainsEmptyTradesNotOK(t *testing.T) {
	_, _, ok := TopTickerGains(nil)
	if ok {
		t.Error("expected ok=false for no trades")
	}
}

func TestBacktestSummaryIncludesHeadlineFigures(t *testing.T) {
	result := types.BacktestResult{
		StrategyID:          "strat-1",
		InitialCapital:      10000,
		FinalPortfolioValue: 12000,
		Performance: types.PerformanceSummary{
			CAGR:        0.2,
			TotalTrades: 5,
		},
	}

	summary := BacktestSummary(result)
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
	if !contains(summary, "strat-1") {
		t.Error("expected summary to include strategy id")
	}
	if !contains(summary, "20.00%") {
		t.Error("expected summary to include formatted CAGR")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
