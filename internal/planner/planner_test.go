package planner

import (
	"testing"
	"time"

	"github.com/atlas-desktop/stratforge/internal/tradingrules"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

func day(offset int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func candle(ticker string, offset int, open, high, low, close float64) types.Candle {
	return types.Candle{Ticker: ticker, Date: day(offset), Open: open, High: high, Low: low, Close: close, Volume: 1_000_000}
}

func countOps(ops []types.AccountOperationPlan, ticker string, kind types.OperationType) int {
	n := 0
	for _, op := range ops {
		if op.Ticker == ticker && op.OperationType == kind {
			n++
		}
	}
	return n
}

// Invariant 7: the planner never emits two OpenPosition ops for the same
// ticker on the same day, even when duplicate buy signals are supplied.
func TestPlanNeverDuplicatesOpenPositionForSameTickerSameDay(t *testing.T) {
	ticker := "DUP"
	candles := []types.Candle{candle(ticker, 0, 100, 101, 99, 100)}
	signals := []types.GeneratedSignal{
		{Ticker: "dup", Date: day(0), Action: types.SignalBuy, Confidence: 1},
		{Ticker: "DUP", Date: day(0), Action: types.SignalBuy, Confidence: 1},
	}

	p := New(Config{TradeSizeRatio: 0.1, MinimumTradeSize: 100}, RuntimeSettings{TradeEntryPriceMin: 1, TradeEntryPriceMax: 100000})
	account := types.AccountStateSnapshot{AvailableCash: 100000}

	plan := p.Plan("strat", "acct", signals, candles, day(0), account, nil, nil, 0, nil)

	if n := countOps(plan.Operations, ticker, types.OperationOpenPosition); n != 1 {
		t.Fatalf("want exactly one OpenPosition op for %s, got %d: %+v", ticker, n, plan.Operations)
	}
}

// Invariant 8: a sell signal with no matching active trade is skipped with a
// reason drawn from the closed vocabulary, never silently dropped.
func TestPlanSkipsSellWithNoActivePositionUsingClosedVocabularyReason(t *testing.T) {
	ticker := "NOACTIVE"
	candles := []types.Candle{candle(ticker, 0, 100, 101, 99, 100)}
	signals := []types.GeneratedSignal{{Ticker: ticker, Date: day(0), Action: types.SignalSell}}

	p := New(Config{}, RuntimeSettings{})
	account := types.AccountStateSnapshot{AvailableCash: 100000}

	plan := p.Plan("strat", "acct", signals, candles, day(0), account, nil, nil, 0, nil)

	found := false
	for _, skip := range plan.SkippedSignals {
		if skip.Ticker == ticker && skip.Action == types.SignalSell && skip.Reason == "sell_no_active_position" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want a sell skip with reason sell_no_active_position, got %+v", plan.SkippedSignals)
	}
}

// Invariant 9: UpdateStop is only proposed when the new stop strictly
// tightens the existing one, and it always carries reason "atr_trailing".
func TestPlanEmitsUpdateStopOnlyWhenTrailingStopTightens(t *testing.T) {
	ticker := "TRAIL"
	candles := []types.Candle{
		candle(ticker, 0, 90, 92, 88, 90),
		candle(ticker, 1, 92, 96, 90, 95),
		candle(ticker, 2, 96, 105, 94, 100),
	}
	entryStop := 80.0
	trade := types.Trade{
		ID:       "trade-1",
		Ticker:   ticker,
		Quantity: 10,
		Price:    90,
		Date:     day(0),
		Status:   types.TradeStatusActive,
		StopLoss: &entryStop,
	}

	config := Config{StopLoss: StopLossConfig{Mode: tradingrules.StopLossModeATR, ATRMultiplier: 1.0, ATRPeriod: 2}}
	p := New(config, RuntimeSettings{})
	account := types.AccountStateSnapshot{AvailableCash: 100000}

	plan := p.Plan("strat", "acct", nil, candles, day(2), account, nil, []types.Trade{trade}, 0, nil)

	var updates []types.AccountOperationPlan
	for _, op := range plan.Operations {
		if op.Ticker == ticker && op.OperationType == types.OperationUpdateStop {
			updates = append(updates, op)
		}
	}
	if len(updates) == 0 {
		t.Fatalf("want at least one UpdateStop op as price rises from the entry stop, got none: %+v", plan.Operations)
	}
	for _, op := range updates {
		if op.Reason != "atr_trailing" {
			t.Errorf("update stop reason = %q, want atr_trailing", op.Reason)
		}
		if op.StopLoss == nil || op.PreviousStopLoss == nil {
			t.Fatalf("update stop op missing StopLoss/PreviousStopLoss: %+v", op)
		}
		if *op.StopLoss <= *op.PreviousStopLoss {
			t.Errorf("new stop %v did not tighten previous stop %v", *op.StopLoss, *op.PreviousStopLoss)
		}
	}
}

// A declining price with no tightening candidate must not emit any
// UpdateStop at all: ComputeTrailingStop only ever proposes improvements.
func TestPlanEmitsNoUpdateStopWhenPriceDoesNotImproveTheStop(t *testing.T) {
	ticker := "FLAT"
	candles := []types.Candle{
		candle(ticker, 0, 100, 101, 99, 100),
		candle(ticker, 1, 99, 100, 97, 98),
		candle(ticker, 2, 97, 98, 95, 96),
	}
	entryStop := 95.0
	trade := types.Trade{
		ID:       "trade-2",
		Ticker:   ticker,
		Quantity: 10,
		Price:    100,
		Date:     day(0),
		Status:   types.TradeStatusActive,
		StopLoss: &entryStop,
	}

	config := Config{StopLoss: StopLossConfig{Mode: tradingrules.StopLossModeATR, ATRMultiplier: 1.0, ATRPeriod: 2}}
	p := New(config, RuntimeSettings{})
	account := types.AccountStateSnapshot{AvailableCash: 100000}

	plan := p.Plan("strat", "acct", nil, candles, day(2), account, nil, []types.Trade{trade}, 0, nil)

	if n := countOps(plan.Operations, ticker, types.OperationUpdateStop); n != 0 {
		t.Fatalf("want zero UpdateStop ops on a declining price, got %d: %+v", n, plan.Operations)
	}
}
