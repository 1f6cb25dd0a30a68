package engine

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/atlas-desktop/stratforge/internal/tradingrules"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

func day(offset int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func flatCandle(ticker string, offset int, price, spread float64, volume int64) types.Candle {
	return types.Candle{
		Ticker: ticker,
		Date:   day(offset),
		Open:   price,
		High:   price + spread,
		Low:    price - spread,
		Close:  price,
		Volume: volume,
	}
}

func ohlcCandle(ticker string, offset int, open, high, low, close float64, volume int64) types.Candle {
	return types.Candle{Ticker: ticker, Date: day(offset), Open: open, High: high, Low: low, Close: close, Volume: volume}
}

func datesFor(n int) []time.Time {
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = day(i)
	}
	return dates
}

func approxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// scriptedStrategy implements Strategy with a fixed ticker/date -> decision
// table, for scenarios that need online signal generation rather than a
// provided-signal replay.
type scriptedStrategy struct {
	decisions  map[scriptedKey]types.SignalDecision
	minHistory int
	templateID string
}

type scriptedKey struct {
	ticker string
	date   time.Time
}

func (s *scriptedStrategy) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	d, ok := s.decisions[scriptedKey{ticker, candles[idx].Date}]
	return d, ok
}

func (s *scriptedStrategy) MinHistory() int               { return s.minHistory }
func (s *scriptedStrategy) TemplateID() string             { return s.templateID }
func (s *scriptedStrategy) TargetTicker() (string, bool)   { return "", false }
func (s *scriptedStrategy) SnapshotState() ([]byte, bool)  { return nil, false }
func (s *scriptedStrategy) RestoreState(data []byte) error { return nil }

// S1: constant price. Buy on day0, sell on day1; pnl must reproduce from the
// recorded entry/exit prices and fee, and final_portfolio_value must equal
// initial capital plus that pnl.
func TestBacktestConstantPriceClosesOneTradeAtExpectedPnL(t *testing.T) {
	ticker := "CONST"
	candles := []types.Candle{
		flatCandle(ticker, 0, 100, 2, 1_000_000),
		flatCandle(ticker, 1, 100, 2, 1_000_000),
		flatCandle(ticker, 2, 100, 2, 1_000_000),
		flatCandle(ticker, 3, 100, 2, 1_000_000),
	}
	dates := datesFor(4)

	signals := []types.GeneratedSignal{
		{Ticker: ticker, Date: day(0), Action: types.SignalBuy},
		{Ticker: ticker, Date: day(1), Action: types.SignalSell},
	}

	config := DefaultConfig()
	runtime := DefaultRuntimeSettings()
	eng := New(config, runtime, nil)

	run, err := eng.Backtest(nil, "const-strategy", []string{ticker}, candles, dates, signals, nil, nil)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}

	trades := run.Result.Trades
	if len(trades) != 1 {
		t.Fatalf("want exactly one trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Status != types.TradeStatusClosed {
		t.Fatalf("want closed trade, got status %s", tr.Status)
	}

	wantEntry := 100 * (1 + runtime.TradeSlippageRate)
	wantExit := 100 * (1 - runtime.TradeSlippageRate)
	if !approxEqual(tr.Price, wantEntry, 1e-6) {
		t.Errorf("entry price = %v, want %v", tr.Price, wantEntry)
	}
	if tr.ExitPrice == nil || !approxEqual(*tr.ExitPrice, wantExit, 1e-6) {
		t.Errorf("exit price = %v, want %v", tr.ExitPrice, wantExit)
	}

	fee := derefOr(tr.Fee, 0)
	wantPnL := (wantExit-wantEntry)*tr.Quantity - fee
	if tr.PnL == nil || !approxEqual(*tr.PnL, wantPnL, 1e-6) {
		t.Errorf("pnl = %v, want %v", tr.PnL, wantPnL)
	}

	wantFinal := config.InitialCapital + derefOr(tr.PnL, 0)
	tolerance := pnlEpsilon * (1 + math.Abs(wantFinal))
	if !approxEqual(run.Result.FinalPortfolioValue, wantFinal, tolerance) {
		t.Errorf("final portfolio value = %v, want %v", run.Result.FinalPortfolioValue, wantFinal)
	}

	if !reflect.DeepEqual(run.Signals, signals) {
		t.Errorf("generated signals = %+v, want verbatim copy of provided signals %+v", run.Signals, signals)
	}
}

// S2: growing price. Buy on day0, sell on the last day; expect positive pnl,
// positive total return and positive Sharpe, and concurrent-trade snapshots
// that count the trade from its buy-signal day (when it enters the active
// list, scheduled for the next bar) until its exit.
func TestBacktestGrowingPriceIsProfitableWithConsistentSnapshots(t *testing.T) {
	ticker := "GROW"
	const numDays = 30
	var candles []types.Candle
	for i := 0; i < numDays; i++ {
		price := 100 + float64(i)
		candles = append(candles, flatCandle(ticker, i, price, 1, 1_000_000))
	}
	dates := datesFor(numDays)

	strategy := &scriptedStrategy{
		templateID: "growth-test",
		decisions: map[scriptedKey]types.SignalDecision{
			{ticker, day(0)}:            {Action: types.SignalBuy},
			{ticker, day(numDays - 1)}: {Action: types.SignalSell},
		},
	}

	eng := New(DefaultConfig(), DefaultRuntimeSettings(), nil)
	run, err := eng.Backtest(strategy, "", []string{ticker}, candles, dates, nil, nil, nil)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}

	if len(run.Result.Trades) != 1 {
		t.Fatalf("want exactly one trade, got %d", len(run.Result.Trades))
	}
	tr := run.Result.Trades[0]
	if tr.Status != types.TradeStatusClosed {
		t.Fatalf("want closed trade, got status %s", tr.Status)
	}
	if tr.PnL == nil || *tr.PnL <= 0 {
		t.Errorf("pnl = %v, want positive", tr.PnL)
	}
	if run.Result.Performance.TotalReturn <= 0 {
		t.Errorf("total return = %v, want positive", run.Result.Performance.TotalReturn)
	}
	if run.Result.Performance.SharpeRatio <= 0 {
		t.Errorf("sharpe ratio = %v, want positive", run.Result.Performance.SharpeRatio)
	}

	var prev time.Time
	seen := false
	for _, snap := range run.Result.DailySnapshots {
		if seen && !snap.Date.After(prev) {
			t.Fatalf("snapshots not strictly increasing: %v followed by %v", prev, snap.Date)
		}
		prev = snap.Date
		seen = true

		wantConcurrent := 0
		if tr.ExitDate != nil && !snap.Date.Before(day(0)) && snap.Date.Before(*tr.ExitDate) {
			wantConcurrent = 1
		}
		if snap.ConcurrentTrades != wantConcurrent {
			t.Errorf("date %v: concurrent trades = %d, want %d", snap.Date, snap.ConcurrentTrades, wantConcurrent)
		}
	}
}

// S3: resume. Running days 0-1 then resuming over days 0-2 with an added
// sell on day2 must preserve the original run's start date and close the
// trade on day2 near the day's price.
func TestBacktestResumePreservesOriginalStartDate(t *testing.T) {
	ticker := "RES"
	firstCandles := []types.Candle{
		ohlcCandle(ticker, 0, 100, 101, 99, 100, 1_000_000),
		ohlcCandle(ticker, 1, 105, 106, 104, 105, 1_000_000),
	}
	firstDates := datesFor(2)
	firstSignals := []types.GeneratedSignal{{Ticker: ticker, Date: day(0), Action: types.SignalBuy}}

	eng := New(DefaultConfig(), DefaultRuntimeSettings(), nil)
	firstRun, err := eng.Backtest(nil, "resume-strategy", []string{ticker}, firstCandles, firstDates, firstSignals, nil, nil)
	if err != nil {
		t.Fatalf("first Backtest: %v", err)
	}
	if len(firstRun.Result.Trades) != 1 || firstRun.Result.Trades[0].Status != types.TradeStatusActive {
		t.Fatalf("expected one active trade after first run, got %+v", firstRun.Result.Trades)
	}
	originalStart := firstRun.Result.WindowStart

	allCandles := append(append([]types.Candle{}, firstCandles...), ohlcCandle(ticker, 2, 110, 111, 109, 110, 1_000_000))
	allDates := datesFor(3)
	secondSignals := []types.GeneratedSignal{
		{Ticker: ticker, Date: day(0), Action: types.SignalBuy},
		{Ticker: ticker, Date: day(2), Action: types.SignalSell},
	}

	resumedRun, err := eng.Backtest(nil, "resume-strategy", []string{ticker}, allCandles, allDates, secondSignals, nil, &firstRun.Result)
	if err != nil {
		t.Fatalf("resumed Backtest: %v", err)
	}

	if !resumedRun.Result.WindowStart.Equal(originalStart) {
		t.Errorf("resumed window start = %v, want original start %v", resumedRun.Result.WindowStart, originalStart)
	}
	if !resumedRun.Result.WindowEnd.Equal(day(2)) {
		t.Errorf("resumed window end = %v, want %v", resumedRun.Result.WindowEnd, day(2))
	}
	if len(resumedRun.Result.Trades) != 1 {
		t.Fatalf("want exactly one trade in resumed result, got %d", len(resumedRun.Result.Trades))
	}
	tr := resumedRun.Result.Trades[0]
	if tr.Status != types.TradeStatusClosed {
		t.Fatalf("want closed trade after resume, got status %s", tr.Status)
	}
	if tr.ExitDate == nil || !tr.ExitDate.Equal(day(2)) {
		t.Errorf("exit date = %v, want %v", tr.ExitDate, day(2))
	}
	if tr.ExitPrice == nil || !approxEqual(*tr.ExitPrice, 110, 110*0.02) {
		t.Errorf("exit price = %v, want close to 110", tr.ExitPrice)
	}
}

// S4: illiquidity skip. A buy signal on a day whose volume falls below the
// dollar-volume floor produces zero trades but the signal is still recorded.
func TestBacktestIlliquiditySkipStillRecordsSignal(t *testing.T) {
	ticker := "ILQ"
	candles := []types.Candle{
		flatCandle(ticker, 0, 100, 2, 10),
		flatCandle(ticker, 1, 100, 2, 10),
	}
	dates := datesFor(2)

	strategy := &scriptedStrategy{
		templateID: "illiquid-test",
		decisions: map[scriptedKey]types.SignalDecision{
			{ticker, day(0)}: {Action: types.SignalBuy},
		},
	}

	config := DefaultConfig()
	runtime := DefaultRuntimeSettings()
	runtime.MinimumDollarVolumeLookback = 1
	runtime.MinimumDollarVolumeForEntry = 1_000_000_000
	eng := New(config, runtime, nil)

	run, err := eng.Backtest(strategy, "", []string{ticker}, candles, dates, nil, nil, nil)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}

	if len(run.Result.Trades) != 0 {
		t.Fatalf("want zero trades, got %d", len(run.Result.Trades))
	}
	if len(run.Signals) != 1 || run.Signals[0].Action != types.SignalBuy || !run.Signals[0].Date.Equal(day(0)) {
		t.Fatalf("want the buy signal still recorded, got %+v", run.Signals)
	}

	found := false
	for _, skip := range run.SignalSkips {
		if skip.Reason == "insufficient_volume" {
			found = true
		}
	}
	if !found {
		t.Errorf("want a signal skip with reason insufficient_volume, got %+v", run.SignalSkips)
	}
}

// S6: ATR trailing stop tightens monotonically and never loosens, even
// through a price pullback.
func TestBacktestTrailingStopOnlyTightens(t *testing.T) {
	ticker := "TRAIL"
	candles := []types.Candle{
		ohlcCandle(ticker, 0, 80, 82, 78, 80, 1_000_000),
		ohlcCandle(ticker, 1, 82, 84, 80, 82, 1_000_000),
		ohlcCandle(ticker, 2, 85, 87, 83, 85, 1_000_000), // buy signal fires here
		ohlcCandle(ticker, 3, 90, 92, 88, 90, 1_000_000), // entry day
		ohlcCandle(ticker, 4, 92, 96, 90, 95, 1_000_000),
		ohlcCandle(ticker, 5, 96, 102, 94, 100, 1_000_000),
		ohlcCandle(ticker, 6, 101, 107, 99, 105, 1_000_000),
		ohlcCandle(ticker, 7, 104, 106, 98, 102, 1_000_000), // pullback
		ohlcCandle(ticker, 8, 103, 109, 101, 108, 1_000_000),
		ohlcCandle(ticker, 9, 109, 122, 107, 120, 1_000_000),
	}
	dates := datesFor(10)

	strategy := &scriptedStrategy{
		templateID: "trailing-test",
		decisions: map[scriptedKey]types.SignalDecision{
			{ticker, day(2)}: {Action: types.SignalBuy},
		},
	}

	config := DefaultConfig()
	config.StopLoss = StopLossConfig{Mode: tradingrules.StopLossModeATR, ATRMultiplier: 2.0, ATRPeriod: 2}
	eng := New(config, DefaultRuntimeSettings(), nil)

	run, err := eng.Backtest(strategy, "", []string{ticker}, candles, dates, nil, nil, nil)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if len(run.Result.Trades) != 1 {
		t.Fatalf("want exactly one trade, got %d", len(run.Result.Trades))
	}
	tr := run.Result.Trades[0]

	var stopSeries []float64
	for _, change := range tr.Changes {
		if change.Field != "stop_loss" {
			continue
		}
		v, ok := change.New.(float64)
		if !ok {
			continue
		}
		stopSeries = append(stopSeries, v)
	}

	if len(stopSeries) < 2 {
		t.Fatalf("want at least two stop-loss tightenings, got %d: %v", len(stopSeries), stopSeries)
	}
	for i := 1; i < len(stopSeries); i++ {
		if stopSeries[i] < stopSeries[i-1]-1e-9 {
			t.Errorf("stop loss loosened: %v followed by %v", stopSeries[i-1], stopSeries[i])
		}
	}
}
