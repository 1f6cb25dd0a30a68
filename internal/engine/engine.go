// Package engine implements the daily-bar backtest simulation loop: trade
// lifecycle management, signal execution, slippage and fee accounting, the
// liquidation guard, and post-run invariant validation. It is the core the
// active backtester (internal/activebacktest) and optimizer
// (internal/optimizer) both drive.
package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/stratforge/internal/hashorder"
	"github.com/atlas-desktop/stratforge/internal/tradingrules"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

const pnlEpsilon = 1e-6

// Strategy is the capability the engine needs from a trading strategy. It
// mirrors the reference engine's Strategy trait: signal generation plus
// optional single-ticker targeting and state round-tripping for resumable
// runs.
type Strategy interface {
	GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool)
	MinHistory() int
	TemplateID() string
	TargetTicker() (string, bool)
	SnapshotState() ([]byte, bool)
	RestoreState(data []byte) error
}

// Engine runs one strategy's (or one replay's) backtest over a candle
// universe. Stateless across calls except for the injected config/runtime
// settings and ticker expense map; safe to share across concurrent workers.
type Engine struct {
	config  Config
	runtime RuntimeSettings
	expense map[string]float64
	logger  *zap.Logger
}

// New constructs an Engine. logger may be nil.
func New(config Config, runtime RuntimeSettings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{config: config, runtime: runtime, logger: logger, expense: map[string]float64{}}
}

// SetTickerExpenseMap installs the per-ticker expense ratios used by the fee
// calculation for long ETF holdings.
func (e *Engine) SetTickerExpenseMap(m map[string]float64) {
	e.expense = m
}

func (e *Engine) expenseRatioFor(ticker string) float64 {
	if v, ok := e.expense[ticker]; ok {
		return v
	}
	return 0
}

// BacktestRun is the full output of one Backtest call.
type BacktestRun struct {
	Result      types.BacktestResult
	Signals     []types.GeneratedSignal
	SignalSkips []types.AccountSignalSkip
}

// signalDecisionFunc resolves a (ticker, index, date) to a trading decision,
// either from a live strategy or from a precomputed signal replay map.
type signalDecisionFunc func(ticker string, index int, date time.Time, candles []types.Candle) (types.SignalDecision, bool)

// Backtest runs the daily simulation loop for one strategy (online signal
// generation) or one replay of provided signals. At least one of strategy or
// providedSignals must be given; when providedSignals is non-nil it drives
// the run and strategy is consulted only to restore and snapshot its state.
// unique_dates must be sorted ascending and non-empty.
func (e *Engine) Backtest(
	strategy Strategy,
	strategyID string,
	tickers []string,
	allCandles []types.Candle,
	uniqueDates []time.Time,
	providedSignals []types.GeneratedSignal,
	startDateOverride *time.Time,
	existing *types.BacktestResult,
) (*BacktestRun, error) {
	if len(uniqueDates) == 0 {
		return nil, fmt.Errorf("engine: unique_dates cannot be empty")
	}
	if strategy == nil && providedSignals == nil {
		return nil, fmt.Errorf("engine: a strategy or precomputed signals must be supplied")
	}

	tickersForRun := tickers
	if providedSignals == nil && strategy != nil {
		if target, ok := strategy.TargetTicker(); ok {
			tickersForRun = []string{target}
			for _, t := range tickers {
				if equalFoldASCII(t, target) {
					tickersForRun = []string{t}
					break
				}
			}
		}
	}

	if strategy != nil && existing != nil && existing.StrategyState != nil {
		if existing.StrategyState.TemplateID == strategy.TemplateID() {
			if err := strategy.RestoreState(existing.StrategyState.Payload); err != nil && e.logger != nil {
				e.logger.Warn("failed to restore strategy state", zap.String("template_id", existing.StrategyState.TemplateID), zap.Error(err))
			}
		}
	}

	candlesByTicker := groupCandlesForTickers(tickersForRun, allCandles)

	var resume *resumeState
	if existing != nil {
		var err error
		resume, err = e.prepareResumeState(existing, uniqueDates)
		if err != nil {
			return nil, err
		}
	}
	loopStartIndex := 0
	var resumeStartDate *time.Time
	if resume != nil {
		loopStartIndex = resume.loopStartIndex
		d := resume.startDate
		resumeStartDate = &d
	}

	var loopResult loopResult
	var startDate time.Time
	templateID := strategyID

	if providedSignals != nil {
		tradingStartIndex := 0
		if startDateOverride != nil {
			tradingStartIndex = resolveTradingStartIndex(uniqueDates, *startDateOverride)
		}
		if resumeStartDate != nil {
			startDate = *resumeStartDate
		} else {
			startDate = uniqueDates[tradingStartIndex]
		}

		signalMap := make(map[dateTicker]types.GeneratedSignal, len(providedSignals))
		for _, s := range providedSignals {
			if s.Action == types.SignalBuy || s.Action == types.SignalSell {
				signalMap[dateTicker{s.Date, s.Ticker}] = s
			}
		}
		decide := func(ticker string, index int, date time.Time, _ []types.Candle) (types.SignalDecision, bool) {
			s, ok := signalMap[dateTicker{date, ticker}]
			if !ok {
				return types.SignalDecision{}, false
			}
			return types.SignalDecision{Action: s.Action, Confidence: s.Confidence}, true
		}
		loopResult = e.runBacktestLoop(strategyID, tickersForRun, uniqueDates, candlesByTicker, tradingStartIndex, loopStartIndex, decide, resume, true)
	} else {
		minHistory := strategy.MinHistory()
		defaultStartIndex := minHistory
		if defaultStartIndex > len(uniqueDates)-1 {
			defaultStartIndex = len(uniqueDates) - 1
		}
		if defaultStartIndex < 0 {
			defaultStartIndex = 0
		}
		tradingStartIndex := defaultStartIndex
		if startDateOverride != nil {
			tradingStartIndex = resolveTradingStartIndex(uniqueDates, *startDateOverride)
		}
		if resumeStartDate != nil {
			startDate = *resumeStartDate
		} else {
			startDate = uniqueDates[tradingStartIndex]
		}

		templateID = strategy.TemplateID()
		decide := func(ticker string, index int, date time.Time, candles []types.Candle) (types.SignalDecision, bool) {
			return strategy.GenerateSignal(ticker, candles, index)
		}
		loopResult = e.runBacktestLoop(templateID, tickersForRun, uniqueDates, candlesByTicker, tradingStartIndex, loopStartIndex, decide, resume, true)
	}

	cash := loopResult.cash
	activeTrades := loopResult.activeTrades
	closedTrades := loopResult.closedTrades
	generatedSignals := loopResult.generatedSignals
	if providedSignals != nil {
		generatedSignals = providedSignals
	}

	finalDate := uniqueDates[len(uniqueDates)-1]
	e.removeFutureDatedTrades(&activeTrades, &cash, finalDate)

	positionsValue := e.calculatePositionsValue(activeTrades)
	finalPortfolioValue := cash + positionsValue

	trades := append(closedTrades, activeTrades...)
	if err := e.validateTrades(trades, candlesByTicker, finalDate); err != nil {
		return nil, err
	}

	actualStartDate := startDate
	if len(loopResult.dailySnapshots) > 0 {
		actualStartDate = loopResult.dailySnapshots[0].Date
	}

	performance := CalculatePerformance(trades, e.config.InitialCapital, finalPortfolioValue, actualStartDate, finalDate, loopResult.dailySnapshots)

	var strategyState *types.StrategyState
	if strategy != nil {
		if payload, ok := strategy.SnapshotState(); ok {
			strategyState = &types.StrategyState{TemplateID: strategy.TemplateID(), Payload: payload}
		}
	}

	result := types.BacktestResult{
		StrategyID:          templateID,
		WindowStart:         actualStartDate,
		WindowEnd:           finalDate,
		InitialCapital:      e.config.InitialCapital,
		FinalPortfolioValue: finalPortfolioValue,
		Performance:         performance,
		DailySnapshots:      loopResult.dailySnapshots,
		Trades:              trades,
		Tickers:             tickersForRun,
		StrategyState:       strategyState,
	}

	return &BacktestRun{Result: result, Signals: generatedSignals, SignalSkips: loopResult.signalSkips}, nil
}

type dateTicker struct {
	date   time.Time
	ticker string
}

type loopResult struct {
	cash             float64
	activeTrades     []types.Trade
	closedTrades     []types.Trade
	dailySnapshots   []types.DailySnapshot
	generatedSignals []types.GeneratedSignal
	signalSkips      []types.AccountSignalSkip
}

type resumeState struct {
	loopStartIndex   int
	cash             float64
	activeTrades     []types.Trade
	closedTrades     []types.Trade
	dailySnapshots   []types.DailySnapshot
	maxPortfolioValue float64
	startDate        time.Time
}

func resolveTradingStartIndex(uniqueDates []time.Time, requested time.Time) int {
	if len(uniqueDates) == 0 {
		return 0
	}
	lastIndex := len(uniqueDates) - 1
	idx := sort.Search(len(uniqueDates), func(i int) bool { return !uniqueDates[i].Before(requested) })
	if idx < len(uniqueDates) && uniqueDates[idx].Equal(requested) {
		if idx < lastIndex {
			return idx
		}
		return lastIndex
	}
	if idx == 0 {
		return 0
	}
	result := idx - 1
	if result > lastIndex {
		return lastIndex
	}
	return result
}

func groupCandlesForTickers(tickers []string, all []types.Candle) map[string][]types.Candle {
	byTicker := make(map[string][]types.Candle, len(tickers))
	wanted := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		wanted[t] = true
	}
	for _, c := range all {
		if wanted[c.Ticker] {
			byTicker[c.Ticker] = append(byTicker[c.Ticker], c)
		}
	}
	for ticker, series := range byTicker {
		sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
		byTicker[ticker] = series
	}
	return byTicker
}

func (e *Engine) runBacktestLoop(
	strategyID string,
	tickers []string,
	uniqueDates []time.Time,
	candlesByTicker map[string][]types.Candle,
	tradingStartIndex, loopStartIndex int,
	signalProvider signalDecisionFunc,
	resume *resumeState,
	trackSignalSkips bool,
) loopResult {
	var active, closed []types.Trade
	var snapshots []types.DailySnapshot
	var generated []types.GeneratedSignal
	var skips []types.AccountSignalSkip
	var cash, maxPortfolioValue float64

	if resume != nil {
		active = resume.activeTrades
		closed = resume.closedTrades
		snapshots = resume.dailySnapshots
		cash = resume.cash
		maxPortfolioValue = resume.maxPortfolioValue
	} else {
		cash = e.config.InitialCapital
		maxPortfolioValue = e.config.InitialCapital
	}

	cursors := make(map[string]int, len(tickers))
	for _, t := range tickers {
		cursors[t] = 0
	}

	for dateIndex := loopStartIndex; dateIndex < len(uniqueDates); dateIndex++ {
		currentDate := uniqueDates[dateIndex]
		missedTradesDueToCash := 0

		e.updateActiveTrades(&active, &closed, &cash, candlesByTicker, currentDate)

		if dateIndex >= tradingStartIndex {
			orderedTickers := hashorder.Sort(tickers, currentDate.Unix())
			for _, ticker := range orderedTickers {
				tickerCandles, ok := candlesByTicker[ticker]
				if !ok {
					continue
				}
				cursor := cursors[ticker]
				for cursor < len(tickerCandles) && tickerCandles[cursor].Date.Before(currentDate) {
					cursor++
				}
				cursors[ticker] = cursor
				if cursor >= len(tickerCandles) || !tickerCandles[cursor].Date.Equal(currentDate) {
					continue
				}
				index := cursor

				decision, ok := signalProvider(ticker, index, currentDate, tickerCandles)
				if !ok {
					continue
				}

				if decision.Action == types.SignalBuy || decision.Action == types.SignalSell {
					if isFinite(decision.Confidence) {
						generated = append(generated, types.GeneratedSignal{
							StrategyID: "", Ticker: ticker, Date: currentDate, Action: decision.Action, Confidence: decision.Confidence,
						})
					} else {
						generated = append(generated, types.GeneratedSignal{Ticker: ticker, Date: currentDate, Action: decision.Action})
					}
				}

				switch decision.Action {
				case types.SignalBuy:
					var nextCandle *types.Candle
					if index+1 < len(tickerCandles) {
						nextCandle = &tickerCandles[index+1]
					}
					if e.config.AllowShortSelling {
						e.closeShortPositions(&active, &closed, &cash, ticker, nextCandle)
					}
					outcome := e.executeBuySignal(strategyID, &active, &cash, ticker, tickerCandles[index], nextCandle, tickerCandles, index, decision.Confidence)
					if !outcome.executed {
						if outcome.reason == "insufficient_cash" {
							missedTradesDueToCash++
						}
						if trackSignalSkips {
							skips = append(skips, types.AccountSignalSkip{Ticker: ticker, Date: currentDate, Action: types.SignalBuy, Reason: outcome.reason, Detail: outcome.details})
						}
					}

				case types.SignalSell:
					sellOutcome := e.executeSellSignal(&active, &closed, &cash, ticker, tickerCandles[index])
					sellExecuted := sellOutcome.closedCount > 0

					var shortOutcome *entryOutcome
					if e.config.AllowShortSelling && !hasActiveLongPosition(active, ticker) {
						var nextCandle *types.Candle
						if index+1 < len(tickerCandles) {
							nextCandle = &tickerCandles[index+1]
						}
						o := e.executeShortEntry(strategyID, &active, &cash, ticker, tickerCandles[index], nextCandle, tickerCandles, index, decision.Confidence)
						if o.reason == "insufficient_cash" {
							missedTradesDueToCash++
						}
						shortOutcome = &o
					}

					acted := sellExecuted || (shortOutcome != nil && shortOutcome.executed)
					if !acted && trackSignalSkips {
						reason, details := "", ""
						if shortOutcome != nil && !shortOutcome.executed {
							reason, details = shortOutcome.reason, shortOutcome.details
						} else if !sellOutcome.executed {
							reason = sellOutcome.reason
						}
						if reason != "" {
							skips = append(skips, types.AccountSignalSkip{Ticker: ticker, Date: currentDate, Action: types.SignalSell, Reason: reason, Detail: details})
						}
					}

				case types.SignalHold:
				}
			}
		}

		positionsValue := e.calculatePositionsValue(active)
		portfolioValue := cash + positionsValue

		if portfolioValue < 0 && len(active) > 0 {
			if e.logger != nil {
				e.logger.Warn("portfolio value fell below zero; forcing liquidation", zap.Float64("portfolio_value", portfolioValue), zap.Time("date", currentDate))
			}
			e.forceLiquidation(&active, &closed, &cash, candlesByTicker, currentDate)
			positionsValue = e.calculatePositionsValue(active)
			portfolioValue = cash + positionsValue
		}

		if portfolioValue > maxPortfolioValue {
			maxPortfolioValue = portfolioValue
		}

		if dateIndex >= tradingStartIndex {
			snapshots = append(snapshots, types.DailySnapshot{
				Date:                  currentDate,
				PortfolioValue:        portfolioValue,
				Cash:                  cash,
				PositionsValue:        positionsValue,
				ConcurrentTrades:      len(active),
				MissedTradesDueToCash: missedTradesDueToCash,
			})
		}
	}

	return loopResult{cash: cash, activeTrades: active, closedTrades: closed, dailySnapshots: snapshots, generatedSignals: generated, signalSkips: skips}
}

func (e *Engine) prepareResumeState(existing *types.BacktestResult, uniqueDates []time.Time) (*resumeState, error) {
	if len(uniqueDates) == 0 {
		return nil, nil
	}
	lastAvailable := uniqueDates[len(uniqueDates)-1]
	if !existing.WindowEnd.Before(lastAvailable) {
		return nil, nil
	}

	resumeFrom := existing.WindowEnd.AddDate(0, 0, 1)
	if resumeFrom.After(lastAvailable) {
		return nil, nil
	}

	loopStartIndex := resolveTradingStartIndex(uniqueDates, resumeFrom)
	for loopStartIndex < len(uniqueDates) && !uniqueDates[loopStartIndex].After(existing.WindowEnd) {
		loopStartIndex++
	}
	if loopStartIndex >= len(uniqueDates) {
		return nil, nil
	}

	cash := e.config.InitialCapital
	if len(existing.DailySnapshots) > 0 {
		cash = existing.DailySnapshots[len(existing.DailySnapshots)-1].Cash
	}
	maxPortfolioValue := e.getMaxPortfolioValue(existing.DailySnapshots)

	var closedTrades, activeTrades []types.Trade
	for _, t := range existing.Trades {
		if t.Status == types.TradeStatusActive {
			activeTrades = append(activeTrades, t)
		} else {
			closedTrades = append(closedTrades, t)
		}
	}

	return &resumeState{
		loopStartIndex:    loopStartIndex,
		cash:              cash,
		activeTrades:      activeTrades,
		closedTrades:      closedTrades,
		dailySnapshots:    existing.DailySnapshots,
		maxPortfolioValue: maxPortfolioValue,
		startDate:         existing.WindowStart,
	}, nil
}

func (e *Engine) getMaxPortfolioValue(snapshots []types.DailySnapshot) float64 {
	max := e.config.InitialCapital
	for _, s := range snapshots {
		if s.PortfolioValue > max {
			max = s.PortfolioValue
		}
	}
	return max
}

// entryOutcome is the result of an entry attempt (long or short). reason is
// a skip-reason token from a closed vocabulary; empty when executed.
type entryOutcome struct {
	executed bool
	reason   string
	details  string
}

type sellOutcome struct {
	executed    bool
	closedCount int
	reason      string
}

func (e *Engine) updateActiveTrades(active, closed *[]types.Trade, cash *float64, candlesByTicker map[string][]types.Candle, currentDate time.Time) {
	var toClose []int

	for i := range *active {
		trade := &(*active)[i]
		if currentDate.Before(trade.Date) {
			continue
		}
		tickerCandles, ok := candlesByTicker[trade.Ticker]
		if !ok {
			continue
		}
		currentCandle, currentIndex, found := mostRecentCandleAt(tickerCandles, currentDate)
		if !found {
			continue
		}

		currentPrice := currentCandle.Close
		pnl := (currentPrice - trade.Price) * trade.Quantity
		trade.PnL = &pnl

		daysHeld := int(currentDate.Sub(trade.Date).Hours() / 24)
		if e.config.MaxHoldingDays > 0 && daysHeld >= e.config.MaxHoldingDays {
			e.closeTradeAt(trade, currentPrice, currentCandle, currentDate)
			toClose = append(toClose, i)
			continue
		}

		if trade.StopLoss != nil && trade.Date.Before(currentDate) {
			if update, ok := tradingrules.ComputeTrailingStop(tradingrules.TrailingStopParams{
				Mode:          e.config.StopLoss.Mode,
				ATRMultiplier: e.config.StopLoss.ATRMultiplier,
				ATRPeriod:     e.config.StopLoss.ATRPeriod,
				TickerCandles: tickerCandles,
				CandleIndex:   currentIndex,
				CurrentCandle: currentCandle,
				CurrentStop:   *trade.StopLoss,
				IsShort:       trade.IsShort(),
			}); ok {
				trade.SetStopLoss(&update.Value, currentDate)
			}
		}

		if trade.StopLoss != nil {
			if rawExit, triggered := tradingrules.StopLossExitPrice(currentCandle, *trade.StopLoss, trade.IsShort()); triggered {
				exitPrice := e.applyExitSlippageWithCandle(rawExit, trade.IsShort(), currentCandle)
				fee := e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, exitPrice, trade.Date, currentDate)
				pnl := (exitPrice-trade.Price)*trade.Quantity - fee
				trade.SetExitPrice(&exitPrice, currentDate)
				trade.SetExitDate(&currentDate, currentDate)
				trade.PnL = &pnl
				trade.SetFee(&fee, currentDate)
				trade.SetStatus(types.TradeStatusClosed, currentDate)
				triggeredVal := true
				trade.SetStopLossTriggered(&triggeredVal, currentDate)
				toClose = append(toClose, i)
				continue
			}
		}
	}

	for i := len(toClose) - 1; i >= 0; i-- {
		idx := toClose[i]
		trade := (*active)[idx]
		*active = append((*active)[:idx], (*active)[idx+1:]...)
		exitPrice := derefOr(trade.ExitPrice, 0)
		exitDate := trade.Date
		if trade.ExitDate != nil {
			exitDate = *trade.ExitDate
		}
		tradeValue := exitPrice * trade.Quantity
		fee := derefOr(trade.Fee, 0)
		if trade.Fee == nil {
			fee = e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, exitPrice, trade.Date, exitDate)
		}
		*cash += tradeValue - fee
		*closed = append(*closed, trade)
	}
}

func (e *Engine) closeTradeAt(trade *types.Trade, markPrice float64, candle types.Candle, currentDate time.Time) {
	exitPrice := e.applyExitSlippageWithCandle(markPrice, trade.IsShort(), candle)
	fee := e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, exitPrice, trade.Date, currentDate)
	pnl := (exitPrice-trade.Price)*trade.Quantity - fee
	trade.SetExitPrice(&exitPrice, currentDate)
	trade.SetExitDate(&currentDate, currentDate)
	trade.PnL = &pnl
	trade.SetFee(&fee, currentDate)
	trade.SetStatus(types.TradeStatusClosed, currentDate)
}

func mostRecentCandleAt(candles []types.Candle, date time.Time) (types.Candle, int, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if !candles[i].Date.After(date) {
			return candles[i], i, true
		}
	}
	return types.Candle{}, 0, false
}

func (e *Engine) executeBuySignal(strategyID string, active *[]types.Trade, cash *float64, ticker string, candle types.Candle, nextCandle *types.Candle, tickerCandles []types.Candle, index int, confidence float64) entryOutcome {
	guardPrice, ok := guardPriceFromCandle(candle)
	if !ok || !e.entryPriceSupported(guardPrice) {
		return entryOutcome{reason: "price_out_of_range"}
	}
	if nextCandle == nil {
		return entryOutcome{reason: "missing_next_candle"}
	}
	nextIndex := index + 1
	if !tradingrules.HasMinimumDollarVolume(tickerCandles, nextIndex, e.runtime.MinimumDollarVolumeLookback, e.runtime.MinimumDollarVolumeForEntry) {
		return entryOutcome{reason: "insufficient_volume"}
	}

	price := nextCandle.Open
	isLimitEntry := false
	tradeDate := nextCandle.Date

	if e.config.BuyDiscountRatio > 0 {
		discountedPrice := candle.Close * (1 - e.config.BuyDiscountRatio)
		if nextCandle.Low <= discountedPrice {
			price = math.Min(nextCandle.Open, discountedPrice)
			isLimitEntry = true
		} else {
			return entryOutcome{reason: "discount_not_reached"}
		}
	}
	if !isLimitEntry {
		price = e.applyEntrySlippageWithCandle(price, false, *nextCandle)
	}

	for _, t := range *active {
		if t.Ticker == ticker && t.Date.Equal(tradeDate) {
			return entryOutcome{reason: "trade_already_open"}
		}
	}

	var realizedVol *float64
	if (e.config.PositionSizing.Mode == tradingrules.SizingModeVolTarget || e.config.PositionSizing.Mode == tradingrules.SizingModeBoth) &&
		e.config.PositionSizing.VolTargetAnnual > 0 {
		v := estimateAnnualizedVolatility(tickerCandles, index, e.config.PositionSizing.VolLookback)
		realizedVol = &v
	}

	outcome := tradingrules.DeterminePositionSize(tradingrules.PositionSizingParams{
		Price: price, AvailableCash: *cash, TradeSizeRatio: e.config.TradeSizeRatio, MinimumTradeSize: e.config.MinimumTradeSize,
		Mode: e.config.PositionSizing.Mode, Confidence: confidence, VolTargetAnnual: e.config.PositionSizing.VolTargetAnnual, RealizedVol: realizedVol,
	})
	switch outcome.Kind {
	case tradingrules.OutcomeTooSmall:
		return entryOutcome{reason: "insufficient_size"}
	case tradingrules.OutcomeInsufficientCash:
		return entryOutcome{reason: "insufficient_cash", details: fmt.Sprintf("need %.2f, have %.2f", outcome.RequiredCash, *cash)}
	}

	*cash -= outcome.TradeValue

	stopLoss, hasStop := tradingrules.InitialStopLoss(e.config.StopLoss.Mode, e.config.StopLoss.ATRMultiplier, e.config.StopLoss.ATRPeriod, e.config.StopLoss.Ratio, price, tickerCandles, index, false)

	trade := types.NewTrade(strategyID, ticker, float64(outcome.Quantity), price, tradeDate)
	trade.Status = types.TradeStatusActive
	if hasStop {
		trade.StopLoss = &stopLoss
	}
	triggered := false
	trade.StopLossTriggered = &triggered
	*active = append(*active, *trade)

	return entryOutcome{executed: true}
}

func (e *Engine) executeShortEntry(strategyID string, active *[]types.Trade, cash *float64, ticker string, candle types.Candle, nextCandle *types.Candle, tickerCandles []types.Candle, index int, confidence float64) entryOutcome {
	guardPrice, ok := guardPriceFromCandle(candle)
	if !ok || !e.entryPriceSupported(guardPrice) {
		return entryOutcome{reason: "price_out_of_range"}
	}
	if !e.config.AllowShortSelling {
		return entryOutcome{reason: "short_selling_disabled"}
	}
	if nextCandle == nil {
		return entryOutcome{reason: "missing_next_candle"}
	}
	nextIndex := index + 1
	if !tradingrules.HasMinimumDollarVolume(tickerCandles, nextIndex, e.runtime.MinimumDollarVolumeLookback, e.runtime.MinimumDollarVolumeForEntry) {
		return entryOutcome{reason: "insufficient_volume"}
	}

	price := nextCandle.Open
	tradeDate := nextCandle.Date

	if hasActiveLongPosition(*active, ticker) || hasActiveShortPosition(*active, ticker) {
		return entryOutcome{reason: "position_exists"}
	}
	for _, t := range *active {
		if t.Ticker == ticker && t.Date.Equal(tradeDate) {
			return entryOutcome{reason: "trade_already_open"}
		}
	}

	price = e.applyEntrySlippageWithCandle(price, true, *nextCandle)

	var realizedVol *float64
	if (e.config.PositionSizing.Mode == tradingrules.SizingModeVolTarget || e.config.PositionSizing.Mode == tradingrules.SizingModeBoth) &&
		e.config.PositionSizing.VolTargetAnnual > 0 {
		v := estimateAnnualizedVolatility(tickerCandles, index, e.config.PositionSizing.VolLookback)
		realizedVol = &v
	}

	outcome := tradingrules.DeterminePositionSize(tradingrules.PositionSizingParams{
		Price: price, AvailableCash: *cash, TradeSizeRatio: e.config.TradeSizeRatio, MinimumTradeSize: e.config.MinimumTradeSize,
		Mode: e.config.PositionSizing.Mode, Confidence: confidence, VolTargetAnnual: e.config.PositionSizing.VolTargetAnnual, RealizedVol: realizedVol,
	})
	switch outcome.Kind {
	case tradingrules.OutcomeTooSmall:
		return entryOutcome{reason: "insufficient_size"}
	case tradingrules.OutcomeInsufficientCash:
		return entryOutcome{reason: "insufficient_cash", details: fmt.Sprintf("need %.2f, have %.2f", outcome.RequiredCash, *cash)}
	}

	*cash += outcome.TradeValue

	stopLoss, hasStop := tradingrules.InitialStopLoss(e.config.StopLoss.Mode, e.config.StopLoss.ATRMultiplier, e.config.StopLoss.ATRPeriod, e.config.StopLoss.Ratio, price, tickerCandles, index, true)

	trade := types.NewTrade(strategyID, ticker, -float64(outcome.Quantity), price, tradeDate)
	trade.Status = types.TradeStatusActive
	if hasStop {
		trade.StopLoss = &stopLoss
	}
	triggered := false
	trade.StopLossTriggered = &triggered
	*active = append(*active, *trade)

	return entryOutcome{executed: true}
}

func (e *Engine) executeSellSignal(active, closed *[]types.Trade, cash *float64, ticker string, candle types.Candle) sellOutcome {
	fraction := coerceBinary(e.config.SellFraction, 1.0)
	if fraction == 0 {
		return sellOutcome{reason: "sell_fraction_zero"}
	}

	var toClose []int
	for i := range *active {
		trade := &(*active)[i]
		if trade.Ticker != ticker || trade.Status != types.TradeStatusActive || trade.Quantity <= 0 {
			continue
		}
		if candle.Date.Before(trade.Date) {
			continue
		}
		if fraction >= 1.0 {
			exitPrice := e.applyExitSlippageWithCandle(candle.Close, false, candle)
			exitDate := candle.Date
			fee := e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, exitPrice, trade.Date, exitDate)
			pnl := (exitPrice-trade.Price)*trade.Quantity - fee
			tradeValue := exitPrice * trade.Quantity

			trade.SetExitPrice(&exitPrice, exitDate)
			trade.SetExitDate(&exitDate, exitDate)
			trade.PnL = &pnl
			trade.SetStatus(types.TradeStatusClosed, exitDate)
			trade.SetFee(&fee, exitDate)

			*cash += tradeValue - fee
			toClose = append(toClose, i)
		}
	}

	for i := len(toClose) - 1; i >= 0; i-- {
		idx := toClose[i]
		trade := (*active)[idx]
		*active = append((*active)[:idx], (*active)[idx+1:]...)
		*closed = append(*closed, trade)
	}

	if len(toClose) == 0 {
		return sellOutcome{reason: "sell_no_active_position"}
	}
	return sellOutcome{executed: true, closedCount: len(toClose)}
}

func (e *Engine) closeShortPositions(active, closed *[]types.Trade, cash *float64, ticker string, executionCandle *types.Candle) {
	if executionCandle == nil {
		return
	}
	candle := *executionCandle
	var toClose []int
	for i := range *active {
		trade := &(*active)[i]
		if trade.Ticker != ticker || trade.Status != types.TradeStatusActive || trade.Quantity >= 0 {
			continue
		}
		if candle.Date.Before(trade.Date) {
			continue
		}
		exitPrice := e.applyExitSlippageWithCandle(candle.Open, true, candle)
		exitDate := candle.Date
		fee := e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, exitPrice, trade.Date, exitDate)
		pnl := (exitPrice-trade.Price)*trade.Quantity - fee
		trade.SetExitPrice(&exitPrice, exitDate)
		trade.SetExitDate(&exitDate, exitDate)
		trade.PnL = &pnl
		trade.SetStatus(types.TradeStatusClosed, exitDate)
		trade.SetFee(&fee, exitDate)
		triggered := false
		trade.SetStopLossTriggered(&triggered, exitDate)

		tradeValue := exitPrice * trade.Quantity
		*cash += tradeValue - fee
		toClose = append(toClose, i)
	}
	for i := len(toClose) - 1; i >= 0; i-- {
		idx := toClose[i]
		trade := (*active)[idx]
		*active = append((*active)[:idx], (*active)[idx+1:]...)
		*closed = append(*closed, trade)
	}
}

func hasActiveLongPosition(active []types.Trade, ticker string) bool {
	for _, t := range active {
		if t.Ticker == ticker && t.Status == types.TradeStatusActive && t.Quantity > 0 {
			return true
		}
	}
	return false
}

func hasActiveShortPosition(active []types.Trade, ticker string) bool {
	for _, t := range active {
		if t.Ticker == ticker && t.Status == types.TradeStatusActive && t.Quantity < 0 {
			return true
		}
	}
	return false
}

func (e *Engine) calculatePositionsValue(active []types.Trade) float64 {
	var total float64
	for _, t := range active {
		entryValue := t.Price * t.Quantity
		pnl := derefOr(t.PnL, 0)
		total += entryValue + pnl
	}
	return total
}

func (e *Engine) forceLiquidation(active, closed *[]types.Trade, cash *float64, candlesByTicker map[string][]types.Candle, currentDate time.Time) {
	if len(*active) == 0 {
		return
	}
	var toClose []int
	for i := range *active {
		trade := &(*active)[i]
		if trade.Status != types.TradeStatusActive || currentDate.Before(trade.Date) {
			continue
		}

		exitCandle, _, found := mostRecentCandleAt(candlesByTicker[trade.Ticker], currentDate)
		var exitPrice float64
		if found {
			exitPrice = e.applyExitSlippageWithCandle(exitCandle.Close, trade.IsShort(), exitCandle)
		} else {
			exitPrice = e.applyExitSlippage(trade.Price, trade.IsShort())
		}

		fee := e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, exitPrice, trade.Date, currentDate)
		pnl := (exitPrice-trade.Price)*trade.Quantity - fee
		trade.SetExitPrice(&exitPrice, currentDate)
		trade.SetExitDate(&currentDate, currentDate)
		trade.PnL = &pnl
		trade.SetStatus(types.TradeStatusClosed, currentDate)
		trade.SetFee(&fee, currentDate)
		triggered := false
		trade.SetStopLossTriggered(&triggered, currentDate)

		tradeValue := exitPrice * trade.Quantity
		*cash += tradeValue - fee
		toClose = append(toClose, i)
	}
	for i := len(toClose) - 1; i >= 0; i-- {
		idx := toClose[i]
		trade := (*active)[idx]
		*active = append((*active)[:idx], (*active)[idx+1:]...)
		*closed = append(*closed, trade)
	}
}

// removeFutureDatedTrades cancels trades whose entry date falls after the
// final mark date (e.g. when resume terminates the loop before their
// scheduled entry) and refunds their reserved capital.
func (e *Engine) removeFutureDatedTrades(active *[]types.Trade, cash *float64, cutoff time.Time) {
	kept := (*active)[:0]
	for _, trade := range *active {
		if trade.Date.After(cutoff) {
			*cash += trade.Price * trade.Quantity
			continue
		}
		kept = append(kept, trade)
	}
	*active = kept
}

func (e *Engine) calculateTradeCloseFee(ticker string, quantity, exitPrice float64, entryDate, exitDate time.Time) float64 {
	if quantity == 0 || exitPrice <= 0 || !isFinite(exitPrice) {
		return 0
	}
	notional := exitPrice * math.Abs(quantity)
	if notional <= 0 || !isFinite(notional) {
		return 0
	}

	fee := notional * e.runtime.TradeCloseFeeRate

	holdingSeconds := math.Max(0, exitDate.Sub(entryDate).Seconds())
	yearsHeld := 0.0
	if holdingSeconds > 0 {
		yearsHeld = holdingSeconds / (365.25 * 24 * 60 * 60)
	}

	if quantity < 0 && yearsHeld > 0 {
		fee += notional * e.runtime.ShortBorrowFeeAnnualRate * yearsHeld
	}
	if quantity > 0 {
		expenseRatio := e.expenseRatioFor(ticker)
		if expenseRatio > 0 {
			fee += notional * expenseRatio * yearsHeld
		}
	}
	return fee
}

func (e *Engine) applyEntrySlippage(price float64, isShort bool) float64 {
	rate := e.runtime.TradeSlippageRate
	if isShort {
		return price * (1 - rate)
	}
	return price * (1 + rate)
}

func (e *Engine) applyExitSlippage(price float64, isShort bool) float64 {
	rate := e.runtime.TradeSlippageRate
	if isShort {
		return price * (1 + rate)
	}
	return price * (1 - rate)
}

func (e *Engine) applyEntrySlippageWithCandle(price float64, isShort bool, candle types.Candle) float64 {
	return clampPriceToCandleBounds(e.applyEntrySlippage(price, isShort), candle)
}

func (e *Engine) applyExitSlippageWithCandle(price float64, isShort bool, candle types.Candle) float64 {
	return clampPriceToCandleBounds(e.applyExitSlippage(price, isShort), candle)
}

func clampPriceToCandleBounds(price float64, candle types.Candle) float64 {
	if !isFinite(price) {
		return price
	}
	low, high := candle.Low, candle.High
	if !isFinite(low) || !isFinite(high) {
		bounds, ok := candlePriceBounds(candle)
		if !ok {
			return price
		}
		low, high = bounds[0], bounds[1]
	}
	lower, upper := math.Min(low, high), math.Max(low, high)
	if !isFinite(lower) || !isFinite(upper) {
		return price
	}
	switch {
	case price < lower:
		return lower
	case price > upper:
		return upper
	default:
		return price
	}
}

func (e *Engine) entryPriceSupported(price float64) bool {
	return isFinite(price) && price >= e.runtime.TradeEntryPriceMin && price <= e.runtime.TradeEntryPriceMax
}

func guardPriceFromCandle(candle types.Candle) (float64, bool) {
	price := candle.EffectiveClose()
	if isFinite(price) && price > 0 {
		return price, true
	}
	return 0, false
}

func candlePriceBounds(candle types.Candle) ([2]float64, bool) {
	minPrice, maxPrice := math.Inf(1), math.Inf(-1)
	for _, v := range []float64{candle.Open, candle.High, candle.Low, candle.Close} {
		if !isFinite(v) {
			continue
		}
		if v < minPrice {
			minPrice = v
		}
		if v > maxPrice {
			maxPrice = v
		}
	}
	if math.IsInf(minPrice, 0) || math.IsInf(maxPrice, 0) {
		return [2]float64{}, false
	}
	return [2]float64{minPrice, maxPrice}, true
}

func (e *Engine) priceWithinBounds(price, minPrice, maxPrice float64) bool {
	if !isFinite(price) || !isFinite(minPrice) || !isFinite(maxPrice) {
		return false
	}
	lower, upper := math.Min(minPrice, maxPrice), math.Max(minPrice, maxPrice)
	magnitude := math.Max(math.Max(math.Abs(lower), math.Abs(upper)), math.Max(math.Abs(price), 1.0))
	tolerance := magnitude*e.runtime.TradeSlippageRate + tradingrules.PriceEpsilon
	return price+tolerance >= lower && price <= upper+tolerance
}

func pnlWithinReason(actual, expected float64) bool {
	if !isFinite(actual) || !isFinite(expected) {
		return false
	}
	tolerance := pnlEpsilon * (1 + math.Max(math.Abs(actual), math.Abs(expected)))
	return math.Abs(actual-expected) <= tolerance
}

// validateTrades enforces the post-loop invariants: every trade's recorded
// prices lie within its candle's bounds, and pnl/fee are reproducible from
// the recorded prices within tolerance. Returns the first violation found.
func (e *Engine) validateTrades(trades []types.Trade, candlesByTicker map[string][]types.Candle, markDate time.Time) error {
	for _, trade := range trades {
		if trade.Quantity == 0 {
			return fmt.Errorf("trade %s has zero quantity", trade.ID)
		}
		if !isFinite(trade.Price) {
			return fmt.Errorf("trade %s entry price is not finite", trade.ID)
		}

		tickerCandles, ok := candlesByTicker[trade.Ticker]
		if !ok {
			return fmt.Errorf("trade %s references ticker %s with no candle data", trade.ID, trade.Ticker)
		}

		var entryCandle types.Candle
		found := false
		for _, c := range tickerCandles {
			if c.Date.Equal(trade.Date) {
				entryCandle = c
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("trade %s entry date %s missing candle for %s", trade.ID, trade.Date, trade.Ticker)
		}
		entryBounds, ok := candlePriceBounds(entryCandle)
		if !ok {
			return fmt.Errorf("trade %s entry candle %s has invalid price data", trade.ID, trade.Date)
		}
		if !e.priceWithinBounds(trade.Price, entryBounds[0], entryBounds[1]) {
			return fmt.Errorf("trade %s entry price %.4f outside %s range [%.4f, %.4f] on %s", trade.ID, trade.Price, trade.Ticker, entryBounds[0], entryBounds[1], trade.Date)
		}

		switch trade.Status {
		case types.TradeStatusPending, types.TradeStatusCancelled:
			if trade.ExitPrice != nil || trade.ExitDate != nil {
				return fmt.Errorf("open trade %s unexpectedly has exit data", trade.ID)
			}

		case types.TradeStatusActive:
			if trade.ExitPrice != nil || trade.ExitDate != nil {
				return fmt.Errorf("active trade %s unexpectedly has exit data", trade.ID)
			}
			if trade.PnL == nil {
				return fmt.Errorf("active trade %s missing pnl mark-to-market", trade.ID)
			}
			markCandle, _, found := mostRecentCandleAt(tickerCandles, markDate)
			if !found {
				return fmt.Errorf("trade %s has no candle to mark position as of %s", trade.ID, markDate)
			}
			if markCandle.Date.Before(trade.Date) {
				return fmt.Errorf("trade %s mark date predates entry", trade.ID)
			}
			expectedPnL := (markCandle.Close - trade.Price) * trade.Quantity
			if !pnlWithinReason(*trade.PnL, expectedPnL) {
				return fmt.Errorf("trade %s pnl %.6f inconsistent with mark %.6f", trade.ID, *trade.PnL, expectedPnL)
			}

		case types.TradeStatusClosed:
			if trade.ExitDate == nil {
				return fmt.Errorf("closed trade %s is missing exit_date", trade.ID)
			}
			if trade.ExitDate.Before(trade.Date) {
				return fmt.Errorf("trade %s exit date %s precedes entry %s", trade.ID, *trade.ExitDate, trade.Date)
			}
			if trade.ExitPrice == nil {
				return fmt.Errorf("closed trade %s is missing exit_price", trade.ID)
			}
			if !isFinite(*trade.ExitPrice) {
				return fmt.Errorf("trade %s exit price is not finite", trade.ID)
			}
			exitCandle, _, found := mostRecentCandleAt(tickerCandles, *trade.ExitDate)
			if !found {
				return fmt.Errorf("trade %s exit date %s has no candle at or before that date for %s", trade.ID, *trade.ExitDate, trade.Ticker)
			}
			exitBounds, ok := candlePriceBounds(exitCandle)
			if !ok {
				return fmt.Errorf("trade %s exit candle %s has invalid price data", trade.ID, exitCandle.Date)
			}
			if !e.priceWithinBounds(*trade.ExitPrice, exitBounds[0], exitBounds[1]) {
				return fmt.Errorf("trade %s exit price %.4f outside %s range [%.4f, %.4f]", trade.ID, *trade.ExitPrice, trade.Ticker, exitBounds[0], exitBounds[1])
			}
			if trade.PnL == nil {
				return fmt.Errorf("closed trade %s missing pnl", trade.ID)
			}
			fee := e.calculateTradeCloseFee(trade.Ticker, trade.Quantity, *trade.ExitPrice, trade.Date, *trade.ExitDate)
			if trade.Fee != nil && !pnlWithinReason(*trade.Fee, fee) {
				return fmt.Errorf("trade %s fee %.6f inconsistent with expected %.6f", trade.ID, *trade.Fee, fee)
			}
			expectedPnL := (*trade.ExitPrice-trade.Price)*trade.Quantity - fee
			if !pnlWithinReason(*trade.PnL, expectedPnL) {
				return fmt.Errorf("trade %s pnl %.6f inconsistent with exit %.6f", trade.ID, *trade.PnL, expectedPnL)
			}
		}
	}
	return nil
}

func estimateAnnualizedVolatility(candles []types.Candle, index, lookback int) float64 {
	start := index - lookback + 1
	if start < 0 {
		start = 0
	}
	if index >= len(candles) || index < start+1 {
		return 0
	}
	var logReturns []float64
	for i := start + 1; i <= index; i++ {
		prev, cur := candles[i-1].Close, candles[i].Close
		if prev > 0 && cur > 0 {
			logReturns = append(logReturns, math.Log(cur/prev))
		}
	}
	if len(logReturns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range logReturns {
		sum += r
	}
	mean := sum / float64(len(logReturns))
	var sumSq float64
	for _, r := range logReturns {
		sumSq += (r - mean) * (r - mean)
	}
	variance := sumSq / float64(len(logReturns)-1)
	return math.Sqrt(variance) * math.Sqrt(252)
}

func coerceBinary(v, defaultVal float64) float64 {
	if !isFinite(v) {
		return defaultVal
	}
	if v <= 0 {
		return 0
	}
	return 1
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func derefOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
