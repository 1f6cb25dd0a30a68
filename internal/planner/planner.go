// Package planner derives the broker operations (open, close,
// update-stop) a live account should submit on a given day, from a
// strategy's signals, the account's current broker-reported state, and
// its existing trade history. It never touches an order book itself —
// it only proposes. internal/broker supplies the account state it reads
// and internal/reconciler reconciles broker order state back onto trades;
// nothing in this repository submits the proposed operations.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/stratforge/internal/hashorder"
	"github.com/atlas-desktop/stratforge/internal/tradingrules"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

// Config is the subset of engine.Config the planner consults when sizing
// and stopping a proposed entry; kept separate from internal/engine to
// avoid a package dependency in either direction.
type Config struct {
	MaxLeverage      float64
	BuyDiscountRatio float64
	TradeSizeRatio   float64
	MinimumTradeSize float64
	MaxHoldingDays   int
	StopLoss         StopLossConfig
	PositionSizing   PositionSizingConfig
}

// StopLossConfig mirrors engine.StopLossConfig's shape.
type StopLossConfig struct {
	Mode          tradingrules.StopLossMode
	ATRMultiplier float64
	ATRPeriod     int
	Ratio         float64
}

// PositionSizingConfig mirrors engine.PositionSizingConfig's shape.
type PositionSizingConfig struct {
	Mode            tradingrules.PositionSizingMode
	VolTargetAnnual float64
	VolLookback     int
}

// RuntimeSettings mirrors the liquidity-gate fields of
// engine.RuntimeSettings the planner needs.
type RuntimeSettings struct {
	TradeEntryPriceMin          float64
	TradeEntryPriceMax          float64
	MinimumDollarVolumeLookback int
	MinimumDollarVolumeForEntry float64
}

// Planner derives account operations from signals and account state.
type Planner struct {
	config  Config
	runtime RuntimeSettings
}

// New constructs a Planner.
func New(config Config, runtime RuntimeSettings) *Planner {
	return &Planner{config: config, runtime: runtime}
}

// EffectiveBuyingPower resolves the cash an account can deploy today:
// broker-reported buying power capped by the leverage-implied remaining
// headroom, or available cash when the broker reports no buying power
// figure.
func (p *Planner) EffectiveBuyingPower(account types.AccountStateSnapshot) float64 {
	cash := account.AvailableCash
	if !isFinite(cash) || cash < 0 {
		cash = 0
	}

	leverage := p.config.MaxLeverage
	if !isFinite(leverage) || leverage < 1.0 {
		leverage = 1.0
	}

	var exposure, positionValue float64
	for _, pos := range account.Positions {
		price := pos.AvgEntryPrice
		if pos.CurrentPrice != nil {
			price = *pos.CurrentPrice
		}
		if !isFinite(price) || price <= 0 {
			continue
		}
		value := pos.Quantity * price
		positionValue += value
		exposure += absFloat(value)
	}

	equity := cash + positionValue
	leverageCap := 0.0
	if isFinite(equity) {
		leverageCap = maxFloat(equity, 0) * leverage
	}
	remainingByLeverage := maxFloat(leverageCap-exposure, 0)

	if account.BuyingPower != nil && isFinite(*account.BuyingPower) && *account.BuyingPower >= 0 {
		return minFloat(*account.BuyingPower, remainingByLeverage)
	}
	return cash
}

// Plan derives the account operations for one strategy/account/day, from
// its signals dated target_date, the candle universe, account state, and
// existing trade history. candles need not be restricted to target_date;
// the planner looks up each ticker's candle as of that date itself.
func (p *Planner) Plan(
	strategyID, accountID string,
	signals []types.GeneratedSignal,
	candles []types.Candle,
	targetDate time.Time,
	account types.AccountStateSnapshot,
	excludedTickers map[string]bool,
	existingTrades []types.Trade,
	existingBuyOperationsToday int,
	tickerMetadata map[string]types.TickerInfo,
) types.PlannedOperations {
	var notes []string
	var skipped []types.AccountSignalSkip

	if len(candles) == 0 {
		notes = append(notes, "no_candles_provided")
		return types.PlannedOperations{Notes: notes}
	}

	candlesByTicker := groupCandlesByTicker(candles)
	if len(candlesByTicker) == 0 {
		notes = append(notes, "no_candles_for_tracked_tickers")
		return types.PlannedOperations{Notes: notes}
	}

	availableCash := p.EffectiveBuyingPower(account)
	if availableCash <= 0 {
		notes = append(notes, "account_cash_unavailable")
	}

	var operations []types.AccountOperationPlan
	recordSkip := func(ticker string, action types.SignalAction, reason, detail string) {
		skipped = append(skipped, types.AccountSignalSkip{Ticker: ticker, Date: targetDate, Action: action, Reason: reason, Detail: detail})
	}

	latestLiveTradeDates := make(map[string]time.Time)
	for _, t := range existingTrades {
		if t.Status != types.TradeStatusPending && t.Status != types.TradeStatusActive {
			continue
		}
		ticker := strings.ToUpper(strings.TrimSpace(t.Ticker))
		if ticker == "" {
			continue
		}
		if existing, ok := latestLiveTradeDates[ticker]; !ok || t.Date.After(existing) {
			latestLiveTradeDates[ticker] = t.Date
		}
	}

	sellSignals := make(map[string]types.GeneratedSignal)
	for _, s := range signals {
		if s.Action != types.SignalSell || !s.Date.Equal(targetDate) {
			continue
		}
		ticker := strings.ToUpper(strings.TrimSpace(s.Ticker))
		if ticker == "" {
			notes = append(notes, "signal_missing_ticker")
			continue
		}
		if _, ok := sellSignals[ticker]; !ok {
			sellSignals[ticker] = s
		}
	}

	type buySignal struct {
		ticker string
		signal types.GeneratedSignal
	}
	var buySignals []buySignal
	for _, s := range signals {
		if s.Action != types.SignalBuy || !s.Date.Equal(targetDate) {
			continue
		}
		buySignals = append(buySignals, buySignal{ticker: strings.ToUpper(strings.TrimSpace(s.Ticker)), signal: s})
	}
	tickerKeys := make([]string, 0, len(buySignals))
	bySignalTicker := make(map[string]buySignal, len(buySignals))
	for _, bs := range buySignals {
		if _, exists := bySignalTicker[bs.ticker]; exists {
			continue
		}
		bySignalTicker[bs.ticker] = bs
		tickerKeys = append(tickerKeys, bs.ticker)
	}
	orderedBuyTickers := hashorder.Sort(tickerKeys, targetDate.Unix())

	if existingBuyOperationsToday > 0 {
		notes = append(notes, "buy_operations_already_planned_for_day")
		for _, ticker := range orderedBuyTickers {
			if ticker == "" {
				notes = append(notes, "signal_missing_ticker")
				continue
			}
			recordSkip(ticker, types.SignalBuy, "buy_ops_already_planned", "")
		}
	} else {
		for _, ticker := range orderedBuyTickers {
			if ticker == "" {
				notes = append(notes, "signal_missing_ticker")
				continue
			}
			bs := bySignalTicker[ticker]
			signal := bs.signal

			if excludedTickers[ticker] {
				notes = append(notes, fmt.Sprintf("signal_%s_excluded", ticker))
				recordSkip(ticker, types.SignalBuy, "signal_excluded", "")
				continue
			}
			if meta, ok := tickerMetadata[ticker]; ok && !meta.Tradable {
				notes = append(notes, fmt.Sprintf("signal_%s_not_tradable", ticker))
				recordSkip(ticker, types.SignalBuy, "signal_not_tradable", "")
				continue
			}
			if account.OpenBuyOrders[ticker] {
				notes = append(notes, fmt.Sprintf("signal_%s_pending_buy_order", ticker))
				recordSkip(ticker, types.SignalBuy, "signal_pending_buy_order", "")
				continue
			}
			if last, ok := latestLiveTradeDates[ticker]; ok && !last.Before(targetDate) {
				notes = append(notes, fmt.Sprintf("signal_%s_already_traded", ticker))
				recordSkip(ticker, types.SignalBuy, "signal_already_traded", "")
				continue
			}

			tickerCandles, ok := candlesByTicker[ticker]
			if !ok {
				notes = append(notes, fmt.Sprintf("missing_candles_for_%s", ticker))
				recordSkip(ticker, types.SignalBuy, "missing_candles", "")
				continue
			}
			candleIndex, currentCandle, found := mostRecentCandleOn(tickerCandles, targetDate)
			if !found {
				notes = append(notes, fmt.Sprintf("no_candle_for_signal_%s_on_date", ticker))
				recordSkip(ticker, types.SignalBuy, "missing_candle_for_date", "")
				continue
			}

			planningClose := planningReferencePrice(currentCandle)
			if !p.entryPriceSupported(planningClose) {
				notes = append(notes, fmt.Sprintf("signal_%s_price_out_of_range", ticker))
				recordSkip(ticker, types.SignalBuy, "price_out_of_range", "")
				continue
			}

			if !tradingrules.HasMinimumDollarVolume(tickerCandles, candleIndex, p.runtime.MinimumDollarVolumeLookback, p.runtime.MinimumDollarVolumeForEntry) {
				notes = append(notes, fmt.Sprintf("signal_%s_insufficient_volume", ticker))
				recordSkip(ticker, types.SignalBuy, "insufficient_volume", "")
				continue
			}

			var orderType types.OrderType
			var price float64
			if isFinite(p.config.BuyDiscountRatio) && p.config.BuyDiscountRatio > 0 {
				orderType = types.OrderTypeLimit
				discountedPrice := planningClose * (1 - p.config.BuyDiscountRatio)
				if !isFinite(discountedPrice) || discountedPrice <= 0 {
					notes = append(notes, fmt.Sprintf("price_unavailable_for_%s", ticker))
					recordSkip(ticker, types.SignalBuy, "price_unavailable", "")
					continue
				}
				price = discountedPrice
			} else {
				orderType = types.OrderTypeMarket
				price = planningClose
			}

			confidence := signal.Confidence
			if confidence == 0 {
				confidence = 1.0
			}
			var realizedVol *float64
			if (p.config.PositionSizing.Mode == tradingrules.SizingModeVolTarget || p.config.PositionSizing.Mode == tradingrules.SizingModeBoth) &&
				p.config.PositionSizing.VolTargetAnnual > 0 {
				v := estimateAnnualizedVolatility(tickerCandles, candleIndex, p.config.PositionSizing.VolLookback)
				realizedVol = &v
			}

			outcome := tradingrules.DeterminePositionSize(tradingrules.PositionSizingParams{
				Price: price, AvailableCash: availableCash, TradeSizeRatio: p.config.TradeSizeRatio, MinimumTradeSize: p.config.MinimumTradeSize,
				Mode: p.config.PositionSizing.Mode, Confidence: confidence, VolTargetAnnual: p.config.PositionSizing.VolTargetAnnual, RealizedVol: realizedVol,
			})
			switch outcome.Kind {
			case tradingrules.OutcomeTooSmall:
				notes = append(notes, fmt.Sprintf("signal_%s_insufficient_size", ticker))
				recordSkip(ticker, types.SignalBuy, "insufficient_size", "")
				continue
			case tradingrules.OutcomeInsufficientCash:
				detail := fmt.Sprintf("need %.2f, have %.2f", outcome.RequiredCash, availableCash)
				notes = append(notes, fmt.Sprintf("insufficient_cash_for_signal_%s (%s)", ticker, detail))
				recordSkip(ticker, types.SignalBuy, "insufficient_cash", detail)
				continue
			}

			stopLoss, hasStop := tradingrules.InitialStopLoss(p.config.StopLoss.Mode, p.config.StopLoss.ATRMultiplier, p.config.StopLoss.ATRPeriod, p.config.StopLoss.Ratio, price, tickerCandles, candleIndex, false)

			tradeID := generateTradeID(strategyID, accountID, ticker, targetDate) + "-plan"
			availableCash -= outcome.TradeValue

			quantity := float64(outcome.Quantity)
			plan := types.AccountOperationPlan{
				OperationType: types.OperationOpenPosition,
				TradeID:       tradeID,
				Ticker:        ticker,
				Quantity:      &quantity,
				Price:         &price,
				TriggeredAt:   targetDate,
				Reason:        "buy_signal_sync",
				OrderType:     &orderType,
			}
			if hasStop {
				plan.StopLoss = &stopLoss
			}
			operations = append(operations, plan)
		}
	}

	type liveTradeRef struct {
		hash  uint64
		trade types.Trade
	}
	var liveTrades []liveTradeRef
	for _, t := range existingTrades {
		if t.Status == types.TradeStatusActive {
			liveTrades = append(liveTrades, liveTradeRef{hash: hashorder.Key(t.Ticker, targetDate.Unix()), trade: t})
		}
	}
	sort.Slice(liveTrades, func(i, j int) bool {
		if liveTrades[i].hash != liveTrades[j].hash {
			return liveTrades[i].hash < liveTrades[j].hash
		}
		if liveTrades[i].trade.Ticker != liveTrades[j].trade.Ticker {
			return liveTrades[i].trade.Ticker < liveTrades[j].trade.Ticker
		}
		return liveTrades[i].trade.ID < liveTrades[j].trade.ID
	})

	pendingSellSignals := make(map[string]bool, len(sellSignals))
	for ticker := range sellSignals {
		pendingSellSignals[ticker] = true
	}

	for _, ref := range liveTrades {
		trade := ref.trade

		if trade.Date.After(targetDate) {
			notes = append(notes, fmt.Sprintf("trade %s occurs after latest candle %s", trade.ID, targetDate))
			if pendingSellSignals[trade.Ticker] {
				delete(pendingSellSignals, trade.Ticker)
				recordSkip(trade.Ticker, types.SignalSell, "sell_trade_after_latest_candle", "")
			}
			continue
		}

		if trade.ExitOrderID != nil && strings.TrimSpace(*trade.ExitOrderID) != "" {
			notes = append(notes, fmt.Sprintf("trade_%s_pending_exit_order", trade.ID))
			if pendingSellSignals[trade.Ticker] {
				delete(pendingSellSignals, trade.Ticker)
				recordSkip(trade.Ticker, types.SignalSell, "sell_exit_order_pending", "")
			}
			continue
		}

		tickerCandles, ok := candlesByTicker[trade.Ticker]
		if !ok {
			notes = append(notes, fmt.Sprintf("missing_candles_for_%s", trade.Ticker))
			if pendingSellSignals[trade.Ticker] {
				delete(pendingSellSignals, trade.Ticker)
				recordSkip(trade.Ticker, types.SignalSell, "sell_missing_candles", "")
			}
			continue
		}
		candleIndex, currentCandle, found := mostRecentCandleOn(tickerCandles, targetDate)
		if !found {
			notes = append(notes, fmt.Sprintf("no_candle_for_%s_on_latest_date", trade.Ticker))
			if pendingSellSignals[trade.Ticker] {
				delete(pendingSellSignals, trade.Ticker)
				recordSkip(trade.Ticker, types.SignalSell, "sell_missing_candle_for_date", "")
			}
			continue
		}

		planningClose := planningReferencePrice(currentCandle)
		currentDate := currentCandle.Date
		if currentDate.Before(trade.Date) {
			notes = append(notes, fmt.Sprintf("latest_candle_for_%s precedes trade %s", trade.Ticker, trade.ID))
			if pendingSellSignals[trade.Ticker] {
				delete(pendingSellSignals, trade.Ticker)
				recordSkip(trade.Ticker, types.SignalSell, "sell_latest_candle_precedes_trade", "")
			}
			continue
		}

		daysHeld := int(currentDate.Sub(trade.Date).Hours() / 24)

		if _, ok := sellSignals[trade.Ticker]; ok {
			quantity := trade.Quantity
			marketOrder := types.OrderTypeMarket
			operations = append(operations, types.AccountOperationPlan{
				OperationType: types.OperationClosePosition,
				TradeID:       trade.ID,
				Ticker:        trade.Ticker,
				Quantity:      &quantity,
				Price:         &planningClose,
				StopLoss:      trade.StopLoss,
				TriggeredAt:   currentDate,
				Reason:        "sell_signal_sync",
				OrderType:     &marketOrder,
				DaysHeld:      &daysHeld,
			})
			delete(pendingSellSignals, trade.Ticker)
			continue
		}

		if p.config.MaxHoldingDays > 0 && daysHeld >= p.config.MaxHoldingDays {
			quantity := trade.Quantity
			operations = append(operations, types.AccountOperationPlan{
				OperationType: types.OperationClosePosition,
				TradeID:       trade.ID,
				Ticker:        trade.Ticker,
				Quantity:      &quantity,
				Price:         &planningClose,
				StopLoss:      trade.StopLoss,
				TriggeredAt:   currentDate,
				Reason:        "max_holding_days",
				DaysHeld:      &daysHeld,
			})
			continue
		}

		if trade.StopLoss != nil && trade.Date.Before(currentDate) {
			currStop := *trade.StopLoss
			if p.shouldRepairMissingStop(account, trade) {
				quantity := trade.Quantity
				operations = append(operations, types.AccountOperationPlan{
					OperationType: types.OperationUpdateStop,
					TradeID:       trade.ID,
					Ticker:        trade.Ticker,
					Quantity:      &quantity,
					Price:         &planningClose,
					StopLoss:      &currStop,
					TriggeredAt:   currentDate,
					Reason:        "stop_missing",
				})
				continue
			}

			if update, ok := tradingrules.ComputeTrailingStop(tradingrules.TrailingStopParams{
				Mode: p.config.StopLoss.Mode, ATRMultiplier: p.config.StopLoss.ATRMultiplier, ATRPeriod: p.config.StopLoss.ATRPeriod,
				TickerCandles: tickerCandles, CandleIndex: candleIndex, CurrentCandle: currentCandle, CurrentStop: currStop,
				IsShort: trade.IsShort(), PlanningClose: &planningClose,
			}); ok {
				quantity := trade.Quantity
				newStop := update.Value
				prevStop := currStop
				operations = append(operations, types.AccountOperationPlan{
					OperationType:    types.OperationUpdateStop,
					TradeID:          trade.ID,
					Ticker:           trade.Ticker,
					Quantity:         &quantity,
					Price:            &planningClose,
					StopLoss:         &newStop,
					PreviousStopLoss: &prevStop,
					TriggeredAt:      currentDate,
					Reason:           update.Reason,
				})
			}
		}
	}

	remaining := make([]string, 0, len(pendingSellSignals))
	for ticker := range pendingSellSignals {
		remaining = append(remaining, ticker)
	}
	sort.Strings(remaining)
	for _, ticker := range remaining {
		recordSkip(ticker, types.SignalSell, "sell_no_active_position", "")
	}

	return types.PlannedOperations{Operations: operations, Notes: notes, SkippedSignals: skipped}
}

func (p *Planner) entryPriceSupported(price float64) bool {
	return isFinite(price) && price >= p.runtime.TradeEntryPriceMin && price <= p.runtime.TradeEntryPriceMax
}

// shouldRepairMissingStop reports whether a trade's recorded stop has no
// corresponding broker-side stop order and no conflicting open order,
// meaning the planner should resubmit it rather than trail it.
func (p *Planner) shouldRepairMissingStop(account types.AccountStateSnapshot, trade types.Trade) bool {
	if trade.StopLoss == nil {
		return false
	}

	hasPosition := false
	for _, pos := range account.Positions {
		if pos.Ticker == trade.Ticker && pos.Quantity == trade.Quantity {
			hasPosition = true
			break
		}
	}
	if !hasPosition {
		return false
	}

	desiredSide := "sell"
	if trade.Quantity < 0 {
		desiredSide = "buy"
	}
	desiredQty := absFloat(trade.Quantity)
	hasStopOrder := false
	for _, order := range account.StopOrders[trade.Ticker] {
		if absFloat(order.Quantity) == desiredQty && order.Side == desiredSide {
			hasStopOrder = true
			break
		}
	}
	if hasStopOrder {
		return false
	}

	hasSideOrder := false
	if trade.Quantity < 0 {
		hasSideOrder = account.OpenBuyOrders[trade.Ticker]
	} else {
		hasSideOrder = account.OpenSellOrders[trade.Ticker]
	}
	return !hasSideOrder
}

func groupCandlesByTicker(candles []types.Candle) map[string][]types.Candle {
	byTicker := make(map[string][]types.Candle)
	for _, c := range candles {
		ticker := strings.ToUpper(strings.TrimSpace(c.Ticker))
		byTicker[ticker] = append(byTicker[ticker], c)
	}
	for ticker, series := range byTicker {
		sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
		byTicker[ticker] = series
	}
	return byTicker
}

func mostRecentCandleOn(candles []types.Candle, date time.Time) (int, types.Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Date.Equal(date) {
			return i, candles[i], true
		}
	}
	return 0, types.Candle{}, false
}

func planningReferencePrice(candle types.Candle) float64 {
	return candle.EffectiveClose()
}

func generateTradeID(strategyID, accountID, ticker string, date time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", strategyID, accountID, ticker, date.Format("2006-01-02"))
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
			logReturns = append(logReturns, logf(cur/prev))
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
	return sqrtf(variance) * sqrtf(252)
}
