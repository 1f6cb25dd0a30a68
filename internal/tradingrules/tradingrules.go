// Package tradingrules implements the liquidity gate, position sizing,
// and stop-loss computations the simulation engine and planner share.
// Every function is a pure computation over finite float64 inputs; none
// hold state. Ported from the reference engine's trading_rules module,
// preserving its exact branch order and epsilon placement.
package tradingrules

import (
	"math"

	"github.com/atlas-desktop/stratforge/internal/indicators"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

// PriceEpsilon is the floating-point slack used throughout the engine's
// liquidity, cash and bounds comparisons.
const PriceEpsilon = 1e-6

// HasMinimumDollarVolume requires each of the last lookback candles up to
// and including endIndex to have traded at least minimumDollarVolume in
// dollar terms (high * volume). Disabled (always true) when
// minimumDollarVolume <= 0 or lookback == 0.
func HasMinimumDollarVolume(candles []types.Candle, endIndex, lookback int, minimumDollarVolume float64) bool {
	if minimumDollarVolume <= 0 || lookback == 0 {
		return true
	}
	if len(candles) == 0 || endIndex >= len(candles) {
		return false
	}
	if endIndex+1 < lookback {
		return false
	}
	startIndex := endIndex + 1 - lookback
	for idx := startIndex; idx <= endIndex; idx++ {
		c := candles[idx]
		usdVolume := c.High * float64(c.Volume)
		if usdVolume+PriceEpsilon < minimumDollarVolume {
			return false
		}
	}
	return true
}

// PositionSizingMode selects which multiplier terms apply in
// DeterminePositionSize.
type PositionSizingMode int

const (
	// SizingModeFlat applies no confidence or volatility scaling.
	SizingModeFlat PositionSizingMode = 0
	// SizingModeConfidence scales by clamped confidence, floored at 0.3.
	SizingModeConfidence PositionSizingMode = 1
	// SizingModeVolTarget scales by vol_target_annual / realized_vol, clamped to [0,1].
	SizingModeVolTarget PositionSizingMode = 2
	// SizingModeBoth applies both the confidence and volatility-target scalers.
	SizingModeBoth PositionSizingMode = 3
)

// PositionSizingParams is the input to DeterminePositionSize.
type PositionSizingParams struct {
	Price             float64
	AvailableCash     float64
	TradeSizeRatio    float64
	MinimumTradeSize  float64
	Mode              PositionSizingMode
	Confidence        float64
	VolTargetAnnual   float64
	RealizedVol       *float64
}

// PositionSizingOutcomeKind discriminates the result of DeterminePositionSize.
type PositionSizingOutcomeKind int

const (
	OutcomeSized PositionSizingOutcomeKind = iota
	OutcomeTooSmall
	OutcomeInsufficientCash
)

// PositionSizingOutcome is the tagged result of DeterminePositionSize.
type PositionSizingOutcome struct {
	Kind             PositionSizingOutcomeKind
	Quantity         int
	TradeValue       float64
	RequiredCash     float64
}

// DeterminePositionSize computes the share quantity and notional value for
// a new entry, or reports why sizing failed. See SPEC_FULL.md §4.2 /
// original_source/engine/src/trading_rules.rs determine_position_size for
// the exact rule order this mirrors.
func DeterminePositionSize(p PositionSizingParams) PositionSizingOutcome {
	if p.Price <= 0 || !isFinite(p.Price) || !isFinite(p.AvailableCash) {
		return PositionSizingOutcome{Kind: OutcomeTooSmall}
	}

	sizingMultiplier := 1.0
	if p.Mode == SizingModeConfidence || p.Mode == SizingModeBoth {
		conf := clamp(p.Confidence, 0, 1)
		sizingMultiplier *= math.Max(conf, 0.3)
	}

	if (p.Mode == SizingModeVolTarget || p.Mode == SizingModeBoth) &&
		p.VolTargetAnnual > 0 && isFinite(p.VolTargetAnnual) {
		if p.RealizedVol != nil {
			vol := *p.RealizedVol
			if vol > 0 && isFinite(vol) {
				volScale := clamp(p.VolTargetAnnual/vol, 0, 1)
				if isFinite(volScale) {
					sizingMultiplier *= volScale
				} else {
					sizingMultiplier *= 1.0
				}
			}
		}
	}

	tradeAllocation := math.Max(p.AvailableCash, 0) * math.Max(p.TradeSizeRatio, 0) * sizingMultiplier
	var desiredShares float64
	if tradeAllocation > 0 {
		desiredShares = tradeAllocation / p.Price
	}
	quantity := int(math.Max(math.Floor(desiredShares), 0))

	tradeValue := float64(quantity) * p.Price

	if quantity > 0 && tradeValue < p.MinimumTradeSize {
		quantity = int(math.Ceil(p.MinimumTradeSize / p.Price))
		tradeValue = float64(quantity) * p.Price
	}

	if quantity <= 0 {
		if p.AvailableCash+PriceEpsilon < p.Price {
			return PositionSizingOutcome{Kind: OutcomeInsufficientCash, RequiredCash: p.Price}
		}
		return PositionSizingOutcome{Kind: OutcomeTooSmall}
	}

	if tradeValue > p.AvailableCash+PriceEpsilon {
		return PositionSizingOutcome{Kind: OutcomeInsufficientCash, RequiredCash: tradeValue}
	}

	return PositionSizingOutcome{Kind: OutcomeSized, Quantity: quantity, TradeValue: tradeValue}
}

// StopLossMode selects how InitialStopLoss and ComputeTrailingStop derive
// a stop price.
type StopLossMode int

const (
	// StopLossModeRatio computes a fixed percentage stop.
	StopLossModeRatio StopLossMode = 0
	// StopLossModeATR computes an ATR-multiple stop.
	StopLossModeATR StopLossMode = 1
)

// InitialStopLoss computes the initial stop price for a new position. ATR
// mode requires a defined, positive ATR at index; ratio mode requires
// 0 < stopLossRatio < 1. Returns (0, false) when neither condition holds.
func InitialStopLoss(mode StopLossMode, atrMultiplier float64, atrPeriod int, stopLossRatio, price float64, tickerCandles []types.Candle, index int, isShort bool) (float64, bool) {
	if mode == StopLossModeATR && atrMultiplier > 0 {
		atr, ok := atrAt(tickerCandles, index, atrPeriod)
		if ok && atr > 0 && isFinite(atr) {
			if isShort {
				return price + atrMultiplier*atr, true
			}
			return price - atrMultiplier*atr, true
		}
		return 0, false
	}

	if isFinite(stopLossRatio) && stopLossRatio > 0 && stopLossRatio < 1 {
		if isShort {
			return price * (1 + stopLossRatio), true
		}
		return price * (1 - stopLossRatio), true
	}

	return 0, false
}

// TrailingStopParams is the input to ComputeTrailingStop.
type TrailingStopParams struct {
	Mode           StopLossMode
	ATRMultiplier  float64
	ATRPeriod      int
	TickerCandles  []types.Candle
	CandleIndex    int
	CurrentCandle  types.Candle
	CurrentStop    float64
	IsShort        bool
	PlanningClose  *float64
}

// TrailingStopUpdate is a proposed stop-loss tightening; Reason is always
// "atr_trailing" for the one supported trailing mode.
type TrailingStopUpdate struct {
	Value  float64
	Reason string
}

// ComputeTrailingStop proposes a new stop only when it strictly tightens
// the current one (raises for longs, lowers for shorts). Returns
// (update, false) when no tightening candidate exists.
func ComputeTrailingStop(p TrailingStopParams) (TrailingStopUpdate, bool) {
	referenceClose := p.CurrentCandle.Close
	if p.PlanningClose != nil {
		referenceClose = *p.PlanningClose
	}

	if p.Mode == StopLossModeATR && p.ATRMultiplier > 0 {
		atr, ok := atrAt(p.TickerCandles, p.CandleIndex, p.ATRPeriod)
		if ok && atr > 0 && isFinite(atr) {
			var potential float64
			if p.IsShort {
				potential = referenceClose + p.ATRMultiplier*atr
			} else {
				potential = referenceClose - p.ATRMultiplier*atr
			}
			improves := (!p.IsShort && potential > p.CurrentStop) || (p.IsShort && potential < p.CurrentStop)
			if improves {
				return TrailingStopUpdate{Value: potential, Reason: "atr_trailing"}, true
			}
		}
	}

	return TrailingStopUpdate{}, false
}

// StopLossExitPrice returns the fill price when a stop is breached on
// currentCandle: a gap gets filled at the open, otherwise at the stop
// level itself. Returns (0, false) when the stop was not breached.
func StopLossExitPrice(currentCandle types.Candle, stopLoss float64, isShort bool) (float64, bool) {
	if !isShort {
		if currentCandle.Low <= stopLoss {
			if currentCandle.Open <= stopLoss {
				return currentCandle.Open, true
			}
			return stopLoss, true
		}
		return 0, false
	}

	if currentCandle.High >= stopLoss {
		if currentCandle.Open >= stopLoss {
			return currentCandle.Open, true
		}
		return stopLoss, true
	}
	return 0, false
}

// atrAt computes Wilder ATR at index over the given candle slice,
// returning (0, false) when undefined (insufficient history).
func atrAt(candles []types.Candle, index, period int) (float64, bool) {
	if index < 0 || index >= len(candles) || period <= 0 || index < period {
		return 0, false
	}
	highs := make([]float64, index+1)
	lows := make([]float64, index+1)
	closes := make([]float64, index+1)
	for i := 0; i <= index; i++ {
		highs[i] = candles[i].High
		lows[i] = candles[i].Low
		closes[i] = candles[i].Close
	}
	series := indicators.ATR(highs, lows, closes, period)
	value := series[index]
	if value == 0 {
		return 0, false
	}
	return value, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
