// Package strategy provides the built-in strategy templates: momentum,
// mean reversion, breakout, trend following, RSI divergence, VWAP
// reversion, grid, and dollar-cost averaging. Each implements the
// GenerateSignal/MinHistory/TemplateID/TargetTicker/SnapshotState/
// RestoreState contract the simulation engine consumes, operating on
// []types.Candle rather than the streaming OHLCV/tick bars the teacher's
// strategies consumed.
package strategy

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/atlas-desktop/stratforge/internal/indicators"
	"github.com/atlas-desktop/stratforge/internal/paramreg"
	"github.com/atlas-desktop/stratforge/pkg/types"
	"go.uber.org/zap"
)

// Strategy mirrors the contract internal/engine declares locally. Exported
// here so strategy constructors can be documented against a concrete type;
// the engine never imports this interface, it only requires structural
// satisfaction.
type Strategy interface {
	GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool)
	MinHistory() int
	TemplateID() string
	TargetTicker() (string, bool)
	SnapshotState() ([]byte, bool)
	RestoreState(data []byte) error
}

// Registry manages the built-in strategy factories, looked up by template
// ID. Factories are invoked with a resolved parameter map so every instance
// reflects the StrategyConfig that selected it.
type Registry struct {
	logger     *zap.Logger
	strategies map[string]func(params map[string]float64) Strategy
	mu         sync.RWMutex
}

// NewRegistry creates a Registry with the eight built-in templates
// registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:     logger,
		strategies: make(map[string]func(params map[string]float64) Strategy),
	}

	r.Register("momentum", func(p map[string]float64) Strategy { return NewMomentum(p, logger) })
	r.Register("mean_reversion", func(p map[string]float64) Strategy { return NewMeanReversion(p, logger) })
	r.Register("breakout", func(p map[string]float64) Strategy { return NewBreakout(p, logger) })
	r.Register("trend_following", func(p map[string]float64) Strategy { return NewTrendFollowing(p, logger) })
	r.Register("rsi_divergence", func(p map[string]float64) Strategy { return NewRSIDivergence(p, logger) })
	r.Register("vwap_reversion", func(p map[string]float64) Strategy { return NewVWAPReversion(p, logger) })
	r.Register("grid", func(p map[string]float64) Strategy { return NewGrid(p, logger) })
	r.Register("dca", func(p map[string]float64) Strategy { return NewDCA(p, logger) })

	return r
}

// Register adds or replaces a named strategy factory.
func (r *Registry) Register(templateID string, factory func(params map[string]float64) Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[templateID] = factory
}

// Create instantiates the strategy registered under templateID with the
// given parameter values.
func (r *Registry) Create(templateID string, params map[string]float64) (Strategy, bool) {
	r.mu.RLock()
	factory, ok := r.strategies[templateID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(params), true
}

// Templates returns the ParameterSpec schema for every registered built-in,
// for callers assembling StrategyTemplate rows.
func (r *Registry) Templates() []types.StrategyTemplate {
	return []types.StrategyTemplate{
		momentumTemplate(),
		meanReversionTemplate(),
		breakoutTemplate(),
		trendFollowingTemplate(),
		rsiDivergenceTemplate(),
		vwapReversionTemplate(),
		gridTemplate(),
		dcaTemplate(),
	}
}

// List returns the registered template IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	return ids
}

// base centralizes the fields every built-in shares: a logger, resolved
// parameter values, and an optional single-ticker restriction. Strategies
// embed base and implement GenerateSignal/MinHistory themselves.
type base struct {
	logger       *zap.Logger
	params       map[string]float64
	targetTicker string
}

func (b *base) TargetTicker() (string, bool) {
	if b.targetTicker == "" {
		return "", false
	}
	return b.targetTicker, true
}

// SnapshotState is a no-op for strategies whose signal at idx depends only
// on the candle window up to idx, never on history outside it.
func (b *base) SnapshotState() ([]byte, bool) { return nil, false }

// RestoreState is a no-op for the same reason.
func (b *base) RestoreState(data []byte) error { return nil }

func paramOr(params map[string]float64, name string, fallback float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return fallback
}

func floatPtr(v float64) *float64 { return &v }

func numberSpec(name string, def, min, max, step float64) types.ParameterSpec {
	return types.ParameterSpec{
		Name:    name,
		Type:    types.ParameterNumber,
		Default: floatPtr(def),
		Min:     floatPtr(min),
		Max:     floatPtr(max),
		Step:    floatPtr(step),
	}
}

func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// ---- momentum ----

// Momentum buys when trailing return over period exceeds threshold and
// sells when it falls below -threshold.
type Momentum struct {
	base
	period    int
	threshold float64
}

func momentumTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "momentum",
		Parameters: []types.ParameterSpec{
			numberSpec("period", 20, 2, 120, 1),
			numberSpec("threshold", 0.03, 0.001, 0.25, 0.001),
		},
	}
}

// NewMomentum constructs a Momentum strategy from resolved parameters.
func NewMomentum(params map[string]float64, logger *zap.Logger) *Momentum {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Momentum{
		base:      base{logger: logger, params: params},
		period:    int(paramOr(params, "period", 20)),
		threshold: paramOr(params, "threshold", 0.03),
	}
}

func (s *Momentum) TemplateID() string { return "momentum" }
func (s *Momentum) MinHistory() int    { return s.period + 1 }

func (s *Momentum) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < s.period {
		return types.SignalDecision{}, false
	}
	past := candles[idx-s.period].Close
	if past == 0 {
		return types.SignalDecision{}, false
	}
	momentum := (candles[idx].Close - past) / past
	switch {
	case momentum > s.threshold:
		return types.SignalDecision{Action: types.SignalBuy, Confidence: clampConfidence(momentum / (2 * s.threshold))}, true
	case momentum < -s.threshold:
		return types.SignalDecision{Action: types.SignalSell, Confidence: clampConfidence(-momentum / (2 * s.threshold))}, true
	default:
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
}

// ---- mean reversion ----

// MeanReversion trades Bollinger Band breaches back toward the middle band.
type MeanReversion struct {
	base
	period       int
	stdDevMult   float64
}

func meanReversionTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "mean_reversion",
		Parameters: []types.ParameterSpec{
			numberSpec("period", 20, 5, 100, 1),
			numberSpec("std_dev_mult", 2.0, 0.5, 4.0, 0.1),
		},
	}
}

// NewMeanReversion constructs a MeanReversion strategy from resolved parameters.
func NewMeanReversion(params map[string]float64, logger *zap.Logger) *MeanReversion {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeanReversion{
		base:       base{logger: logger, params: params},
		period:     int(paramOr(params, "period", 20)),
		stdDevMult: paramOr(params, "std_dev_mult", 2.0),
	}
}

func (s *MeanReversion) TemplateID() string { return "mean_reversion" }
func (s *MeanReversion) MinHistory() int    { return s.period }

func (s *MeanReversion) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < s.period-1 {
		return types.SignalDecision{}, false
	}
	window := closes(candles[:idx+1])
	bands := indicators.Bollinger(window, s.period, s.stdDevMult)
	price := candles[idx].Close
	upper, lower, middle := bands.Upper[idx], bands.Lower[idx], bands.Middle[idx]
	width := upper - lower
	if width <= 0 {
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
	switch {
	case price <= lower:
		return types.SignalDecision{Action: types.SignalBuy, Confidence: clampConfidence((lower - price) / width + 0.5)}, true
	case price >= upper:
		return types.SignalDecision{Action: types.SignalSell, Confidence: clampConfidence((price - upper) / width + 0.5)}, true
	default:
		dist := absDiff(price, middle) / width
		return types.SignalDecision{Action: types.SignalHold, Confidence: clampConfidence(dist)}, true
	}
}

// ---- breakout ----

// Breakout buys a close above the trailing lookback high and sells a close
// below the trailing lookback low, gated on a minimum volume multiple of
// its trailing average.
type Breakout struct {
	base
	lookback      int
	minVolumeMult float64
}

func breakoutTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "breakout",
		Parameters: []types.ParameterSpec{
			numberSpec("lookback", 20, 5, 120, 1),
			numberSpec("min_volume_mult", 1.5, 1.0, 5.0, 0.1),
		},
	}
}

// NewBreakout constructs a Breakout strategy from resolved parameters.
func NewBreakout(params map[string]float64, logger *zap.Logger) *Breakout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakout{
		base:          base{logger: logger, params: params},
		lookback:      int(paramOr(params, "lookback", 20)),
		minVolumeMult: paramOr(params, "min_volume_mult", 1.5),
	}
}

func (s *Breakout) TemplateID() string { return "breakout" }
func (s *Breakout) MinHistory() int    { return s.lookback + 1 }

func (s *Breakout) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < s.lookback {
		return types.SignalDecision{}, false
	}
	window := candles[idx-s.lookback : idx]
	var highest, lowest float64
	var volumeSum int64
	for i, c := range window {
		if i == 0 || c.High > highest {
			highest = c.High
		}
		if i == 0 || c.Low < lowest {
			lowest = c.Low
		}
		volumeSum += c.Volume
	}
	avgVolume := float64(volumeSum) / float64(len(window))
	current := candles[idx]
	if avgVolume > 0 && float64(current.Volume) < avgVolume*s.minVolumeMult {
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
	switch {
	case current.Close > highest:
		return types.SignalDecision{Action: types.SignalBuy, Confidence: clampConfidence((current.Close - highest) / highest)}, true
	case current.Close < lowest:
		return types.SignalDecision{Action: types.SignalSell, Confidence: clampConfidence((lowest - current.Close) / lowest)}, true
	default:
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
}

// ---- trend following ----

// TrendFollowing trades the crossover of a fast and slow EMA.
type TrendFollowing struct {
	base
	fastPeriod int
	slowPeriod int
}

func trendFollowingTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "trend_following",
		Parameters: []types.ParameterSpec{
			numberSpec("fast_period", 10, 2, 60, 1),
			numberSpec("slow_period", 30, 5, 200, 1),
		},
	}
}

// NewTrendFollowing constructs a TrendFollowing strategy from resolved parameters.
func NewTrendFollowing(params map[string]float64, logger *zap.Logger) *TrendFollowing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrendFollowing{
		base:       base{logger: logger, params: params},
		fastPeriod: int(paramOr(params, "fast_period", 10)),
		slowPeriod: int(paramOr(params, "slow_period", 30)),
	}
}

func (s *TrendFollowing) TemplateID() string { return "trend_following" }
func (s *TrendFollowing) MinHistory() int {
	if s.slowPeriod > s.fastPeriod {
		return s.slowPeriod + 1
	}
	return s.fastPeriod + 1
}

func (s *TrendFollowing) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < s.MinHistory()-1 {
		return types.SignalDecision{}, false
	}
	window := closes(candles[:idx+1])
	fastEMA := indicators.EMA(window, s.fastPeriod)
	slowEMA := indicators.EMA(window, s.slowPeriod)

	fastNow, slowNow := fastEMA[idx], slowEMA[idx]
	fastPrev, slowPrev := fastEMA[idx-1], slowEMA[idx-1]

	crossedUp := fastPrev <= slowPrev && fastNow > slowNow
	crossedDown := fastPrev >= slowPrev && fastNow < slowNow
	spread := absDiff(fastNow, slowNow)
	var confidence float64
	if slowNow != 0 {
		confidence = clampConfidence(spread / slowNow * 10)
	}

	switch {
	case crossedUp:
		return types.SignalDecision{Action: types.SignalBuy, Confidence: confidence}, true
	case crossedDown:
		return types.SignalDecision{Action: types.SignalSell, Confidence: confidence}, true
	default:
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
}

// ---- rsi divergence ----

// RSIDivergence looks back over a trailing window for a bullish divergence
// (lower price low, higher RSI low) near oversold, or a bearish divergence
// (higher price high, lower RSI high) near overbought.
type RSIDivergence struct {
	base
	period     int
	oversold   float64
	overbought float64
	lookback   int
}

func rsiDivergenceTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "rsi_divergence",
		Parameters: []types.ParameterSpec{
			numberSpec("period", 14, 5, 50, 1),
			numberSpec("oversold", 30, 10, 45, 1),
			numberSpec("overbought", 70, 55, 90, 1),
		},
	}
}

// NewRSIDivergence constructs an RSIDivergence strategy from resolved parameters.
func NewRSIDivergence(params map[string]float64, logger *zap.Logger) *RSIDivergence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RSIDivergence{
		base:       base{logger: logger, params: params},
		period:     int(paramOr(params, "period", 14)),
		oversold:   paramOr(params, "oversold", 30),
		overbought: paramOr(params, "overbought", 70),
		lookback:   20,
	}
}

func (s *RSIDivergence) TemplateID() string { return "rsi_divergence" }
func (s *RSIDivergence) MinHistory() int    { return s.period + s.lookback }

func (s *RSIDivergence) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < s.MinHistory()-1 {
		return types.SignalDecision{}, false
	}
	window := closes(candles[:idx+1])
	rsi := indicators.RSI(window, s.period)

	start := idx - s.lookback + 1
	if start < s.period {
		start = s.period
	}
	currentPrice := candles[idx].Close
	currentRSI := rsi[idx]

	if currentRSI < s.oversold+10 {
		for i := start; i < idx-2; i++ {
			if candles[i].Close > currentPrice && rsi[i] < currentRSI {
				return types.SignalDecision{Action: types.SignalBuy, Confidence: 0.75}, true
			}
		}
	}
	if currentRSI > s.overbought-10 {
		for i := start; i < idx-2; i++ {
			if candles[i].Close < currentPrice && rsi[i] > currentRSI {
				return types.SignalDecision{Action: types.SignalSell, Confidence: 0.75}, true
			}
		}
	}
	return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
}

// ---- vwap reversion ----

// VWAPReversion trades deviation from a trailing-window volume-weighted
// average price, scaled by the window's standard deviation.
type VWAPReversion struct {
	base
	period     int
	stdDevMult float64
}

func vwapReversionTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "vwap_reversion",
		Parameters: []types.ParameterSpec{
			numberSpec("period", 20, 5, 100, 1),
			numberSpec("std_dev_mult", 1.5, 0.5, 4.0, 0.1),
		},
	}
}

// NewVWAPReversion constructs a VWAPReversion strategy from resolved parameters.
func NewVWAPReversion(params map[string]float64, logger *zap.Logger) *VWAPReversion {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VWAPReversion{
		base:       base{logger: logger, params: params},
		period:     int(paramOr(params, "period", 20)),
		stdDevMult: paramOr(params, "std_dev_mult", 1.5),
	}
}

func (s *VWAPReversion) TemplateID() string { return "vwap_reversion" }
func (s *VWAPReversion) MinHistory() int    { return s.period }

func (s *VWAPReversion) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < s.period-1 {
		return types.SignalDecision{}, false
	}
	window := candles[idx-s.period+1 : idx+1]
	var cumVolPrice, cumVolume float64
	for _, c := range window {
		typicalPrice := (c.High + c.Low + c.Close) / 3
		cumVolPrice += typicalPrice * float64(c.Volume)
		cumVolume += float64(c.Volume)
	}
	if cumVolume == 0 {
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
	vwap := cumVolPrice / cumVolume

	var sumSq float64
	for _, c := range window {
		diff := c.Close - vwap
		sumSq += diff * diff
	}
	stdDev := sqrtf(sumSq / float64(len(window)))
	if stdDev == 0 {
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}

	price := candles[idx].Close
	zScore := (price - vwap) / stdDev

	switch {
	case zScore < -s.stdDevMult:
		return types.SignalDecision{Action: types.SignalBuy, Confidence: clampConfidence(-zScore / (2 * s.stdDevMult))}, true
	case zScore > s.stdDevMult:
		return types.SignalDecision{Action: types.SignalSell, Confidence: clampConfidence(zScore / (2 * s.stdDevMult))}, true
	default:
		return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
	}
}

// ---- grid ----

// Grid lays buy/sell levels at fixed percentage offsets from an anchor
// price and signals when the close crosses a level.
type Grid struct {
	base
	gridSize   float64
	gridLevels int
	anchorMode string
}

// anchorModeDefault is the grid's anchor_mode when the parameter is absent
// (e.g. a StrategyConfig predating the parameter's introduction): the
// original single-anchor-at-candles[0] behavior.
const anchorModeDefault = "first_close"

func gridTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "grid",
		Parameters: []types.ParameterSpec{
			numberSpec("grid_size", 0.01, 0.001, 0.1, 0.001),
			numberSpec("grid_levels", 5, 1, 20, 1),
			{Name: "anchor_mode", Type: types.ParameterString},
		},
	}
}

// NewGrid constructs a Grid strategy from resolved parameters. anchor_mode
// is carried through the f64-only parameter map via paramreg's sentinel-NaN
// string encoding, since StrategyTemplate.Parameters is declared in terms
// of float64 values end to end (optimizer candidates, cached snapshots,
// StrategyConfig manifests all share that one shape).
func NewGrid(params map[string]float64, logger *zap.Logger) *Grid {
	if logger == nil {
		logger = zap.NewNop()
	}
	anchorMode := anchorModeDefault
	if encoded, ok := params["anchor_mode"]; ok {
		if decoded, ok := paramreg.Decode(encoded); ok {
			anchorMode = decoded
		}
	}
	return &Grid{
		base:       base{logger: logger, params: params},
		gridSize:   paramOr(params, "grid_size", 0.01),
		gridLevels: int(paramOr(params, "grid_levels", 5)),
		anchorMode: anchorMode,
	}
}

func (s *Grid) TemplateID() string { return "grid" }
func (s *Grid) MinHistory() int    { return 2 }

func (s *Grid) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	if idx < 1 {
		return types.SignalDecision{}, false
	}
	basePrice := candles[0].Close
	if s.anchorMode == "rolling" && idx >= s.gridLevels {
		basePrice = candles[idx-s.gridLevels].Close
	}
	if basePrice == 0 {
		return types.SignalDecision{}, false
	}
	prev := candles[idx-1].Close
	current := candles[idx].Close

	for level := 1; level <= s.gridLevels; level++ {
		offset := s.gridSize * float64(level)
		buyLevel := basePrice - basePrice*offset
		sellLevel := basePrice + basePrice*offset
		if current <= buyLevel && prev > buyLevel {
			return types.SignalDecision{Action: types.SignalBuy, Confidence: 0.6}, true
		}
		if current >= sellLevel && prev < sellLevel {
			return types.SignalDecision{Action: types.SignalSell, Confidence: 0.6}, true
		}
	}
	return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
}

// ---- dollar cost averaging ----

// DCA buys on a fixed bar interval, plus an extra dip buy whenever the
// close drops more than dropThreshold from the prior close. The interval
// counter is the one piece of state that survives a resumed backtest:
// unlike the other built-ins, its next signal depends on bars the engine
// may not be replaying (a dip buy resets the counter, pushing the next
// scheduled buy later),
// so it round-trips through SnapshotState/RestoreState rather than being
// fully derivable from the candle window alone.
type DCA struct {
	base
	interval      int
	dropThreshold float64

	mu         sync.Mutex
	lastBuyBar map[string]int
}

type dcaState struct {
	LastBuyBar map[string]int `json:"last_buy_bar"`
}

func dcaTemplate() types.StrategyTemplate {
	return types.StrategyTemplate{
		ID: "dca",
		Parameters: []types.ParameterSpec{
			numberSpec("interval", 24, 1, 120, 1),
			numberSpec("drop_threshold", 0.05, 0.01, 0.3, 0.01),
		},
	}
}

// NewDCA constructs a DCA strategy from resolved parameters.
func NewDCA(params map[string]float64, logger *zap.Logger) *DCA {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DCA{
		base:          base{logger: logger, params: params},
		interval:      int(paramOr(params, "interval", 24)),
		dropThreshold: paramOr(params, "drop_threshold", 0.05),
		lastBuyBar:    make(map[string]int),
	}
}

func (s *DCA) TemplateID() string { return "dca" }
func (s *DCA) MinHistory() int    { return 1 }

func (s *DCA) GenerateSignal(ticker string, candles []types.Candle, idx int) (types.SignalDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.lastBuyBar[ticker]
	if !seen {
		last = -s.interval
	}

	if idx > 0 {
		prevClose := candles[idx-1].Close
		if prevClose > 0 {
			drop := (prevClose - candles[idx].Close) / prevClose
			if drop > s.dropThreshold {
				s.lastBuyBar[ticker] = idx
				s.logger.Debug("dca dip buy", zap.String("ticker", ticker), zap.Float64("drop", drop))
				return types.SignalDecision{Action: types.SignalBuy, Confidence: 0.7}, true
			}
		}
	}

	if idx-last >= s.interval {
		s.lastBuyBar[ticker] = idx
		return types.SignalDecision{Action: types.SignalBuy, Confidence: 0.5}, true
	}
	return types.SignalDecision{Action: types.SignalHold, Confidence: 0}, true
}

// SnapshotState serializes the per-ticker last-buy-bar counters.
func (s *DCA) SnapshotState() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastBuyBar) == 0 {
		return nil, false
	}
	payload, err := json.Marshal(dcaState{LastBuyBar: s.lastBuyBar})
	if err != nil {
		return nil, false
	}
	return payload, true
}

// RestoreState restores the per-ticker last-buy-bar counters from a prior
// SnapshotState payload.
func (s *DCA) RestoreState(data []byte) error {
	var st dcaState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.LastBuyBar == nil {
		st.LastBuyBar = make(map[string]int)
	}
	s.lastBuyBar = st.LastBuyBar
	return nil
}

// ---- shared numeric helpers ----

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

func sqrtf(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
