package engine

import "github.com/atlas-desktop/stratforge/internal/tradingrules"

// StopLossConfig selects and parameterizes the stop-loss rule Config uses
// for both initial placement and trailing updates.
type StopLossConfig struct {
	Mode          tradingrules.StopLossMode
	ATRMultiplier float64
	ATRPeriod     int
	Ratio         float64
}

// PositionSizingConfig selects and parameterizes the position-sizing rule.
type PositionSizingConfig struct {
	Mode            tradingrules.PositionSizingMode
	VolTargetAnnual float64
	VolLookback     int
}

// Config is the per-run set of trading parameters a strategy or its
// optimizer candidate supplies to the engine. Distinct from
// RuntimeSettings, which holds operator-level knobs shared across runs.
type Config struct {
	InitialCapital    float64
	AllowShortSelling bool
	BuyDiscountRatio  float64
	SellFraction      float64
	MaxHoldingDays    int
	TradeSizeRatio    float64
	MinimumTradeSize  float64
	MaxLeverage       float64
	StopLoss          StopLossConfig
	PositionSizing    PositionSizingConfig
}

// DefaultConfig returns a Config with conservative defaults: full-capital
// sizing disabled, no shorting, no discount entries, indefinite holding.
func DefaultConfig() Config {
	return Config{
		InitialCapital:   100000,
		SellFraction:     1.0,
		TradeSizeRatio:   0.1,
		MinimumTradeSize: 100,
		MaxLeverage:      1.0,
		StopLoss: StopLossConfig{
			Mode:  tradingrules.StopLossModeRatio,
			Ratio: 0.08,
		},
	}
}

// RuntimeSettings holds operator-level knobs that apply uniformly across
// strategies within a deployment: fee schedule, slippage model, and the
// liquidity/price guards every entry must clear.
type RuntimeSettings struct {
	TradeCloseFeeRate            float64
	ShortBorrowFeeAnnualRate     float64
	TradeSlippageRate            float64
	TradeEntryPriceMin           float64
	TradeEntryPriceMax           float64
	MinimumDollarVolumeLookback  int
	MinimumDollarVolumeForEntry  float64
}

// DefaultRuntimeSettings mirrors the reference deployment's defaults.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		TradeCloseFeeRate:           0.0005,
		ShortBorrowFeeAnnualRate:    0.03,
		TradeSlippageRate:           0.001,
		TradeEntryPriceMin:          1.0,
		TradeEntryPriceMax:          100000.0,
		MinimumDollarVolumeLookback: 0,
		MinimumDollarVolumeForEntry: 0,
	}
}
