// Package config loads the settings this engine needs from the
// environment and sensible defaults via viper, standing in for the
// reference's database-backed settings table for the knobs every run
// needs before it can even reach the database: connection info, and the
// trading/optimization parameters a deployment tunes without a code
// change.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the fully resolved configuration for one process.
type Settings struct {
	DatabaseURL     string
	DatabaseKey     string
	RayonNumThreads int

	DataDir string

	BacktestInitialCapital      float64
	MaxAllowedDrawdownRatio     float64
	MinimumDollarVolumeForEntry float64
	MinimumDollarVolumeLookback int
	TradeCloseFeeRate           float64
	ShortBorrowFeeAnnualRate    float64
	TradeSlippageRate           float64
	TradeEntryPriceMin          float64
	TradeEntryPriceMax          float64

	OptimizationObjective            string
	LocalOptimizationStepMultipliers []float64
	LocalOptimizationVersion         int
	OptimizerTrainingStartDate       string
	OptimizerTrainingEndDate         string

	AlpacaPaperURL string
	AlpacaLiveURL  string
	AlpacaKeyID    string
	AlpacaSecret   string
}

// Load reads Settings from the environment (and an optional config file,
// when present at configPath), falling back to the defaults below for
// anything unset. Mirrors the teacher's flag-plus-default idiom
// (cmd/server/main.go), but sourced through viper's env-binding instead
// of command-line flags, per the settings-table env var contract.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	bindEnv(v)

	return &Settings{
		DatabaseURL:     v.GetString("database_url"),
		DatabaseKey:     v.GetString("database_key"),
		RayonNumThreads: v.GetInt("rayon_num_threads"),

		DataDir: v.GetString("data_dir"),

		BacktestInitialCapital:      v.GetFloat64("backtest_initial_capital"),
		MaxAllowedDrawdownRatio:     v.GetFloat64("max_allowed_drawdown_ratio"),
		MinimumDollarVolumeForEntry: v.GetFloat64("minimum_dollar_volume_for_entry"),
		MinimumDollarVolumeLookback: v.GetInt("minimum_dollar_volume_lookback"),
		TradeCloseFeeRate:           v.GetFloat64("trade_close_fee_rate"),
		ShortBorrowFeeAnnualRate:    v.GetFloat64("short_borrow_fee_annual_rate"),
		TradeSlippageRate:           v.GetFloat64("trade_slippage_rate"),
		TradeEntryPriceMin:          v.GetFloat64("trade_entry_price_min"),
		TradeEntryPriceMax:          v.GetFloat64("trade_entry_price_max"),

		OptimizationObjective:            v.GetString("optimization_objective"),
		LocalOptimizationStepMultipliers: v.GetFloat64Slice("local_optimization_step_multipliers"),
		LocalOptimizationVersion:         v.GetInt("local_optimization_version"),
		OptimizerTrainingStartDate:       v.GetString("optimizer_training_start_date"),
		OptimizerTrainingEndDate:         v.GetString("optimizer_training_end_date"),

		AlpacaPaperURL: v.GetString("alpaca_paper_url"),
		AlpacaLiveURL:  v.GetString("alpaca_live_url"),
		AlpacaKeyID:    v.GetString("alpaca_key_id"),
		AlpacaSecret:   v.GetString("alpaca_secret"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("rayon_num_threads", 0)

	v.SetDefault("backtest_initial_capital", 100000.0)
	v.SetDefault("max_allowed_drawdown_ratio", 0.40)
	v.SetDefault("minimum_dollar_volume_for_entry", 0.0)
	v.SetDefault("minimum_dollar_volume_lookback", 0)
	v.SetDefault("trade_close_fee_rate", 0.0005)
	v.SetDefault("short_borrow_fee_annual_rate", 0.03)
	v.SetDefault("trade_slippage_rate", 0.001)
	v.SetDefault("trade_entry_price_min", 1.0)
	v.SetDefault("trade_entry_price_max", 100000.0)

	v.SetDefault("optimization_objective", "cagr")
	v.SetDefault("local_optimization_step_multipliers", []float64{-5, -4, -3, -2, -1, 1, 2, 3, 4, 5})
	v.SetDefault("local_optimization_version", 1)

	v.SetDefault("alpaca_paper_url", "https://paper-api.alpaca.markets")
	v.SetDefault("alpaca_live_url", "https://api.alpaca.markets")
}

func bindEnv(v *viper.Viper) {
	keys := []string{
		"database_url", "database_key", "rayon_num_threads", "data_dir",
		"backtest_initial_capital", "max_allowed_drawdown_ratio",
		"minimum_dollar_volume_for_entry", "minimum_dollar_volume_lookback",
		"trade_close_fee_rate", "short_borrow_fee_annual_rate", "trade_slippage_rate",
		"trade_entry_price_min", "trade_entry_price_max",
		"optimization_objective", "local_optimization_step_multipliers",
		"local_optimization_version", "optimizer_training_start_date",
		"optimizer_training_end_date",
		"alpaca_paper_url", "alpaca_live_url", "alpaca_key_id", "alpaca_secret",
	}
	for _, key := range keys {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
}
