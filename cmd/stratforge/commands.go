package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/stratforge/internal/activebacktest"
	"github.com/atlas-desktop/stratforge/internal/engine"
	"github.com/atlas-desktop/stratforge/internal/marketdata"
	"github.com/atlas-desktop/stratforge/internal/optimizer"
	"github.com/atlas-desktop/stratforge/internal/planner"
	"github.com/atlas-desktop/stratforge/internal/reconciler"
	"github.com/atlas-desktop/stratforge/internal/signals"
	"github.com/atlas-desktop/stratforge/internal/store"
	"github.com/atlas-desktop/stratforge/internal/strategy"
	"github.com/atlas-desktop/stratforge/pkg/report"
	"github.com/atlas-desktop/stratforge/pkg/types"
)

// strategyFactoryAdapter bridges internal/strategy.Registry to
// internal/activebacktest.StrategyFactory. internal/strategy declares its
// own Strategy interface and does not import internal/engine, while
// StrategyFactory returns engine.Strategy; the two interfaces have
// identical method sets, so the composition root is where that structural
// equivalence gets made concrete via an explicit conversion.
type strategyFactoryAdapter struct {
	registry *strategy.Registry
}

func (a strategyFactoryAdapter) Create(templateID string, params map[string]float64) (engine.Strategy, bool) {
	s, ok := a.registry.Create(templateID, params)
	if !ok {
		return nil, false
	}
	return s, true
}

// loadStrategyConfigs reads the strategy-configuration manifest at
// <dataDir>/strategy_configs.json, the flat-file stand-in for the
// reference's strategies/accounts tables this JSON-file deployment has no
// database to back (see DESIGN.md for the full justification).
func loadStrategyConfigs(dataDir string) ([]types.StrategyConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "strategy_configs.json"))
	if err != nil {
		return nil, fmt.Errorf("load strategy configs: %w", err)
	}
	var configs []types.StrategyConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("parse strategy configs: %w", err)
	}
	return configs, nil
}

// runBacktestActive backtests every configured strategy against the
// requested ticker scope, mirroring the reference's
// backtest-active --scope {all|validation|training} --months N contract.
func (d *commandDeps) runBacktestActive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backtest-active", flag.ExitOnError)
	scope := fs.String("scope", "all", "Ticker scope: all, validation, or training")
	months := fs.Int("months", 0, "Restrict the backtest window to the trailing N months (0 = full history)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}

	configs, err := loadStrategyConfigs(d.settings.DataDir)
	if err != nil {
		return err
	}

	cfg, runtime := d.engineConfig()
	runner := activebacktest.NewRunner(d.logger, strategyFactoryAdapter{registry: registry}, cfg, runtime, md.ExpenseRatioMap())

	jobs := make([]activebacktest.Job, 0, len(configs))
	for _, sc := range configs {
		job := activebacktest.Job{
			ID:          sc.ID,
			Name:        sc.ID,
			TemplateID:  sc.TemplateID,
			Parameters:  sc.Parameters,
			TickerScope: *scope,
		}
		if *months > 0 {
			m := *months
			job.PeriodMonths = &m
		}
		jobs = append(jobs, job)
	}

	tickers := tickersForScope(md, *scope)

	summary, err := runner.RunAll(ctx, jobs, tickers, md.Flatten(), md.Dates, d.store)
	if err != nil {
		return err
	}
	d.logger.Info("backtest-active finished",
		zap.Int("total", summary.Total), zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed), zap.Int("persisted", summary.Persisted))
	return nil
}

// tickersForScope restricts md's universe to training or validation
// tickers; "all" runs every ticker.
func tickersForScope(md *marketdata.MarketData, scope string) []string {
	var out []string
	for symbol, info := range md.Tickers {
		switch scope {
		case "training":
			if info.Training {
				out = append(out, symbol)
			}
		case "validation":
			if !info.Training {
				out = append(out, symbol)
			}
		default:
			out = append(out, symbol)
		}
	}
	return out
}

// backtestRunnerAdapter lets internal/optimizer drive internal/engine
// backtests without either package importing the other. It builds a fresh
// engine instance on every RunBacktest call.
type backtestRunnerAdapter struct {
	logger   *zap.Logger
	config   engine.Config
	runtime  engine.RuntimeSettings
	registry *strategy.Registry
	tickers  []string
	candles  []types.Candle
	dates    []time.Time
}

func (a backtestRunnerAdapter) RunBacktest(ctx context.Context, templateID string, parameters map[string]float64) (optimizer.Result, error) {
	built, ok := a.registry.Create(templateID, parameters)
	if !ok {
		return optimizer.Result{}, fmt.Errorf("optimizer: unknown strategy template %q", templateID)
	}

	eng := engine.New(a.config, a.runtime, a.logger)
	run, err := eng.Backtest(built, templateID, a.tickers, a.candles, a.dates, nil, nil, nil)
	if err != nil {
		return optimizer.Result{}, err
	}

	p := run.Result.Performance
	return optimizer.Result{
		Parameters:       parameters,
		CAGR:             p.CAGR,
		SharpeRatio:      p.SharpeRatio,
		TotalReturn:      p.TotalReturn,
		MaxDrawdown:      p.MaxDrawdown,
		MaxDrawdownRatio: p.MaxDrawdownPercent / 100.0,
		WinRate:          p.WinRate,
		TotalTrades:      p.TotalTrades,
		CalmarRatio:      p.CalmarRatio,
	}, nil
}

// runOptimize climbs a strategy template's parameter space toward a local
// optimum, per the optimize <template> CLI contract.
func (d *commandDeps) runOptimize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	objective := fs.String("objective", d.settings.OptimizationObjective, "Objective: cagr or sharpe")
	topN := fs.Int("top", 5, "Number of top candidates to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("optimize: requires a template id argument")
	}
	templateID := fs.Arg(0)

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}
	template, ok := md.Templates[templateID]
	if !ok {
		return fmt.Errorf("optimize: unknown template %q", templateID)
	}

	cfg, runtime := d.engineConfig()
	runner := backtestRunnerAdapter{
		logger:   d.logger,
		config:   cfg,
		runtime:  runtime,
		registry: registry,
		tickers:  md.TickerSymbols(),
		candles:  md.Flatten(),
		dates:    md.Dates,
	}

	baseline := make(map[string]float64, len(template.Parameters))
	ranges := make(map[string]optimizer.ParameterRange, len(template.Parameters))
	var paramNames []string
	for _, p := range template.Parameters {
		if p.Default != nil {
			baseline[p.Name] = *p.Default
		}
		if p.Optimizable() {
			ranges[p.Name] = optimizer.ParameterRange{Min: *p.Min, Max: *p.Max, Step: *p.Step}
			paramNames = append(paramNames, p.Name)
		}
	}

	optConfig := optimizer.DefaultConfig()
	if *objective == string(optimizer.ObjectiveSharpe) {
		optConfig.Objective = optimizer.ObjectiveSharpe
	}
	optConfig.MaxDrawdownRatio = d.settings.MaxAllowedDrawdownRatio
	if len(d.settings.LocalOptimizationStepMultipliers) > 0 {
		optConfig.StepMultipliers = d.settings.LocalOptimizationStepMultipliers
	}

	opt := optimizer.New(d.logger, runner, optConfig)
	best, err := opt.OptimizeLocalSearch(ctx, templateID, baseline, paramNames, ranges)
	if err != nil {
		return err
	}
	if best == nil {
		fmt.Println("no feasible candidate found")
		return nil
	}

	fmt.Printf("\n=== TOP %d STRATEGY VARIANTS ===\n\n", *topN)
	fmt.Println(report.OptimizerRankSummary(1, best.Parameters, best.CAGR, best.CalmarRatio, best.SharpeRatio,
		best.TotalReturn, best.MaxDrawdown, best.MaxDrawdownRatio, best.WinRate, best.TotalTrades))

	entry := store.BacktestCacheEntry{
		ID:          fmt.Sprintf("%s_%d", templateID, time.Now().Unix()),
		TemplateID:  templateID,
		Parameters:  best.Parameters,
		CalmarRatio: best.CalmarRatio,
	}
	return d.store.UpsertBacktestCacheEntry(entry)
}

// runReconcileTrades reconciles every open trade against the configured
// broker account's reported order/position state.
func (d *commandDeps) runReconcileTrades(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile-trades", flag.ExitOnError)
	strategyID := fs.String("strategy", "", "Strategy id whose trades to reconcile")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *strategyID == "" {
		return fmt.Errorf("reconcile-trades: --strategy is required")
	}

	client, err := d.newBrokerClient()
	if err != nil {
		return err
	}

	result, found := d.store.LoadLatestBacktestResult(ctx, *strategyID, "live")
	if !found {
		d.logger.Info("no live result to reconcile", zap.String("strategy_id", *strategyID))
		return nil
	}

	trades := make([]*types.Trade, 0, len(result.Trades))
	for i := range result.Trades {
		trades = append(trades, &result.Trades[i])
	}

	account, err := client.FetchAccountState(ctx)
	if err != nil {
		return err
	}

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}
	lastClose := md.LastCloses(md.TickerSymbols())

	rec := reconciler.New(d.logger)
	summary := rec.ReconcileBatch(ctx, client, trades, lastClose, account.Positions, time.Now())
	d.logger.Info("reconciliation finished",
		zap.Int("reconciled", summary.Reconciled), zap.Int("skipped", summary.Skipped))

	for _, trade := range trades {
		if err := d.store.PersistTradeReconciliation(ctx, *trade); err != nil {
			return err
		}
	}
	return nil
}

// runGenerateSignals runs one strategy across every ticker's full candle
// history and records the signals produced, independent of whether a
// backtest ever acted on them.
func (d *commandDeps) runGenerateSignals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate-signals", flag.ExitOnError)
	templateID := fs.String("template", "", "Strategy template id")
	strategyID := fs.String("strategy", "", "Strategy id to record signals under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *templateID == "" || *strategyID == "" {
		return fmt.Errorf("generate-signals: --template and --strategy are required")
	}

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}

	configs, err := loadStrategyConfigs(d.settings.DataDir)
	if err != nil {
		return err
	}
	params := map[string]float64{}
	for _, sc := range configs {
		if sc.ID == *strategyID {
			params = sc.Parameters
			break
		}
	}

	built, ok := registry.Create(*templateID, params)
	if !ok {
		return fmt.Errorf("generate-signals: unknown template %q", *templateID)
	}

	gen := signals.NewGenerator(d.logger)
	defer gen.Close()

	generated, err := gen.GenerateRange(*strategyID, built, md.TickerSymbols(), md.Candles)
	if err != nil {
		return err
	}

	count, err := d.store.UpsertSignals(ctx, *strategyID, generated)
	if err != nil {
		return err
	}
	d.logger.Info("generated signals", zap.Int("count", count))
	return nil
}

// runPlanOperations derives the account operations one live strategy
// should submit today, from its recorded signals and the broker's current
// account state.
func (d *commandDeps) runPlanOperations(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan-operations", flag.ExitOnError)
	strategyID := fs.String("strategy", "", "Strategy id")
	accountID := fs.String("account", "", "Account id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *strategyID == "" || *accountID == "" {
		return fmt.Errorf("plan-operations: --strategy and --account are required")
	}

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}

	client, err := d.newBrokerClient()
	if err != nil {
		return err
	}
	account, err := client.FetchAccountState(ctx)
	if err != nil {
		return err
	}

	cfg, runtime := d.engineConfig()
	p := planner.New(planner.Config{
		MaxLeverage:      cfg.MaxLeverage,
		BuyDiscountRatio: cfg.BuyDiscountRatio,
		TradeSizeRatio:   cfg.TradeSizeRatio,
		MinimumTradeSize: cfg.MinimumTradeSize,
		MaxHoldingDays:   cfg.MaxHoldingDays,
		StopLoss: planner.StopLossConfig{
			Mode:          cfg.StopLoss.Mode,
			ATRMultiplier: cfg.StopLoss.ATRMultiplier,
			ATRPeriod:     cfg.StopLoss.ATRPeriod,
			Ratio:         cfg.StopLoss.Ratio,
		},
		PositionSizing: planner.PositionSizingConfig{
			Mode:            cfg.PositionSizing.Mode,
			VolTargetAnnual: cfg.PositionSizing.VolTargetAnnual,
			VolLookback:     cfg.PositionSizing.VolLookback,
		},
	}, planner.RuntimeSettings{
		TradeEntryPriceMin:          runtime.TradeEntryPriceMin,
		TradeEntryPriceMax:          runtime.TradeEntryPriceMax,
		MinimumDollarVolumeLookback: runtime.MinimumDollarVolumeLookback,
		MinimumDollarVolumeForEntry: runtime.MinimumDollarVolumeForEntry,
	})

	signalsForStrategy := d.store.SignalsForStrategy(ctx, *strategyID)
	result, found := d.store.LoadLatestBacktestResult(ctx, *strategyID, "live")
	var existingTrades []types.Trade
	if found {
		existingTrades = result.Trades
	}

	plan := p.Plan(*strategyID, *accountID, signalsForStrategy, md.Flatten(), time.Now(),
		account, map[string]bool{}, existingTrades, 0, md.Tickers)

	if err := d.store.SaveAccountOperations(ctx, *strategyID, *accountID, plan.Operations); err != nil {
		return err
	}
	if err := d.store.SaveAccountSignalSkips(ctx, *strategyID, *accountID, plan.SkippedSignals); err != nil {
		return err
	}
	d.logger.Info("planned operations",
		zap.Int("operations", len(plan.Operations)), zap.Int("skipped", len(plan.SkippedSignals)))
	return nil
}

// runExportMarketData writes the current candle/ticker universe to a
// single JSON snapshot file at path, for offline analysis or seeding
// another environment.
func (d *commandDeps) runExportMarketData(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("export-market-data: requires a destination path argument")
	}
	destination := args[0]

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}

	snapshot := struct {
		Tickers map[string]types.TickerInfo `json:"tickers"`
		Candles map[string][]types.Candle   `json:"candles"`
	}{Tickers: md.Tickers, Candles: md.Candles}

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(destination, raw, 0o644); err != nil {
		return err
	}
	d.logger.Info("exported market data snapshot", zap.String("path", destination), zap.Int("tickers", len(md.Tickers)))
	return nil
}

// runVerify re-runs a cached candidate's backtest end-to-end to confirm
// its cached Calmar ratio reproduces, marking the cache entry verified.
func (d *commandDeps) runVerify(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("verify: requires <template> <snapshot> arguments")
	}
	templateID, snapshotID := args[0], args[1]

	entries := d.store.BacktestCacheEntriesForTemplate(templateID)
	var target *store.BacktestCacheEntry
	for i := range entries {
		if entries[i].ID == snapshotID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("verify: no cache entry %q for template %q", snapshotID, templateID)
	}

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}
	cfg, runtime := d.engineConfig()
	runner := backtestRunnerAdapter{
		logger: d.logger, config: cfg, runtime: runtime, registry: registry,
		tickers: md.TickerSymbols(), candles: md.Flatten(), dates: md.Dates,
	}

	result, err := runner.RunBacktest(ctx, templateID, target.Parameters)
	if err != nil {
		return err
	}

	const tolerance = 1e-6
	diff := result.CalmarRatio - target.CalmarRatio
	if diff < 0 {
		diff = -diff
	}
	verified := diff <= tolerance
	d.logger.Info("verify result",
		zap.String("template_id", templateID), zap.String("snapshot", snapshotID),
		zap.Float64("cached_calmar", target.CalmarRatio), zap.Float64("replayed_calmar", result.CalmarRatio),
		zap.Bool("verified", verified))

	target.VerifyComplete = verified
	return d.store.UpsertBacktestCacheEntry(*target)
}

// runBalance runs a cached candidate across both the training and
// validation ticker scopes and marks the cache entry balanced once both
// windows produce a feasible (non-NaN, within-drawdown) result.
func (d *commandDeps) runBalance(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("balance: requires <template> <snapshot> arguments")
	}
	templateID, snapshotID := args[0], args[1]

	entries := d.store.BacktestCacheEntriesForTemplate(templateID)
	var target *store.BacktestCacheEntry
	for i := range entries {
		if entries[i].ID == snapshotID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("balance: no cache entry %q for template %q", snapshotID, templateID)
	}

	registry := strategy.NewRegistry(d.logger)
	md, err := d.loadUniverseAndTemplates(registry)
	if err != nil {
		return err
	}
	cfg, runtime := d.engineConfig()

	for _, scope := range []string{"training", "validation"} {
		runner := backtestRunnerAdapter{
			logger: d.logger, config: cfg, runtime: runtime, registry: registry,
			tickers: tickersForScope(md, scope), candles: md.Flatten(), dates: md.Dates,
		}
		result, err := runner.RunBacktest(ctx, templateID, target.Parameters)
		if err != nil {
			return err
		}
		feasible := result.MaxDrawdownRatio <= d.settings.MaxAllowedDrawdownRatio
		d.logger.Info("balance result", zap.String("scope", scope),
			zap.Float64("calmar_ratio", result.CalmarRatio), zap.Bool("feasible", feasible))

		if scope == "training" {
			target.BalanceTrainingComplete = feasible
		} else {
			target.BalanceValidationComplete = feasible
		}
	}

	return d.store.UpsertBacktestCacheEntry(*target)
}
