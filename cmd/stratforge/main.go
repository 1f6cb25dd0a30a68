// Command stratforge is the CLI entry point for the backtesting,
// optimization, signal-generation, and broker-reconciliation engine: a
// flag-based subcommand dispatcher grounded on cmd/server/main.go's
// flag parsing and setupLogger zap.Config idiom, wired against the
// components this repository builds instead of that command's
// blockchain/execution stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/stratforge/internal/broker"
	"github.com/atlas-desktop/stratforge/internal/config"
	"github.com/atlas-desktop/stratforge/internal/engine"
	"github.com/atlas-desktop/stratforge/internal/httpapi"
	"github.com/atlas-desktop/stratforge/internal/marketdata"
	"github.com/atlas-desktop/stratforge/internal/store"
	"github.com/atlas-desktop/stratforge/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path")
	dataDir := flag.String("data", "./data", "Data directory (candle/ticker/strategy-config manifest files)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	statusAddr := flag.Bool("serve-status", false, "Serve a /healthz, /status and /metrics surface alongside the command")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: stratforge [flags] <command> [args...]")
		fmt.Fprintln(os.Stderr, "commands: backtest-active, optimize, reconcile-trades, generate-signals, plan-operations, export-market-data, verify, balance")
		os.Exit(1)
	}
	command, commandArgs := args[0], args[1:]

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load settings", zap.Error(err))
	}

	persistence, err := store.New(logger, *dataDir, settings.DatabaseKey)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	settings.DataDir = *dataDir

	var statusServer *httpapi.Server
	if *statusAddr {
		statusServer = httpapi.NewServer(logger, httpapi.DefaultConfig())
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	deps := &commandDeps{
		logger:   logger,
		settings: settings,
		store:    persistence,
		status:   statusServer,
	}

	var cmdErr error
	switch command {
	case "backtest-active":
		cmdErr = deps.runBacktestActive(ctx, commandArgs)
	case "optimize":
		cmdErr = deps.runOptimize(ctx, commandArgs)
	case "reconcile-trades":
		cmdErr = deps.runReconcileTrades(ctx, commandArgs)
	case "generate-signals":
		cmdErr = deps.runGenerateSignals(ctx, commandArgs)
	case "plan-operations":
		cmdErr = deps.runPlanOperations(ctx, commandArgs)
	case "export-market-data":
		cmdErr = deps.runExportMarketData(ctx, commandArgs)
	case "verify":
		cmdErr = deps.runVerify(ctx, commandArgs)
	case "balance":
		cmdErr = deps.runBalance(ctx, commandArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		os.Exit(1)
	}

	if cmdErr != nil {
		logger.Error("command failed", zap.String("command", command), zap.Error(cmdErr))
		os.Exit(1)
	}
}

// commandDeps bundles the shared, process-lifetime dependencies every
// subcommand is handed, mirroring the teacher's main-function wiring
// pattern but pulled into a struct so each subcommand's flag set stays
// isolated to its own function.
type commandDeps struct {
	logger   *zap.Logger
	settings *config.Settings
	store    *store.Store
	status   *httpapi.Server
}

// loadUniverseAndTemplates reads the ticker manifest and builds a
// MarketData snapshot restricted to the given templates. Every subcommand
// that runs a backtest starts from this.
func (d *commandDeps) loadUniverseAndTemplates(registry *strategy.Registry) (*marketdata.MarketData, error) {
	tickers, err := marketdata.LoadUniverse(d.settings.DataDir)
	if err != nil {
		return nil, err
	}
	loader := marketdata.NewLoader(d.logger, d.settings.DataDir)
	md, reports, err := marketdata.Build(loader, tickers, registry.Templates())
	if err != nil {
		return nil, err
	}
	for ticker, report := range reports {
		if report.QualityScore < 80 {
			d.logger.Warn("marginal data quality", zap.String("ticker", ticker), zap.Int("score", report.QualityScore))
		}
	}
	return md, nil
}

func (d *commandDeps) engineConfig() (engine.Config, engine.RuntimeSettings) {
	cfg := engine.DefaultConfig()
	cfg.InitialCapital = d.settings.BacktestInitialCapital

	runtime := engine.DefaultRuntimeSettings()
	runtime.TradeCloseFeeRate = d.settings.TradeCloseFeeRate
	runtime.ShortBorrowFeeAnnualRate = d.settings.ShortBorrowFeeAnnualRate
	runtime.TradeSlippageRate = d.settings.TradeSlippageRate
	runtime.TradeEntryPriceMin = d.settings.TradeEntryPriceMin
	runtime.TradeEntryPriceMax = d.settings.TradeEntryPriceMax
	runtime.MinimumDollarVolumeLookback = d.settings.MinimumDollarVolumeLookback
	runtime.MinimumDollarVolumeForEntry = d.settings.MinimumDollarVolumeForEntry

	return cfg, runtime
}

func (d *commandDeps) newBrokerClient() (*broker.Client, error) {
	baseURL, err := broker.ResolveBaseURL("paper", d.settings.AlpacaPaperURL, d.settings.AlpacaLiveURL)
	if err != nil {
		return nil, err
	}
	return broker.NewClient(nil, d.logger, baseURL, d.settings.AlpacaKeyID, d.settings.AlpacaSecret), nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
