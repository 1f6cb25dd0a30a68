// Package optimizer implements coordinate-descent local search over a
// strategy template's numeric parameters: starting from a baseline
// parameter set, it repeatedly evaluates every single-parameter neighbor
// variation in parallel, adopts the best feasible improvement, and stops
// once a round produces no change. It does not import internal/engine,
// internal/strategy or internal/marketdata directly — a caller supplies a
// BacktestRunner that knows how to turn one parameter set into a scored
// result.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/atlas-desktop/stratforge/internal/metrics"
	"github.com/atlas-desktop/stratforge/internal/workers"
)

// Objective selects which metric a local search climbs.
type Objective string

const (
	ObjectiveCAGR   Objective = "cagr"
	ObjectiveSharpe Objective = "sharpe"
)

// ParameterRange is the inclusive numeric domain one optimizable parameter
// may vary across, with the step size neighbor variations move by.
type ParameterRange struct {
	Min  float64
	Max  float64
	Step float64
}

// Result is one evaluated parameter set's backtest performance, scored
// against Config.Objective.
type Result struct {
	Parameters       map[string]float64
	CAGR             float64
	SharpeRatio      float64
	TotalReturn      float64
	MaxDrawdown      float64
	MaxDrawdownRatio float64
	WinRate          float64
	TotalTrades      int
	CalmarRatio      float64
}

// BacktestRunner is the capability the optimizer needs to score one
// candidate parameter set. Implemented by an adapter over
// internal/engine/internal/strategy/internal/marketdata; declared here so
// this package stays free of that dependency chain.
type BacktestRunner interface {
	RunBacktest(ctx context.Context, templateID string, parameters map[string]float64) (Result, error)
}

// Config tunes one local search run. DefaultConfig mirrors the reference
// engine's default runtime settings for local optimization.
type Config struct {
	StepMultipliers  []float64
	MaxDrawdownRatio float64
	Objective        Objective
}

// DefaultConfig returns the step multipliers, drawdown ceiling and
// objective the reference deployment runs with.
func DefaultConfig() Config {
	return Config{
		StepMultipliers:  []float64{-5, -4, -3, -2, -1, 1, 2, 3, 4, 5},
		MaxDrawdownRatio: 0.40,
		Objective:        ObjectiveCAGR,
	}
}

// Optimizer runs coordinate-descent local search via a BacktestRunner.
type Optimizer struct {
	logger *zap.Logger
	runner BacktestRunner
	config Config
}

// New constructs an Optimizer. logger may be nil.
func New(logger *zap.Logger, runner BacktestRunner, config Config) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{logger: logger, runner: runner, config: config}
}

// variationOutcome is either "nothing in the batch beat bestScore" or the
// best-scoring feasible candidate, mirroring the reference's
// VariationOutcome.
type variationOutcome struct {
	improved bool
	result   Result
}

// OptimizeLocalSearch climbs from baseline toward a local optimum of
// Config.Objective over paramsToOptimize, clamping every candidate to
// ranges. Returns the best feasible result found. A runner error is logged
// and that candidate skipped rather than returned; a nil result with a nil
// error means no candidate in the starting batch produced a feasible
// result.
func (o *Optimizer) OptimizeLocalSearch(ctx context.Context, templateID string, baseline map[string]float64, paramsToOptimize []string, ranges map[string]ParameterRange) (*Result, error) {
	o.logger.Info("starting local search optimization", zap.String("template_id", templateID))

	currentParams := cloneParams(baseline)
	clampToBounds(currentParams, ranges, paramsToOptimize)

	var best *Result
	bestScore := math.Inf(-1)

	for {
		metrics.OptimizerIterations.Inc()
		clampToBounds(currentParams, ranges, paramsToOptimize)

		seen := make(map[string]bool)
		variations := make([]map[string]float64, 0)
		if best == nil {
			variations = append(variations, cloneParams(currentParams))
			seen[parameterSignature(currentParams)] = true
		}
		addSingleParameterNeighborVariations(paramsToOptimize, ranges, o.config.StepMultipliers, currentParams, seen, &variations)

		if len(variations) == 0 {
			break
		}

		outcome, err := o.evaluateVariationBatch(ctx, templateID, variations, bestScore)
		if err != nil {
			return nil, err
		}
		if !outcome.improved {
			break
		}

		result := outcome.result
		score := o.objectiveScore(result)
		if best == nil {
			o.logger.Info("initial valid candidate",
				zap.Float64("score", score), zap.Float64("cagr", result.CAGR),
				zap.Float64("max_drawdown_ratio", result.MaxDrawdownRatio))
		} else {
			o.logger.Info("new best candidate",
				zap.Float64("score", score), zap.Float64("previous_score", bestScore),
				zap.Float64("cagr", result.CAGR), zap.Float64("max_drawdown_ratio", result.MaxDrawdownRatio))
		}

		paramsChanged := !paramsEqual(result.Parameters, currentParams)
		bestScore = score
		currentParams = cloneParams(result.Parameters)
		resultCopy := result
		best = &resultCopy
		metrics.OptimizerBestScore.WithLabelValues(templateID, string(o.config.Objective)).Set(bestScore)

		if !paramsChanged {
			break
		}
	}

	if best == nil {
		o.logger.Info("no backtests were executed for the starting batch; stopping early")
		return nil, nil
	}

	o.logger.Info("local search finished",
		zap.Float64("score", o.objectiveScore(*best)),
		zap.Float64("cagr", best.CAGR), zap.Float64("max_drawdown_ratio", best.MaxDrawdownRatio))
	return best, nil
}

func (o *Optimizer) objectiveScore(result Result) float64 {
	var score float64
	switch o.config.Objective {
	case ObjectiveSharpe:
		score = result.SharpeRatio
	default:
		score = result.CAGR
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return math.Inf(-1)
	}
	return score
}

func (o *Optimizer) isFeasible(result Result) bool {
	ratio := result.MaxDrawdownRatio
	return !math.IsNaN(ratio) && !math.IsInf(ratio, 0) && ratio <= o.config.MaxDrawdownRatio
}

// evaluateVariationBatch runs every variation through the runner in
// parallel (one worker-pool task each), keeps only the drawdown-feasible
// ones, and reports whether the best feasible candidate beats bestScore.
func (o *Optimizer) evaluateVariationBatch(ctx context.Context, templateID string, variations []map[string]float64, bestScore float64) (variationOutcome, error) {
	if len(variations) == 0 {
		return variationOutcome{}, nil
	}

	o.logger.Info("running backtests", zap.Int("count", len(variations)))

	numWorkers := len(variations)
	if cpus := runtime.NumCPU(); cpus < numWorkers {
		numWorkers = cpus
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	poolConfig := workers.DefaultPoolConfig("optimizer")
	poolConfig.NumWorkers = numWorkers
	poolConfig.QueueSize = len(variations)
	pool := workers.NewPool(o.logger, poolConfig)
	pool.Start()
	defer pool.Stop()

	type taskResult struct {
		result Result
		err    error
	}
	resultCh := make(chan taskResult, len(variations))

	for _, params := range variations {
		params := params
		task := workers.TaskFunc(func() error {
			result, err := o.runner.RunBacktest(ctx, templateID, params)
			resultCh <- taskResult{result: result, err: err}
			return err
		})
		if err := pool.Submit(task); err != nil {
			resultCh <- taskResult{err: fmt.Errorf("submit optimizer task: %w", err)}
		}
	}
	metrics.WorkerPoolQueueDepth.WithLabelValues("optimizer").Set(float64(pool.QueueLength()))

	results := make([]Result, 0, len(variations))
	for i := 0; i < len(variations); i++ {
		tr := <-resultCh
		if tr.err != nil {
			o.logger.Warn("backtest task failed", zap.Error(tr.err))
			continue
		}
		results = append(results, tr.result)
	}

	if len(results) == 0 {
		return variationOutcome{}, nil
	}

	totalEvaluated := len(results)
	feasible := make([]Result, 0, len(results))
	for _, r := range results {
		if o.isFeasible(r) {
			feasible = append(feasible, r)
		}
	}
	if rejected := totalEvaluated - len(feasible); rejected > 0 {
		metrics.OptimizerVariationsRejected.Add(float64(rejected))
		o.logger.Info("rejected variations exceeding drawdown limit",
			zap.Int("rejected", rejected), zap.Float64("max_drawdown_ratio", o.config.MaxDrawdownRatio))
	}
	if len(feasible) == 0 {
		return variationOutcome{}, nil
	}

	bestInBatch := feasible[0]
	bestInBatchScore := o.objectiveScore(bestInBatch)
	for _, r := range feasible[1:] {
		if score := o.objectiveScore(r); score > bestInBatchScore {
			bestInBatch = r
			bestInBatchScore = score
		}
	}

	if bestInBatchScore > bestScore {
		return variationOutcome{improved: true, result: bestInBatch}, nil
	}
	return variationOutcome{}, nil
}

// clampToBounds restricts every optimizable parameter in params to its
// range, leaving parameters outside paramsToOptimize untouched.
func clampToBounds(params map[string]float64, ranges map[string]ParameterRange, paramsToOptimize []string) {
	for _, name := range paramsToOptimize {
		r, ok := ranges[name]
		if !ok {
			continue
		}
		v, ok := params[name]
		if !ok {
			continue
		}
		if v < r.Min {
			v = r.Min
		}
		if v > r.Max {
			v = r.Max
		}
		params[name] = v
	}
}

// addSingleParameterNeighborVariations appends, for every optimizable
// parameter and every configured step multiplier, the parameter set
// obtained by moving just that one parameter by multiplier*step (clamped
// to its range), skipping any variation whose signature was already seen.
// This is the coordinate-descent step: explore one axis at a time around
// the current point rather than a full grid or genetic crossover.
func addSingleParameterNeighborVariations(paramsToOptimize []string, ranges map[string]ParameterRange, stepMultipliers []float64, current map[string]float64, seen map[string]bool, out *[]map[string]float64) {
	for _, name := range paramsToOptimize {
		r, ok := ranges[name]
		if !ok || r.Step == 0 {
			continue
		}
		base, ok := current[name]
		if !ok {
			continue
		}
		for _, multiplier := range stepMultipliers {
			candidate := cloneParams(current)
			value := base + multiplier*r.Step
			if value < r.Min {
				value = r.Min
			}
			if value > r.Max {
				value = r.Max
			}
			candidate[name] = value

			sig := parameterSignature(candidate)
			if seen[sig] {
				continue
			}
			seen[sig] = true
			*out = append(*out, candidate)
		}
	}
}

// parameterSignature produces a stable, sorted-key string representation
// of a parameter set for dedup, mirroring the reference's
// parameter_signature (sorted debug-format of the map).
func parameterSignature(params map[string]float64) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatFloat(params[name], 'g', -1, 64))
	}
	return b.String()
}

func paramsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || other != v {
			return false
		}
	}
	return true
}

func cloneParams(params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
