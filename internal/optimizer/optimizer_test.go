package optimizer

import (
	"context"
	"testing"
)

type fakeRunner struct {
	scoreFor    func(params map[string]float64) float64
	sharpeFor   func(params map[string]float64) float64
	drawdownFor func(params map[string]float64) float64
	alwaysErr   bool
}

func (f *fakeRunner) RunBacktest(ctx context.Context, templateID string, parameters map[string]float64) (Result, error) {
	if f.alwaysErr {
		return Result{}, errAlways
	}
	dd := 0.1
	if f.drawdownFor != nil {
		dd = f.drawdownFor(parameters)
	}
	score := f.scoreFor(parameters)
	sharpe := score
	if f.sharpeFor != nil {
		sharpe = f.sharpeFor(parameters)
	}
	return Result{
		Parameters:       cloneParams(parameters),
		CAGR:             score,
		SharpeRatio:      sharpe,
		MaxDrawdownRatio: dd,
	}, nil
}

var errAlways = fakeErr("backtest failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// Local search should climb to the parameter value that maximizes the
// configured objective, one coordinate at a time.
func TestOptimizeLocalSearchFindsPeakOfObjective(t *testing.T) {
	runner := &fakeRunner{
		scoreFor: func(p map[string]float64) float64 {
			x := p["x"]
			return -(x - 3) * (x - 3)
		},
	}

	config := DefaultConfig()
	o := New(nil, runner, config)

	baseline := map[string]float64{"x": 0}
	ranges := map[string]ParameterRange{"x": {Min: -10, Max: 10, Step: 1}}

	result, err := o.OptimizeLocalSearch(context.Background(), "tmpl", baseline, []string{"x"}, ranges)
	if err != nil {
		t.Fatalf("OptimizeLocalSearch: %v", err)
	}
	if result == nil {
		t.Fatalf("want a result, got nil")
	}
	if result.Parameters["x"] != 3 {
		t.Errorf("x = %v, want 3 (the peak of the objective)", result.Parameters["x"])
	}
}

// A candidate that scores higher but breaches MaxDrawdownRatio must never be
// adopted; the search settles on the best feasible candidate instead.
func TestOptimizeLocalSearchRejectsInfeasibleCandidatesByDrawdown(t *testing.T) {
	runner := &fakeRunner{
		scoreFor: func(p map[string]float64) float64 {
			return p["x"]
		},
		drawdownFor: func(p map[string]float64) float64 {
			if p["x"] > 2 {
				return 0.9
			}
			return 0.1
		},
	}

	config := DefaultConfig()
	config.MaxDrawdownRatio = 0.4
	o := New(nil, runner, config)

	baseline := map[string]float64{"x": 0}
	ranges := map[string]ParameterRange{"x": {Min: 0, Max: 10, Step: 1}}

	result, err := o.OptimizeLocalSearch(context.Background(), "tmpl", baseline, []string{"x"}, ranges)
	if err != nil {
		t.Fatalf("OptimizeLocalSearch: %v", err)
	}
	if result == nil {
		t.Fatalf("want a result, got nil")
	}
	if result.Parameters["x"] != 2 {
		t.Errorf("x = %v, want 2 (best feasible value, not the higher-scoring but infeasible x=5)", result.Parameters["x"])
	}
	if result.MaxDrawdownRatio > config.MaxDrawdownRatio {
		t.Errorf("max drawdown ratio = %v, exceeds configured ceiling %v", result.MaxDrawdownRatio, config.MaxDrawdownRatio)
	}
}

// Switching the objective to Sharpe must change which direction the search
// climbs, even when CAGR would prefer the opposite parameter value.
func TestOptimizeLocalSearchHonorsConfiguredObjective(t *testing.T) {
	// CAGR falls as x rises while SharpeRatio rises with x; under
	// ObjectiveSharpe the search must still climb toward the upper bound.
	runner := &fakeRunner{
		scoreFor:  func(p map[string]float64) float64 { return -p["x"] },
		sharpeFor: func(p map[string]float64) float64 { return p["x"] },
	}

	config := DefaultConfig()
	config.Objective = ObjectiveSharpe
	o := New(nil, runner, config)

	baseline := map[string]float64{"x": 0}
	ranges := map[string]ParameterRange{"x": {Min: 0, Max: 10, Step: 1}}

	result, err := o.OptimizeLocalSearch(context.Background(), "tmpl", baseline, []string{"x"}, ranges)
	if err != nil {
		t.Fatalf("OptimizeLocalSearch: %v", err)
	}
	if result == nil {
		t.Fatalf("want a result, got nil")
	}
	if result.Parameters["x"] != 10 {
		t.Errorf("x = %v, want 10 (sharpe climbs toward the upper bound here)", result.Parameters["x"])
	}
}

// When every backtest in the starting batch fails, the search has nothing to
// evaluate and must stop early with a nil result and no error.
func TestOptimizeLocalSearchReturnsNilWhenStartingBatchProducesNothing(t *testing.T) {
	runner := &fakeRunner{alwaysErr: true}
	o := New(nil, runner, DefaultConfig())

	baseline := map[string]float64{"x": 0}
	ranges := map[string]ParameterRange{"x": {Min: -10, Max: 10, Step: 1}}

	result, err := o.OptimizeLocalSearch(context.Background(), "tmpl", baseline, []string{"x"}, ranges)
	if err != nil {
		t.Fatalf("OptimizeLocalSearch: %v", err)
	}
	if result != nil {
		t.Fatalf("want nil result when nothing could be evaluated, got %+v", result)
	}
}
