package planner

import "math"

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func absFloat(v float64) float64 {
	return math.Abs(v)
}

func maxFloat(a, b float64) float64 {
	return math.Max(a, b)
}

func minFloat(a, b float64) float64 {
	return math.Min(a, b)
}

func logf(v float64) float64 {
	return math.Log(v)
}

func sqrtf(v float64) float64 {
	return math.Sqrt(v)
}
