package indicators

import (
	"math"
	"testing"
)

func TestSMAZeroPeriodReturnsFirstValue(t *testing.T) {
	prices := []float64{10, 20, 30}
	out := SMA(prices, 0)
	for i, v := range out {
		if v != prices[0] {
			t.Errorf("index %d: got %v, want %v", i, v, prices[0])
		}
	}
}

func TestSMAWindow(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	out := SMA(prices, 2)
	want := []float64{1, 1.5, 2.5, 3.5, 4.5}
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1e-9 {
			t.Errorf("index %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestRSIInsufficientHistoryReturnsNeutral(t *testing.T) {
	prices := []float64{10, 11, 12}
	out := RSI(prices, 14)
	for i, v := range out {
		if v != 50 {
			t.Errorf("index %d: got %v, want 50", i, v)
		}
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = float64(i + 1)
	}
	out := RSI(prices, 14)
	if out[14] != 100 {
		t.Errorf("got %v, want 100", out[14])
	}
}

func TestATRUndefinedBeforePeriod(t *testing.T) {
	highs := []float64{10, 11, 12, 13}
	lows := []float64{9, 10, 11, 12}
	closes := []float64{9.5, 10.5, 11.5, 12.5}
	out := ATR(highs, lows, closes, 3)
	for i := 0; i < 3; i++ {
		if out[i] != 0 {
			t.Errorf("index %d: expected 0 before period, got %v", i, out[i])
		}
	}
	if out[3] == 0 {
		t.Errorf("expected ATR defined at index == period")
	}
}

func TestRealizedVolatilityRequiresTwoReturns(t *testing.T) {
	prices := []float64{100}
	out := RealizedVolatility(prices, 10, 252)
	if out[0] != 0 {
		t.Errorf("got %v, want 0 with insufficient history", out[0])
	}
}

func TestRealizedVolatilityPositiveWithMovement(t *testing.T) {
	prices := []float64{100, 102, 98, 105, 95}
	out := RealizedVolatility(prices, 10, 252)
	if out[len(out)-1] <= 0 {
		t.Errorf("expected positive realized volatility, got %v", out[len(out)-1])
	}
}
