// Package indicators implements pure array functions over finite float64
// price/volume series: moving averages, oscillators, and volatility
// estimators. Every function returns a sequence aligned to its input;
// undefined prefixes are filled with a documented sentinel rather than
// truncated, so callers can always index by the same idx as the source
// candles.
package indicators

import "math"

// SMA returns the simple moving average of prices over period. When
// period <= 0, it returns prices[0] repeated for every index (matching the
// degenerate "no averaging" contract).
func SMA(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) == 0 {
		return out
	}
	if period <= 0 {
		for i := range out {
			out[i] = prices[0]
		}
		return out
	}

	var sum float64
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		window := i + 1
		if window > period {
			window = period
		}
		out[i] = sum / float64(window)
	}
	return out
}

// EMA returns the exponential moving average of prices over period, seeded
// with the first value.
func EMA(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) == 0 {
		return out
	}
	if period <= 0 {
		period = 1
	}
	multiplier := 2.0 / float64(period+1)

	out[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		out[i] = (prices[i]-out[i-1])*multiplier + out[i-1]
	}
	return out
}

// RSI returns the Wilder-smoothed relative strength index over period.
// Indices with insufficient history return 50 (neutral), per contract.
func RSI(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) == 0 {
		return out
	}
	for i := range out {
		out[i] = 50
	}
	if period <= 0 || len(prices) <= period {
		return out
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult holds the three series produced by MACD.
type MACDResult struct {
	MACD   []float64
	Signal []float64
	Hist   []float64
}

// MACD returns the MACD line, signal line, and histogram for the given
// fast/slow/signal periods.
func MACD(prices []float64, fast, slow, signal int) MACDResult {
	fastEMA := EMA(prices, fast)
	slowEMA := EMA(prices, slow)

	macdLine := make([]float64, len(prices))
	for i := range prices {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := EMA(macdLine, signal)

	hist := make([]float64, len(prices))
	for i := range prices {
		hist[i] = macdLine[i] - signalLine[i]
	}
	return MACDResult{MACD: macdLine, Signal: signalLine, Hist: hist}
}

// ATR returns the Wilder-smoothed average true range. Defined for indices
// >= period; earlier indices hold 0.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 || period <= 0 {
		return out
	}

	trueRanges := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			trueRanges[i] = highs[i] - lows[i]
			continue
		}
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trueRanges[i] = math.Max(hl, math.Max(hc, lc))
	}

	if n <= period {
		return out
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(period)
	out[period] = atr

	for i := period + 1; i < n; i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// BollingerResult holds the middle/upper/lower bands.
type BollingerResult struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
}

// Bollinger returns Bollinger Bands: an SMA middle band and
// stdDevMultiplier standard deviations above/below it.
func Bollinger(prices []float64, period int, stdDevMultiplier float64) BollingerResult {
	middle := SMA(prices, period)
	upper := make([]float64, len(prices))
	lower := make([]float64, len(prices))

	for i := range prices {
		window := period
		if i+1 < window {
			window = i + 1
		}
		start := i + 1 - window
		var sumSq float64
		for j := start; j <= i; j++ {
			diff := prices[j] - middle[i]
			sumSq += diff * diff
		}
		stdDev := math.Sqrt(sumSq / float64(window))
		upper[i] = middle[i] + stdDevMultiplier*stdDev
		lower[i] = middle[i] - stdDevMultiplier*stdDev
	}
	return BollingerResult{Middle: middle, Upper: upper, Lower: lower}
}

// ADX returns the Average Directional Index over period, Wilder-smoothed.
// Defined for indices >= 2*period; earlier indices hold 0.
func ADX(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 || period <= 0 {
		return out
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)

	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	if n <= 2*period {
		return out
	}

	smooth := func(series []float64) []float64 {
		sm := make([]float64, n)
		var sum float64
		for i := 1; i <= period; i++ {
			sum += series[i]
		}
		sm[period] = sum
		for i := period + 1; i < n; i++ {
			sm[i] = sm[i-1] - sm[i-1]/float64(period) + series[i]
		}
		return sm
	}

	smTR := smooth(tr)
	smPlusDM := smooth(plusDM)
	smMinusDM := smooth(minusDM)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smTR[i] == 0 {
			continue
		}
		plusDI := 100 * smPlusDM[i] / smTR[i]
		minusDI := 100 * smMinusDM[i] / smTR[i]
		sumDI := plusDI + minusDI
		if sumDI == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sumDI
	}

	var adxSum float64
	start := 2 * period
	for i := period; i < start; i++ {
		adxSum += dx[i]
	}
	adx := adxSum / float64(period)
	out[start] = adx
	for i := start + 1; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

// RealizedVolatility returns the annualized realized volatility of log
// returns over the trailing lookback window at each index. Requires at
// least 2 finite log returns in the window; otherwise 0.
func RealizedVolatility(prices []float64, lookback int, periodsPerYear float64) []float64 {
	n := len(prices)
	out := make([]float64, n)
	if n == 0 || lookback <= 0 {
		return out
	}

	logReturns := make([]float64, n)
	logReturns[0] = math.NaN()
	for i := 1; i < n; i++ {
		if prices[i-1] > 0 && prices[i] > 0 {
			logReturns[i] = math.Log(prices[i] / prices[i-1])
		} else {
			logReturns[i] = math.NaN()
		}
	}

	for i := 0; i < n; i++ {
		start := i - lookback + 1
		if start < 0 {
			start = 0
		}
		var sum float64
		var count int
		for j := start; j <= i; j++ {
			if !math.IsNaN(logReturns[j]) {
				sum += logReturns[j]
				count++
			}
		}
		if count < 2 {
			continue
		}
		mean := sum / float64(count)
		var sumSq float64
		for j := start; j <= i; j++ {
			if !math.IsNaN(logReturns[j]) {
				diff := logReturns[j] - mean
				sumSq += diff * diff
			}
		}
		variance := sumSq / float64(count-1)
		out[i] = math.Sqrt(variance) * math.Sqrt(periodsPerYear)
	}
	return out
}
