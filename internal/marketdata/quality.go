package marketdata

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

// DataIssue is one defect a quality check found in a ticker's candle
// series.
type DataIssue struct {
	Type      string
	Severity  string // "warning" | "critical"
	Date      time.Time
	Ticker    string
	Message   string
	Value     float64
	BarIndex  int
}

// DataQualityReport summarizes every issue found for one ticker, with a
// 0-100 score and a usability verdict the caller can gate a run on.
type DataQualityReport struct {
	Ticker       string
	TotalBars    int
	Issues       []DataIssue
	QualityScore int
	IsUsable     bool

	GapCount          int
	PriceAnomalyCount int
	VolumeAnomalyCount int
	OHLCErrorCount    int
}

// qualityThresholds mirrors a daily-bar equities calendar rather than a
// 24/7 crypto one: fewer expected sessions per year, tighter move limits
// (circuit-breaker bounded), higher minimum volume.
const (
	maxIntradayMove   = 0.20
	maxGapMove        = 0.15
	minVolume         = int64(1000)
	maxVolumeMultiple = 10.0
)

// Validate runs every quality check against one ticker's candle series and
// returns a scored report. An empty series is reported as unusable rather
// than panicking downstream.
func Validate(candles []types.Candle, ticker string) *DataQualityReport {
	if len(candles) == 0 {
		return &DataQualityReport{
			Ticker:    ticker,
			TotalBars: 0,
			Issues: []DataIssue{{
				Type: "no_data", Severity: "critical", Ticker: ticker,
				Message: "no candles provided",
			}},
			QualityScore: 0,
			IsUsable:     false,
		}
	}

	var issues []DataIssue
	issues = append(issues, checkGaps(candles, ticker)...)
	issues = append(issues, checkPriceAnomalies(candles, ticker)...)
	issues = append(issues, checkVolumeAnomalies(candles, ticker)...)
	issues = append(issues, checkOHLCConsistency(candles, ticker)...)
	issues = append(issues, checkChronologicalOrder(candles, ticker)...)

	report := &DataQualityReport{
		Ticker:    ticker,
		TotalBars: len(candles),
		Issues:    issues,
	}
	for _, iss := range issues {
		switch iss.Type {
		case "gap_detected":
			report.GapCount++
		case "negative_price", "zero_price", "extreme_move", "gap_move":
			report.PriceAnomalyCount++
		case "zero_volume", "low_volume", "volume_spike":
			report.VolumeAnomalyCount++
		case "ohlc_inconsistent":
			report.OHLCErrorCount++
		}
	}
	report.QualityScore = scoreFromIssues(len(candles), issues)
	report.IsUsable = report.QualityScore >= 50
	return report
}

// scoreFromIssues deducts from a 100 baseline: 1 point per warning, 5 per
// critical issue, floored at 0.
func scoreFromIssues(totalBars int, issues []DataIssue) int {
	score := 100
	for _, iss := range issues {
		if iss.Severity == "critical" {
			score -= 5
		} else {
			score -= 1
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func checkGaps(candles []types.Candle, ticker string) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(candles); i++ {
		days := candles[i].Date.Sub(candles[i-1].Date).Hours() / 24
		if days > 5 {
			issues = append(issues, DataIssue{
				Type: "gap_detected", Severity: "warning", Ticker: ticker,
				Date: candles[i].Date, BarIndex: i,
				Message: fmt.Sprintf("%.0f day gap before this bar", days),
				Value:   days,
			})
		}
	}
	return issues
}

func checkPriceAnomalies(candles []types.Candle, ticker string) []DataIssue {
	var issues []DataIssue
	for i, c := range candles {
		o, h, l, cl := c.Open, c.High, c.Low, c.Close
		if o <= 0 || h <= 0 || l <= 0 || cl <= 0 {
			issues = append(issues, DataIssue{
				Type: "negative_price", Severity: "critical", Ticker: ticker,
				Date: c.Date, BarIndex: i, Message: "non-positive OHLC value",
			})
			continue
		}
		if i > 0 {
			prevClose := candles[i-1].Close
			if prevClose > 0 {
				move := math.Abs(cl-prevClose) / prevClose
				if move > maxIntradayMove {
					issues = append(issues, DataIssue{
						Type: "extreme_move", Severity: "warning", Ticker: ticker,
						Date: c.Date, BarIndex: i,
						Message: fmt.Sprintf("%.1f%% move from prior close", move*100),
						Value:   move,
					})
				}
				gapMove := math.Abs(o-prevClose) / prevClose
				if gapMove > maxGapMove {
					issues = append(issues, DataIssue{
						Type: "gap_move", Severity: "warning", Ticker: ticker,
						Date: c.Date, BarIndex: i,
						Message: fmt.Sprintf("%.1f%% gap at open", gapMove*100),
						Value:   gapMove,
					})
				}
			}
		}
	}
	return issues
}

func checkVolumeAnomalies(candles []types.Candle, ticker string) []DataIssue {
	var issues []DataIssue
	var sum int64
	for _, c := range candles {
		sum += c.Volume
	}
	avg := float64(sum) / float64(len(candles))

	for i, c := range candles {
		v := c.Volume
		switch {
		case v == 0:
			issues = append(issues, DataIssue{
				Type: "zero_volume", Severity: "warning", Ticker: ticker,
				Date: c.Date, BarIndex: i, Message: "zero volume",
			})
		case v < minVolume:
			issues = append(issues, DataIssue{
				Type: "low_volume", Severity: "warning", Ticker: ticker,
				Date: c.Date, BarIndex: i,
				Message: fmt.Sprintf("volume %d below minimum %d", v, minVolume),
				Value:   float64(v),
			})
		case avg > 0 && float64(v) > avg*maxVolumeMultiple:
			issues = append(issues, DataIssue{
				Type: "volume_spike", Severity: "warning", Ticker: ticker,
				Date: c.Date, BarIndex: i,
				Message: fmt.Sprintf("volume %d is %.1fx average", v, float64(v)/avg),
				Value:   float64(v),
			})
		}
	}
	return issues
}

func checkOHLCConsistency(candles []types.Candle, ticker string) []DataIssue {
	var issues []DataIssue
	for i, c := range candles {
		o, h, l, cl := c.Open, c.High, c.Low, c.Close
		if h < l || h < o || h < cl || l > o || l > cl {
			issues = append(issues, DataIssue{
				Type: "ohlc_inconsistent", Severity: "critical", Ticker: ticker,
				Date: c.Date, BarIndex: i,
				Message: "high/low do not bound open/close",
			})
		}
	}
	return issues
}

func checkChronologicalOrder(candles []types.Candle, ticker string) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(candles); i++ {
		if !candles[i].Date.After(candles[i-1].Date) {
			issues = append(issues, DataIssue{
				Type: "out_of_order", Severity: "critical", Ticker: ticker,
				Date: candles[i].Date, BarIndex: i,
				Message: "date does not strictly increase",
			})
		}
	}
	return issues
}
