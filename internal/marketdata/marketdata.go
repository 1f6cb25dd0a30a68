// Package marketdata holds the MarketData context: an immutable, shareable
// snapshot of candles, trading dates, ticker metadata and strategy templates
// for one run. It is built once, validated, and then only read — by the engine,
// planner, signal manager and optimizer alike — so it carries no mutex of
// its own once constructed. The load path (JSON-file source, in-memory
// cache keyed by symbol) is kept from the reference store; the store's
// mutable, continuously-refreshed cache is replaced here with a frozen
// snapshot built once per run and shared by reference.
package marketdata

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

// Loader reads raw candle series from a backing store (JSON files on disk
// by default) and caches them in memory, guarded by a mutex since a run may
// load several tickers concurrently before the MarketData snapshot freezes.
type Loader struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Candle
}

// NewLoader constructs a Loader rooted at dataDir.
func NewLoader(logger *zap.Logger, dataDir string) *Loader {
	return &Loader{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]types.Candle),
	}
}

// candleFile is the on-disk JSON representation for one ticker's series.
type candleFile struct {
	Ticker  string        `json:"ticker"`
	Candles []candleEntry `json:"candles"`
}

type candleEntry struct {
	Date            string   `json:"date"`
	Open            float64  `json:"open"`
	High            float64  `json:"high"`
	Low             float64  `json:"low"`
	Close           float64  `json:"close"`
	UnadjustedClose *float64 `json:"unadjusted_close,omitempty"`
	Volume          int64    `json:"volume"`
}

// LoadUniverse reads the ticker manifest at <dataDir>/tickers.json, the
// flat-file stand-in for the reference's tickers table
// (get_tickers_with_candle_counts) this JSON-file deployment has no
// database to back.
func LoadUniverse(dataDir string) ([]types.TickerInfo, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "tickers.json"))
	if err != nil {
		return nil, fmt.Errorf("marketdata: load universe: %w", err)
	}

	var tickers []types.TickerInfo
	if err := json.Unmarshal(raw, &tickers); err != nil {
		return nil, fmt.Errorf("marketdata: parse universe: %w", err)
	}
	return tickers, nil
}

// Load returns the candle series for ticker, sorted ascending by date.
// Served from cache when already loaded; otherwise read from
// <dataDir>/<ticker>.json.
func (l *Loader) Load(ticker string) ([]types.Candle, error) {
	l.mu.RLock()
	if cached, ok := l.cache[ticker]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	path := filepath.Join(l.dataDir, ticker+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("marketdata: load %s: %w", ticker, err)
	}

	var file candleFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("marketdata: parse %s: %w", ticker, err)
	}

	candles := make([]types.Candle, 0, len(file.Candles))
	for _, e := range file.Candles {
		date, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			return nil, fmt.Errorf("marketdata: %s: bad date %q: %w", ticker, e.Date, err)
		}
		candles = append(candles, types.Candle{
			Ticker:          ticker,
			Date:            date,
			Open:            e.Open,
			High:            e.High,
			Low:             e.Low,
			Close:           e.Close,
			UnadjustedClose: e.UnadjustedClose,
			Volume:          e.Volume,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Date.Before(candles[j].Date) })

	l.mu.Lock()
	l.cache[ticker] = candles
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Debug("loaded candle series", zap.String("ticker", ticker), zap.Int("bars", len(candles)))
	}
	return candles, nil
}

// MarketData is the deep-immutable snapshot every component of a run reads
// from. Construct it once via Build, then share it by pointer; nothing in
// this package ever mutates a MarketData after Build returns.
type MarketData struct {
	Candles     map[string][]types.Candle
	Tickers     map[string]types.TickerInfo
	Dates       []time.Time
	Templates   map[string]types.StrategyTemplate
}

// Build loads every requested ticker via loader, assembles the union of
// trading dates across all series, and returns a frozen MarketData. Returns
// the accumulated per-ticker DataQualityReport alongside so callers can
// decide whether to proceed on marginal data.
func Build(loader *Loader, tickers []types.TickerInfo, templates []types.StrategyTemplate) (*MarketData, map[string]*DataQualityReport, error) {
	candleMap := make(map[string][]types.Candle, len(tickers))
	tickerMap := make(map[string]types.TickerInfo, len(tickers))
	reports := make(map[string]*DataQualityReport, len(tickers))
	dateSet := make(map[time.Time]struct{})

	for _, t := range tickers {
		series, err := loader.Load(t.Symbol)
		if err != nil {
			return nil, nil, err
		}
		candleMap[t.Symbol] = series
		tickerMap[t.Symbol] = t
		reports[t.Symbol] = Validate(series, t.Symbol)
		for _, c := range series {
			dateSet[c.Date] = struct{}{}
		}
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	templateMap := make(map[string]types.StrategyTemplate, len(templates))
	for _, tpl := range templates {
		templateMap[tpl.ID] = tpl
	}

	return &MarketData{
		Candles:   candleMap,
		Tickers:   tickerMap,
		Dates:     dates,
		Templates: templateMap,
	}, reports, nil
}

// Subset returns a new MarketData restricted to the given tickers and the
// inclusive [start, end] date window. The underlying candle slices are
// re-sliced, not copied: callers never mutate a Candle, so sharing the
// backing array is safe.
func (m *MarketData) Subset(tickers map[string]bool, start, end time.Time) *MarketData {
	candleMap := make(map[string][]types.Candle, len(tickers))
	tickerMap := make(map[string]types.TickerInfo, len(tickers))

	for ticker := range tickers {
		series, ok := m.Candles[ticker]
		if !ok {
			continue
		}
		lo := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(start) })
		hi := sort.Search(len(series), func(i int) bool { return series[i].Date.After(end) })
		if lo < hi {
			candleMap[ticker] = series[lo:hi]
		} else {
			candleMap[ticker] = nil
		}
		if info, ok := m.Tickers[ticker]; ok {
			tickerMap[ticker] = info
		}
	}

	dates := make([]time.Time, 0, len(m.Dates))
	for _, d := range m.Dates {
		if !d.Before(start) && !d.After(end) {
			dates = append(dates, d)
		}
	}

	return &MarketData{
		Candles:   candleMap,
		Tickers:   tickerMap,
		Dates:     dates,
		Templates: m.Templates,
	}
}

// Flatten returns every candle across every ticker in m as one slice, the
// shape internal/activebacktest's worker-pool tasks group back out by
// ticker per job.
func (m *MarketData) Flatten() []types.Candle {
	total := 0
	for _, series := range m.Candles {
		total += len(series)
	}
	out := make([]types.Candle, 0, total)
	for _, series := range m.Candles {
		out = append(out, series...)
	}
	return out
}

// TickerSymbols returns every ticker symbol present in m.
func (m *MarketData) TickerSymbols() []string {
	out := make([]string, 0, len(m.Tickers))
	for symbol := range m.Tickers {
		out = append(out, symbol)
	}
	return out
}

// ExpenseRatioMap builds the per-ticker expense-ratio map
// internal/engine.Engine.SetTickerExpenseMap consumes, defaulting absent
// or nil ratios to zero.
func (m *MarketData) ExpenseRatioMap() map[string]float64 {
	out := make(map[string]float64, len(m.Tickers))
	for symbol, info := range m.Tickers {
		if info.ExpenseRatio != nil {
			out[symbol] = *info.ExpenseRatio
		}
	}
	return out
}

// IndexOf returns the index of date within a ticker's candle series, and
// whether it was found.
func (m *MarketData) IndexOf(ticker string, date time.Time) (int, bool) {
	series := m.Candles[ticker]
	idx := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(date) })
	if idx < len(series) && series[idx].Date.Equal(date) {
		return idx, true
	}
	return 0, false
}

// LastClose returns the most recent close price recorded for ticker, and
// whether any candle exists for it. Candle series are sorted ascending by
// Build, so the last element is always the latest bar.
func (m *MarketData) LastClose(ticker string) (float64, bool) {
	series := m.Candles[ticker]
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1].Close, true
}

// LastCloses returns the most recent close price for every ticker in
// tickers that has at least one candle, mirroring the reference
// reconciliation job's per-account lookup of each position's last known
// price ahead of mark-to-market PnL updates.
func (m *MarketData) LastCloses(tickers []string) map[string]float64 {
	out := make(map[string]float64, len(tickers))
	for _, ticker := range tickers {
		if close, ok := m.LastClose(ticker); ok {
			out[ticker] = close
		}
	}
	return out
}

// isFinite reports whether v is neither NaN nor infinite; shared by the
// quality checks below.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
