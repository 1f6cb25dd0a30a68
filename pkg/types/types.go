// Package types defines the core domain model shared by every component of
// the trading engine: candles, trades, strategy templates, backtest
// results, and the account/broker snapshot types the planner and
// reconciler operate on.
package types

import (
	"time"

	"github.com/google/uuid"
)

// TradeStatus enumerates the lifecycle states of a Trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusActive    TradeStatus = "active"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// OperationType enumerates the kinds of account operation a Planner emits.
type OperationType string

const (
	OperationOpenPosition  OperationType = "open_position"
	OperationClosePosition OperationType = "close_position"
	OperationUpdateStop    OperationType = "update_stop_loss"
)

// OrderType is the order type a planned operation requests from the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// SignalAction is the action a strategy's signal decision recommends.
type SignalAction string

const (
	SignalBuy  SignalAction = "buy"
	SignalSell SignalAction = "sell"
	SignalHold SignalAction = "hold"
)

// Candle is one trading-day OHLCV record for a ticker. Immutable once
// constructed; owned by a MarketData snapshot and shared by reference
// across workers.
type Candle struct {
	Ticker          string
	Date            time.Time
	Open            float64
	High            float64
	Low             float64
	Close           float64
	UnadjustedClose *float64
	Volume          int64
}

// EffectiveClose returns UnadjustedClose when present, else Close, per the
// entry-guard fallback rule in the simulation engine.
func (c Candle) EffectiveClose() float64 {
	if c.UnadjustedClose != nil {
		return *c.UnadjustedClose
	}
	return c.Close
}

// TickerInfo carries per-ticker tradability metadata, immutable within a run.
type TickerInfo struct {
	Symbol              string
	Tradable            bool
	Shortable           bool
	EasyToBorrow        bool
	ExpenseRatio        *float64
	MaxFluctuationRatio *float64
	Training            bool
}

// ParameterType enumerates the declared type of a strategy parameter.
type ParameterType string

const (
	ParameterNumber ParameterType = "number"
	ParameterString ParameterType = "string"
	ParameterBool   ParameterType = "bool"
)

// ParameterSpec describes one parameter a StrategyTemplate exposes.
// Default, Min, Max and Step are all stored as float64: numeric values
// directly, string values via the sentinel-NaN registry (see
// internal/paramreg), booleans as 0/1.
type ParameterSpec struct {
	Name    string
	Type    ParameterType
	Min     *float64
	Max     *float64
	Step    *float64
	Default *float64
}

// Optimizable reports whether this parameter is a candidate for
// coordinate-descent search: numeric type with min, max and step all set.
func (p ParameterSpec) Optimizable() bool {
	return p.Type == ParameterNumber && p.Min != nil && p.Max != nil && p.Step != nil
}

// StrategyTemplate is the parameter schema for one strategy implementation,
// loaded once per run.
type StrategyTemplate struct {
	ID                       string
	Parameters               []ParameterSpec
	LocalOptimizationVersion int
}

// ParameterByName returns the ParameterSpec with the given name, if any.
func (t StrategyTemplate) ParameterByName(name string) (ParameterSpec, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// StrategyConfig is one configured strategy instance: a template plus
// concrete parameter values and per-instance filters. Read-only during a
// run.
type StrategyConfig struct {
	ID                string
	TemplateID        string
	AccountID         *string
	Parameters        map[string]float64
	ExcludedTickers   map[string]bool
	ExcludedKeywords  []string
	BacktestStartDate *time.Time
}

// TradeChange is one recorded mutation to a Trade field. The change log is
// append-only: a setter appends an entry only when the old and new values
// differ (compared with ==).
type TradeChange struct {
	Field     string
	Old       interface{}
	New       interface{}
	ChangedAt time.Time
}

// Trade is a single position, open or closed, tracked by the engine or
// reconciler. Quantity is signed: negative encodes a short. Mutated only
// through its setters, which maintain the append-only change log.
type Trade struct {
	ID         string
	StrategyID string
	Ticker     string
	Quantity   float64
	Price      float64
	Date       time.Time
	Status     TradeStatus

	ExitPrice         *float64
	ExitDate          *time.Time
	StopLoss          *float64
	StopLossTriggered *bool
	Fee               *float64
	PnL               *float64

	EntryOrderID     *string
	StopOrderID      *string
	ExitOrderID      *string
	EntryCancelAfter *time.Time

	Changes []TradeChange
}

// NewTrade constructs a pending Trade with a fresh ID.
func NewTrade(strategyID, ticker string, quantity, price float64, date time.Time) *Trade {
	return &Trade{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Ticker:     ticker,
		Quantity:   quantity,
		Price:      price,
		Date:       date,
		Status:     TradeStatusPending,
	}
}

func (t *Trade) record(field string, old, new interface{}, changedAt time.Time) {
	if old == new {
		return
	}
	t.Changes = append(t.Changes, TradeChange{Field: field, Old: old, New: new, ChangedAt: changedAt})
}

// SetStatus updates Status, recording a change log entry iff it differs.
func (t *Trade) SetStatus(status TradeStatus, changedAt time.Time) {
	old := t.Status
	t.Status = status
	t.record("status", old, status, changedAt)
}

// SetPrice updates the entry Price.
func (t *Trade) SetPrice(price float64, changedAt time.Time) {
	old := t.Price
	t.Price = price
	t.record("price", old, price, changedAt)
}

// SetDate updates the entry Date.
func (t *Trade) SetDate(date time.Time, changedAt time.Time) {
	old := t.Date
	t.Date = date
	t.record("date", old, date, changedAt)
}

// SetTicker updates Ticker.
func (t *Trade) SetTicker(ticker string, changedAt time.Time) {
	old := t.Ticker
	t.Ticker = ticker
	t.record("ticker", old, ticker, changedAt)
}

// SetExitPrice updates ExitPrice.
func (t *Trade) SetExitPrice(price *float64, changedAt time.Time) {
	old := t.ExitPrice
	t.ExitPrice = price
	t.record("exit_price", derefPtr(old), derefPtr(price), changedAt)
}

// SetExitDate updates ExitDate.
func (t *Trade) SetExitDate(date *time.Time, changedAt time.Time) {
	old := t.ExitDate
	t.ExitDate = date
	t.record("exit_date", derefTimePtr(old), derefTimePtr(date), changedAt)
}

// SetStopLoss updates StopLoss.
func (t *Trade) SetStopLoss(stop *float64, changedAt time.Time) {
	old := t.StopLoss
	t.StopLoss = stop
	t.record("stop_loss", derefPtr(old), derefPtr(stop), changedAt)
}

// SetStopLossTriggered updates StopLossTriggered.
func (t *Trade) SetStopLossTriggered(triggered *bool, changedAt time.Time) {
	old := t.StopLossTriggered
	t.StopLossTriggered = triggered
	var oldVal, newVal interface{}
	if old != nil {
		oldVal = *old
	}
	if triggered != nil {
		newVal = *triggered
	}
	t.record("stop_loss_triggered", oldVal, newVal, changedAt)
}

// SetFee updates Fee.
func (t *Trade) SetFee(fee *float64, changedAt time.Time) {
	old := t.Fee
	t.Fee = fee
	t.record("fee", derefPtr(old), derefPtr(fee), changedAt)
}

// SetPnL updates PnL.
func (t *Trade) SetPnL(pnl *float64, changedAt time.Time) {
	old := t.PnL
	t.PnL = pnl
	t.record("pnl", derefPtr(old), derefPtr(pnl), changedAt)
}

// SetStopOrderID updates StopOrderID.
func (t *Trade) SetStopOrderID(id *string, changedAt time.Time) {
	old := t.StopOrderID
	t.StopOrderID = id
	var oldVal, newVal interface{}
	if old != nil {
		oldVal = *old
	}
	if id != nil {
		newVal = *id
	}
	t.record("stop_order_id", oldVal, newVal, changedAt)
}

// SetEntryOrderID updates EntryOrderID.
func (t *Trade) SetEntryOrderID(id *string, changedAt time.Time) {
	old := t.EntryOrderID
	t.EntryOrderID = id
	var oldVal, newVal interface{}
	if old != nil {
		oldVal = *old
	}
	if id != nil {
		newVal = *id
	}
	t.record("entry_order_id", oldVal, newVal, changedAt)
}

// SetExitOrderID updates ExitOrderID.
func (t *Trade) SetExitOrderID(id *string, changedAt time.Time) {
	old := t.ExitOrderID
	t.ExitOrderID = id
	var oldVal, newVal interface{}
	if old != nil {
		oldVal = *old
	}
	if id != nil {
		newVal = *id
	}
	t.record("exit_order_id", oldVal, newVal, changedAt)
}

func derefPtr(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func derefTimePtr(p *time.Time) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// DaysHeld returns the number of whole days between Date and asOf.
func (t Trade) DaysHeld(asOf time.Time) int {
	return int(asOf.Sub(t.Date).Hours() / 24)
}

// IsShort reports whether the trade is a short position.
func (t Trade) IsShort() bool {
	return t.Quantity < 0
}

// PerformanceSummary aggregates a backtest's performance metrics.
type PerformanceSummary struct {
	TotalReturn        float64
	CAGR               float64
	SharpeRatio        float64
	SortinoRatio       float64
	MaxDrawdown        float64
	MaxDrawdownPercent float64
	CalmarRatio        float64
	WinRate            float64
	ProfitFactor       float64
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
}

// DailySnapshot is one day's portfolio state, emitted in date order.
type DailySnapshot struct {
	Date                  time.Time
	PortfolioValue        float64
	Cash                  float64
	PositionsValue        float64
	ConcurrentTrades      int
	MissedTradesDueToCash int
}

// StrategyState is an opaque strategy-internal snapshot, round-tripped
// through SnapshotState/RestoreState.
type StrategyState struct {
	TemplateID string
	Payload    []byte
}

// BacktestResult is the output of one simulation engine run.
type BacktestResult struct {
	ID                  string
	StrategyID          string
	WindowStart         time.Time
	WindowEnd           time.Time
	InitialCapital      float64
	FinalPortfolioValue float64
	Performance         PerformanceSummary
	DailySnapshots      []DailySnapshot
	Trades              []Trade
	Tickers             []string
	TickerScope         string
	StrategyState       *StrategyState
}

// AccountSignalSkip records a signal that the planner or engine declined to
// act on, with a reason drawn from a closed vocabulary. Never an error.
type AccountSignalSkip struct {
	Ticker string
	Date   time.Time
	Action SignalAction
	Reason string
	Detail string
}

// SignalDecision is a strategy's recommendation for one (ticker, date).
type SignalDecision struct {
	Action     SignalAction
	Confidence float64
}

// GeneratedSignal is a recorded signal for replay/audit, independent of
// whether it was acted on.
type GeneratedSignal struct {
	StrategyID string
	Ticker     string
	Date       time.Time
	Action     SignalAction
	Confidence float64
}

// StopOrderState is one open stop order reported by the broker.
type StopOrderState struct {
	Quantity  float64
	StopPrice float64
	Side      string
}

// AccountPositionState is one open position reported by the broker.
type AccountPositionState struct {
	Ticker        string
	Quantity      float64
	AvgEntryPrice float64
	CurrentPrice  *float64
}

// AccountStateSnapshot is the broker's view of an account at planning time.
type AccountStateSnapshot struct {
	AvailableCash  float64
	BuyingPower    *float64
	HeldTickers    map[string]bool
	OpenBuyOrders  map[string]bool
	OpenSellOrders map[string]bool
	Positions      []AccountPositionState
	StopOrders     map[string][]StopOrderState
}

// AccountOperationPlan is one planned broker action.
type AccountOperationPlan struct {
	OperationType    OperationType
	TradeID          string
	Ticker           string
	Quantity         *float64
	Price            *float64
	StopLoss         *float64
	PreviousStopLoss *float64
	OrderType        *OrderType
	TriggeredAt      time.Time
	Reason           string
	DaysHeld         *int
}

// PlannedOperations is the output of one Planner invocation.
type PlannedOperations struct {
	Operations     []AccountOperationPlan
	Notes          []string
	SkippedSignals []AccountSignalSkip
}
