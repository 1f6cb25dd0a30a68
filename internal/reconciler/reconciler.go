// Package reconciler reconciles locally tracked trades against a broker's
// live order and position state: cancelling stale pending entries,
// applying fills, closing stopped-out or exited positions, and marking
// open trades to the last known close when nothing else changed.
package reconciler

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/stratforge/internal/metrics"
	"github.com/atlas-desktop/stratforge/pkg/types"
	"go.uber.org/zap"
)

// PnLEpsilon is the tolerance below which a recomputed mark-to-market PnL
// is considered unchanged, avoiding a write on every reconciliation pass.
const PnLEpsilon = 1e-6

// OrderState is the broker-reported lifecycle state of one order.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
)

// OrderEvaluation is a broker's current view of one order.
type OrderEvaluation struct {
	State       OrderState
	FilledPrice *float64
	ChangedAt   time.Time
}

// OrderClient is the broker capability the reconciler needs. Implemented by
// internal/broker's Alpaca client; declared here so this package never
// imports internal/broker.
type OrderClient interface {
	EvaluateOrder(ctx context.Context, orderID string) (*OrderEvaluation, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// Reconciler reconciles one account's trades against its broker client.
type Reconciler struct {
	logger *zap.Logger
}

// New creates a Reconciler.
func New(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger}
}

// Summary tallies one reconciliation pass over a batch of trades.
type Summary struct {
	Reconciled int
	Skipped    int
}

// ReconcileBatch reconciles every trade in trades against client, using
// lastClose for mark-to-market pricing and positions to match pending
// trades against broker-reported fills. Trades are mutated in place.
func (r *Reconciler) ReconcileBatch(ctx context.Context, client OrderClient, trades []*types.Trade, lastClose map[string]float64, positions []types.AccountPositionState, now time.Time) Summary {
	var summary Summary
	for _, trade := range trades {
		changed, err := r.ReconcileTrade(ctx, client, trade, lastClose, positions, now)
		if err != nil {
			r.logger.Warn("failed to reconcile trade",
				zap.String("trade_id", trade.ID),
				zap.String("strategy_id", trade.StrategyID),
				zap.Error(err))
			summary.Skipped++
			metrics.ObserveReconciliationAction("skipped")
			continue
		}
		if changed {
			summary.Reconciled++
			metrics.ObserveReconciliationAction("reconciled")
		} else if err == nil {
			metrics.ObserveReconciliationAction("unchanged")
		}
	}
	return summary
}

// ReconcileTrade reconciles one trade against the broker's order and
// position state, mutating it through its setters and reporting whether
// anything changed.
func (r *Reconciler) ReconcileTrade(ctx context.Context, client OrderClient, trade *types.Trade, lastClose map[string]float64, positions []types.AccountPositionState, now time.Time) (bool, error) {
	if trade.EntryOrderID == nil && trade.StopOrderID == nil && trade.ExitOrderID == nil {
		return false, nil
	}

	entryEval, err := evaluateIfSet(ctx, client, trade.EntryOrderID)
	if err != nil {
		return false, err
	}
	stopEval, err := evaluateIfSet(ctx, client, trade.StopOrderID)
	if err != nil {
		return false, err
	}
	exitEval, err := evaluateIfSet(ctx, client, trade.ExitOrderID)
	if err != nil {
		return false, err
	}

	if entryOrderReadyForCancellation(trade, entryEval, now) {
		orderID := strings.TrimSpace(derefStr(trade.EntryOrderID))
		if orderID != "" {
			cancelled, err := client.CancelOrder(ctx, orderID)
			if err != nil {
				return false, err
			}
			if cancelled {
				r.logger.Info("cancelled pending entry order",
					zap.String("order_id", orderID), zap.String("trade_id", trade.ID))
				applyCancellation(trade, now)
				return true, nil
			}
		}
	}

	if stopEval != nil && stopEval.State == OrderFilled {
		applyClosure(trade, stopEval, true)
		return true, nil
	}
	if exitEval != nil && exitEval.State == OrderFilled {
		applyClosure(trade, exitEval, false)
		return true, nil
	}

	changed := false

	if entryEval != nil && entryEval.State == OrderFilled {
		changedAt := entryEval.ChangedAt
		if trade.Status == types.TradeStatusPending {
			trade.SetStatus(types.TradeStatusActive, changedAt)
			changed = true
		}
		if entryEval.FilledPrice != nil && trade.Price != *entryEval.FilledPrice {
			trade.SetPrice(*entryEval.FilledPrice, changedAt)
			changed = true
		}
		filledDate := normalizeTradeDate(changedAt)
		if !trade.Date.Equal(filledDate) {
			trade.SetDate(filledDate, changedAt)
			changed = true
		}
	}

	positionMatch := findPositionMatch(trade, positions)
	entryCancelledOrMissing := entryEval == nil || entryEval.State == OrderCancelled
	if trade.Status == types.TradeStatusPending && entryCancelledOrMissing {
		if positionMatch != nil {
			trade.SetStatus(types.TradeStatusActive, now)
			if positionMatch.AvgEntryPrice > 0 && isFinite(positionMatch.AvgEntryPrice) &&
				math.Abs(trade.Price-positionMatch.AvgEntryPrice) > PnLEpsilon {
				trade.SetPrice(positionMatch.AvgEntryPrice, now)
			}
			if trade.Ticker != positionMatch.Ticker {
				trade.SetTicker(positionMatch.Ticker, now)
			}
			changed = true
		}
	}

	if positionMatch != nil && trade.Ticker != positionMatch.Ticker {
		trade.SetTicker(positionMatch.Ticker, now)
		changed = true
	}

	if stopEval != nil && stopEval.State == OrderCancelled && positionMatch != nil && trade.StopOrderID != nil {
		trade.SetStopOrderID(nil, now)
		changed = true
	}

	if shouldCancelTrade(trade, entryEval, stopEval, exitEval, positionMatch != nil) {
		applyCancellation(trade, now)
		return true, nil
	}

	if updateMarkToMarketPnL(trade, lastClose, now) {
		changed = true
	}

	return changed, nil
}

func evaluateIfSet(ctx context.Context, client OrderClient, orderID *string) (*OrderEvaluation, error) {
	if orderID == nil {
		return nil, nil
	}
	return client.EvaluateOrder(ctx, *orderID)
}

func applyClosure(trade *types.Trade, eval *OrderEvaluation, isStop bool) {
	changedAt := eval.ChangedAt
	trade.SetStatus(types.TradeStatusClosed, changedAt)
	if eval.FilledPrice != nil {
		trade.SetExitPrice(eval.FilledPrice, changedAt)
	}
	trade.SetExitDate(&changedAt, changedAt)
	stopTriggered := isStop
	trade.SetStopLossTriggered(&stopTriggered, changedAt)
	if trade.ExitPrice != nil {
		pnl := (*trade.ExitPrice - trade.Price) * trade.Quantity
		trade.SetPnL(&pnl, changedAt)
	}
}

func applyCancellation(trade *types.Trade, changedAt time.Time) {
	trade.SetStatus(types.TradeStatusCancelled, changedAt)
	trade.SetExitPrice(nil, changedAt)
	trade.SetExitDate(nil, changedAt)
	notTriggered := false
	trade.SetStopLossTriggered(&notTriggered, changedAt)
	trade.SetPnL(nil, changedAt)
}

func findPositionMatch(trade *types.Trade, positions []types.AccountPositionState) *types.AccountPositionState {
	if len(positions) == 0 {
		return nil
	}

	for i := range positions {
		if positions[i].Quantity == trade.Quantity && positions[i].Ticker == trade.Ticker {
			return &positions[i]
		}
	}

	var candidates []*types.AccountPositionState
	for i := range positions {
		if positions[i].Quantity == trade.Quantity {
			candidates = append(candidates, &positions[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var filtered []*types.AccountPositionState
	for _, c := range candidates {
		if pricesClose(c.AvgEntryPrice, trade.Price) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return nil
}

func pricesClose(a, b float64) bool {
	if !isFinite(a) || !isFinite(b) || a <= 0 || b <= 0 {
		return false
	}
	magnitude := math.Max(math.Abs(a), math.Abs(b))
	absTolerance := 0.002
	if magnitude >= 1.0 {
		absTolerance = 0.02
	}
	relTolerance := 0.02 * magnitude
	diff := math.Abs(a - b)
	return diff <= absTolerance || diff <= relTolerance
}

func normalizeTradeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func updateMarkToMarketPnL(trade *types.Trade, lastClose map[string]float64, now time.Time) bool {
	if trade.Status != types.TradeStatusPending && trade.Status != types.TradeStatusActive {
		return false
	}
	currentPrice, ok := lastClose[trade.Ticker]
	if !ok {
		return false
	}
	pnl := (currentPrice - trade.Price) * trade.Quantity
	if trade.PnL == nil || math.Abs(*trade.PnL-pnl) > PnLEpsilon {
		trade.SetPnL(&pnl, now)
		return true
	}
	return false
}

func shouldCancelTrade(trade *types.Trade, entry, stop, exit *OrderEvaluation, hasPositionMatch bool) bool {
	if trade.Status == types.TradeStatusPending {
		if entry != nil && entry.State == OrderCancelled && !hasPositionMatch {
			return true
		}
	}

	if trade.Status == types.TradeStatusPending || trade.Status == types.TradeStatusActive {
		if stop != nil && stop.State == OrderCancelled && !hasPositionMatch {
			exitMissing := trade.ExitOrderID == nil
			exitCancelled := exit != nil && exit.State == OrderCancelled
			if exitMissing || exitCancelled {
				return true
			}
		}
	}
	return false
}

func entryOrderReadyForCancellation(trade *types.Trade, entry *OrderEvaluation, now time.Time) bool {
	if trade.Status != types.TradeStatusPending {
		return false
	}
	if trade.EntryCancelAfter == nil {
		return false
	}
	if now.Before(*trade.EntryCancelAfter) {
		return false
	}
	return entry != nil && entry.State == OrderPending
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
