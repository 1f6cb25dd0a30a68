package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

type stubOrderClient struct {
	evaluations map[string]*OrderEvaluation
	evalErr     map[string]error
	cancelled   []string
}

func (s *stubOrderClient) EvaluateOrder(ctx context.Context, orderID string) (*OrderEvaluation, error) {
	if s.evalErr != nil {
		if err, ok := s.evalErr[orderID]; ok {
			return nil, err
		}
	}
	if s.evaluations == nil {
		return nil, nil
	}
	return s.evaluations[orderID], nil
}

func (s *stubOrderClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	s.cancelled = append(s.cancelled, orderID)
	return true, nil
}

// S5: a pending trade with no filled entry order adopts a broker-reported
// position whose price falls within the matching tolerance; status and
// price both change and are logged.
func TestReconcileAdoptsBrokerPositionWithinPriceTolerance(t *testing.T) {
	stopOrderID := "stop-1"
	trade := &types.Trade{
		ID:          "trade-1",
		Ticker:      "adopt",
		Quantity:    10,
		Price:       100,
		Date:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Status:      types.TradeStatusPending,
		StopOrderID: &stopOrderID,
	}

	client := &stubOrderClient{
		evaluations: map[string]*OrderEvaluation{
			stopOrderID: {State: OrderPending},
		},
	}

	positions := []types.AccountPositionState{
		{Ticker: "ADOPT", Quantity: 10, AvgEntryPrice: 101},
	}
	lastClose := map[string]float64{"ADOPT": 105}

	r := New(nil)
	changed, err := r.ReconcileTrade(context.Background(), client, trade, lastClose, positions, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReconcileTrade: %v", err)
	}
	if !changed {
		t.Fatalf("want changed=true")
	}
	if trade.Status != types.TradeStatusActive {
		t.Fatalf("status = %s, want active", trade.Status)
	}
	if trade.Price != 101 {
		t.Fatalf("price = %v, want 101 (broker avg entry price)", trade.Price)
	}

	var hasStatusChange, hasPriceChange bool
	for _, c := range trade.Changes {
		if c.Field == "status" {
			hasStatusChange = true
		}
		if c.Field == "price" {
			hasPriceChange = true
		}
	}
	if !hasStatusChange || !hasPriceChange {
		t.Fatalf("want change log entries for status and price, got %+v", trade.Changes)
	}
	if len(client.cancelled) != 0 {
		t.Fatalf("want no cancel calls, got %v", client.cancelled)
	}
}

// A trade with no order IDs attached at all has nothing to reconcile against
// and must be left untouched.
func TestReconcileTradeWithNoOrderIDsIsUnchanged(t *testing.T) {
	trade := &types.Trade{ID: "t", Ticker: "X", Quantity: 1, Price: 10, Status: types.TradeStatusPending}
	r := New(nil)

	changed, err := r.ReconcileTrade(context.Background(), &stubOrderClient{}, trade, nil, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReconcileTrade: %v", err)
	}
	if changed {
		t.Fatalf("want unchanged, got changed with trade %+v", trade)
	}
	if len(trade.Changes) != 0 {
		t.Fatalf("want no recorded changes, got %+v", trade.Changes)
	}
}

// ReconcileBatch tallies a client error as skipped and a successful mutation
// as reconciled, without one trade's failure blocking the other.
func TestReconcileBatchCountsSkippedAndReconciledIndependently(t *testing.T) {
	entryOrderID := "entry-err"
	failing := &types.Trade{
		ID:           "fail",
		Ticker:       "ERR",
		Quantity:     5,
		Price:        50,
		Status:       types.TradeStatusPending,
		EntryOrderID: &entryOrderID,
	}

	stopOrderID := "stop-ok"
	adopting := &types.Trade{
		ID:          "ok",
		Ticker:      "OK",
		Quantity:    5,
		Price:       20,
		Status:      types.TradeStatusPending,
		StopOrderID: &stopOrderID,
	}

	client := &stubOrderClient{
		evaluations: map[string]*OrderEvaluation{
			stopOrderID: {State: OrderPending},
		},
		evalErr: map[string]error{
			entryOrderID: errors.New("broker unavailable"),
		},
	}
	positions := []types.AccountPositionState{{Ticker: "OK", Quantity: 5, AvgEntryPrice: 20}}

	r := New(nil)
	summary := r.ReconcileBatch(context.Background(), client, []*types.Trade{failing, adopting}, nil, positions, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))

	if summary.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", summary.Skipped)
	}
	if summary.Reconciled != 1 {
		t.Errorf("reconciled = %d, want 1", summary.Reconciled)
	}
	if adopting.Status != types.TradeStatusActive {
		t.Errorf("adopting trade status = %s, want active", adopting.Status)
	}
	if failing.Status != types.TradeStatusPending {
		t.Errorf("failing trade status = %s, want left untouched as pending", failing.Status)
	}
}
