package store

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

// signalInsertChunkSize bounds how many signals are folded into memory and
// flushed to disk per call, mirroring the reference's SIGNAL_INSERT_CHUNK_SIZE
// guard against unbounded single-transaction inserts when a strategy's
// signal history is regenerated wholesale.
const signalInsertChunkSize = 500_000

// UpsertSignals records strategyID's generated signals, keyed by
// (strategy, ticker, date) so replaying a signal a second time overwrites
// the earlier decision instead of duplicating a row. Returns how many
// signals were newly inserted or changed.
func (s *Store) UpsertSignals(ctx context.Context, strategyID string, signals []types.GeneratedSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for offset := 0; offset < len(signals); offset += signalInsertChunkSize {
		end := offset + signalInsertChunkSize
		if end > len(signals) {
			end = len(signals)
		}
		for _, signal := range signals[offset:end] {
			id := generateSignalID(strategyID, signal.Ticker, signal.Date)
			if existing, ok := s.signals[id]; ok && existing == signal {
				continue
			}
			s.signals[id] = signal
			changed++
		}
		if err := s.saveJSON(signalsFile, s.signals); err != nil {
			return changed, fmt.Errorf("store: flush signals chunk: %w", err)
		}
	}

	return changed, nil
}

// SignalsForStrategy returns every recorded signal for strategyID, in no
// particular order; callers needing date order should sort the result.
func (s *Store) SignalsForStrategy(ctx context.Context, strategyID string) []types.GeneratedSignal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.GeneratedSignal, 0)
	for _, signal := range s.signals {
		if signal.StrategyID == strategyID {
			out = append(out, signal)
		}
	}
	return out
}

func generateSignalID(strategyID, ticker string, date time.Time) string {
	return fmt.Sprintf("%s_%s_%s", strategyID, ticker, date.Format("2006-01-02"))
}

// SaveAccountOperations replaces the planner's recorded output for
// (strategyID, accountID) with operations, mirroring the reference's
// replace_account_operations_for_strategy delete-then-insert.
func (s *Store) SaveAccountOperations(ctx context.Context, strategyID, accountID string, operations []types.AccountOperationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]PersistedOperation, 0, len(s.accountOperations))
	for _, op := range s.accountOperations {
		if op.StrategyID == strategyID && op.AccountID == accountID {
			continue
		}
		kept = append(kept, op)
	}
	for _, op := range operations {
		kept = append(kept, PersistedOperation{StrategyID: strategyID, AccountID: accountID, Operation: op})
	}
	s.accountOperations = kept

	return s.saveJSON(accountOperationsFile, s.accountOperations)
}

// SaveAccountSignalSkips replaces the recorded skips for
// (strategyID, accountID) with skips.
func (s *Store) SaveAccountSignalSkips(ctx context.Context, strategyID, accountID string, skips []types.AccountSignalSkip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]PersistedSignalSkip, 0, len(s.accountSignalSkips))
	for _, skip := range s.accountSignalSkips {
		if skip.StrategyID == strategyID && skip.AccountID == accountID {
			continue
		}
		kept = append(kept, skip)
	}
	for _, skip := range skips {
		kept = append(kept, PersistedSignalSkip{StrategyID: strategyID, AccountID: accountID, Skip: skip})
	}
	s.accountSignalSkips = kept

	return s.saveJSON(accountSignalSkipsFile, s.accountSignalSkips)
}

// UpsertBacktestCacheEntry records or updates one optimizer candidate's
// verification/balance progress, mirroring the reference's
// update_backtest_cache_verification/balance_training/balance_validation
// trio collapsed into a single upsert since this store holds the whole
// entry in memory rather than patching individual columns.
func (s *Store) UpsertBacktestCacheEntry(entry BacktestCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtestCache[entry.ID] = entry
	return s.saveJSON(backtestCacheFile, s.backtestCache)
}

// BacktestCacheEntriesForTemplate returns every cached candidate for
// templateID.
func (s *Store) BacktestCacheEntriesForTemplate(templateID string) []BacktestCacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BacktestCacheEntry, 0)
	for _, entry := range s.backtestCache {
		if entry.TemplateID == templateID {
			out = append(out, entry)
		}
	}
	return out
}
