// Package store persists the engine's durable state to JSON files under a
// data directory, the way internal/data/store.go caches OHLCV bars on disk
// in the teacher repo, extended here to the full table set a deployment
// needs: settings, backtest results and their trades, signals, account
// operations and skips, and a coordinate-descent training cache. A real
// deployment would point this at a relational database instead; this
// implementation exists to give every other package (internal/activebacktest,
// internal/optimizer, internal/reconciler) a concrete, runnable collaborator
// to persist against without pulling in a database driver this module never
// imports elsewhere.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/stratforge/pkg/types"
)

const (
	settingsFile           = "settings.json"
	backtestResultsFile    = "backtest_results.json"
	tradesFile             = "trades.json"
	signalsFile            = "signals.json"
	accountOperationsFile  = "account_operations.json"
	accountSignalSkipsFile = "account_signal_skips.json"
	backtestCacheFile      = "backtest_cache.json"
	systemLogsFile         = "system_logs.json"
)

// PersistedOperation is one planner-emitted operation recorded against the
// strategy/account it was planned for, mirroring the reference's
// account_operations table.
type PersistedOperation struct {
	StrategyID string                     `json:"strategy_id"`
	AccountID  string                     `json:"account_id"`
	Operation  types.AccountOperationPlan `json:"operation"`
}

// PersistedSignalSkip is one recorded skip, scoped to the strategy/account
// it was evaluated under, mirroring account_signal_skips.
type PersistedSignalSkip struct {
	StrategyID string                 `json:"strategy_id"`
	AccountID  string                 `json:"account_id"`
	Skip       types.AccountSignalSkip `json:"skip"`
}

// BacktestCacheEntry tracks an optimizer candidate's verification/balance
// status across the verify/balance CLI commands, mirroring the reference's
// BacktestCacheEntry.
type BacktestCacheEntry struct {
	ID                        string             `json:"id"`
	TemplateID                string             `json:"template_id"`
	Parameters                map[string]float64 `json:"parameters"`
	CalmarRatio               float64            `json:"calmar_ratio"`
	VerifyComplete            bool               `json:"verify_complete"`
	BalanceTrainingComplete   bool               `json:"balance_training_complete"`
	BalanceValidationComplete bool               `json:"balance_validation_complete"`
}

// SystemLogEntry is one append-only operational log line, mirroring
// insert_system_log. Kept distinct from zap's own logging: this is what a
// deployment shows in an admin UI, not what ends up in process stderr.
type SystemLogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Store is a mutex-guarded, JSON-file-backed persistence layer. Every table
// is held fully in memory and flushed to its own file on each write, the
// same whole-file-rewrite idiom the teacher's data.Store uses for its
// per-symbol OHLCV cache.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string

	databaseKey string // raw DATABASE_KEY value; parsed lazily, only when a secret is touched

	settings           map[string]string
	backtestResults    map[string]types.BacktestResult
	trades             map[string]types.Trade
	signals            map[string]types.GeneratedSignal
	accountOperations  []PersistedOperation
	accountSignalSkips []PersistedSignalSkip
	backtestCache      map[string]BacktestCacheEntry
	systemLogs         []SystemLogEntry
}

// New constructs a Store rooted at dataDir, creating it if necessary and
// loading whatever table files already exist there. A missing or corrupt
// table file is logged and treated as empty, matching the teacher's
// tolerant NewStore/loadMetadata behavior rather than failing startup.
func New(logger *zap.Logger, dataDir string, databaseKey string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	s := &Store{
		logger:             logger,
		dataDir:            dataDir,
		databaseKey:        databaseKey,
		settings:           make(map[string]string),
		backtestResults:    make(map[string]types.BacktestResult),
		trades:             make(map[string]types.Trade),
		signals:            make(map[string]types.GeneratedSignal),
		accountOperations:  make([]PersistedOperation, 0),
		accountSignalSkips: make([]PersistedSignalSkip, 0),
		backtestCache:      make(map[string]BacktestCacheEntry),
		systemLogs:         make([]SystemLogEntry, 0),
	}

	for name, dest := range map[string]interface{}{
		settingsFile:           &s.settings,
		backtestResultsFile:    &s.backtestResults,
		tradesFile:             &s.trades,
		signalsFile:            &s.signals,
		accountOperationsFile:  &s.accountOperations,
		accountSignalSkipsFile: &s.accountSignalSkips,
		backtestCacheFile:      &s.backtestCache,
		systemLogsFile:         &s.systemLogs,
	} {
		if err := s.loadJSON(name, dest); err != nil {
			logger.Warn("failed to load store table, starting empty", zap.String("file", name), zap.Error(err))
		}
	}

	return s, nil
}

func (s *Store) loadJSON(name string, dest interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func (s *Store) saveJSON(name string, src interface{}) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// InsertSystemLog appends one operational log entry and flushes the table.
func (s *Store) InsertSystemLog(level, message string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemLogs = append(s.systemLogs, SystemLogEntry{Level: level, Message: message, Fields: fields})
	return s.saveJSON(systemLogsFile, s.systemLogs)
}
