package statemanager

import (
	"encoding/json"
	"fmt"
	"llm-trading-fleet/internal/models"
	"llm-trading-fleet/internal/persistence"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StateManager owns the three documents of one bot: account, conversations and trades.
// All mutations go through Commit so each cycle is one read-modify-write.
type StateManager struct {
	mu            sync.Mutex
	botID         string
	repo          persistence.StateRepository
	account       *models.AccountState
	conversations []models.ConversationRecord
	trades        []models.TradeRecord
	logger        *zap.Logger
	now           func() time.Time
}

// NewStateManager creates a new StateManager. Call Load before use.
func NewStateManager(botID string, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		botID:  botID,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Load reads all documents. A bot with no stored account is seeded with initialBalance as its baseline.
func (sm *StateManager) Load(initialBalance float64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var account *models.AccountState
	if err := sm.get(persistence.DocAccount, &account); err != nil {
		return err
	}
	var conversations []models.ConversationRecord
	if err := sm.get(persistence.DocConversations, &conversations); err != nil {
		return err
	}
	var trades []models.TradeRecord
	if err := sm.get(persistence.DocTrades, &trades); err != nil {
		return err
	}

	if account == nil {
		now := sm.now()
		account = &models.AccountState{
			BotID:          sm.botID,
			Cash:           initialBalance,
			Equity:         initialBalance,
			InitialBalance: initialBalance,
			Positions:      []models.Position{},
			StartedAt:      now,
			UpdatedAt:      now,
		}
		sm.logger.Info("seeded new account", zap.Float64("initial_balance", initialBalance))
	} else {
		sm.logger.Info("account loaded",
			zap.Float64("cash", account.Cash),
			zap.Float64("equity", account.Equity),
			zap.Int("invocations", account.Invocations),
			zap.Int("conversations", len(conversations)),
			zap.Int("trades", len(trades)))
	}
	if account.InitialBalance <= 0 {
		account.InitialBalance = initialBalance
	}
	if account.StartedAt.IsZero() {
		account.StartedAt = sm.now()
	}

	sm.account = account
	sm.conversations = conversations
	sm.trades = trades
	return nil
}

func (sm *StateManager) get(doc persistence.Document, out interface{}) error {
	data, err := sm.repo.Get(sm.botID, doc)
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", sm.botID, doc, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", sm.botID, doc, err)
	}
	return nil
}

func (sm *StateManager) set(doc persistence.Document, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := sm.repo.Set(sm.botID, doc, data); err != nil {
		return fmt.Errorf("save %s/%s: %w", sm.botID, doc, err)
	}
	return nil
}

// GetStateSnapshot returns a deep copy of the current account for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.AccountState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.account.Clone()
}

// Conversations returns a copy of the conversation log.
func (sm *StateManager) Conversations() []models.ConversationRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]models.ConversationRecord, len(sm.conversations))
	copy(out, sm.conversations)
	return out
}

// Trades returns a copy of the trade log.
func (sm *StateManager) Trades() []models.TradeRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]models.TradeRecord, len(sm.trades))
	copy(out, sm.trades)
	return out
}

// Commit appends one conversation record and its trades, replaces the account, and rewrites all three documents.
// Input that cannot be encoded is rejected before the in-memory view changes, so it never reaches later writes.
// Once accepted, the in-memory view is updated even if a write fails; the next Commit rewrites everything again.
func (sm *StateManager) Commit(account *models.AccountState, record models.ConversationRecord, trades []models.TradeRecord) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, v := range []interface{}{account, record, trades} {
		if _, err := json.Marshal(v); err != nil {
			sm.logger.Error("CRITICAL: cycle cannot be encoded, not committed", zap.Int("cycle", record.Cycle), zap.Error(err))
			return fmt.Errorf("encode cycle %d for %s: %w", record.Cycle, sm.botID, err)
		}
	}

	if account != nil {
		a := account.Clone()
		a.BotID = sm.botID
		a.UpdatedAt = sm.now()
		sm.account = a
	}
	if record.Account == nil {
		record.Account = sm.account.Clone()
	}
	sm.conversations = append(sm.conversations, record)
	sm.trades = append(sm.trades, trades...)

	// 账户最后写入: 读者看到新账户时日志已落盘
	var firstErr error
	if len(trades) > 0 || sm.trades == nil {
		if err := sm.set(persistence.DocTrades, nonNilTrades(sm.trades)); err != nil {
			firstErr = err
		}
	}
	if err := sm.set(persistence.DocConversations, sm.conversations); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := sm.set(persistence.DocAccount, sm.account); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		sm.logger.Error("CRITICAL: failed to persist cycle", zap.Int("cycle", record.Cycle), zap.Error(firstErr))
	}
	return firstErr
}

// SaveAccount rewrites only the account document.
func (sm *StateManager) SaveAccount(account *models.AccountState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	a := account.Clone()
	a.BotID = sm.botID
	a.UpdatedAt = sm.now()
	sm.account = a
	return sm.set(persistence.DocAccount, sm.account)
}

func nonNilTrades(t []models.TradeRecord) []models.TradeRecord {
	if t == nil {
		return []models.TradeRecord{}
	}
	return t
}
