package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hearthhq/hearth/internal/txn"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	txs      map[string]*Transaction
	byExt    map[string]string // external event id -> transaction id
	byUser   map[string][]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string]*Transaction),
		byExt:    make(map[string]string),
		byUser:   make(map[string][]string),
	}
}

func (m *MemoryStore) Append(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ExternalEventID != "" {
		if _, ok := m.byExt[tx.ExternalEventID]; ok {
			return ErrDuplicateEvent
		}
	}

	acct := m.accountLocked(tx.UserID)
	prevBalance, prevUpdated := acct.Balance, acct.UpdatedAt
	if tx.Status == StatusCompleted {
		if acct.Balance+tx.Amount < 0 {
			return ErrInsufficientBalance
		}
		acct.Balance += tx.Amount
		acct.UpdatedAt = time.Now().UTC()
	}

	cp := *tx
	m.txs[tx.ID] = &cp
	m.byUser[tx.UserID] = append(m.byUser[tx.UserID], tx.ID)
	if tx.ExternalEventID != "" {
		m.byExt[tx.ExternalEventID] = tx.ID
	}

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.txs, tx.ID)
		if tx.ExternalEventID != "" {
			delete(m.byExt, tx.ExternalEventID)
		}
		ids := m.byUser[tx.UserID]
		for i := len(ids) - 1; i >= 0; i-- {
			if ids[i] == tx.ID {
				m.byUser[tx.UserID] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if a, ok := m.accounts[tx.UserID]; ok {
			a.Balance, a.UpdatedAt = prevBalance, prevUpdated
		}
	})
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, id string, status Status) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.Status == status {
		cp := *tx
		return &cp, nil
	}
	if tx.Status != StatusPending {
		return nil, ErrImmutable
	}

	acct := m.accountLocked(tx.UserID)
	prevBalance, prevUpdated := acct.Balance, acct.UpdatedAt
	if status == StatusCompleted {
		if acct.Balance+tx.Amount < 0 {
			return nil, ErrInsufficientBalance
		}
		acct.Balance += tx.Amount
		acct.UpdatedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	tx.Status = status
	tx.SettledAt = &now

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		tx.Status = StatusPending
		tx.SettledAt = nil
		acct.Balance, acct.UpdatedAt = prevBalance, prevUpdated
	})

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) accountLocked(userID string) *Account {
	acct, ok := m.accounts[userID]
	if !ok {
		acct = &Account{UserID: userID, UpdatedAt: time.Now().UTC()}
		m.accounts[userID] = acct
	}
	return acct
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.accounts[userID]; ok {
		cp := *acct
		return &cp, nil
	}
	return &Account{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalEventID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExt[externalEventID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, q HistoryQuery) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, id := range m.byUser[q.UserID] {
		tx := m.txs[id]
		if !q.BeforeAt.IsZero() && !before(tx, q.BeforeAt, q.BeforeID) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// before reports whether tx sorts strictly after the cursor in newest-first order.
func before(tx *Transaction, at time.Time, id string) bool {
	if tx.CreatedAt.Equal(at) {
		return tx.ID < id
	}
	return tx.CreatedAt.Before(at)
}

func (m *MemoryStore) SumCompleted(ctx context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, id := range m.byUser[userID] {
		if tx := m.txs[id]; tx.Status == StatusCompleted {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		cp := *acct
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
