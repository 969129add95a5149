package leads

import (
	"context"
	"sort"
	"sync"

	"github.com/hearthhq/hearth/internal/txn"
)

// MemoryStore is an in-memory lead store for demo/development mode.
type MemoryStore struct {
	leads   map[string]*Lead
	unlocks map[string]*UnlockedLead // user:lead
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory lead store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:   make(map[string]*Lead),
		unlocks: make(map[string]*UnlockedLead),
	}
}

func (m *MemoryStore) CreateLead(ctx context.Context, l *Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.leads[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Unlock(ctx context.Context, u *UnlockedLead) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := SubjectID(u.UserID, u.LeadID)
	if _, ok := m.unlocks[key]; ok {
		return ErrAlreadyUnlocked
	}
	cp := *u
	m.unlocks[key] = &cp

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.unlocks, key)
	})
	return nil
}

func (m *MemoryStore) GetUnlock(ctx context.Context, userID, leadID string) (*UnlockedLead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.unlocks[SubjectID(userID, leadID)]
	if !ok {
		return nil, ErrUnlockNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) ListUnlocked(ctx context.Context, userID string, limit int) ([]*UnlockedLead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UnlockedLead
	for _, u := range m.unlocks {
		if u.UserID == userID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockedAt.After(out[j].UnlockedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
