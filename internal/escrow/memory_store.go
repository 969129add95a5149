package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hearthhq/hearth/internal/txn"
)

// MemoryStore is an in-memory hold store for demo/development mode.
type MemoryStore struct {
	holds map[string]*Hold
	byRef map[string]string // provider reference -> hold id
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory hold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds: make(map[string]*Hold),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.holds {
		if existing.SubjectType == h.SubjectType && existing.SubjectID == h.SubjectID && existing.Status.Active() {
			return ErrHoldAlreadyExists
		}
	}
	stored := h.clone()
	stored.ClientSecret = ""
	m.holds[h.ID] = stored

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.holds, h.ID)
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.clone(), nil
}

// GetForUpdate relies on the memory runner's unit lock for exclusion.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Hold, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) FindByProviderRef(ctx context.Context, ref string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return m.holds[id].clone(), nil
}

func (m *MemoryStore) SetProviderReference(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok {
		return ErrHoldNotFound
	}
	prev := h.ProviderReference
	m.setRefLocked(h, ref)

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.setRefLocked(h, prev)
	})
	return nil
}

func (m *MemoryStore) setRefLocked(h *Hold, ref string) {
	if h.ProviderReference != "" {
		delete(m.byRef, h.ProviderReference)
	}
	h.ProviderReference = ref
	if ref != "" {
		m.byRef[ref] = h.ID
	}
}

func (m *MemoryStore) Update(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.holds[h.ID]
	if !ok {
		return ErrHoldNotFound
	}
	stored := h.clone()
	stored.ClientSecret = ""
	m.holds[h.ID] = stored
	if stored.ProviderReference != "" {
		m.byRef[stored.ProviderReference] = h.ID
	}

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if stored.ProviderReference != prev.ProviderReference {
			delete(m.byRef, stored.ProviderReference)
		}
		m.holds[h.ID] = prev
	})
	return nil
}

func (m *MemoryStore) ListBySubject(ctx context.Context, subjectType SubjectType, subjectID string) ([]*Hold, error) {
	return m.list(0, func(h *Hold) bool {
		return h.SubjectType == subjectType && h.SubjectID == subjectID
	}, newestFirst)
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error) {
	return m.list(limit, func(h *Hold) bool { return h.PayerID == payerID }, newestFirst)
}

func (m *MemoryStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Hold, error) {
	return m.list(limit, func(h *Hold) bool {
		return h.Status == status && h.UpdatedAt.Before(before)
	}, func(a, b *Hold) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
}

func newestFirst(a, b *Hold) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *MemoryStore) list(limit int, match func(*Hold) bool, less func(a, b *Hold) bool) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if match(h) {
			result = append(result, h.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
