package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory booking store for demo/development mode.
type MemoryStore struct {
	bookings map[string]*Booking
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*Booking)}
}

func overlaps(b *Booking, listingID string, checkIn, checkOut time.Time) bool {
	return b.ListingID == listingID && b.Status.HoldsDates() &&
		b.CheckIn.Before(checkOut) && checkIn.Before(b.CheckOut)
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.bookings {
		if overlaps(other, b.ListingID, b.CheckIn, b.CheckOut) {
			return ErrUnavailable
		}
	}
	m.bookings[b.ID] = b.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return b.clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, b *Booking, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrBookingNotFound
	}
	if cur.Status != from {
		return ErrInvalidTransition
	}
	m.bookings[b.ID] = b.clone()
	return nil
}

func (m *MemoryStore) ListOverlapping(ctx context.Context, listingID string, checkIn, checkOut time.Time) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool { return overlaps(b, listingID, checkIn, checkOut) }, 0, byCreatedDesc), nil
}

func (m *MemoryStore) ListByRenter(ctx context.Context, renterID string, limit int) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool { return b.RenterID == renterID }, limit, byCreatedDesc), nil
}

func (m *MemoryStore) ListByHost(ctx context.Context, hostID string, limit int) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool { return b.HostID == hostID }, limit, byCreatedDesc), nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool {
		return b.Status == StatusConfirmed && !b.CheckOut.After(now)
	}, limit, func(a, b *Booking) bool { return a.CheckOut.Before(b.CheckOut) }), nil
}

func (m *MemoryStore) ListCancelledBefore(ctx context.Context, before time.Time, limit int) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool {
		return b.Status == StatusCancelled && b.CancelledAt != nil && b.CancelledAt.Before(before)
	}, limit, func(a, b *Booking) bool { return a.CancelledAt.After(*b.CancelledAt) }), nil
}

func byCreatedDesc(a, b *Booking) bool { return a.CreatedAt.After(b.CreatedAt) }

func (m *MemoryStore) filter(keep func(*Booking) bool, limit int, less func(a, b *Booking) bool) []*Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Booking
	for _, b := range m.bookings {
		if keep(b) {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
