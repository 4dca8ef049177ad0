package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/syncutil"
)

// MemoryStore keeps listings and reservations in process.
type MemoryStore struct {
	mu           sync.RWMutex
	listings     map[string]*Listing
	reservations map[string]*Reservation
	order        []string
	locks        syncutil.ShardedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:     make(map[string]*Listing),
		reservations: make(map[string]*Reservation),
	}
}

func (m *MemoryStore) CreateListing(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) LockListing(ctx context.Context, id string, fn func(ctx context.Context, l *Listing) error) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	l, err := m.GetListing(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, l)
}

func (m *MemoryStore) AdjustQuantity(_ context.Context, id string, delta int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	if l.QuantityAvailable+delta < 0 {
		return ErrInsufficientStock
	}
	l.QuantityAvailable += delta
	l.UpdatedAt = at
	return nil
}

func (m *MemoryStore) InsertReservation(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[r.ListingID]; !ok {
		return ErrListingNotFound
	}
	cp := *r
	m.reservations[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListReservationsByOrder(_ context.Context, orderID string) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Reservation
	for _, id := range m.order {
		if r := m.reservations[id]; r.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveQuantity(_ context.Context, listingID string, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := 0
	for _, r := range m.reservations {
		if r.ListingID == listingID && r.Status == StatusActive && r.ExpiresAt.After(now) {
			sum += r.Quantity
		}
	}
	return sum, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	t := at
	switch to {
	case StatusConfirmed:
		r.ConfirmedAt = &t
		r.OrderID = orderID
	case StatusReleased:
		r.ReleasedAt = &t
	}
	return true, nil
}

// ExpireStale expires at expires_at == now as well, matching ActiveQuantity,
// which stops counting a reservation at that instant.
func (m *MemoryStore) ExpireStale(_ context.Context, listingID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reservations {
		if listingID != "" && r.ListingID != listingID {
			continue
		}
		if r.Status == StatusActive && !r.ExpiresAt.After(now) {
			r.Status = StatusExpired
			n++
		}
	}
	return n, nil
}
