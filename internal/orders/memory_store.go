package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/pagination"
)

// MemoryStore keeps orders in process.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*Order
	transitions map[string][]*Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*Order),
		transitions: make(map[string][]*Transition),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrInvalidOrder
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, version int, to Status, delivery DeliveryStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Version != version {
		return false, nil
	}
	o.Status = to
	o.DeliveryStatus = delivery
	o.Version++
	o.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) SetPayoutStatus(_ context.Context, id string, status PayoutStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.PayoutStatus = status
	o.UpdatedAt = at
	return nil
}

func (m *MemoryStore) InsertTransition(_ context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transitions[t.OrderID] = append(m.transitions[t.OrderID], &cp)
	return nil
}

func (m *MemoryStore) History(_ context.Context, orderID string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transition, 0, len(m.transitions[orderID]))
	for _, t := range m.transitions[orderID] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListByParty(_ context.Context, column, partyID string, limit int, after *pagination.Cursor) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		party := o.BuyerID
		if column == "seller_id" {
			party = o.SellerID
		}
		if party != partyID {
			continue
		}
		if !after.Admits(o.CreatedAt, o.ID) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

