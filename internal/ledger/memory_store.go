package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // insertion order
	locks   syncutil.ShardedMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return fn(ctx)
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, ErrEntryNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	switch to {
	case StatusCompleted:
		t := at
		e.CompletedAt = &t
	case StatusFailed:
		e.FailureReason = reason
	}
	return true, nil
}

func (m *MemoryStore) ReversedCents(_ context.Context, id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.entries {
		if e.RelatedLedgerID == id {
			sum += abs(e.AmountCents)
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListBySeller(_ context.Context, sellerID string, limit int, after *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.SellerID != sellerID {
			continue
		}
		if !after.Admits(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
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


func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Entry, error) {
	return m.filter(func(e *Entry) bool { return e.OrderID == orderID }), nil
}

func (m *MemoryStore) ListByPayment(_ context.Context, paymentID string) ([]*Entry, error) {
	return m.filter(func(e *Entry) bool { return e.PaymentID == paymentID }), nil
}

func (m *MemoryStore) filter(keep func(*Entry) bool) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, id := range m.order {
		e := m.entries[id]
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) SellerBalance(_ context.Context, sellerID, currency string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := &Balance{SellerID: sellerID, Currency: currency}
	for _, e := range m.entries {
		if e.SellerID != sellerID || e.Currency != currency {
			continue
		}
		if e.Status == StatusPending && e.Type == TypePayout {
			b.PendingPayoutCents += e.AmountCents
			continue
		}
		if e.Status != StatusCompleted {
			continue
		}
		if orig, ok := m.entries[e.RelatedLedgerID]; ok && orig.Status == StatusReversed {
			continue
		}
		addToBalance(b, e)
	}
	b.finish()
	return b, nil
}

func addToBalance(b *Balance, e *Entry) {
	switch e.Type {
	case TypeSale:
		b.SalesCents += e.AmountCents
	case TypeRefund:
		b.RefundCents += e.AmountCents
	case TypeCommission:
		b.CommissionCents += e.AmountCents
	case TypePayout:
		b.PayoutCents += e.AmountCents
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
