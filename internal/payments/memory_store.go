package payments

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/syncutil"
)

// MemoryStore keeps payments in process.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	byRef    map[string]string
	order    []string
	locks    syncutil.ShardedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment), byRef: make(map[string]string)}
}

func (m *MemoryStore) Insert(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[p.ProviderRef]; ok {
		return errDuplicateRef
	}
	cp := *p
	m.payments[p.ID] = &cp
	m.byRef[p.ProviderRef] = p.ID
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	m.mu.RLock()
	id, ok := m.byRef[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, id := range m.order {
		if p := m.payments[id]; p.OrderID == orderID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	return fn(ctx)
}

func (m *MemoryStore) AddRefunded(_ context.Context, id string, cents int64, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.RefundedCents+cents > p.AmountCents {
		return ErrOverRefund
	}
	p.RefundedCents += cents
	p.Status = status
	p.UpdatedAt = at
	return nil
}
