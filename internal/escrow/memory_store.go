package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/syncutil"
)

// MemoryStore keeps holds in process. It cannot see disputes or refunds;
// the service lends it a guard that answers whether an order may be paid
// out.
type MemoryStore struct {
	mu    sync.RWMutex
	holds map[string]*Hold
	locks syncutil.ShardedMutex
	guard func(ctx context.Context, orderID string) (bool, error)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[string]*Hold)}
}

func (m *MemoryStore) Insert(_ context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.Status == StatusActive {
		for _, other := range m.holds {
			if other.OrderID == h.OrderID && other.Status == StatusActive {
				return ErrActiveHoldExists
			}
		}
	}
	cp := *h
	m.holds[h.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ActiveForOrder(_ context.Context, orderID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.holds {
		if h.OrderID == orderID && h.Status == StatusActive {
			cp := *h
			return &cp, nil
		}
	}
	return nil, ErrHoldNotFound
}

func (m *MemoryStore) ListBySeller(_ context.Context, sellerID string, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Hold
	for _, h := range m.holds {
		if h.SellerID == sellerID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HeldAt.Equal(out[j].HeldAt) {
			return out[i].HeldAt.After(out[j].HeldAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) useGuard(fn func(ctx context.Context, orderID string) (bool, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = fn
}

func (m *MemoryStore) releasable(ctx context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	guard := m.guard
	m.mu.RUnlock()
	if guard == nil {
		return true, nil
	}
	return guard(ctx, orderID)
}

func (m *MemoryStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*Hold, error) {
	m.mu.RLock()
	var matured []*Hold
	for _, h := range m.holds {
		if h.Status == StatusActive && !h.ReleaseableAt.After(now) {
			cp := *h
			matured = append(matured, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matured, func(i, j int) bool {
		if !matured[i].ReleaseableAt.Equal(matured[j].ReleaseableAt) {
			return matured[i].ReleaseableAt.Before(matured[j].ReleaseableAt)
		}
		return matured[i].ID < matured[j].ID
	})
	out := make([]*Hold, 0, min(len(matured), limit))
	for _, h := range matured {
		if len(out) == limit {
			break
		}
		ok, err := m.releasable(ctx, h.OrderID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, h)
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

func (m *MemoryStore) MarkReleased(ctx context.Context, id, payoutEntryID string, at time.Time) (bool, error) {
	h, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if ok, err := m.releasable(ctx, h.OrderID); err != nil || !ok {
		return false, err
	}
	return m.update(id, func(h *Hold) {
		h.Status = StatusReleased
		h.ReleasedAt = &at
		h.PayoutEntryID = payoutEntryID
		h.UpdatedAt = at
	})
}

func (m *MemoryStore) MarkRefunded(_ context.Context, id string, at time.Time) (bool, error) {
	return m.update(id, func(h *Hold) {
		h.Status = StatusRefunded
		h.RefundedAt = &at
		h.UpdatedAt = at
	})
}

func (m *MemoryStore) Reduce(_ context.Context, id string, amountCents, commissionCents int64, at time.Time) (bool, error) {
	return m.update(id, func(h *Hold) {
		h.AmountCents = amountCents
		h.CommissionCents = commissionCents
		h.UpdatedAt = at
	})
}

// update applies fn only while the hold is active.
func (m *MemoryStore) update(id string, fn func(h *Hold)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return false, ErrHoldNotFound
	}
	if h.Status != StatusActive {
		return false, nil
	}
	fn(h)
	return true, nil
}
