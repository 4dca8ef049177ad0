package disputes

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps disputes in process.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Insert(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.disputes {
		if other.OrderID == d.OrderID && other.Status == StatusOpen {
			return ErrDisputeExists
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) OpenForOrder(_ context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Status == StatusOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RaiseLevel(_ context.Context, id string, level Level, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if d.Status != StatusOpen || d.Level >= level {
		return false, nil
	}
	d.Level = level
	d.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Close(_ context.Context, id string, resolution Resolution, resolvedBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return false, nil
	}
	d.Status = StatusClosed
	d.Resolution = resolution
	d.ResolvedBy = resolvedBy
	d.ClosedAt = &at
	d.UpdatedAt = at
	return true, nil
}
