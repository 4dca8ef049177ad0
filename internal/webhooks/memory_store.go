package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps events in a map. Used by tests and single-node demos.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Claim(_ context.Context, ev *Event, staleBefore time.Time) (bool, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[ev.ID]
	if !ok {
		cp := *ev
		cp.Status = StatusPending
		cp.Attempts = 1
		m.events[ev.ID] = &cp
		return true, StatusPending, nil
	}
	if cur.Status == StatusFailed || (cur.Status == StatusPending && cur.ReceivedAt.Before(staleBefore)) {
		cur.Status = StatusPending
		cur.Attempts++
		return true, StatusPending, nil
	}
	return false, cur.Status, nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, status Status, errText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = status
	ev.Error = errText
	if status == StatusProcessed {
		ev.ProcessedAt = &at
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.events {
		if ev.Status == status {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
