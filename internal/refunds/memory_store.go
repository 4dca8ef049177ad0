package refunds

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps refunds in process.
type MemoryStore struct {
	mu       sync.RWMutex
	refunds  map[string]*Refund
	order    []string
	attempts map[string][]*Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refunds: make(map[string]*Refund), attempts: make(map[string][]*Attempt)}
}

func (m *MemoryStore) Insert(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.refunds[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Refund
	for _, id := range m.order {
		if r := m.refunds[id]; r.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) InFlightCents(_ context.Context, paymentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, r := range m.refunds {
		if r.PaymentID == paymentID && r.Status.InFlight() {
			sum += r.AmountCents
		}
	}
	return sum, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, at time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok {
		return 0, false, ErrRefundNotFound
	}
	if r.Status != StatusPending && r.Status != StatusFailed {
		return 0, false, nil
	}
	r.Status = StatusProcessing
	r.Attempts++
	r.ProcessedAt = &at
	r.UpdatedAt = at
	return r.Attempts, true, nil
}

func (m *MemoryStore) SetProviderRef(_ context.Context, id, providerRef string, at time.Time) error {
	_, err := m.update(id, nil, func(r *Refund) {
		r.ProviderRef = providerRef
		r.UpdatedAt = at
	})
	return err
}

func (m *MemoryStore) Complete(_ context.Context, id, providerRef string, at time.Time) (bool, error) {
	return m.update(id, []Status{StatusProcessing}, func(r *Refund) {
		r.Status = StatusCompleted
		if providerRef != "" {
			r.ProviderRef = providerRef
		}
		r.LastError = ""
		r.CompletedAt = &at
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) Fail(_ context.Context, id, lastError string, at time.Time) (bool, error) {
	return m.update(id, []Status{StatusProcessing}, func(r *Refund) {
		r.Status = StatusFailed
		r.LastError = lastError
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	return m.update(id, []Status{StatusPending, StatusFailed}, func(r *Refund) {
		r.Status = StatusCanceled
		r.UpdatedAt = at
	})
}

// update applies fn when the refund is in one of from. A nil from matches
// any status.
func (m *MemoryStore) update(id string, from []Status, fn func(r *Refund)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok {
		return false, ErrRefundNotFound
	}
	if from != nil {
		match := false
		for _, s := range from {
			match = match || r.Status == s
		}
		if !match {
			return false, nil
		}
	}
	fn(r)
	return true, nil
}

func (m *MemoryStore) InsertAttempt(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts[a.RefundID] = append(m.attempts[a.RefundID], &cp)
	return nil
}

func (m *MemoryStore) FinishAttempt(_ context.Context, id string, status AttemptStatus, errText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.attempts {
		for _, a := range list {
			if a.ID == id {
				a.Status = status
				a.Error = errText
				a.FinishedAt = &at
				return nil
			}
		}
	}
	return ErrRefundNotFound
}

func (m *MemoryStore) Attempts(_ context.Context, refundID string) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Attempt, 0, len(m.attempts[refundID]))
	for _, a := range m.attempts[refundID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
