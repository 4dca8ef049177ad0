// Package expiring stores short-lived values and counters that vanish after
// a TTL. Verification codes and their attempt counters live here.
package expiring

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/clock"
)

// Store is a TTL key-value store.
type Store interface {
	// Put sets key to value, replacing any previous value and TTL.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Incr increments a counter. The TTL is applied when the counter is
	// created and left alone afterwards.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

type item struct {
	value     string
	counter   int64
	expiresAt time.Time
}

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*item
	clock clock.Clock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*item), clock: clock.NewSystem()}
}

// WithClock overrides the time source.
func (m *MemoryStore) WithClock(c clock.Clock) *MemoryStore {
	m.clock = c
	return m
}

// live returns the unexpired item for key. Callers hold m.mu.
func (m *MemoryStore) live(key string) *item {
	it, ok := m.items[key]
	if !ok {
		return nil
	}
	if !m.clock.Now().Before(it.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return it
}

func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &item{value: value, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.live(key)
	if it == nil {
		return "", false, nil
	}
	return it.value, true, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.live(key)
	if it == nil {
		it = &item{expiresAt: m.clock.Now().Add(ttl)}
		m.items[key] = it
	}
	it.counter++
	return it.counter, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}
