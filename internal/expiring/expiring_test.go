package expiring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/clock"
)

func TestMemoryStore_PutGetExpire(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore().WithClock(clk)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "v", time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "value expires at exactly ttl")
}

func TestMemoryStore_IncrKeepsFirstTTL(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore().WithClock(clk)
	ctx := context.Background()

	n, _ := s.Incr(ctx, "c", 10*time.Minute)
	assert.Equal(t, int64(1), n)
	clk.Advance(9 * time.Minute)
	n, _ = s.Incr(ctx, "c", 10*time.Minute)
	assert.Equal(t, int64(2), n)

	clk.Advance(time.Minute)
	n, _ = s.Incr(ctx, "c", 10*time.Minute)
	assert.Equal(t, int64(1), n, "counter restarts after the original ttl")
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Put(ctx, "a", "1", time.Hour)
	_, _ = s.Incr(ctx, "b", time.Hour)

	require.NoError(t, s.Delete(ctx, "a", "b", "missing"))
	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
	n, _ := s.Incr(ctx, "b", time.Hour)
	assert.Equal(t, int64(1), n)
}
