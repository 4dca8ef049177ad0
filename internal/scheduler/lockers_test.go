//go:build integration

package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/testutil"
)

func TestRedisLocker_ExclusiveAndTokenChecked(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	l := NewRedisLocker(client)
	name := "bazaar-test:lease:" + idgen.Hex(4)

	unlock, ok, err := l.TryLock(ctx, name, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, name, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Lease expires and another owner takes it; the stale unlock must not
	// release the new owner's lease.
	time.Sleep(100 * time.Millisecond)
	unlock2, ok, err := l.TryLock(ctx, name, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()

	_, ok, _ = l.TryLock(ctx, name, time.Second)
	assert.False(t, ok)
	unlock2()
	_, ok, _ = l.TryLock(ctx, name, time.Second)
	assert.True(t, ok)
}

func TestPGLocker_Exclusive(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := NewPGLocker(db)

	unlock, ok, err := l.TryLock(ctx, "bazaar:task:holds.release", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "bazaar:task:holds.release", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock3, ok, err := l.TryLock(ctx, "bazaar:task:holds.release", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock3()
}
