package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNow_OK(t *testing.T) {
	r := New(nil, nil)
	var calls atomic.Int32
	r.Add(Task{Name: "holds.release", Interval: time.Hour, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	out, err := r.RunNow(context.Background(), "holds.release")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out)
	assert.Equal(t, int32(1), calls.Load())

	_, err = r.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRunNow_ErrorAndPanic(t *testing.T) {
	r := New(nil, nil)
	r.Add(Task{Name: "fails", Interval: time.Hour, Run: func(context.Context) error { return errors.New("db down") }})
	r.Add(Task{Name: "panics", Interval: time.Hour, Run: func(context.Context) error { panic("bad") }})

	out, err := r.RunNow(context.Background(), "fails")
	assert.Equal(t, OutcomeError, out)
	assert.EqualError(t, err, "db down")

	out, err = r.RunNow(context.Background(), "panics")
	assert.Equal(t, OutcomePanic, out)
	assert.Error(t, err)

	// Lease must be released after a panic.
	out, _ = r.RunNow(context.Background(), "panics")
	assert.Equal(t, OutcomePanic, out)
}

func TestRunNow_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	locker := NewLocalLocker()
	r := New(locker, nil)
	ran := false
	r.Add(Task{Name: "disputes.escalate", Interval: time.Hour, Run: func(context.Context) error {
		ran = true
		return nil
	}})

	unlock, ok, err := locker.TryLock(context.Background(), "bazaar:task:disputes.escalate", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := r.RunNow(context.Background(), "disputes.escalate")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.False(t, ran)

	unlock()
	out, _ = r.RunNow(context.Background(), "disputes.escalate")
	assert.Equal(t, OutcomeOK, out)
	assert.True(t, ran)
}

func TestRunNow_OverlappingCallsCollapse(t *testing.T) {
	r := New(nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	r.Add(Task{Name: "reservations.expire", Interval: time.Hour, Run: func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}})

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, _ := r.RunNow(context.Background(), "reservations.expire")
		outcomes <- out
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		out, _ := r.RunNow(context.Background(), "reservations.expire")
		outcomes <- out
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(outcomes)

	var got []Outcome
	for o := range outcomes {
		got = append(got, o)
	}
	assert.ElementsMatch(t, []Outcome{OutcomeOK, OutcomeShared}, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStart_TicksUntilStopped(t *testing.T) {
	r := New(nil, nil)
	var calls atomic.Int32
	r.Add(Task{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	assert.Equal(t, []string{"tick"}, r.Tasks())

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())

	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, r.Running())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "a", time.Second)
	assert.False(t, ok)
	_, ok, _ = l.TryLock(ctx, "b", time.Second)
	assert.True(t, ok)

	unlock()
	_, ok, _ = l.TryLock(ctx, "a", time.Second)
	assert.True(t, ok)
}

func TestAdvisoryKeyStable(t *testing.T) {
	assert.Equal(t, advisoryKey("bazaar:task:holds.release"), advisoryKey("bazaar:task:holds.release"))
	assert.NotEqual(t, advisoryKey("bazaar:task:holds.release"), advisoryKey("bazaar:task:disputes.escalate"))
}
