// Package retry reruns operations that failed transiently, backing off
// exponentially with jitter between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MaxDelay caps a single backoff step.
const MaxDelay = 30 * time.Second

// Do calls fn up to attempts times, stopping at the first success.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	return DoIf(ctx, attempts, base, nil, fn)
}

// DoIf is Do restricted to errors retryable accepts. A nil retryable
// accepts every error. When ctx ends mid-backoff the returned error wraps
// both ctx.Err() and the last failure.
func DoIf(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	for n := 0; ; n++ {
		err := fn()
		if err == nil {
			return nil
		}
		if n == attempts-1 || (retryable != nil && !retryable(err)) {
			return err
		}

		t := time.NewTimer(Backoff(base, n))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last attempt: %w)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// Backoff is the wait before retry n (zero-based): base doubled n times,
// capped at MaxDelay, then spread by up to a quarter either way.
func Backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n && d < MaxDelay; i++ {
		d *= 2
	}
	d = min(d, MaxDelay)
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
