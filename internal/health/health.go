// Package health aggregates subsystem checks for the /health endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is one check result.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Took    time.Duration `json:"tookNs"`
}

// Checker tests one subsystem. It should honor ctx.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry runs every registered check concurrently.
type Registry struct {
	mu     sync.RWMutex
	checks []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check. Results keep registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, entry{name: name, check: check})
}

// CheckAll runs all checks in parallel and reports whether every one passed.
// A check that panics counts as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := append([]entry(nil), r.checks...)
	r.mu.RUnlock()

	out := make([]Status, len(checks))
	var g errgroup.Group
	for i, e := range checks {
		g.Go(func() error {
			out[i] = run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, st := range out {
		healthy = healthy && st.Healthy
	}
	return healthy, out
}

func run(ctx context.Context, e entry) (st Status) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Healthy: false, Detail: "check panicked"}
		}
		st.Name = e.name
		st.Took = time.Since(start)
	}()
	return e.check(ctx)
}

// Pinger is anything with a context-aware Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts *sql.DB.PingContext and similar methods to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingChecker passes when p answers within timeout.
func PingChecker(name string, p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// RunningChecker passes while running reports true.
func RunningChecker(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
