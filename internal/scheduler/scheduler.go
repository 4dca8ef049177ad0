// Package scheduler runs the periodic settlement sweeps.
//
// Each task gets its own ticker goroutine. Before a run the runner collapses
// overlapping invocations in-process with singleflight and then takes a
// cross-instance lease from a Locker. A missed lease skips the run. Sweeps
// must still be idempotent: the lease narrows contention, the conditional
// updates inside each sweep are what keep it correct.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/traces"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Lease bounds how long a crashed instance can hold the task. Defaults
	// to Interval.
	Lease time.Duration
}

// Outcome of a single invocation.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped" // another instance holds the lease
	OutcomeShared  Outcome = "shared"  // joined a run already in flight here
	OutcomePanic   Outcome = "panic"
)

// ErrUnknownTask is returned by RunNow for a name that was never added.
var ErrUnknownTask = errors.New("scheduler: unknown task")

// Runner owns the task loops.
type Runner struct {
	locker Locker
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]Task
	order []string

	group   singleflight.Group
	stop    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a runner. A nil locker means LocalLocker.
func New(locker Locker, logger *slog.Logger) *Runner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		locker: locker,
		logger: logger,
		tasks:  make(map[string]Task),
		stop:   make(chan struct{}),
	}
}

// Add registers a task. Adding after Start has no effect on running loops.
func (r *Runner) Add(t Task) {
	if t.Lease <= 0 {
		t.Lease = t.Interval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tasks[t.Name] = t
}

// Tasks returns the registered task names in insertion order.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Running reports whether the task loops are active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start runs every task loop and blocks until ctx is done or Stop is
// called. Call in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	tasks := make([]Task, 0, len(r.order))
	for _, name := range r.order {
		tasks = append(tasks, r.tasks[name])
	}
	r.mu.Unlock()

	for _, t := range tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.logger.Info("scheduler started", "tasks", len(tasks))

	select {
	case <-ctx.Done():
	case <-r.stop:
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

// Stop signals the loops to exit.
func (r *Runner) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.invoke(ctx, t)
		}
	}
}

// RunNow runs a task once through the same single-flight and lease path as
// the loop.
func (r *Runner) RunNow(ctx context.Context, name string) (Outcome, error) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.invoke(ctx, t)
}

type result struct {
	outcome Outcome
	err     error
}

func (r *Runner) invoke(ctx context.Context, t Task) (Outcome, error) {
	executed := false
	v, _, _ := r.group.Do(t.Name, func() (any, error) {
		executed = true
		out, err := r.leased(ctx, t)
		return result{outcome: out, err: err}, nil
	})
	res := v.(result)
	if !executed {
		metrics.SweepRunsTotal.WithLabelValues(t.Name, string(OutcomeShared)).Inc()
		return OutcomeShared, res.err
	}
	return res.outcome, res.err
}

func (r *Runner) leased(ctx context.Context, t Task) (Outcome, error) {
	unlock, ok, err := r.locker.TryLock(ctx, "bazaar:task:"+t.Name, t.Lease)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(t.Name, string(OutcomeError)).Inc()
		r.logger.Warn("task lease failed", "task", t.Name, "error", err)
		return OutcomeError, err
	}
	if !ok {
		metrics.SweepRunsTotal.WithLabelValues(t.Name, string(OutcomeSkipped)).Inc()
		r.logger.Debug("task lease held elsewhere, skipping", "task", t.Name)
		return OutcomeSkipped, nil
	}
	defer unlock()

	return r.safeRun(ctx, t)
}

func (r *Runner) safeRun(ctx context.Context, t Task) (out Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "scheduler."+t.Name, traces.Task(t.Name))
	defer span.End()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			out, err = OutcomePanic, fmt.Errorf("panic: %v", p)
			logging.Critical(ctx, r.logger, "panic in scheduled task", "task", t.Name, "panic", fmt.Sprint(p))
		}
		traces.Fail(span, err)
		metrics.SweepDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
		metrics.SweepRunsTotal.WithLabelValues(t.Name, string(out)).Inc()
	}()

	if err := t.Run(ctx); err != nil {
		r.logger.Warn("scheduled task failed", "task", t.Name, "error", err)
		return OutcomeError, err
	}
	return OutcomeOK, nil
}
