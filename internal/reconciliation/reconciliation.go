// Package reconciliation cross-checks the settlement tables.
//
// Each check is a query that returns the rows breaking one money invariant.
// A run executes every check, publishes the counts as gauges and logs each
// finding. Checks never repair anything.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/traces"
)

// Severity of a check's findings.
type Severity string

const (
	// SeverityCritical means money is misaccounted.
	SeverityCritical Severity = "critical"
	// SeverityWarning is suspicious but can be legitimate, such as a seller
	// refunded after payout.
	SeverityWarning Severity = "warning"
)

// Finding is one row that breaks a check.
type Finding struct {
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Check is one invariant.
type Check struct {
	Name     string
	Severity Severity
	Run      func(ctx context.Context) ([]Finding, error)
}

// CheckResult is the outcome of one check in a run.
type CheckResult struct {
	Name     string    `json:"name"`
	Severity Severity  `json:"severity"`
	Findings []Finding `json:"findings"`
	Error    string    `json:"error,omitempty"`
}

// Report is the outcome of a full run.
type Report struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationNs"`
	Results    []CheckResult `json:"results"`
	Mismatches int           `json:"mismatches"`
	Critical   int           `json:"critical"`
	Errors     int           `json:"errors"`
}

// Healthy reports a run with no critical findings and no failed checks.
func (r *Report) Healthy() bool {
	return r.Critical == 0 && r.Errors == 0
}

// Runner executes checks and remembers the last report.
type Runner struct {
	checks []Check
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner over the given checks.
func NewRunner(checks []Check, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{checks: checks, clock: clock.NewSystem(), logger: logger}
}

// WithClock sets the clock used for report timestamps.
func (r *Runner) WithClock(c clock.Clock) *Runner {
	r.clock = c
	return r
}

// RunAll executes every check. A failing check is recorded in the report
// and does not stop the others; the error return covers the run as a whole.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer span.End()

	start := time.Now()
	rep := &Report{StartedAt: r.clock.Now()}
	for _, c := range r.checks {
		res := CheckResult{Name: c.Name, Severity: c.Severity, Findings: []Finding{}}
		findings, err := c.Run(ctx)
		if err != nil {
			res.Error = err.Error()
			rep.Errors++
			checkErrors.WithLabelValues(c.Name).Inc()
			r.logger.Warn("reconciliation check failed", "check", c.Name, "error", err)
		} else {
			res.Findings = findings
		}
		mismatches.WithLabelValues(c.Name).Set(float64(len(res.Findings)))
		rep.Mismatches += len(res.Findings)
		if c.Severity == SeverityCritical {
			rep.Critical += len(res.Findings)
		}
		for _, f := range res.Findings {
			if c.Severity == SeverityCritical {
				logging.Critical(ctx, r.logger, "reconciliation mismatch",
					"check", c.Name, "subject", f.Subject, "detail", f.Detail)
			} else {
				r.logger.Warn("reconciliation warning", "check", c.Name, "subject", f.Subject, "detail", f.Detail)
			}
		}
		rep.Results = append(rep.Results, res)
	}
	rep.Duration = time.Since(start)
	runDuration.Observe(rep.Duration.Seconds())

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	r.logger.Info("reconciliation finished",
		"checks", len(r.checks), "mismatches", rep.Mismatches, "critical", rep.Critical,
		"errors", rep.Errors, "duration_ms", rep.Duration.Milliseconds())
	if rep.Errors == len(r.checks) && rep.Errors > 0 {
		return rep, fmt.Errorf("reconciliation: all %d checks failed", rep.Errors)
	}
	return rep, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
