// Package notify delivers settlement notifications to buyers, sellers and
// operators. Delivery is fire-and-forget: sink errors are logged and
// counted, never returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/metrics"
)

// Kind identifies what happened.
type Kind string

const (
	KindOrderStatusChanged  Kind = "order.status_changed"
	KindDisputeEscalated    Kind = "dispute.escalated"
	KindDisputeAutoResolved Kind = "dispute.auto_resolved"
	KindHoldReleased        Kind = "hold.released"
	KindHoldRefunded        Kind = "hold.refunded"
	KindHoldReleaseCode     Kind = "hold.release_code"
	KindRefundCompleted     Kind = "refund.completed"
	KindRefundFailed        Kind = "refund.failed"
)

// Notification is one message. Subject is the id of the entity it is about.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Subject    string         `json:"subject"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Sender is what services depend on.
type Sender interface {
	Emit(ctx context.Context, n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Emit(context.Context, Notification) {}

// Sink delivers a notification somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Emitter fans notifications out to every sink in its own goroutine.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter over sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger, timeout: 30 * time.Second}
}

// Emit fills in ID and At when missing and dispatches asynchronously.
// The caller's context only contributes values; delivery outlives it.
func (e *Emitter) Emit(ctx context.Context, n Notification) {
	if e == nil {
		return
	}
	if n.ID == "" {
		n.ID = idgen.New()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	for _, s := range e.sinks {
		e.wg.Add(1)
		go e.deliver(context.WithoutCancel(ctx), s, n)
	}
}

func (e *Emitter) deliver(ctx context.Context, s Sink, n Notification) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "panic").Inc()
			e.logger.Error("panic in notification sink", "sink", s.Name(), "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := s.Send(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
		e.logger.Warn("notification delivery failed",
			"sink", s.Name(), "kind", n.Kind, "subject", n.Subject, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
}

// Wait blocks until in-flight deliveries finish. Used at shutdown and in tests.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// Close waits for deliveries and closes sinks that hold resources.
func (e *Emitter) Close() error {
	e.Wait()
	var first error
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
