// Package webhooks ingests payment provider callbacks.
//
// Every verified event is recorded in webhook_events before it is acted on.
// A processed event is never applied twice; a failed one is retried when the
// provider redelivers it or an operator replays it.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/checkout"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/payments"
	"github.com/mbd888/bazaar/internal/refunds"
)

var (
	ErrInvalidSignature = apperr.Validation("invalid webhook signature")
	ErrInvalidPayload   = apperr.Validation("invalid webhook payload")
	ErrDuplicateEvent   = apperr.Conflict("webhook event already processed")
	ErrEventNotFound    = apperr.NotFound("webhook event not found")
)

// Status of a stored event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Provider event types acted on.
const (
	TypePaymentSucceeded = "payment_intent.succeeded"
	TypeRefundUpdated    = "refund.updated"
	TypePayoutPaid       = "payout.paid"
	TypePayoutFailed     = "payout.failed"
)

// ProviderStripe names the only provider wired today.
const ProviderStripe = "stripe"

// staleAfter is how long a pending event may sit before a redelivery can
// take it over from a crashed worker.
const staleAfter = 5 * time.Minute

// Event is one received provider callback.
type Event struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	Type        string          `json:"eventType"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Store persists received events.
type Store interface {
	// Claim records a new event as pending, or takes over a failed or stale
	// pending one. claimed=false reports the stored status instead.
	Claim(ctx context.Context, ev *Event, staleBefore time.Time) (claimed bool, current Status, err error)
	Finish(ctx context.Context, id string, status Status, errText string, at time.Time) error
	Get(ctx context.Context, id string) (*Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
}

// Checkout confirms paid orders.
type Checkout interface {
	ConfirmPayment(ctx context.Context, req checkout.ConfirmRequest) (*checkout.Result, error)
}

// Refunds settles refunds the provider finished asynchronously.
type Refunds interface {
	CompleteFromProvider(ctx context.Context, refundID, providerRef string) (*refunds.Refund, error)
}

// Payouts settles payout ledger entries.
type Payouts interface {
	Complete(ctx context.Context, id string) (*ledger.Entry, error)
	Fail(ctx context.Context, id, reason string) (*ledger.Entry, error)
}

// Intake verifies, records and dispatches provider events.
type Intake struct {
	store    Store
	secret   string
	checkout Checkout
	refunds  Refunds
	payouts  Payouts
	clock    clock.Clock
	logger   *slog.Logger
}

// NewIntake creates an intake for Stripe events signed with secret.
func NewIntake(store Store, secret string, co Checkout, rf Refunds, po Payouts, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		store:    store,
		secret:   secret,
		checkout: co,
		refunds:  rf,
		payouts:  po,
		clock:    clock.NewSystem(),
		logger:   logger,
	}
}

// WithClock sets the clock used for event timestamps.
func (in *Intake) WithClock(c clock.Clock) *Intake {
	in.clock = c
	return in
}

// Receive verifies the signature and processes the event. A redelivery of a
// processed event returns ErrDuplicateEvent without side effects.
func (in *Intake) Receive(ctx context.Context, payload []byte, signature string) (*Event, error) {
	done := observeOp("receive")
	defer done()

	se, err := webhook.ConstructEventWithOptions(payload, signature, in.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		eventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return nil, apperr.Wrap(ErrInvalidSignature, err.Error())
	}

	now := in.clock.Now()
	ev := &Event{
		ID:         se.ID,
		Provider:   ProviderStripe,
		Type:       string(se.Type),
		Status:     StatusPending,
		Payload:    json.RawMessage(payload),
		Attempts:   1,
		ReceivedAt: now,
	}
	claimed, current, err := in.store.Claim(ctx, ev, now.Add(-staleAfter))
	if err != nil {
		return nil, err
	}
	if !claimed {
		eventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
		in.logger.Info("webhook event already seen", "event_id", ev.ID, "type", ev.Type, "status", current)
		return ev, ErrDuplicateEvent
	}
	return ev, in.process(ctx, ev.ID, &se)
}

// Replay reprocesses a stored event that failed. The payload was verified
// when it was first received.
func (in *Intake) Replay(ctx context.Context, id string) (*Event, error) {
	done := observeOp("replay")
	defer done()

	stored, err := in.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Status == StatusProcessed {
		return stored, ErrDuplicateEvent
	}
	var se stripe.Event
	if err := json.Unmarshal(stored.Payload, &se); err != nil {
		return nil, apperr.Wrap(ErrInvalidPayload, err.Error())
	}
	claimed, _, err := in.store.Claim(ctx, stored, in.clock.Now().Add(-staleAfter))
	if err != nil {
		return nil, err
	}
	if !claimed {
		return stored, ErrDuplicateEvent
	}
	if err := in.process(ctx, id, &se); err != nil {
		return nil, err
	}
	return in.store.Get(ctx, id)
}

// process dispatches the event and records the outcome.
func (in *Intake) process(ctx context.Context, id string, se *stripe.Event) error {
	typ := string(se.Type)
	err := in.dispatch(ctx, se)
	now := in.clock.Now()
	if err != nil {
		eventsTotal.WithLabelValues(typ, "failed").Inc()
		in.logger.Warn("webhook event failed", "event_id", id, "type", typ, "error", err)
		if ferr := in.store.Finish(ctx, id, StatusFailed, err.Error(), now); ferr != nil {
			in.logger.Error("failed to record webhook failure", "event_id", id, "error", ferr)
		}
		return err
	}
	if err := in.store.Finish(ctx, id, StatusProcessed, "", now); err != nil {
		return err
	}
	eventsTotal.WithLabelValues(typ, "processed").Inc()
	in.logger.Info("webhook event processed", "event_id", id, "type", typ)
	return nil
}

func (in *Intake) dispatch(ctx context.Context, se *stripe.Event) error {
	if se.Data == nil {
		return apperr.Wrap(ErrInvalidPayload, "event has no data")
	}
	switch se.Type {
	case TypePaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return apperr.Wrap(ErrInvalidPayload, err.Error())
		}
		return in.paymentSucceeded(ctx, &pi)
	case TypeRefundUpdated:
		var r stripe.Refund
		if err := json.Unmarshal(se.Data.Raw, &r); err != nil {
			return apperr.Wrap(ErrInvalidPayload, err.Error())
		}
		return in.refundUpdated(ctx, &r)
	case TypePayoutPaid, TypePayoutFailed:
		var p stripe.Payout
		if err := json.Unmarshal(se.Data.Raw, &p); err != nil {
			return apperr.Wrap(ErrInvalidPayload, err.Error())
		}
		return in.payoutSettled(ctx, string(se.Type), &p)
	}
	in.logger.Debug("ignoring webhook event type", "type", se.Type)
	return nil
}

func (in *Intake) paymentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	orderID := pi.Metadata[payments.MetadataOrderID]
	if orderID == "" {
		return apperr.Wrap(ErrInvalidPayload, "payment intent has no order id")
	}
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	res, err := in.checkout.ConfirmPayment(ctx, checkout.ConfirmRequest{
		OrderID:       orderID,
		ReservationID: pi.Metadata[payments.MetadataReservationID],
		ProviderRef:   pi.ID,
		Provider:      ProviderStripe,
		AmountCents:   amount,
		Currency:      string(pi.Currency),
	})
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", orderID, err)
	}
	if res.Duplicate {
		in.logger.Info("payment already confirmed", "order_id", orderID, "payment_intent", pi.ID)
	}
	return nil
}

func (in *Intake) refundUpdated(ctx context.Context, r *stripe.Refund) error {
	refundID := r.Metadata[payments.MetadataRefundID]
	if refundID == "" {
		in.logger.Info("refund not issued by us, ignoring", "provider_ref", r.ID)
		return nil
	}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		if _, err := in.refunds.CompleteFromProvider(ctx, refundID, r.ID); err != nil {
			return fmt.Errorf("complete refund %s: %w", refundID, err)
		}
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		// Left processing for an operator; the provider kept the money.
		in.logger.Warn("provider reports refund did not succeed",
			"refund_id", refundID, "provider_ref", r.ID, "status", r.Status, "failure_reason", r.FailureReason)
	}
	return nil
}

func (in *Intake) payoutSettled(ctx context.Context, typ string, p *stripe.Payout) error {
	entryID := p.Metadata[payments.MetadataLedgerEntryID]
	if entryID == "" {
		return apperr.Wrap(ErrInvalidPayload, "payout has no ledger entry id")
	}
	var err error
	if typ == TypePayoutPaid {
		_, err = in.payouts.Complete(ctx, entryID)
	} else {
		reason := p.FailureMessage
		if reason == "" {
			reason = string(p.FailureCode)
		}
		_, err = in.payouts.Fail(ctx, entryID, reason)
	}
	// A redelivered payout event finds the entry already settled.
	if errors.Is(err, ledger.ErrNotPending) {
		return nil
	}
	return err
}

// ListByStatus returns stored events in a status, newest first.
func (in *Intake) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return in.store.ListByStatus(ctx, status, limit)
}

// Get returns one stored event.
func (in *Intake) Get(ctx context.Context, id string) (*Event, error) {
	return in.store.Get(ctx, id)
}
