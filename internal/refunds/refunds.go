// Package refunds returns money to buyers.
//
// A refund is initiated against a payment, then processed: the provider is
// called with an idempotency key derived from the attempt number, and on
// success the ledger, payment, hold and order are settled in one
// transaction. A call that times out leaves the refund processing until the
// provider webhook confirms it.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/payments"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrRefundNotFound   = apperr.NotFound("refund not found")
	ErrInvalidRefund    = apperr.Validation("invalid refund")
	ErrExceedsRemaining = apperr.Validation("refund exceeds the refundable amount")
	ErrNotProcessable   = apperr.InvalidState("refund cannot be processed in its current status")
	ErrNotCancelable    = apperr.InvalidState("only pending or failed refunds can be canceled")
	ErrForbidden        = apperr.Authorization("not a party to this order")
)

// Type is how the buyer is made whole.
type Type string

const (
	TypeFull        Type = "full"
	TypePartial     Type = "partial"
	TypeStoreCredit Type = "store_credit"
)

func (t Type) Valid() bool {
	switch t {
	case TypeFull, TypePartial, TypeStoreCredit:
		return true
	}
	return false
}

// Status is the refund lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// InFlight reports whether the refund still claims part of the payment.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusFailed
}

// Refund is a request to return money for one payment.
type Refund struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"orderId"`
	PaymentID   string     `json:"paymentId"`
	BuyerID     string     `json:"buyerId"`
	SellerID    string     `json:"sellerId"`
	AmountCents int64      `json:"amountCents"`
	Currency    string     `json:"currency"`
	Type        Type       `json:"refundType"`
	Status      Status     `json:"refundStatus"`
	Reason      string     `json:"reason,omitempty"`
	RequestedBy string     `json:"requestedBy"`
	ProviderRef string     `json:"providerRef,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	Attempts    int        `json:"attempts"`
	RequestedAt time.Time  `json:"requestedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AttemptStatus is the outcome of one provider call.
type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "processing"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
	AttemptTimedOut   AttemptStatus = "timed_out"
)

// Attempt is one try at processing a refund.
type Attempt struct {
	ID             string        `json:"id"`
	RefundID       string        `json:"refundId"`
	AttemptNo      int           `json:"attemptNo"`
	Status         AttemptStatus `json:"status"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     *time.Time    `json:"finishedAt,omitempty"`
}

// Store persists refunds and their attempts.
type Store interface {
	Insert(ctx context.Context, r *Refund) error
	Get(ctx context.Context, id string) (*Refund, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Refund, error)
	// InFlightCents sums pending, processing and failed refunds of a payment.
	InFlightCents(ctx context.Context, paymentID string) (int64, error)
	// Claim moves pending|failed -> processing and bumps attempts. It
	// returns the new attempt number, or ok=false when the refund was in
	// another status.
	Claim(ctx context.Context, id string, at time.Time) (attemptNo int, ok bool, err error)
	SetProviderRef(ctx context.Context, id, providerRef string, at time.Time) error
	// Complete moves processing -> completed.
	Complete(ctx context.Context, id, providerRef string, at time.Time) (bool, error)
	// Fail moves processing -> failed.
	Fail(ctx context.Context, id, lastError string, at time.Time) (bool, error)
	// Cancel moves pending|failed -> canceled.
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)

	InsertAttempt(ctx context.Context, a *Attempt) error
	FinishAttempt(ctx context.Context, id string, status AttemptStatus, errText string, at time.Time) error
	Attempts(ctx context.Context, refundID string) ([]*Attempt, error)
}

// Payments is the slice of the payment service refunds needs.
type Payments interface {
	Get(ctx context.Context, id string) (*payments.Payment, error)
	ForOrder(ctx context.Context, orderID string) ([]*payments.Payment, error)
	Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error
	ApplyRefund(ctx context.Context, id string, cents int64) (*payments.Payment, error)
}

// Ledger compensates sale and commission entries.
type Ledger interface {
	FindOriginal(ctx context.Context, paymentID string, t ledger.Type) (*ledger.Entry, error)
	Reverse(ctx context.Context, id, reason string) (*ledger.Entry, error)
	ReverseAmount(ctx context.Context, id string, cents int64, reason string) (*ledger.Entry, error)
}

// Holds shrinks or closes the escrow hold.
type Holds interface {
	ActiveForOrder(ctx context.Context, orderID string) (*escrow.Hold, error)
	RefundHold(ctx context.Context, holdID string) (*escrow.Hold, error)
	ReduceHold(ctx context.Context, holdID string, cents int64) (*escrow.Hold, error)
}

// Orders moves the order to refunded.
type Orders interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	MarkRefunded(ctx context.Context, orderID, initiatedBy, reason string) (*orders.Order, error)
	SetPayoutStatus(ctx context.Context, orderID string, status orders.PayoutStatus) error
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Payments Payments
	Ledger   Ledger
	Holds    Holds
	Orders   Orders
	Gateway  payments.Gateway
	Notifier notify.Sender
}

// Service processes refunds.
type Service struct {
	store    Store
	tx       pgtx.Runner
	payments Payments
	ledger   Ledger
	holds    Holds
	orders   Orders
	gateway  payments.Gateway
	notifier notify.Sender
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a refund processor.
func NewService(store Store, tx pgtx.Runner, deps Deps, logger *slog.Logger) *Service {
	if tx == nil {
		tx = pgtx.NopRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		tx:       tx,
		payments: deps.Payments,
		ledger:   deps.Ledger,
		holds:    deps.Holds,
		orders:   deps.Orders,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		clock:    clock.NewSystem(),
		logger:   logger,
	}
	if s.gateway == nil {
		s.gateway = payments.Sandbox{}
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// InitiateRequest asks for a refund. PaymentID defaults to the order's
// payment; AmountCents may be zero for a full refund.
type InitiateRequest struct {
	OrderID     string
	PaymentID   string
	AmountCents int64
	Type        Type
	Reason      string
	RequestedBy string
}

// Initiate creates a pending refund. The payment row is locked while the
// remaining refundable amount is computed, so concurrent requests cannot
// oversubscribe it.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Refund, error) {
	done := observeOp("initiate")
	defer done()

	if req.OrderID == "" || strings.TrimSpace(req.RequestedBy) == "" {
		return nil, apperr.Wrap(ErrInvalidRefund, "order and requester are required")
	}
	if req.Type == "" {
		req.Type = TypePartial
	}
	if !req.Type.Valid() {
		return nil, apperr.Wrap(ErrInvalidRefund, fmt.Sprintf("unknown refund type %q", req.Type))
	}
	if req.AmountCents < 0 || (req.AmountCents == 0 && req.Type != TypeFull) {
		return nil, apperr.Wrap(ErrInvalidRefund, "amount must be positive")
	}

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if req.RequestedBy != o.BuyerID && req.RequestedBy != o.SellerID && !auth.IsPrivileged(req.RequestedBy) {
		return nil, ErrForbidden
	}
	paymentID, err := s.resolvePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	var out *Refund
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.payments.Locked(ctx, paymentID, func(ctx context.Context) error {
			pay, err := s.payments.Get(ctx, paymentID)
			if err != nil {
				return err
			}
			if pay.OrderID != req.OrderID {
				return apperr.Wrap(ErrInvalidRefund, "payment does not belong to the order")
			}
			inFlight, err := s.store.InFlightCents(ctx, paymentID)
			if err != nil {
				return err
			}
			remaining := pay.RefundableCents() - inFlight

			amount := req.AmountCents
			if req.Type == TypeFull {
				if amount == 0 {
					amount = remaining
				}
				if amount != remaining {
					return apperr.Wrap(ErrInvalidRefund,
						fmt.Sprintf("full refund must be %d", remaining))
				}
			}
			if amount <= 0 || amount > remaining {
				return apperr.Wrap(ErrExceedsRemaining,
					fmt.Sprintf("requested %d, remaining %d", amount, remaining))
			}

			now := s.clock.Now()
			out = &Refund{
				ID:          idgen.New(),
				OrderID:     o.ID,
				PaymentID:   pay.ID,
				BuyerID:     pay.BuyerID,
				SellerID:    pay.SellerID,
				AmountCents: amount,
				Currency:    pay.Currency,
				Type:        req.Type,
				Status:      StatusPending,
				Reason:      req.Reason,
				RequestedBy: req.RequestedBy,
				RequestedAt: now,
				UpdatedAt:   now,
			}
			return s.store.Insert(ctx, out)
		})
	})
	if err != nil {
		return nil, err
	}
	refundsTotal.WithLabelValues("initiated").Inc()
	s.logger.Info("refund initiated",
		"refund_id", out.ID, "order_id", out.OrderID, "amount_cents", out.AmountCents, "type", out.Type)
	return out, nil
}

func (s *Service) resolvePayment(ctx context.Context, req InitiateRequest) (string, error) {
	if req.PaymentID != "" {
		return req.PaymentID, nil
	}
	pays, err := s.payments.ForOrder(ctx, req.OrderID)
	if err != nil {
		return "", err
	}
	for _, p := range pays {
		if p.RefundableCents() > 0 {
			return p.ID, nil
		}
	}
	return "", apperr.Wrap(ErrExceedsRemaining, "order has no refundable payment")
}

// IdempotencyKey is the provider key for one attempt.
func IdempotencyKey(refundID string, attemptNo int) string {
	return fmt.Sprintf("%s-attempt%d", refundID, attemptNo)
}

// Process sends a pending or failed refund to the provider and settles it.
// A completed refund is returned unchanged. A timed-out call leaves the
// refund processing and returns it without error.
func (s *Service) Process(ctx context.Context, refundID string) (*Refund, error) {
	done := observeOp("process")
	defer done()

	ctx, span := traces.StartSpan(ctx, "refunds.Process", traces.RefundID(refundID))
	defer span.End()

	r, attempt, err := s.claim(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return r, nil
	}

	providerRef := ""
	if r.Type != TypeStoreCredit {
		pay, err := s.payments.Get(ctx, r.PaymentID)
		if err != nil {
			return nil, err
		}
		res, err := s.gateway.Refund(ctx, payments.RefundRequest{
			ProviderRef:    pay.ProviderRef,
			AmountCents:    r.AmountCents,
			Currency:       r.Currency,
			Reason:         r.Reason,
			IdempotencyKey: attempt.IdempotencyKey,
			RefundID:       r.ID,
		})
		switch {
		case err != nil && payments.IsTimeout(err):
			return s.timedOut(ctx, r, attempt, err)
		case err != nil:
			traces.Fail(span, err)
			return nil, s.failed(ctx, r, attempt, err)
		case res.Pending:
			return s.pending(ctx, r, attempt, res.ProviderRef)
		}
		providerRef = res.ProviderRef
	}
	return s.settle(ctx, r.ID, attempt.ID, providerRef)
}

// claim takes the refund into processing and opens an attempt. A nil attempt
// means the refund was already completed.
func (s *Service) claim(ctx context.Context, refundID string) (*Refund, *Attempt, error) {
	var (
		r       *Refund
		attempt *Attempt
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		n, ok, err := s.store.Claim(ctx, refundID, now)
		if err != nil {
			return err
		}
		r, err = s.store.Get(ctx, refundID)
		if err != nil {
			return err
		}
		if !ok {
			if r.Status == StatusCompleted {
				return nil
			}
			return apperr.Wrap(ErrNotProcessable, fmt.Sprintf("refund is %s", r.Status))
		}
		attempt = &Attempt{
			ID:             idgen.New(),
			RefundID:       refundID,
			AttemptNo:      n,
			Status:         AttemptProcessing,
			IdempotencyKey: IdempotencyKey(refundID, n),
			StartedAt:      now,
		}
		return s.store.InsertAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, nil, err
	}
	return r, attempt, nil
}

func (s *Service) timedOut(ctx context.Context, r *Refund, a *Attempt, cause error) (*Refund, error) {
	if err := s.store.FinishAttempt(ctx, a.ID, AttemptTimedOut, cause.Error(), s.clock.Now()); err != nil {
		return nil, err
	}
	refundsTotal.WithLabelValues("timed_out").Inc()
	s.logger.Warn("refund provider call timed out, awaiting confirmation",
		"refund_id", r.ID, "attempt", a.AttemptNo, "idempotency_key", a.IdempotencyKey)
	return s.store.Get(ctx, r.ID)
}

func (s *Service) pending(ctx context.Context, r *Refund, a *Attempt, providerRef string) (*Refund, error) {
	now := s.clock.Now()
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.store.SetProviderRef(ctx, r.ID, providerRef, now); err != nil {
			return err
		}
		return s.store.FinishAttempt(ctx, a.ID, AttemptSucceeded, "", now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("refund accepted by provider, awaiting confirmation",
		"refund_id", r.ID, "provider_ref", providerRef)
	return s.store.Get(ctx, r.ID)
}

func (s *Service) failed(ctx context.Context, r *Refund, a *Attempt, cause error) error {
	now := s.clock.Now()
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Fail(ctx, r.ID, cause.Error(), now); err != nil {
			return err
		}
		if err := s.store.FinishAttempt(ctx, a.ID, AttemptFailed, cause.Error(), now); err != nil {
			return err
		}
		pgtx.AfterCommit(ctx, func() {
			s.notifier.Emit(ctx, notify.Notification{
				Kind:       notify.KindRefundFailed,
				Subject:    r.ID,
				Recipients: []string{r.RequestedBy},
				Data:       map[string]any{"orderId": r.OrderID, "error": cause.Error()},
			})
		})
		return nil
	})
	if err != nil {
		return err
	}
	refundsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("refund failed", "refund_id", r.ID, "attempt", a.AttemptNo, "error", cause)
	return cause
}

// CompleteFromProvider settles a refund the provider confirmed
// asynchronously. Completing an already completed refund is a no-op.
func (s *Service) CompleteFromProvider(ctx context.Context, refundID, providerRef string) (*Refund, error) {
	r, err := s.store.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusCompleted:
		return r, nil
	case StatusProcessing:
	default:
		return nil, apperr.Wrap(ErrNotProcessable, fmt.Sprintf("refund is %s", r.Status))
	}
	attemptID := ""
	if as, err := s.store.Attempts(ctx, refundID); err == nil && len(as) > 0 {
		attemptID = as[len(as)-1].ID
	}
	if providerRef == "" {
		providerRef = r.ProviderRef
	}
	return s.settle(ctx, refundID, attemptID, providerRef)
}

// settle applies a successful refund everywhere in one transaction.
func (s *Service) settle(ctx context.Context, refundID, attemptID, providerRef string) (*Refund, error) {
	var out *Refund
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		ok, err := s.store.Complete(ctx, refundID, providerRef, now)
		if err != nil {
			return err
		}
		r, err := s.store.Get(ctx, refundID)
		if err != nil {
			return err
		}
		out = r
		if !ok {
			if r.Status == StatusCompleted {
				return nil
			}
			return apperr.Wrap(ErrNotProcessable, fmt.Sprintf("refund is %s", r.Status))
		}
		if attemptID != "" {
			if err := s.store.FinishAttempt(ctx, attemptID, AttemptSucceeded, "", now); err != nil {
				return err
			}
		}

		pay, err := s.payments.ApplyRefund(ctx, r.PaymentID, r.AmountCents)
		if err != nil {
			return err
		}
		full := pay.Status == payments.StatusRefunded

		if err := s.reverseLedger(ctx, r, full); err != nil {
			return err
		}
		holdClosed, err := s.adjustHold(ctx, r, full)
		if err != nil {
			return err
		}
		if full {
			if _, err := s.orders.MarkRefunded(ctx, r.OrderID, r.RequestedBy, "refund "+r.ID); err != nil {
				return err
			}
		}
		if full || holdClosed {
			if err := s.orders.SetPayoutStatus(ctx, r.OrderID, orders.PayoutRefunded); err != nil {
				return err
			}
		}

		pgtx.AfterCommit(ctx, func() {
			s.notifier.Emit(ctx, notify.Notification{
				Kind:       notify.KindRefundCompleted,
				Subject:    r.ID,
				Recipients: []string{r.BuyerID, r.SellerID},
				Data: map[string]any{
					"orderId":     r.OrderID,
					"amountCents": r.AmountCents,
					"currency":    r.Currency,
					"refundType":  string(r.Type),
				},
			})
		})
		return nil
	})
	if err != nil {
		logging.Critical(ctx, s.logger, "refund settlement failed", "refund_id", refundID, "error", err)
		return nil, err
	}
	refundsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("refund completed",
		"refund_id", out.ID, "order_id", out.OrderID, "amount_cents", out.AmountCents, "provider_ref", providerRef)
	return out, nil
}

// reverseLedger compensates the sale by the refunded amount. A refund that
// empties the payment also gives the commission back to the seller.
func (s *Service) reverseLedger(ctx context.Context, r *Refund, full bool) error {
	reason := "refund " + r.ID
	sale, err := s.ledger.FindOriginal(ctx, r.PaymentID, ledger.TypeSale)
	if err != nil {
		return fmt.Errorf("find sale entry: %w", err)
	}
	if _, err := s.ledger.ReverseAmount(ctx, sale.ID, r.AmountCents, reason); err != nil {
		return fmt.Errorf("reverse sale: %w", err)
	}
	if !full {
		return nil
	}
	commission, err := s.ledger.FindOriginal(ctx, r.PaymentID, ledger.TypeCommission)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find commission entry: %w", err)
	}
	if _, err := s.ledger.Reverse(ctx, commission.ID, reason); err != nil {
		return fmt.Errorf("reverse commission: %w", err)
	}
	return nil
}

// adjustHold reports whether the order's hold ended up refunded. A hold that
// was already paid out is left alone; the sale reversal charges the seller.
func (s *Service) adjustHold(ctx context.Context, r *Refund, full bool) (bool, error) {
	h, err := s.holds.ActiveForOrder(ctx, r.OrderID)
	if errors.Is(err, escrow.ErrHoldNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if full || r.AmountCents >= h.AmountCents {
		_, err := s.holds.RefundHold(ctx, h.ID)
		return err == nil, err
	}
	h, err = s.holds.ReduceHold(ctx, h.ID, r.AmountCents)
	if err != nil {
		return false, err
	}
	return h.Status == escrow.StatusRefunded, nil
}

// Cancel withdraws a pending refund, or gives up on a failed one so its
// amount can be refunded again.
func (s *Service) Cancel(ctx context.Context, refundID, actor string) (*Refund, error) {
	r, err := s.store.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if actor != r.RequestedBy && !auth.IsPrivileged(actor) {
		return nil, ErrForbidden
	}
	ok, err := s.store.Cancel(ctx, refundID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotCancelable
	}
	refundsTotal.WithLabelValues("canceled").Inc()
	return s.store.Get(ctx, refundID)
}

// RefundInFull initiates and processes a full refund of an order.
func (s *Service) RefundInFull(ctx context.Context, orderID, requestedBy, reason string) (*Refund, error) {
	r, err := s.Initiate(ctx, InitiateRequest{
		OrderID: orderID, Type: TypeFull, Reason: reason, RequestedBy: requestedBy,
	})
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, r.ID)
}

// RefundOrder refunds an order in full and returns the refund's id. Paid
// orders are canceled this way.
func (s *Service) RefundOrder(ctx context.Context, orderID, requestedBy, reason string) (string, error) {
	r, err := s.RefundInFull(ctx, orderID, requestedBy, reason)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Get returns a refund by ID.
func (s *Service) Get(ctx context.Context, id string) (*Refund, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns an order's refunds, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// HasRefundInFlight reports whether the order has a refund that is pending
// or waiting on the provider. Escrow keeps the hold until it settles.
func (s *Service) HasRefundInFlight(ctx context.Context, orderID string) (bool, error) {
	rs, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, r := range rs {
		if r.Status == StatusPending || r.Status == StatusProcessing {
			return true, nil
		}
	}
	return false, nil
}

// Attempts returns the attempt history of a refund.
func (s *Service) Attempts(ctx context.Context, refundID string) ([]*Attempt, error) {
	return s.store.Attempts(ctx, refundID)
}

// CanView reports whether actor may read the refund.
func (r *Refund) CanView(actor string) bool {
	return actor == r.BuyerID || actor == r.SellerID || actor == r.RequestedBy || auth.IsPrivileged(actor)
}
