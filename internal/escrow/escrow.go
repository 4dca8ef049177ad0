// Package escrow holds buyer payments until they mature and pays the seller
// out.
//
// Flow:
//  1. Payment captured -> active hold, releasable after the hold period
//  2. Hold period passes with no open dispute and no refund in flight ->
//     released, pending payout entry
//  3. Refund before release -> hold reduced or refunded
//
// A hold leaves active exactly once. Release is a conditional update that
// re-checks for an open dispute or an unsettled refund, so a sweep racing
// either cannot pay out.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/payments"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrHoldNotFound      = apperr.NotFound("hold not found")
	ErrInvalidHold       = apperr.Validation("invalid hold")
	ErrActiveHoldExists  = apperr.Conflict("order already has an active hold")
	ErrHoldExceedsPaid   = apperr.Validation("hold exceeds the unrefunded payment amount")
	ErrNotActive         = apperr.InvalidState("hold is not active")
	ErrDisputeOpen       = apperr.InvalidState("order has an open dispute")
	ErrRefundInFlight    = apperr.InvalidState("order has a refund awaiting settlement")
	ErrReleaseBlocked    = apperr.InvalidState("hold release was blocked concurrently")
	ErrNotMatured        = apperr.InvalidState("hold has not matured")
	ErrUnauthorized      = apperr.Authorization("not authorized for this hold")
	ErrReductionTooLarge = apperr.Validation("reduction exceeds the held amount")
)

// DefaultHoldDays is how long funds are held before payout.
const DefaultHoldDays = 14

// Status represents the state of a hold.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReleased, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Hold is money kept from a seller until it matures.
type Hold struct {
	ID              string     `json:"id"`
	PaymentID       string     `json:"paymentId"`
	OrderID         string     `json:"orderId"`
	SellerID        string     `json:"sellerId"`
	AmountCents     int64      `json:"amountCents"`
	CommissionCents int64      `json:"commissionCents"`
	Currency        string     `json:"currency"`
	Status          Status     `json:"holdStatus"`
	HeldAt          time.Time  `json:"heldAt"`
	ReleaseableAt   time.Time  `json:"releaseableAt"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time `json:"refundedAt,omitempty"`
	PayoutEntryID   string     `json:"payoutEntryId,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// PayoutCents is what the seller receives on release.
func (h *Hold) PayoutCents() int64 {
	return h.AmountCents - h.CommissionCents
}

// IsTerminal returns true if the hold can no longer change.
func (h *Hold) IsTerminal() bool {
	return h.Status != StatusActive
}

// Store persists holds.
type Store interface {
	// Insert fails with ErrActiveHoldExists if the order has an active hold.
	Insert(ctx context.Context, h *Hold) error
	Get(ctx context.Context, id string) (*Hold, error)
	ActiveForOrder(ctx context.Context, orderID string) (*Hold, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Hold, error)
	// ListMatured returns active holds with releaseable_at <= now whose
	// order has no open dispute and no pending or processing refund, oldest
	// first.
	ListMatured(ctx context.Context, now time.Time, limit int) ([]*Hold, error)
	// Locked runs fn holding an exclusive lock on the hold row.
	Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error
	// MarkReleased moves active -> released unless the order has an open
	// dispute or a pending or processing refund. Reports false when nothing
	// changed.
	MarkReleased(ctx context.Context, id, payoutEntryID string, at time.Time) (bool, error)
	// MarkRefunded moves active -> refunded.
	MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error)
	// Reduce sets new amounts on an active hold.
	Reduce(ctx context.Context, id string, amountCents, commissionCents int64, at time.Time) (bool, error)
}

// PaymentReader gives escrow the originating payment.
type PaymentReader interface {
	Get(ctx context.Context, id string) (*payments.Payment, error)
}

// LedgerPoster appends payout entries.
type LedgerPoster interface {
	Append(ctx context.Context, req ledger.AppendRequest) (*ledger.Entry, error)
}

// OrderUpdater reads orders and records payout status.
type OrderUpdater interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	SetPayoutStatus(ctx context.Context, orderID string, status orders.PayoutStatus) error
}

// DisputeChecker reports open disputes. Disputes depend on escrow, so escrow
// only sees this interface.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, orderID string) (bool, error)
}

// RefundChecker reports refunds that have not settled yet. Refunds depend on
// escrow, so escrow only sees this interface.
type RefundChecker interface {
	HasRefundInFlight(ctx context.Context, orderID string) (bool, error)
}

// Verifier issues and checks one-time codes.
type Verifier interface {
	Issue(ctx context.Context, subject string) (string, error)
	Verify(ctx context.Context, subject, code string) error
}

// Service implements the hold engine.
type Service struct {
	store    Store
	tx       pgtx.Runner
	payments PaymentReader
	ledger   LedgerPoster
	orders   OrderUpdater
	disputes DisputeChecker
	refunds  RefundChecker
	verifier Verifier
	notifier notify.Sender
	clock    clock.Clock
	logger   *slog.Logger
	holdDays int
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Payments PaymentReader
	Ledger   LedgerPoster
	Orders   OrderUpdater
	Disputes DisputeChecker
	Refunds  RefundChecker
	Verifier Verifier
	Notifier notify.Sender
}

// NewService creates a new hold engine.
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
		orders:   deps.Orders,
		disputes: deps.Disputes,
		refunds:  deps.Refunds,
		verifier: deps.Verifier,
		notifier: deps.Notifier,
		clock:    clock.NewSystem(),
		logger:   logger,
		holdDays: DefaultHoldDays,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if g, ok := store.(guardedStore); ok {
		g.useGuard(s.releasable)
	}
	return s
}

// guardedStore is a store that cannot see disputes or refunds itself and
// asks the service which orders may be paid out.
type guardedStore interface {
	useGuard(fn func(ctx context.Context, orderID string) (bool, error))
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithHoldDays sets the default hold period.
func (s *Service) WithHoldDays(days int) *Service {
	if days > 0 {
		s.holdDays = days
	}
	return s
}

// SetDisputeChecker wires the dispute service after construction; the two
// services reference each other.
func (s *Service) SetDisputeChecker(d DisputeChecker) {
	s.disputes = d
}

// SetRefundChecker wires the refund service after construction.
func (s *Service) SetRefundChecker(r RefundChecker) {
	s.refunds = r
}

// blocked returns ErrDisputeOpen or ErrRefundInFlight when the order's money
// has to stay in escrow.
func (s *Service) blocked(ctx context.Context, orderID string) error {
	if s.disputes != nil {
		open, err := s.disputes.HasOpenDispute(ctx, orderID)
		if err != nil {
			return err
		}
		if open {
			return ErrDisputeOpen
		}
	}
	if s.refunds != nil {
		busy, err := s.refunds.HasRefundInFlight(ctx, orderID)
		if err != nil {
			return err
		}
		if busy {
			return ErrRefundInFlight
		}
	}
	return nil
}

func (s *Service) releasable(ctx context.Context, orderID string) (bool, error) {
	err := s.blocked(ctx, orderID)
	if isHoldBack(err) {
		return false, nil
	}
	return err == nil, err
}

// isHoldBack reports errors that defer a release rather than fail it.
func isHoldBack(err error) bool {
	return errors.Is(err, ErrDisputeOpen) || errors.Is(err, ErrRefundInFlight) || errors.Is(err, ErrReleaseBlocked)
}

// CreateHoldRequest describes a new hold.
type CreateHoldRequest struct {
	PaymentID        string
	OrderID          string
	SellerID         string
	AmountCents      int64
	CommissionCents  int64
	Currency         string
	HoldDurationDays int // 0 uses the service default
}

// CreateHold places a payment into escrow. Joins the caller's transaction.
func (s *Service) CreateHold(ctx context.Context, req CreateHoldRequest) (*Hold, error) {
	done := observeOp("create")
	defer done()

	if req.PaymentID == "" || req.OrderID == "" || req.SellerID == "" {
		return nil, apperr.Wrap(ErrInvalidHold, "payment, order and seller are required")
	}
	if req.AmountCents <= 0 {
		return nil, apperr.Wrap(ErrInvalidHold, "amount must be positive")
	}
	if req.CommissionCents < 0 || req.CommissionCents >= req.AmountCents {
		return nil, apperr.Wrap(ErrInvalidHold, "commission must be below the held amount")
	}
	cur, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, apperr.Wrap(ErrInvalidHold, err.Error())
	}

	pay, err := s.payments.Get(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if pay.Currency != cur {
		return nil, apperr.Wrap(ErrInvalidHold, "currency does not match the payment")
	}
	if req.AmountCents > pay.RefundableCents() {
		return nil, apperr.Wrap(ErrHoldExceedsPaid,
			fmt.Sprintf("hold %d, refundable %d", req.AmountCents, pay.RefundableCents()))
	}

	days := req.HoldDurationDays
	if days <= 0 {
		days = s.holdDays
	}
	now := s.clock.Now()
	h := &Hold{
		ID:              idgen.New(),
		PaymentID:       req.PaymentID,
		OrderID:         req.OrderID,
		SellerID:        req.SellerID,
		AmountCents:     req.AmountCents,
		CommissionCents: req.CommissionCents,
		Currency:        cur,
		Status:          StatusActive,
		HeldAt:          now,
		ReleaseableAt:   now.AddDate(0, 0, days),
		UpdatedAt:       now,
	}
	if err := s.store.Insert(ctx, h); err != nil {
		return nil, err
	}
	holdsTotal.WithLabelValues("created").Inc()
	s.logger.Info("hold created",
		"hold_id", h.ID, "order_id", h.OrderID, "amount_cents", h.AmountCents, "releaseable_at", h.ReleaseableAt)
	return h, nil
}

// Get returns a hold by ID.
func (s *Service) Get(ctx context.Context, id string) (*Hold, error) {
	return s.store.Get(ctx, id)
}

// ActiveForOrder returns the order's active hold.
func (s *Service) ActiveForOrder(ctx context.Context, orderID string) (*Hold, error) {
	return s.store.ActiveForOrder(ctx, orderID)
}

// ListBySeller returns a seller's holds, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Hold, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// SweepResult summarizes one ReleaseMatured pass.
type SweepResult struct {
	Released int `json:"released"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// releaseBatch bounds the holds one sweep handles.
const releaseBatch = 100

// ReleaseMatured releases every matured hold not blocked by an open dispute
// or an unsettled refund. Blocked holds are not candidates, so they cannot
// crowd others out of the batch. Each hold is released in its own
// transaction; one failure does not stop the sweep.
func (s *Service) ReleaseMatured(ctx context.Context) (*SweepResult, error) {
	done := observeOp("release_matured")
	defer done()

	now := s.clock.Now()
	candidates, err := s.store.ListMatured(ctx, now, releaseBatch)
	if err != nil {
		return nil, fmt.Errorf("list matured holds: %w", err)
	}
	res := &SweepResult{}
	for _, h := range candidates {
		_, err := s.release(ctx, h.ID, "system", false)
		switch {
		case err == nil:
			res.Released++
		case isHoldBack(err):
			res.Deferred++
		case errors.Is(err, ErrNotActive):
			// someone else got there first
		default:
			res.Failed++
			logging.Critical(ctx, s.logger, "hold release failed", "hold_id", h.ID, "error", err)
		}
	}
	if res.Deferred > 0 {
		holdsTotal.WithLabelValues("deferred").Add(float64(res.Deferred))
	}
	if res.Released > 0 || res.Failed > 0 {
		s.logger.Info("hold release sweep",
			"released", res.Released, "deferred", res.Deferred, "failed", res.Failed)
	}
	return res, nil
}

// release pays out one hold. early skips the maturity check.
func (s *Service) release(ctx context.Context, holdID, actor string, early bool) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.HoldID(holdID))
	defer span.End()

	var out *Hold
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.Locked(ctx, holdID, func(ctx context.Context) error {
			h, err := s.store.Get(ctx, holdID)
			if err != nil {
				return err
			}
			if h.Status != StatusActive {
				return apperr.Wrap(ErrNotActive, fmt.Sprintf("hold is %s", h.Status))
			}
			now := s.clock.Now()
			if !early && now.Before(h.ReleaseableAt) {
				return ErrNotMatured
			}
			if err := s.blocked(ctx, h.OrderID); err != nil {
				return err
			}

			payout, err := s.ledger.Append(ctx, ledger.AppendRequest{
				SellerID:    h.SellerID,
				OrderID:     h.OrderID,
				PaymentID:   h.PaymentID,
				Type:        ledger.TypePayout,
				AmountCents: h.PayoutCents(),
				Currency:    h.Currency,
				Reference:   h.ID,
				Description: "payout for hold " + h.ID,
			})
			if err != nil {
				return fmt.Errorf("post payout entry: %w", err)
			}
			ok, err := s.store.MarkReleased(ctx, h.ID, payout.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				return ErrReleaseBlocked
			}
			if err := s.orders.SetPayoutStatus(ctx, h.OrderID, orders.PayoutReleased); err != nil {
				return err
			}

			h.Status, h.ReleasedAt, h.PayoutEntryID, h.UpdatedAt = StatusReleased, &now, payout.ID, now
			out = h
			pgtx.AfterCommit(ctx, func() {
				s.notifier.Emit(ctx, notify.Notification{
					Kind:       notify.KindHoldReleased,
					Subject:    h.ID,
					Recipients: []string{h.SellerID},
					Data: map[string]any{
						"orderId":     h.OrderID,
						"amountCents": h.PayoutCents(),
						"currency":    h.Currency,
						"payoutId":    payout.ID,
					},
				})
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	holdsTotal.WithLabelValues("released").Inc()
	s.logger.Info("hold released",
		"hold_id", out.ID, "order_id", out.OrderID, "payout_cents", out.PayoutCents(), "actor", actor, "early", early)
	return out, nil
}

// releaseSubject scopes verification codes to one hold.
func releaseSubject(holdID string) string { return "hold-release:" + holdID }

// IssueReleaseCode sends the buyer a one-time code that authorizes early
// release. Only the buyer or an admin may request it.
func (s *Service) IssueReleaseCode(ctx context.Context, holdID, actor string) (string, error) {
	h, o, err := s.holdAndOrder(ctx, holdID)
	if err != nil {
		return "", err
	}
	if actor != o.BuyerID && !auth.IsAdmin(actor) {
		return "", ErrUnauthorized
	}
	if h.Status != StatusActive {
		return "", apperr.Wrap(ErrNotActive, fmt.Sprintf("hold is %s", h.Status))
	}
	code, err := s.verifier.Issue(ctx, releaseSubject(h.ID))
	if err != nil {
		return "", err
	}
	s.notifier.Emit(ctx, notify.Notification{
		Kind:       notify.KindHoldReleaseCode,
		Subject:    h.ID,
		Recipients: []string{o.BuyerID},
		Data:       map[string]any{"orderId": h.OrderID, "code": code},
	})
	return code, nil
}

// ReleaseNow releases a hold before it matures once the buyer's code
// checks out. An open dispute or unsettled refund still blocks it.
func (s *Service) ReleaseNow(ctx context.Context, holdID, actor, code string) (*Hold, error) {
	_, o, err := s.holdAndOrder(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if actor != o.BuyerID && !auth.IsAdmin(actor) {
		return nil, ErrUnauthorized
	}
	if err := s.verifier.Verify(ctx, releaseSubject(holdID), code); err != nil {
		return nil, err
	}
	return s.release(ctx, holdID, actor, true)
}

func (s *Service) holdAndOrder(ctx context.Context, holdID string) (*Hold, *orders.Order, error) {
	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		return nil, nil, err
	}
	o, err := s.orders.Get(ctx, h.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return h, o, nil
}

// RefundHold closes an active hold because its payment was fully refunded.
// Joins the caller's transaction.
func (s *Service) RefundHold(ctx context.Context, holdID string) (*Hold, error) {
	var out *Hold
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		ok, err := s.store.MarkRefunded(ctx, holdID, now)
		if err != nil {
			return err
		}
		h, err := s.store.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Wrap(ErrNotActive, fmt.Sprintf("hold is %s", h.Status))
		}
		out = h
		pgtx.AfterCommit(ctx, func() { s.announceRefund(ctx, h) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	holdsTotal.WithLabelValues("refunded").Inc()
	return out, nil
}

// ReduceHold shrinks an active hold after a partial refund. Commission is
// kept; when nothing is left to pay out the hold becomes refunded.
func (s *Service) ReduceHold(ctx context.Context, holdID string, cents int64) (*Hold, error) {
	if cents <= 0 {
		return nil, apperr.Wrap(ErrInvalidHold, "reduction must be positive")
	}
	var out *Hold
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.Locked(ctx, holdID, func(ctx context.Context) error {
			h, err := s.store.Get(ctx, holdID)
			if err != nil {
				return err
			}
			if h.Status != StatusActive {
				return apperr.Wrap(ErrNotActive, fmt.Sprintf("hold is %s", h.Status))
			}
			if cents > h.AmountCents {
				return apperr.Wrap(ErrReductionTooLarge,
					fmt.Sprintf("reduce %d, held %d", cents, h.AmountCents))
			}
			amount := h.AmountCents - cents
			commission := min(h.CommissionCents, amount)
			now := s.clock.Now()
			if _, err := s.store.Reduce(ctx, h.ID, amount, commission, now); err != nil {
				return err
			}
			h.AmountCents, h.CommissionCents, h.UpdatedAt = amount, commission, now

			if h.PayoutCents() <= 0 {
				if _, err := s.store.MarkRefunded(ctx, h.ID, now); err != nil {
					return err
				}
				h.Status, h.RefundedAt = StatusRefunded, &now
				pgtx.AfterCommit(ctx, func() { s.announceRefund(ctx, h) })
			}
			out = h
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	holdsTotal.WithLabelValues("reduced").Inc()
	s.logger.Info("hold reduced",
		"hold_id", out.ID, "by_cents", cents, "amount_cents", out.AmountCents, "status", out.Status)
	return out, nil
}

func (s *Service) announceRefund(ctx context.Context, h *Hold) {
	s.notifier.Emit(ctx, notify.Notification{
		Kind:       notify.KindHoldRefunded,
		Subject:    h.ID,
		Recipients: []string{h.SellerID},
		Data:       map[string]any{"orderId": h.OrderID, "currency": h.Currency},
	})
}

// CanView reports whether actor may read the hold: its seller, the order's
// buyer or an operator.
func (s *Service) CanView(ctx context.Context, h *Hold, actor string) (bool, error) {
	if actor == h.SellerID || auth.IsPrivileged(actor) {
		return true, nil
	}
	o, err := s.orders.Get(ctx, h.OrderID)
	if err != nil {
		return false, err
	}
	return actor == o.BuyerID, nil
}
