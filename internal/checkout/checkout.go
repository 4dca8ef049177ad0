// Package checkout turns a listing into a paid, escrowed order.
//
// Start reserves stock and opens a pending order. ConfirmPayment records the
// captured payment and, in the same transaction, confirms the reservation,
// advances the order, books the sale and commission, and places the money
// in escrow. Replaying a confirmation for the same provider reference is a
// no-op.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/inventory"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/payments"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrInvalidCheckout = apperr.Validation("invalid checkout")
	ErrAmountMismatch  = apperr.Validation("payment amount does not match the order")
	ErrNotPending      = apperr.InvalidState("order is no longer awaiting payment")
	ErrNoReservation   = apperr.InvalidState("order has no active reservation")
	ErrForbidden       = apperr.Authorization("not the buyer of this order")
)

// Inventory reserves and confirms stock.
type Inventory interface {
	GetListing(ctx context.Context, id string) (*inventory.Listing, error)
	Reserve(ctx context.Context, req inventory.ReserveRequest) (*inventory.Reservation, error)
	Confirm(ctx context.Context, reservationID, orderID string) (*inventory.Reservation, error)
	Release(ctx context.Context, reservationID string) (*inventory.Reservation, error)
	ReservationsForOrder(ctx context.Context, orderID string) ([]*inventory.Reservation, error)
}

// Orders creates and advances orders.
type Orders interface {
	Create(ctx context.Context, req orders.CreateRequest) (*orders.Order, error)
	Get(ctx context.Context, id string) (*orders.Order, error)
	Transition(ctx context.Context, req orders.TransitionRequest) (*orders.Order, error)
	SetPayoutStatus(ctx context.Context, orderID string, status orders.PayoutStatus) error
}

// Payments records captured payments.
type Payments interface {
	Record(ctx context.Context, req payments.RecordRequest) (*payments.Payment, bool, error)
	GetByProviderRef(ctx context.Context, ref string) (*payments.Payment, error)
}

// Ledger books the sale and commission.
type Ledger interface {
	AppendCompleted(ctx context.Context, req ledger.AppendRequest) (*ledger.Entry, error)
}

// Holds places payments in escrow.
type Holds interface {
	CreateHold(ctx context.Context, req escrow.CreateHoldRequest) (*escrow.Hold, error)
	ActiveForOrder(ctx context.Context, orderID string) (*escrow.Hold, error)
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Inventory Inventory
	Orders    Orders
	Payments  Payments
	Ledger    Ledger
	Holds     Holds
}

// Config holds the settlement rules checkout applies.
type Config struct {
	CommissionBPS    int64
	HoldDurationDays int
	ReservationTTL   time.Duration
}

// Service runs checkouts.
type Service struct {
	tx     pgtx.Runner
	inv    Inventory
	orders Orders
	pay    Payments
	ledger Ledger
	holds  Holds
	cfg    Config
	logger *slog.Logger
}

// NewService creates a checkout service.
func NewService(tx pgtx.Runner, deps Deps, cfg Config, logger *slog.Logger) *Service {
	if tx == nil {
		tx = pgtx.NopRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:     tx,
		inv:    deps.Inventory,
		orders: deps.Orders,
		pay:    deps.Payments,
		ledger: deps.Ledger,
		holds:  deps.Holds,
		cfg:    cfg,
		logger: logger,
	}
}

// StartRequest begins a purchase.
type StartRequest struct {
	ListingID string
	BuyerID   string
	Quantity  int
}

// Session is a checkout awaiting payment.
type Session struct {
	Order       *orders.Order          `json:"order"`
	Reservation *inventory.Reservation `json:"reservation"`
}

// Start reserves stock and opens a pending order for it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Session, error) {
	done := observeOp("start")
	defer done()

	if req.ListingID == "" || strings.TrimSpace(req.BuyerID) == "" {
		return nil, apperr.Wrap(ErrInvalidCheckout, "listing and buyer are required")
	}
	if req.Quantity <= 0 {
		return nil, apperr.Wrap(ErrInvalidCheckout, "quantity must be positive")
	}

	var out *Session
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		l, err := s.inv.GetListing(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if l.SellerID == req.BuyerID {
			return apperr.Wrap(ErrInvalidCheckout, "buyer cannot purchase their own listing")
		}
		orderID := idgen.New()
		res, err := s.inv.Reserve(ctx, inventory.ReserveRequest{
			ListingID: l.ID,
			BuyerID:   req.BuyerID,
			OrderID:   orderID,
			Quantity:  req.Quantity,
			TTL:       s.cfg.ReservationTTL,
		})
		if err != nil {
			return err
		}
		o, err := s.orders.Create(ctx, orders.CreateRequest{
			ID:          orderID,
			BuyerID:     req.BuyerID,
			SellerID:    l.SellerID,
			ListingID:   l.ID,
			Quantity:    req.Quantity,
			AmountCents: l.PriceCents * int64(req.Quantity),
			Currency:    l.Currency,
		})
		if err != nil {
			return err
		}
		out = &Session{Order: o, Reservation: res}
		return nil
	})
	if err != nil {
		checkoutsTotal.WithLabelValues("start_failed").Inc()
		return nil, err
	}
	checkoutsTotal.WithLabelValues("started").Inc()
	s.logger.Info("checkout started",
		"order_id", out.Order.ID, "reservation_id", out.Reservation.ID, "amount_cents", out.Order.AmountCents)
	return out, nil
}

// ConfirmRequest reports a captured payment. ReservationID defaults to the
// order's active reservation.
type ConfirmRequest struct {
	OrderID       string
	ReservationID string
	ProviderRef   string
	Provider      string
	AmountCents   int64
	Currency      string
}

// Result is a settled checkout.
type Result struct {
	Order     *orders.Order     `json:"order"`
	Payment   *payments.Payment `json:"payment"`
	Hold      *escrow.Hold      `json:"hold,omitempty"`
	Duplicate bool              `json:"duplicate"`
}

// ConfirmPayment settles a paid checkout in one transaction.
func (s *Service) ConfirmPayment(ctx context.Context, req ConfirmRequest) (*Result, error) {
	done := observeOp("confirm")
	defer done()

	ctx, span := traces.StartSpan(ctx, "checkout.ConfirmPayment", traces.OrderID(req.OrderID), traces.AmountCents(req.AmountCents))
	defer span.End()

	if req.OrderID == "" || strings.TrimSpace(req.ProviderRef) == "" {
		return nil, apperr.Wrap(ErrInvalidCheckout, "order and provider reference are required")
	}
	if p, err := s.pay.GetByProviderRef(ctx, req.ProviderRef); err == nil {
		return s.replay(ctx, p)
	} else if !errors.Is(err, payments.ErrPaymentNotFound) {
		return nil, err
	}

	var out *Result
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return apperr.Wrap(ErrNotPending, fmt.Sprintf("order is %s", o.Status))
		}
		cur, err := money.NormalizeCurrency(req.Currency)
		if err != nil {
			return apperr.Wrap(ErrInvalidCheckout, err.Error())
		}
		if req.AmountCents != o.AmountCents || cur != o.Currency {
			return apperr.Wrap(ErrAmountMismatch,
				fmt.Sprintf("paid %d %s, order is %d %s", req.AmountCents, cur, o.AmountCents, o.Currency))
		}

		pay, created, err := s.pay.Record(ctx, payments.RecordRequest{
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			SellerID:    o.SellerID,
			Provider:    req.Provider,
			ProviderRef: req.ProviderRef,
			AmountCents: req.AmountCents,
			Currency:    cur,
		})
		if err != nil {
			return err
		}
		if !created {
			out = &Result{Order: o, Payment: pay, Duplicate: true}
			return nil
		}

		resID, err := s.reservationFor(ctx, o.ID, req.ReservationID)
		if err != nil {
			return err
		}
		if _, err := s.inv.Confirm(ctx, resID, o.ID); err != nil {
			return err
		}
		for _, to := range []orders.Status{orders.StatusProcessing, orders.StatusConfirmed} {
			if o, err = s.orders.Transition(ctx, orders.TransitionRequest{
				OrderID:     o.ID,
				To:          to,
				Type:        orders.TypeSystem,
				InitiatedBy: auth.ActorSystem,
				Reason:      "payment " + req.ProviderRef,
			}); err != nil {
				return err
			}
		}

		commission := money.Percent(pay.AmountCents, s.cfg.CommissionBPS)
		if _, err := s.ledger.AppendCompleted(ctx, ledger.AppendRequest{
			SellerID: o.SellerID, OrderID: o.ID, PaymentID: pay.ID,
			Type: ledger.TypeSale, AmountCents: pay.AmountCents, Currency: cur,
			Reference: req.ProviderRef, Description: "sale",
		}); err != nil {
			return err
		}
		if commission > 0 {
			if _, err := s.ledger.AppendCompleted(ctx, ledger.AppendRequest{
				SellerID: o.SellerID, OrderID: o.ID, PaymentID: pay.ID,
				Type: ledger.TypeCommission, AmountCents: commission, Currency: cur,
				Reference: req.ProviderRef, Description: "marketplace commission",
			}); err != nil {
				return err
			}
		}

		h, err := s.holds.CreateHold(ctx, escrow.CreateHoldRequest{
			PaymentID:        pay.ID,
			OrderID:          o.ID,
			SellerID:         o.SellerID,
			AmountCents:      pay.AmountCents,
			CommissionCents:  commission,
			Currency:         cur,
			HoldDurationDays: s.cfg.HoldDurationDays,
		})
		if err != nil {
			return err
		}
		if err := s.orders.SetPayoutStatus(ctx, o.ID, orders.PayoutHeld); err != nil {
			return err
		}
		o.PayoutStatus = orders.PayoutHeld
		out = &Result{Order: o, Payment: pay, Hold: h}
		return nil
	})
	if err != nil {
		checkoutsTotal.WithLabelValues("confirm_failed").Inc()
		return nil, err
	}
	if out.Duplicate {
		checkoutsTotal.WithLabelValues("duplicate").Inc()
		return out, nil
	}
	checkoutsTotal.WithLabelValues("confirmed").Inc()
	s.logger.Info("checkout confirmed",
		"order_id", out.Order.ID, "payment_id", out.Payment.ID, "hold_id", out.Hold.ID, "amount_cents", out.Payment.AmountCents)
	return out, nil
}

// replay answers a confirmation that was already applied.
func (s *Service) replay(ctx context.Context, p *payments.Payment) (*Result, error) {
	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	res := &Result{Order: o, Payment: p, Duplicate: true}
	if h, err := s.holds.ActiveForOrder(ctx, o.ID); err == nil {
		res.Hold = h
	}
	checkoutsTotal.WithLabelValues("duplicate").Inc()
	return res, nil
}

func (s *Service) reservationFor(ctx context.Context, orderID, reservationID string) (string, error) {
	if reservationID != "" {
		return reservationID, nil
	}
	list, err := s.inv.ReservationsForOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	for _, r := range list {
		if r.Status == inventory.StatusActive {
			return r.ID, nil
		}
	}
	return "", ErrNoReservation
}

// Abandon releases the reservation and cancels a pending order. Only the
// buyer or an operator may abandon.
func (s *Service) Abandon(ctx context.Context, orderID, reservationID, actor string) (*orders.Order, error) {
	done := observeOp("abandon")
	defer done()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != o.BuyerID && !auth.IsPrivileged(actor) {
		return nil, ErrForbidden
	}
	if o.Status != orders.StatusPending {
		return nil, apperr.Wrap(ErrNotPending, fmt.Sprintf("order is %s", o.Status))
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		resID, err := s.reservationFor(ctx, orderID, reservationID)
		switch {
		case errors.Is(err, ErrNoReservation):
		case err != nil:
			return err
		default:
			if _, err := s.inv.Release(ctx, resID); err != nil {
				return err
			}
		}
		o, err = s.orders.Transition(ctx, orders.TransitionRequest{
			OrderID:     orderID,
			To:          orders.StatusCanceled,
			Type:        orders.TypeManual,
			InitiatedBy: actor,
			Reason:      "checkout abandoned",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	checkoutsTotal.WithLabelValues("abandoned").Inc()
	s.logger.Info("checkout abandoned", "order_id", orderID, "actor", actor)
	return o, nil
}
