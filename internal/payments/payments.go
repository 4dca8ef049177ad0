// Package payments keeps the record of captured buyer payments and talks
// to the payment provider for refunds.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/money"
)

var (
	ErrPaymentNotFound = apperr.NotFound("payment not found")
	ErrInvalidPayment  = apperr.Validation("invalid payment")
	ErrOverRefund      = apperr.Validation("refund exceeds the refundable amount")
)

// Status of a payment.
type Status string

const (
	StatusSucceeded         Status = "succeeded"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyRefunded, StatusRefunded:
		return true
	}
	return false
}

// Payment is a captured buyer payment.
type Payment struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"orderId"`
	BuyerID       string    `json:"buyerId"`
	SellerID      string    `json:"sellerId"`
	Provider      string    `json:"provider"`
	ProviderRef   string    `json:"providerRef"`
	AmountCents   int64     `json:"amountCents"`
	RefundedCents int64     `json:"refundedCents"`
	Currency      string    `json:"currency"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RefundableCents is what completed refunds have not yet returned.
func (p *Payment) RefundableCents() int64 {
	return p.AmountCents - p.RefundedCents
}

func statusFor(amount, refunded int64) Status {
	switch {
	case refunded == 0:
		return StatusSucceeded
	case refunded >= amount:
		return StatusRefunded
	}
	return StatusPartiallyRefunded
}

// Store persists payments.
type Store interface {
	// Insert returns ErrDuplicateRef (wrapped) when provider_ref exists.
	Insert(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByProviderRef(ctx context.Context, ref string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Payment, error)
	// Locked runs fn holding an exclusive lock on the payment row.
	Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error
	// AddRefunded adds cents to refunded_cents and sets status. Fails with
	// ErrOverRefund if the total would exceed the amount.
	AddRefunded(ctx context.Context, id string, cents int64, status Status, at time.Time) error
}

// errDuplicateRef marks a provider_ref unique violation inside stores.
var errDuplicateRef = apperr.Conflict("provider reference already recorded")

// Service manages payment records.
type Service struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, clock: clock.NewSystem(), logger: logger}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// RecordRequest describes a captured payment.
type RecordRequest struct {
	OrderID     string
	BuyerID     string
	SellerID    string
	Provider    string
	ProviderRef string
	AmountCents int64
	Currency    string
}

// Record stores a captured payment. It is idempotent on ProviderRef: a
// repeat returns the existing row and created=false.
func (s *Service) Record(ctx context.Context, req RecordRequest) (p *Payment, created bool, err error) {
	if strings.TrimSpace(req.ProviderRef) == "" || req.OrderID == "" {
		return nil, false, apperr.Wrap(ErrInvalidPayment, "order and provider reference are required")
	}
	if req.AmountCents <= 0 {
		return nil, false, apperr.Wrap(ErrInvalidPayment, "amount must be positive")
	}
	cur, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, false, apperr.Wrap(ErrInvalidPayment, err.Error())
	}
	provider := req.Provider
	if provider == "" {
		provider = "stripe"
	}

	if existing, err := s.store.GetByProviderRef(ctx, req.ProviderRef); err == nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	p = &Payment{
		ID:          idgen.New(),
		OrderID:     req.OrderID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		Provider:    provider,
		ProviderRef: req.ProviderRef,
		AmountCents: req.AmountCents,
		Currency:    cur,
		Status:      StatusSucceeded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, p); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			existing, gerr := s.store.GetByProviderRef(ctx, req.ProviderRef)
			if gerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("record payment: %w", err)
	}
	s.logger.Info("payment recorded",
		"payment_id", p.ID, "order_id", p.OrderID, "amount_cents", p.AmountCents, "provider_ref", p.ProviderRef)
	return p, true, nil
}

// Get returns one payment.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// GetByProviderRef looks a payment up by the provider's id.
func (s *Service) GetByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	return s.store.GetByProviderRef(ctx, ref)
}

// ForOrder lists an order's payments.
func (s *Service) ForOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// Locked serializes work on a payment; refunds validate amounts under it.
func (s *Service) Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return s.store.Locked(ctx, id, fn)
}

// ApplyRefund records a completed refund against the payment.
func (s *Service) ApplyRefund(ctx context.Context, id string, cents int64) (*Payment, error) {
	if cents <= 0 {
		return nil, apperr.Wrap(ErrInvalidPayment, "refund amount must be positive")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cents > p.RefundableCents() {
		return nil, apperr.Wrap(ErrOverRefund,
			fmt.Sprintf("refund %d exceeds refundable %d", cents, p.RefundableCents()))
	}
	status := statusFor(p.AmountCents, p.RefundedCents+cents)
	if err := s.store.AddRefunded(ctx, id, cents, status, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}
