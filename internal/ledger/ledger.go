// Package ledger is the append-only record of money movement per seller.
//
// Rules:
//   - amounts are positive minor units; the sign comes from the type
//     (sale +, refund -, commission -, payout -)
//   - an entry is appended pending and moves exactly once to completed or
//     failed; completed rows never change their monetary fields
//   - corrections are new completed rows that point at the original through
//     RelatedLedgerID
package ledger

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
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrEntryNotFound   = apperr.NotFound("ledger entry not found")
	ErrInvalidEntry    = apperr.Validation("invalid ledger entry")
	ErrNotPending      = apperr.InvalidState("ledger entry is not pending")
	ErrNotReversible   = apperr.InvalidState("only completed entries can be reversed")
	ErrReversalTooBig  = apperr.Validation("reversal exceeds the unreversed amount")
	ErrAlreadyReversed = apperr.InvalidState("ledger entry already fully reversed")
)

// Type is the kind of money movement.
type Type string

const (
	TypeSale       Type = "sale"
	TypeRefund     Type = "refund"
	TypeCommission Type = "commission"
	TypePayout     Type = "payout"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSale, TypeRefund, TypeCommission, TypePayout:
		return true
	}
	return false
}

// Sign is +1 for money owed to the seller and -1 otherwise.
func (t Type) Sign() int64 {
	switch t {
	case TypeSale:
		return 1
	case TypeRefund, TypeCommission, TypePayout:
		return -1
	}
	return 0
}

// reversalType is the type a compensating row takes.
func (t Type) reversalType() Type {
	switch t {
	case TypeSale:
		return TypeRefund
	case TypeRefund:
		return TypeSale
	}
	return t
}

// Status of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusReversed:
		return true
	}
	return false
}

// Entry is one row of the ledger.
type Entry struct {
	ID              string     `json:"id"`
	SellerID        string     `json:"sellerId"`
	OrderID         string     `json:"orderId,omitempty"`
	PaymentID       string     `json:"paymentId,omitempty"`
	Type            Type       `json:"transactionType"`
	AmountCents     int64      `json:"amountCents"`
	Currency        string     `json:"currency"`
	Status          Status     `json:"status"`
	RelatedLedgerID string     `json:"relatedLedgerId,omitempty"`
	Reference       string     `json:"reference,omitempty"`
	Description     string     `json:"description,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// SignedCents is the entry's contribution to the seller balance.
// Reversal rows of commission and payout carry a negative amount, which
// flips their contribution back.
func (e *Entry) SignedCents() int64 {
	return e.Type.Sign() * e.AmountCents
}

// Balance is a seller's position in one currency.
type Balance struct {
	SellerID           string `json:"sellerId"`
	Currency           string `json:"currency"`
	SalesCents         int64  `json:"salesCents"`
	RefundCents        int64  `json:"refundCents"`
	CommissionCents    int64  `json:"commissionCents"`
	PayoutCents        int64  `json:"payoutCents"`
	NetCents           int64  `json:"netCents"`
	PendingPayoutCents int64  `json:"pendingPayoutCents"`
	AvailableCents     int64  `json:"availableCents"`
}

func (b *Balance) finish() {
	b.NetCents = b.SalesCents - b.RefundCents - b.CommissionCents - b.PayoutCents
	b.AvailableCents = b.NetCents - b.PendingPayoutCents
}

// Store persists ledger entries. Implementations must make Transition a
// conditional update (WHERE status = from).
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// Locked runs fn while holding an exclusive lock on entry id. The
	// Postgres store takes a row lock that lasts until the surrounding tx ends.
	Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error
	// Transition moves id from one status to another. It reports false when
	// the row was not in status from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time, reason string) (bool, error)
	// ReversedCents sums the absolute amounts of reversal rows pointing at id.
	ReversedCents(ctx context.Context, id string) (int64, error)
	ListBySeller(ctx context.Context, sellerID string, limit int, after *pagination.Cursor) ([]*Entry, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Entry, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error)
	SellerBalance(ctx context.Context, sellerID, currency string) (*Balance, error)
}

// Service implements ledger operations.
type Service struct {
	store  Store
	tx     pgtx.Runner
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, tx pgtx.Runner, logger *slog.Logger) *Service {
	if tx == nil {
		tx = pgtx.NopRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, tx: tx, clock: clock.NewSystem(), logger: logger}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// AppendRequest describes a new entry.
type AppendRequest struct {
	SellerID    string
	OrderID     string
	PaymentID   string
	Type        Type
	AmountCents int64
	Currency    string
	Reference   string
	Description string
}

func (r *AppendRequest) validate() error {
	if strings.TrimSpace(r.SellerID) == "" {
		return apperr.Wrap(ErrInvalidEntry, "seller id is required")
	}
	if !r.Type.Valid() {
		return apperr.Wrap(ErrInvalidEntry, fmt.Sprintf("unknown transaction type %q", r.Type))
	}
	if r.AmountCents <= 0 {
		return apperr.Wrap(ErrInvalidEntry, "amount must be positive")
	}
	cur, err := money.NormalizeCurrency(r.Currency)
	if err != nil {
		return apperr.Wrap(ErrInvalidEntry, err.Error())
	}
	r.Currency = cur
	return nil
}

// Append records a pending entry.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	done := observeOp("append")
	defer done()

	if err := req.validate(); err != nil {
		return nil, err
	}
	e := &Entry{
		ID:          idgen.New(),
		SellerID:    req.SellerID,
		OrderID:     req.OrderID,
		PaymentID:   req.PaymentID,
		Type:        req.Type,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Status:      StatusPending,
		Reference:   req.Reference,
		Description: req.Description,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	countEntry(e)
	return e, nil
}

// AppendCompleted appends an entry and completes it in one unit of work.
func (s *Service) AppendCompleted(ctx context.Context, req AppendRequest) (*Entry, error) {
	var out *Entry
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		e, err := s.Append(ctx, req)
		if err != nil {
			return err
		}
		out, err = s.Complete(ctx, e.ID)
		return err
	})
	return out, err
}

// Complete moves a pending entry to completed.
func (s *Service) Complete(ctx context.Context, id string) (*Entry, error) {
	done := observeOp("complete")
	defer done()
	return s.finish(ctx, id, StatusCompleted, "")
}

// Fail moves a pending entry to failed.
func (s *Service) Fail(ctx context.Context, id, reason string) (*Entry, error) {
	done := observeOp("fail")
	defer done()
	return s.finish(ctx, id, StatusFailed, reason)
}

func (s *Service) finish(ctx context.Context, id string, to Status, reason string) (*Entry, error) {
	ok, err := s.store.Transition(ctx, id, StatusPending, to, s.clock.Now(), reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.store.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	countEntry(e)
	return e, nil
}

// Reverse compensates the whole unreversed remainder of a completed entry.
func (s *Service) Reverse(ctx context.Context, id, reason string) (*Entry, error) {
	return s.reverse(ctx, id, 0, reason)
}

// ReverseAmount compensates cents of a completed entry. The original is
// marked reversed once its reversals add up to its amount.
func (s *Service) ReverseAmount(ctx context.Context, id string, cents int64, reason string) (*Entry, error) {
	if cents <= 0 {
		return nil, apperr.Wrap(ErrInvalidEntry, "reversal amount must be positive")
	}
	return s.reverse(ctx, id, cents, reason)
}

func (s *Service) reverse(ctx context.Context, id string, cents int64, reason string) (*Entry, error) {
	done := observeOp("reverse")
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger.Reverse", traces.AmountCents(cents))
	defer span.End()

	var rev *Entry
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.Locked(ctx, id, func(ctx context.Context) error {
			var err error
			rev, err = s.reverseLocked(ctx, id, cents, reason)
			return err
		})
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	countEntry(rev)

	s.logger.Info("ledger entry reversed",
		"entry_id", id, "reversal_id", rev.ID, "amount_cents", rev.AmountCents, "reason", reason)
	return rev, nil
}

func (s *Service) reverseLocked(ctx context.Context, id string, cents int64, reason string) (*Entry, error) {
	orig, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case StatusCompleted:
	case StatusReversed:
		return nil, ErrAlreadyReversed
	default:
		return nil, ErrNotReversible
	}
	if orig.RelatedLedgerID != "" {
		return nil, apperr.Wrap(ErrNotReversible, "reversal rows cannot be reversed")
	}

	already, err := s.store.ReversedCents(ctx, id)
	if err != nil {
		return nil, err
	}
	remaining := orig.AmountCents - already
	if cents == 0 {
		cents = remaining
	}
	if cents > remaining {
		return nil, ErrReversalTooBig
	}

	now := s.clock.Now()
	amount := cents
	typ := orig.Type.reversalType()
	if typ == orig.Type {
		amount = -cents
	}
	rev := &Entry{
		ID:              idgen.New(),
		SellerID:        orig.SellerID,
		OrderID:         orig.OrderID,
		PaymentID:       orig.PaymentID,
		Type:            typ,
		AmountCents:     amount,
		Currency:        orig.Currency,
		Status:          StatusCompleted,
		RelatedLedgerID: orig.ID,
		Reference:       orig.Reference,
		Description:     reason,
		CreatedAt:       now,
		CompletedAt:     &now,
	}
	if err := s.store.Insert(ctx, rev); err != nil {
		return nil, fmt.Errorf("insert reversal: %w", err)
	}

	if already+cents == orig.AmountCents {
		ok, err := s.store.Transition(ctx, id, StatusCompleted, StatusReversed, now, reason)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Conflict("ledger entry changed during reversal")
		}
	}
	return rev, nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// SellerBalance sums completed entries for a seller in one currency.
func (s *Service) SellerBalance(ctx context.Context, sellerID, currency string) (*Balance, error) {
	done := observeOp("balance")
	defer done()

	cur, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, apperr.Wrap(ErrInvalidEntry, err.Error())
	}
	return s.store.SellerBalance(ctx, sellerID, cur)
}

// Page is one page of ledger history.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// History returns a seller's entries newest first.
func (s *Service) History(ctx context.Context, sellerID string, limit int, cursor string) (*Page, error) {
	limit = pagination.Limit(limit)
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListBySeller(ctx, sellerID, limit+1, after)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.Trim(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &Page{Entries: items, NextCursor: next, HasMore: more}, nil
}

// ForOrder returns every entry that references an order, oldest first.
func (s *Service) ForOrder(ctx context.Context, orderID string) ([]*Entry, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// ForPayment returns every entry that references a payment, oldest first.
func (s *Service) ForPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	return s.store.ListByPayment(ctx, paymentID)
}

// FindOriginal returns the first unreversed-or-partially-reversed original
// entry of type t for a payment. Used by refunds to locate the sale and
// commission rows they compensate.
func (s *Service) FindOriginal(ctx context.Context, paymentID string, t Type) (*Entry, error) {
	entries, err := s.store.ListByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type == t && e.RelatedLedgerID == "" && e.Status == StatusCompleted {
			return e, nil
		}
	}
	return nil, ErrEntryNotFound
}
