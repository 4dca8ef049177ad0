// Package orders owns the order lifecycle.
//
// Every attempted transition is recorded, including rejected ones. Status
// updates are guarded by an optimistic version column; a lost race is
// retried after re-reading the order.
package orders

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
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/retry"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrOrderNotFound     = apperr.NotFound("order not found")
	ErrInvalidOrder      = apperr.Validation("invalid order")
	ErrInvalidTransition = apperr.InvalidTransition("transition not allowed")
	ErrVersionConflict   = apperr.Conflict("order was modified concurrently")
	ErrForbidden         = apperr.Authorization("actor may not perform this transition")
	ErrPaidOrder         = apperr.InvalidState("paid order must be refunded, not canceled")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCanceled   Status = "canceled"
	StatusReturned   Status = "returned"
	StatusRefunded   Status = "refunded"
)

func (s Status) Valid() bool {
	_, ok := edges[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(edges[s]) == 0
}

// edges is the complete transition graph.
var edges = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCanceled},
	StatusProcessing: {StatusConfirmed, StatusCanceled},
	StatusConfirmed:  {StatusShipped, StatusCanceled, StatusRefunded},
	StatusShipped:    {StatusDelivered, StatusReturned},
	StatusDelivered:  {StatusReturned},
	StatusReturned:   {StatusRefunded},
	StatusCanceled:   nil,
	StatusRefunded:   nil,
}

// CanTransition reports whether from -> to is an edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionType says who drove a transition.
type TransitionType string

const (
	TypeAutomatic TransitionType = "automatic"
	TypeManual    TransitionType = "manual"
	TypeSystem    TransitionType = "system"
)

func (t TransitionType) Valid() bool {
	switch t {
	case TypeAutomatic, TypeManual, TypeSystem:
		return true
	}
	return false
}

// PayoutStatus tracks where the seller's money is.
type PayoutStatus string

const (
	PayoutNone     PayoutStatus = "none"
	PayoutHeld     PayoutStatus = "held"
	PayoutReleased PayoutStatus = "released"
	PayoutRefunded PayoutStatus = "refunded"
)

func (p PayoutStatus) Valid() bool {
	switch p {
	case PayoutNone, PayoutHeld, PayoutReleased, PayoutRefunded:
		return true
	}
	return false
}

// DeliveryStatus follows the shipping states.
type DeliveryStatus string

const (
	DeliveryNotShipped DeliveryStatus = "not_shipped"
	DeliveryInTransit  DeliveryStatus = "in_transit"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryReturned   DeliveryStatus = "returned"
)

func deliveryFor(to Status, current DeliveryStatus) DeliveryStatus {
	switch to {
	case StatusShipped:
		return DeliveryInTransit
	case StatusDelivered:
		return DeliveryDelivered
	case StatusReturned:
		return DeliveryReturned
	}
	return current
}

// Order is a purchase of one listing.
type Order struct {
	ID             string         `json:"id"`
	BuyerID        string         `json:"buyerId"`
	SellerID       string         `json:"sellerId"`
	ListingID      string         `json:"listingId"`
	Quantity       int            `json:"quantity"`
	Status         Status         `json:"status"`
	AmountCents    int64          `json:"amountCents"`
	Currency       string         `json:"currency"`
	PayoutStatus   PayoutStatus   `json:"payoutStatus"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Transition is one row of order history.
type Transition struct {
	ID               string         `json:"id"`
	OrderID          string         `json:"orderId"`
	FromState        Status         `json:"fromState"`
	ToState          Status         `json:"toState"`
	Type             TransitionType `json:"transitionType"`
	InitiatedBy      string         `json:"initiatedBy"`
	Reason           string         `json:"reason,omitempty"`
	ValidationErrors string         `json:"validationErrors,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Rejected reports whether the transition was refused.
func (t *Transition) Rejected() bool { return t.ValidationErrors != "" }

// Store persists orders and their history.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// UpdateStatus applies the change only if the row still has version.
	// Reports false on a version mismatch.
	UpdateStatus(ctx context.Context, id string, version int, to Status, delivery DeliveryStatus, at time.Time) (bool, error)
	SetPayoutStatus(ctx context.Context, id string, status PayoutStatus, at time.Time) error
	InsertTransition(ctx context.Context, t *Transition) error
	History(ctx context.Context, orderID string) ([]*Transition, error)
	// ListByParty returns orders where column (buyer_id or seller_id) equals
	// partyID, newest first.
	ListByParty(ctx context.Context, column, partyID string, limit int, after *pagination.Cursor) ([]*Order, error)
}

// Service implements the order state machine.
type Service struct {
	store    Store
	tx       pgtx.Runner
	notifier notify.Sender
	clock    clock.Clock
	logger   *slog.Logger
	retryGap time.Duration
}

// NewService creates an order service.
func NewService(store Store, tx pgtx.Runner, logger *slog.Logger) *Service {
	if tx == nil {
		tx = pgtx.NopRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		tx:       tx,
		notifier: notify.Nop{},
		clock:    clock.NewSystem(),
		logger:   logger,
		retryGap: 20 * time.Millisecond,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithNotifier sets where status-change notifications go.
func (s *Service) WithNotifier(n notify.Sender) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// CreateRequest describes a new order.
type CreateRequest struct {
	ID          string // optional; checkout pre-assigns it
	BuyerID     string
	SellerID    string
	ListingID   string
	Quantity    int
	AmountCents int64
	Currency    string
}

// Create stores a pending order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if strings.TrimSpace(req.BuyerID) == "" || strings.TrimSpace(req.SellerID) == "" || req.ListingID == "" {
		return nil, apperr.Wrap(ErrInvalidOrder, "buyer, seller and listing are required")
	}
	if req.BuyerID == req.SellerID {
		return nil, apperr.Wrap(ErrInvalidOrder, "buyer cannot purchase their own listing")
	}
	if req.Quantity <= 0 {
		return nil, apperr.Wrap(ErrInvalidOrder, "quantity must be positive")
	}
	if req.AmountCents < 0 {
		return nil, apperr.Wrap(ErrInvalidOrder, "amount cannot be negative")
	}
	cur, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, apperr.Wrap(ErrInvalidOrder, err.Error())
	}
	id := req.ID
	if id == "" {
		id = idgen.New()
	}

	now := s.clock.Now()
	o := &Order{
		ID:             id,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		ListingID:      req.ListingID,
		Quantity:       req.Quantity,
		Status:         StatusPending,
		AmountCents:    req.AmountCents,
		Currency:       cur,
		PayoutStatus:   PayoutNone,
		DeliveryStatus: DeliveryNotShipped,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Page is one page of orders.
type Page struct {
	Orders     []*Order `json:"orders"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// ListByBuyer returns a buyer's orders newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int, cursor string) (*Page, error) {
	return s.list(ctx, "buyer_id", buyerID, limit, cursor)
}

// ListBySeller returns a seller's orders newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int, cursor string) (*Page, error) {
	return s.list(ctx, "seller_id", sellerID, limit, cursor)
}

func (s *Service) list(ctx context.Context, column, partyID string, limit int, cursor string) (*Page, error) {
	limit = pagination.Limit(limit)
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListByParty(ctx, column, partyID, limit+1, after)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.Trim(rows, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return &Page{Orders: items, NextCursor: next, HasMore: more}, nil
}

// History returns every recorded transition attempt, oldest first.
func (s *Service) History(ctx context.Context, orderID string) ([]*Transition, error) {
	if _, err := s.store.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, orderID)
}

// TransitionRequest asks to move an order to To.
type TransitionRequest struct {
	OrderID     string
	To          Status
	Type        TransitionType
	InitiatedBy string
	Reason      string
}

// Transition validates and applies one state change. A rejected request is
// still recorded in the order's history.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Order, error) {
	done := observeOp("transition")
	defer done()

	if !req.To.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown order status %q", req.To))
	}
	if !req.Type.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown transition type %q", req.Type))
	}
	if req.InitiatedBy == "" {
		return nil, apperr.Validation("initiated_by is required")
	}

	ctx, span := traces.StartSpan(ctx, "orders.Transition", traces.OrderID(req.OrderID))
	defer span.End()

	var out *Order
	err := retry.DoIf(ctx, 3, s.retryGap, isVersionConflict, func() error {
		var err error
		out, err = s.transitionOnce(ctx, req)
		return err
	})
	if err != nil {
		traces.Fail(span, err)
		transitionsTotal.WithLabelValues(string(req.To), resultOf(err)).Inc()
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(req.To), "ok").Inc()
	return out, nil
}

func isVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func (s *Service) transitionOnce(ctx context.Context, req TransitionRequest) (*Order, error) {
	var (
		out      *Order
		rejected error
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		row := &Transition{
			ID:          idgen.New(),
			OrderID:     o.ID,
			FromState:   o.Status,
			ToState:     req.To,
			Type:        req.Type,
			InitiatedBy: req.InitiatedBy,
			Reason:      req.Reason,
			CreatedAt:   now,
		}

		if verr := s.check(o, req); verr != nil {
			row.ValidationErrors = verr.Error()
			if err := s.store.InsertTransition(ctx, row); err != nil {
				return err
			}
			rejected = verr
			return nil
		}

		delivery := deliveryFor(req.To, o.DeliveryStatus)
		ok, err := s.store.UpdateStatus(ctx, o.ID, o.Version, req.To, delivery, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrVersionConflict
		}
		if err := s.store.InsertTransition(ctx, row); err != nil {
			return err
		}

		from := o.Status
		o.Status, o.DeliveryStatus, o.Version, o.UpdatedAt = req.To, delivery, o.Version+1, now
		out = o
		pgtx.AfterCommit(ctx, func() { s.announce(ctx, o, from, req) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		s.logger.Info("order transition rejected",
			"order_id", req.OrderID, "to", req.To, "initiated_by", req.InitiatedBy, "error", rejected)
		return nil, rejected
	}
	s.logger.Info("order transitioned",
		"order_id", out.ID, "to", out.Status, "type", req.Type, "initiated_by", req.InitiatedBy)
	return out, nil
}

// check applies the graph, the actor rules for manual transitions, and
// refuses to cancel an order whose payment has been captured. Money held or
// paid out for it only comes back through a refund.
func (s *Service) check(o *Order, req TransitionRequest) error {
	if !CanTransition(o.Status, req.To) {
		return apperr.Wrap(ErrInvalidTransition, fmt.Sprintf("%s -> %s", o.Status, req.To))
	}
	if err := checkActor(o, req); err != nil {
		return err
	}
	if req.To == StatusCanceled && o.PayoutStatus != PayoutNone {
		return apperr.Wrap(ErrPaidOrder, fmt.Sprintf("payout is %s", o.PayoutStatus))
	}
	return nil
}

func checkActor(o *Order, req TransitionRequest) error {
	if req.Type != TypeManual {
		return nil
	}
	actor := req.InitiatedBy
	if auth.IsPrivileged(actor) {
		return nil
	}
	switch req.To {
	case StatusShipped, StatusDelivered:
		if actor == o.SellerID {
			return nil
		}
		return apperr.Wrap(ErrForbidden, "only the seller can mark an order "+string(req.To))
	case StatusCanceled:
		if (actor == o.BuyerID || actor == o.SellerID) &&
			(o.Status == StatusPending || o.Status == StatusProcessing) {
			return nil
		}
		return apperr.Wrap(ErrForbidden, "only buyer or seller can cancel before confirmation")
	}
	return apperr.Wrap(ErrForbidden, "transition to "+string(req.To)+" is reserved for operators")
}

// notifiable states produce an order.status_changed notification.
func notifiable(s Status) bool {
	switch s {
	case StatusConfirmed, StatusShipped, StatusDelivered, StatusCanceled, StatusRefunded:
		return true
	}
	return false
}

func (s *Service) announce(ctx context.Context, o *Order, from Status, req TransitionRequest) {
	if !notifiable(o.Status) {
		return
	}
	s.notifier.Emit(ctx, notify.Notification{
		Kind:       notify.KindOrderStatusChanged,
		Subject:    o.ID,
		Recipients: []string{o.BuyerID, o.SellerID},
		Data: map[string]any{
			"from":        string(from),
			"to":          string(o.Status),
			"initiatedBy": req.InitiatedBy,
			"amountCents": o.AmountCents,
		},
	})
}

// MarkRefunded drives an order to refunded along valid edges: shipped and
// delivered orders pass through returned. An already refunded or canceled
// order is returned unchanged.
func (s *Service) MarkRefunded(ctx context.Context, orderID, initiatedBy, reason string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var path []Status
	switch o.Status {
	case StatusRefunded, StatusCanceled:
		return o, nil
	case StatusShipped, StatusDelivered:
		path = []Status{StatusReturned, StatusRefunded}
	default:
		path = []Status{StatusRefunded}
	}
	for _, to := range path {
		o, err = s.Transition(ctx, TransitionRequest{
			OrderID: orderID, To: to, Type: TypeSystem, InitiatedBy: initiatedBy, Reason: reason,
		})
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SetPayoutStatus records where the seller's money is. Joins the caller's
// transaction.
func (s *Service) SetPayoutStatus(ctx context.Context, orderID string, status PayoutStatus) error {
	if !status.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown payout status %q", status))
	}
	return s.store.SetPayoutStatus(ctx, orderID, status, s.clock.Now())
}

func resultOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidTransition:
		return "invalid"
	case apperr.KindAuthorization:
		return "forbidden"
	case apperr.KindConflict:
		return "conflict"
	case apperr.KindNotFound:
		return "not_found"
	case apperr.KindInvalidState:
		return "refund_required"
	}
	return "error"
}
