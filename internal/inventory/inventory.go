// Package inventory manages listings and the short-lived stock locks taken
// during checkout.
//
// A reservation holds quantity against a listing until it is confirmed by a
// paid order, released, or expires. The sum of active reservations for a
// listing never exceeds its quantity_available; Reserve enforces this under
// a lock on the listing row.
package inventory

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
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrListingNotFound     = apperr.NotFound("listing not found")
	ErrReservationNotFound = apperr.NotFound("reservation not found")
	ErrInsufficientStock   = apperr.InsufficientStock("insufficient stock")
	ErrInvalidListing      = apperr.Validation("invalid listing")
	ErrInvalidQuantity     = apperr.Validation("quantity must be positive")
	ErrNotActive           = apperr.InvalidState("reservation is not active")
	ErrReservationExpired  = apperr.InvalidState("reservation has expired")
	ErrOrderMismatch       = apperr.InvalidState("reservation belongs to another order")
)

// DefaultTTL is how long a reservation holds stock.
const DefaultTTL = 15 * time.Minute

// Listing is something a seller offers.
type Listing struct {
	ID                string    `json:"id"`
	SellerID          string    `json:"sellerId"`
	Title             string    `json:"title"`
	PriceCents        int64     `json:"priceCents"`
	Currency          string    `json:"currency"`
	QuantityAvailable int       `json:"quantityAvailable"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Status of a reservation.
type Status string

const (
	StatusActive    Status = "active"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusConfirmed, StatusReleased, StatusExpired:
		return true
	}
	return false
}

// Reservation is a temporary stock lock.
type Reservation struct {
	ID          string     `json:"id"`
	ListingID   string     `json:"listingId"`
	BuyerID     string     `json:"buyerId"`
	OrderID     string     `json:"orderId,omitempty"`
	Quantity    int        `json:"quantityReserved"`
	Status      Status     `json:"status"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Availability is a point-in-time view of a listing's stock.
type Availability struct {
	ListingID         string `json:"listingId"`
	QuantityAvailable int    `json:"quantityAvailable"`
	Reserved          int    `json:"reserved"`
	Available         int    `json:"available"`
}

// Store persists listings and reservations.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	// LockListing runs fn while holding an exclusive lock on the listing.
	// The Postgres store uses SELECT ... FOR UPDATE, so it must be called
	// inside a transaction.
	LockListing(ctx context.Context, id string, fn func(ctx context.Context, l *Listing) error) error
	// AdjustQuantity adds delta to quantity_available.
	AdjustQuantity(ctx context.Context, id string, delta int, at time.Time) error

	InsertReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ListReservationsByOrder(ctx context.Context, orderID string) ([]*Reservation, error)
	// ActiveQuantity sums active reservations on a listing that expire after now.
	ActiveQuantity(ctx context.Context, listingID string, now time.Time) (int, error)
	// Transition moves a reservation out of from. It stamps confirmed_at and
	// order_id for confirmed, released_at for released. Reports false when
	// the row was not in from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time, orderID string) (bool, error)
	// ExpireStale marks active rows with expires_at <= now as expired. A
	// reservation counts as held only while expires_at > now, so the sweep
	// takes the boundary instant too and the two never disagree. An empty
	// listingID means every listing.
	ExpireStale(ctx context.Context, listingID string, now time.Time) (int, error)
}

// Service implements inventory operations.
type Service struct {
	store      Store
	tx         pgtx.Runner
	clock      clock.Clock
	logger     *slog.Logger
	defaultTTL time.Duration
}

// NewService creates an inventory service.
func NewService(store Store, tx pgtx.Runner, logger *slog.Logger) *Service {
	if tx == nil {
		tx = pgtx.NopRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, tx: tx, clock: clock.NewSystem(), logger: logger, defaultTTL: DefaultTTL}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithDefaultTTL sets the TTL used when a request does not carry one.
func (s *Service) WithDefaultTTL(d time.Duration) *Service {
	if d > 0 {
		s.defaultTTL = d
	}
	return s
}

// CreateListingRequest describes a new listing.
type CreateListingRequest struct {
	SellerID   string
	Title      string
	PriceCents int64
	Currency   string
	Quantity   int
}

// CreateListing validates and stores a listing.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	if strings.TrimSpace(req.SellerID) == "" || strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Wrap(ErrInvalidListing, "seller and title are required")
	}
	if req.PriceCents <= 0 {
		return nil, apperr.Wrap(ErrInvalidListing, "price must be positive")
	}
	if req.Quantity < 0 {
		return nil, apperr.Wrap(ErrInvalidListing, "quantity cannot be negative")
	}
	cur, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, apperr.Wrap(ErrInvalidListing, err.Error())
	}

	now := s.clock.Now()
	l := &Listing{
		ID:                idgen.New(),
		SellerID:          req.SellerID,
		Title:             strings.TrimSpace(req.Title),
		PriceCents:        req.PriceCents,
		Currency:          cur,
		QuantityAvailable: req.Quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

// GetListing returns a listing.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// Restock adds delta (which may be negative) to a listing's stock. Stock
// cannot drop below what active reservations already hold.
func (s *Service) Restock(ctx context.Context, listingID string, delta int) (*Listing, error) {
	if delta == 0 {
		return nil, apperr.Validation("delta must be non-zero")
	}
	var out *Listing
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.LockListing(ctx, listingID, func(ctx context.Context, l *Listing) error {
			now := s.clock.Now()
			reserved, err := s.store.ActiveQuantity(ctx, listingID, now)
			if err != nil {
				return err
			}
			if l.QuantityAvailable+delta < reserved {
				return apperr.Wrap(ErrInsufficientStock,
					fmt.Sprintf("stock cannot drop below %d reserved units", reserved))
			}
			if err := s.store.AdjustQuantity(ctx, listingID, delta, now); err != nil {
				return err
			}
			out, err = s.store.GetListing(ctx, listingID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("listing restocked", "listing_id", listingID, "delta", delta, "quantity", out.QuantityAvailable)
	return out, nil
}

// ReserveRequest asks for a stock lock.
type ReserveRequest struct {
	ListingID string
	BuyerID   string
	OrderID   string // optional; checkout pre-assigns it
	Quantity  int
	TTL       time.Duration
}

// Reserve locks quantity units of a listing for ttl. Stale active rows for
// the listing are expired first so they never count against availability.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	done := observeOp("reserve")
	defer done()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if strings.TrimSpace(req.BuyerID) == "" {
		return nil, apperr.Validation("buyer id is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	ctx, span := traces.StartSpan(ctx, "inventory.Reserve", traces.ListingID(req.ListingID))
	defer span.End()

	var res *Reservation
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.LockListing(ctx, req.ListingID, func(ctx context.Context, l *Listing) error {
			now := s.clock.Now()
			if _, err := s.store.ExpireStale(ctx, l.ID, now); err != nil {
				return err
			}
			reserved, err := s.store.ActiveQuantity(ctx, l.ID, now)
			if err != nil {
				return err
			}
			available := l.QuantityAvailable - reserved
			if req.Quantity > available {
				return apperr.Wrap(ErrInsufficientStock,
					fmt.Sprintf("requested %d, available %d", req.Quantity, available))
			}
			res = &Reservation{
				ID:        idgen.New(),
				ListingID: l.ID,
				BuyerID:   req.BuyerID,
				OrderID:   req.OrderID,
				Quantity:  req.Quantity,
				Status:    StatusActive,
				ExpiresAt: now.Add(ttl),
				CreatedAt: now,
			}
			return s.store.InsertReservation(ctx, res)
		})
	})
	if err != nil {
		reservationsTotal.WithLabelValues(outcomeOf(err)).Inc()
		return nil, err
	}
	reservationsTotal.WithLabelValues("reserved").Inc()
	s.logger.Info("stock reserved",
		"reservation_id", res.ID, "listing_id", res.ListingID, "quantity", res.Quantity, "expires_at", res.ExpiresAt)
	return res, nil
}

// Confirm converts an active reservation into a sale for orderID and
// decrements the listing's stock exactly once. Confirming again with the
// same order is a no-op success.
func (s *Service) Confirm(ctx context.Context, reservationID, orderID string) (*Reservation, error) {
	done := observeOp("confirm")
	defer done()

	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}
	first, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var out *Reservation
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.store.LockListing(ctx, first.ListingID, func(ctx context.Context, _ *Listing) error {
			r, err := s.store.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			if r.OrderID != "" && r.OrderID != orderID {
				return ErrOrderMismatch
			}
			if r.Status == StatusConfirmed {
				out = r
				return nil
			}
			if r.Status != StatusActive {
				return apperr.Wrap(ErrNotActive, fmt.Sprintf("reservation is %s", r.Status))
			}
			now := s.clock.Now()
			if !now.Before(r.ExpiresAt) {
				return ErrReservationExpired
			}
			ok, err := s.store.Transition(ctx, r.ID, StatusActive, StatusConfirmed, now, orderID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Conflict("reservation changed during confirm")
			}
			if err := s.store.AdjustQuantity(ctx, r.ListingID, -r.Quantity, now); err != nil {
				return err
			}
			out, err = s.store.GetReservation(ctx, r.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	reservationsTotal.WithLabelValues("confirmed").Inc()
	return out, nil
}

// Release gives the stock back. Releasing an already released reservation
// succeeds without change.
func (s *Service) Release(ctx context.Context, reservationID string) (*Reservation, error) {
	ok, err := s.store.Transition(ctx, reservationID, StatusActive, StatusReleased, s.clock.Now(), "")
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !ok && r.Status != StatusReleased {
		return nil, apperr.Wrap(ErrNotActive, fmt.Sprintf("reservation is %s", r.Status))
	}
	if ok {
		reservationsTotal.WithLabelValues("released").Inc()
		s.logger.Info("reservation released", "reservation_id", r.ID, "listing_id", r.ListingID)
	}
	return r, nil
}

// GetReservation returns one reservation.
func (s *Service) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// ReservationsForOrder returns the reservations linked to an order.
func (s *Service) ReservationsForOrder(ctx context.Context, orderID string) ([]*Reservation, error) {
	return s.store.ListReservationsByOrder(ctx, orderID)
}

// ExpireStale marks every overdue active reservation expired. Safe to run
// concurrently from several instances.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	done := observeOp("expire")
	defer done()

	n, err := s.store.ExpireStale(ctx, "", s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	if n > 0 {
		reservationsTotal.WithLabelValues("expired").Add(float64(n))
		s.logger.Info("expired stale reservations", "count", n)
	}
	return n, nil
}

// Availability reports stock for a listing as of now.
func (s *Service) Availability(ctx context.Context, listingID string) (*Availability, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.store.ActiveQuantity(ctx, listingID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return &Availability{
		ListingID:         l.ID,
		QuantityAvailable: l.QuantityAvailable,
		Reserved:          reserved,
		Available:         l.QuantityAvailable - reserved,
	}, nil
}

func outcomeOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindInsufficientStock:
		return "insufficient"
	case apperr.KindNotFound:
		return "not_found"
	case apperr.KindValidation:
		return "invalid"
	}
	return "error"
}
