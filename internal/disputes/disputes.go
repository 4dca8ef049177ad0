// Package disputes tracks buyer complaints and escalates the ones nobody
// resolves.
//
// An open dispute freezes the order's hold. The sweep raises the escalation
// level as the dispute ages and closes it after 30 days. Every level change
// is a conditional update; only the instance whose update lands notifies.
package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/refunds"
)

var (
	ErrDisputeNotFound   = apperr.NotFound("dispute not found")
	ErrInvalidDispute    = apperr.Validation("invalid dispute")
	ErrDisputeExists     = apperr.Conflict("order already has an open dispute")
	ErrNotDisputable     = apperr.InvalidState("order cannot be disputed in its current status")
	ErrAlreadyClosed     = apperr.InvalidState("dispute is already closed")
	ErrInvalidResolution = apperr.Validation("unknown resolution")
	ErrForbidden         = apperr.Authorization("not allowed to act on this dispute")
	ErrRefundPending     = apperr.InvalidState("refund awaits provider confirmation, dispute stays open")
)

// Status of a dispute.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Resolution records how a dispute ended.
type Resolution string

const (
	ResolutionBuyerRefunded  Resolution = "buyer_refunded"
	ResolutionSellerReleased Resolution = "seller_released"
	ResolutionCaseClosed     Resolution = "case_closed"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyerRefunded, ResolutionSellerReleased, ResolutionCaseClosed:
		return true
	}
	return false
}

// Level is how far a dispute has been escalated.
type Level int

const (
	LevelInitial Level = iota
	Level1
	Level2
	Level3
)

func (l Level) String() string {
	switch l {
	case LevelInitial:
		return "initial"
	case Level1:
		return "level_1"
	case Level2:
		return "level_2"
	case Level3:
		return "level_3"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Escalation thresholds, measured from when the dispute was opened.
const (
	Level1After      = 24 * time.Hour
	Level2After      = 72 * time.Hour
	Level3After      = 168 * time.Hour
	AutoResolveAfter = 720 * time.Hour
)

// LevelFor maps the age of a dispute to its escalation level.
func LevelFor(age time.Duration) Level {
	switch {
	case age >= Level3After:
		return Level3
	case age >= Level2After:
		return Level2
	case age >= Level1After:
		return Level1
	}
	return LevelInitial
}

// Dispute is a complaint against one order.
type Dispute struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	BuyerID    string     `json:"buyerId"`
	SellerID   string     `json:"sellerId"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	Level      Level      `json:"lastEscalationLevel"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsParty reports whether actor is the buyer or seller.
func (d *Dispute) IsParty(actor string) bool {
	return actor == d.BuyerID || actor == d.SellerID
}

// Store persists disputes.
type Store interface {
	// Insert fails with ErrDisputeExists if the order has an open dispute.
	Insert(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	OpenForOrder(ctx context.Context, orderID string) (*Dispute, error)
	// ListOpen returns open disputes, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
	// RaiseLevel sets the level only if the dispute is open and below it.
	RaiseLevel(ctx context.Context, id string, level Level, at time.Time) (bool, error)
	// Close moves open -> closed.
	Close(ctx context.Context, id string, resolution Resolution, resolvedBy string, at time.Time) (bool, error)
}

// OrderReader looks up the disputed order.
type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// RefundRequester refunds an order in full when a dispute goes the buyer's
// way.
type RefundRequester interface {
	RefundInFull(ctx context.Context, orderID, requestedBy, reason string) (*refunds.Refund, error)
	ListByOrder(ctx context.Context, orderID string) ([]*refunds.Refund, error)
	Process(ctx context.Context, refundID string) (*refunds.Refund, error)
}

// Service manages disputes.
type Service struct {
	store    Store
	tx       pgtx.Runner
	orders   OrderReader
	refunds  RefundRequester
	notifier notify.Sender
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a dispute service.
func NewService(store Store, tx pgtx.Runner, ord OrderReader, refunds RefundRequester, logger *slog.Logger) *Service {
	if tx == nil {
		tx = pgtx.NopRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		tx:       tx,
		orders:   ord,
		refunds:  refunds,
		notifier: notify.Nop{},
		clock:    clock.NewSystem(),
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithNotifier sets where escalation notices go.
func (s *Service) WithNotifier(n notify.Sender) *Service {
	s.notifier = n
	return s
}

// OpenRequest opens a dispute on behalf of OpenedBy.
type OpenRequest struct {
	OrderID  string
	OpenedBy string
	Reason   string
}

// Open files a dispute. The order must exist and be past payment.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	done := observeOp("open")
	defer done()

	if req.OrderID == "" || strings.TrimSpace(req.Reason) == "" {
		return nil, apperr.Wrap(ErrInvalidDispute, "order and reason are required")
	}
	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if req.OpenedBy != o.BuyerID && req.OpenedBy != o.SellerID && !auth.IsPrivileged(req.OpenedBy) {
		return nil, ErrForbidden
	}
	switch o.Status {
	case orders.StatusConfirmed, orders.StatusShipped, orders.StatusDelivered, orders.StatusReturned:
	default:
		return nil, apperr.Wrap(ErrNotDisputable, fmt.Sprintf("order is %s", o.Status))
	}

	now := s.clock.Now()
	d := &Dispute{
		ID:        idgen.New(),
		OrderID:   o.ID,
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		Reason:    req.Reason,
		Status:    StatusOpen,
		Level:     LevelInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, d); err != nil {
		return nil, err
	}
	disputesTotal.WithLabelValues("opened").Inc()
	s.logger.Info("dispute opened", "dispute_id", d.ID, "order_id", d.OrderID, "opened_by", req.OpenedBy)
	return d, nil
}

// Resolve closes a dispute by operator decision. buyer_refunded refunds the
// order in full first. The dispute, and with it the hold, stays open until
// that refund has completed: a failed refund returns its error and one still
// waiting on the provider returns ErrRefundPending. Resolving again reuses
// the refund already started.
func (s *Service) Resolve(ctx context.Context, id string, resolution Resolution, actor string) (*Dispute, error) {
	done := observeOp("resolve")
	defer done()

	if !resolution.Valid() {
		return nil, apperr.Wrap(ErrInvalidResolution, string(resolution))
	}
	if !auth.IsPrivileged(actor) {
		return nil, ErrForbidden
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyClosed
	}
	if resolution == ResolutionBuyerRefunded {
		r, err := s.refundBuyer(ctx, d, actor)
		if err != nil {
			return nil, fmt.Errorf("refund disputed order: %w", err)
		}
		if r.Status != refunds.StatusCompleted {
			s.logger.Info("dispute refund awaiting provider", "dispute_id", d.ID, "refund_id", r.ID, "refund_status", r.Status)
			return nil, apperr.Wrap(ErrRefundPending, fmt.Sprintf("refund %s is %s", r.ID, r.Status))
		}
		s.logger.Info("dispute refund settled", "dispute_id", d.ID, "refund_id", r.ID)
	}

	ok, err := s.store.Close(ctx, id, resolution, actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyClosed
	}
	disputesTotal.WithLabelValues(string(resolution)).Inc()
	s.logger.Info("dispute resolved", "dispute_id", id, "resolution", resolution, "actor", actor)
	return s.store.Get(ctx, id)
}

// refundBuyer returns the order's full refund, starting one only when no
// earlier attempt exists. Pending and failed refunds are processed again.
func (s *Service) refundBuyer(ctx context.Context, d *Dispute, actor string) (*refunds.Refund, error) {
	rs, err := s.refunds.ListByOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		if r.Type != refunds.TypeFull {
			continue
		}
		switch r.Status {
		case refunds.StatusCompleted, refunds.StatusProcessing:
			return r, nil
		case refunds.StatusPending, refunds.StatusFailed:
			return s.refunds.Process(ctx, r.ID)
		}
	}
	return s.refunds.RefundInFull(ctx, d.OrderID, actor, "dispute "+d.ID)
}

// SweepResult summarizes one escalation pass.
type SweepResult struct {
	Escalated    int `json:"escalated"`
	AutoResolved int `json:"autoResolved"`
}

const sweepBatch = 500

// Sweep escalates aging disputes and auto-closes the ones past 30 days.
// Safe to run concurrently: levels only rise and only the instance that
// wins a conditional update sends the notice.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	done := observeOp("sweep")
	defer done()

	open, err := s.store.ListOpen(ctx, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list open disputes: %w", err)
	}
	now := s.clock.Now()
	res := &SweepResult{}
	for _, d := range open {
		age := now.Sub(d.CreatedAt)
		var (
			won bool
			err error
		)
		if age >= AutoResolveAfter {
			won, err = s.autoResolve(ctx, d, now)
			if won {
				res.AutoResolved++
			}
		} else if lvl := LevelFor(age); lvl > d.Level {
			won, err = s.escalate(ctx, d, lvl, age, now)
			if won {
				res.Escalated++
			}
		}
		if err != nil {
			logging.Critical(ctx, s.logger, "dispute sweep step failed", "dispute_id", d.ID, "error", err)
		}
	}
	if res.Escalated > 0 || res.AutoResolved > 0 {
		s.logger.Info("dispute sweep", "escalated", res.Escalated, "auto_resolved", res.AutoResolved)
	}
	return res, nil
}

func (s *Service) escalate(ctx context.Context, d *Dispute, lvl Level, age time.Duration, now time.Time) (bool, error) {
	var won bool
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		won, err = s.store.RaiseLevel(ctx, d.ID, lvl, now)
		if err != nil || !won {
			return err
		}
		pgtx.AfterCommit(ctx, func() {
			s.notifier.Emit(ctx, notify.Notification{
				Kind:       notify.KindDisputeEscalated,
				Subject:    d.ID,
				Recipients: []string{d.BuyerID, d.SellerID, auth.ActorAdmin},
				Data: map[string]any{
					"orderId":      d.OrderID,
					"level":        lvl.String(),
					"hoursElapsed": int(age.Hours()),
				},
			})
		})
		return nil
	})
	if won {
		disputesTotal.WithLabelValues("escalated_" + lvl.String()).Inc()
	}
	return won, err
}

func (s *Service) autoResolve(ctx context.Context, d *Dispute, now time.Time) (bool, error) {
	var won bool
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		won, err = s.store.Close(ctx, d.ID, ResolutionCaseClosed, auth.ActorSystem, now)
		if err != nil || !won {
			return err
		}
		pgtx.AfterCommit(ctx, func() {
			s.notifier.Emit(ctx, notify.Notification{
				Kind:       notify.KindDisputeAutoResolved,
				Subject:    d.ID,
				Recipients: []string{d.BuyerID, d.SellerID},
				Data:       map[string]any{"orderId": d.OrderID, "resolution": string(ResolutionCaseClosed)},
			})
		})
		return nil
	})
	if won {
		disputesTotal.WithLabelValues("auto_resolved").Inc()
	}
	return won, err
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// HasOpenDispute reports whether the order has an open dispute.
func (s *Service) HasOpenDispute(ctx context.Context, orderID string) (bool, error) {
	_, err := s.store.OpenForOrder(ctx, orderID)
	if err == nil {
		return true, nil
	}
	if apperr.KindOf(err) == apperr.KindNotFound {
		return false, nil
	}
	return false, err
}

// ListOpen returns open disputes, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > sweepBatch {
		limit = 100
	}
	return s.store.ListOpen(ctx, limit)
}

// StatusReport describes where a dispute stands.
type StatusReport struct {
	DisputeID    string     `json:"disputeId"`
	Status       Status     `json:"status"`
	Level        string     `json:"level"`
	HoursElapsed int        `json:"hoursElapsed"`
	NextLevelAt  *time.Time `json:"nextLevelAt,omitempty"`
	AutoResolves time.Time  `json:"autoResolvesAt"`
}

// Status reports a dispute's level and age.
func (s *Service) Status(ctx context.Context, id string) (*StatusReport, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	end := s.clock.Now()
	if d.ClosedAt != nil {
		end = *d.ClosedAt
	}
	rep := &StatusReport{
		DisputeID:    d.ID,
		Status:       d.Status,
		Level:        d.Level.String(),
		HoursElapsed: int(end.Sub(d.CreatedAt).Hours()),
		AutoResolves: d.CreatedAt.Add(AutoResolveAfter),
	}
	if d.Status == StatusOpen {
		for _, th := range []time.Duration{Level1After, Level2After, Level3After} {
			if LevelFor(th) > d.Level {
				at := d.CreatedAt.Add(th)
				rep.NextLevelAt = &at
				break
			}
		}
	}
	return rep, nil
}
