package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/disputes"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/expiring"
	"github.com/mbd888/bazaar/internal/inventory"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/payments"
	"github.com/mbd888/bazaar/internal/refunds"
	"github.com/mbd888/bazaar/internal/verification"
)

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Emit(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recorder) count(k notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == k {
			n++
		}
	}
	return n
}

// fixture wires every settlement service over memory stores, the way the
// server wires them over Postgres.
type fixture struct {
	svc       *Service
	clk       *clock.Manual
	rec       *recorder
	inventory *inventory.Service
	orders    *orders.Service
	payments  *payments.Service
	ledger    *ledger.Service
	escrow    *escrow.Service
	refunds   *refunds.Service
	disputes  *disputes.Service
}

func newFixture(cfg Config) *fixture {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	f := &fixture{
		clk:       clk,
		rec:       rec,
		inventory: inventory.NewService(inventory.NewMemoryStore(), nil, nil).WithClock(clk),
		orders:    orders.NewService(orders.NewMemoryStore(), nil, nil).WithClock(clk).WithNotifier(rec),
		payments:  payments.NewService(payments.NewMemoryStore(), nil).WithClock(clk),
		ledger:    ledger.NewService(ledger.NewMemoryStore(), nil, nil).WithClock(clk),
	}
	f.escrow = escrow.NewService(escrow.NewMemoryStore(), nil, escrow.Deps{
		Payments: f.payments,
		Ledger:   f.ledger,
		Orders:   f.orders,
		Verifier: verification.NewService(expiring.NewMemoryStore(), 0, 0, nil),
		Notifier: rec,
	}, nil).WithClock(clk)
	f.refunds = refunds.NewService(refunds.NewMemoryStore(), nil, refunds.Deps{
		Payments: f.payments,
		Ledger:   f.ledger,
		Holds:    f.escrow,
		Orders:   f.orders,
		Notifier: rec,
	}, nil).WithClock(clk)
	f.disputes = disputes.NewService(disputes.NewMemoryStore(), nil, f.orders, f.refunds, nil).
		WithClock(clk).WithNotifier(rec)
	f.escrow.SetDisputeChecker(f.disputes)
	f.escrow.SetRefundChecker(f.refunds)

	f.svc = NewService(nil, Deps{
		Inventory: f.inventory,
		Orders:    f.orders,
		Payments:  f.payments,
		Ledger:    f.ledger,
		Holds:     f.escrow,
	}, cfg, nil)
	return f
}

func defaultConfig() Config {
	return Config{CommissionBPS: 1000, HoldDurationDays: 14, ReservationTTL: 15 * time.Minute}
}

func (f *fixture) listing(t *testing.T, price int64, qty int) *inventory.Listing {
	t.Helper()
	l, err := f.inventory.CreateListing(context.Background(), inventory.CreateListingRequest{
		SellerID: "seller-1", Title: "Walnut desk", PriceCents: price, Currency: "USD", Quantity: qty,
	})
	require.NoError(t, err)
	return l
}

// paid starts and confirms a checkout of one unit.
func (f *fixture) paid(t *testing.T, l *inventory.Listing) *Result {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-1", Quantity: 1})
	require.NoError(t, err)
	res, err := f.svc.ConfirmPayment(ctx, ConfirmRequest{
		OrderID:       sess.Order.ID,
		ReservationID: sess.Reservation.ID,
		ProviderRef:   "pi_" + sess.Order.ID,
		Provider:      "sandbox",
		AmountCents:   sess.Order.AmountCents,
		Currency:      "usd",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) entries(t *testing.T, orderID string, typ ledger.Type) []*ledger.Entry {
	t.Helper()
	all, err := f.ledger.ForOrder(context.Background(), orderID)
	require.NoError(t, err)
	var out []*ledger.Entry
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestStart(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 2_500, 3)

	sess, err := f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, sess.Order.Status)
	assert.Equal(t, int64(5_000), sess.Order.AmountCents)
	assert.Equal(t, "seller-1", sess.Order.SellerID)
	assert.Equal(t, sess.Order.ID, sess.Reservation.OrderID)
	assert.Equal(t, inventory.StatusActive, sess.Reservation.Status)
	assert.Equal(t, f.clk.Now().Add(15*time.Minute), sess.Reservation.ExpiresAt)

	avail, err := f.inventory.Availability(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, avail.Available)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 2_500, 3)

	_, err := f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-1"})
	assert.ErrorIs(t, err, ErrInvalidCheckout)
	_, err = f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "seller-1", Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidCheckout)
	_, err = f.svc.Start(ctx, StartRequest{ListingID: "missing", BuyerID: "buyer-1", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrListingNotFound)
}

func TestOversellPrevented(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 1_000, 5)

	_, err := f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-1", Quantity: 5})
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-2", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))
}

func TestOversellPrevented_Concurrent(t *testing.T) {
	f := newFixture(defaultConfig())
	l := f.listing(t, 1_000, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Start(context.Background(), StartRequest{ListingID: l.ID, BuyerID: "buyer-1", Quantity: 1}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 10_000, 2)
	res := f.paid(t, l)

	assert.False(t, res.Duplicate)
	assert.Equal(t, orders.StatusConfirmed, res.Order.Status)
	assert.Equal(t, orders.PayoutHeld, res.Order.PayoutStatus)
	require.NotNil(t, res.Hold)
	assert.Equal(t, escrow.StatusActive, res.Hold.Status)
	assert.Equal(t, int64(1_000), res.Hold.CommissionCents)
	assert.Equal(t, f.clk.Now().AddDate(0, 0, 14), res.Hold.ReleaseableAt)

	rs, err := f.inventory.ReservationsForOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, inventory.StatusConfirmed, rs[0].Status)

	sales := f.entries(t, res.Order.ID, ledger.TypeSale)
	require.Len(t, sales, 1)
	assert.Equal(t, ledger.StatusCompleted, sales[0].Status)
	assert.Equal(t, int64(10_000), sales[0].AmountCents)
	comm := f.entries(t, res.Order.ID, ledger.TypeCommission)
	require.Len(t, comm, 1)
	assert.Equal(t, int64(1_000), comm[0].AmountCents)

	stored, err := f.orders.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PayoutHeld, stored.PayoutStatus)
	assert.Equal(t, 1, f.rec.count(notify.KindOrderStatusChanged))
}

func TestConfirmPayment_Idempotent(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 10_000, 2)
	first := f.paid(t, l)

	again, err := f.svc.ConfirmPayment(ctx, ConfirmRequest{
		OrderID:     first.Order.ID,
		ProviderRef: first.Payment.ProviderRef,
		AmountCents: 10_000,
		Currency:    "USD",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Payment.ID, again.Payment.ID)
	require.NotNil(t, again.Hold)
	assert.Equal(t, first.Hold.ID, again.Hold.ID)

	assert.Len(t, f.entries(t, first.Order.ID, ledger.TypeSale), 1)
	assert.Len(t, f.entries(t, first.Order.ID, ledger.TypeCommission), 1)
}

func TestConfirmPayment_Rejects(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 10_000, 3)
	sess, err := f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-1", Quantity: 1})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, ConfirmRequest{OrderID: sess.Order.ID, ProviderRef: "pi_1", AmountCents: 9_999, Currency: "USD"})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	_, err = f.svc.ConfirmPayment(ctx, ConfirmRequest{OrderID: sess.Order.ID, ProviderRef: "pi_1", AmountCents: 10_000, Currency: "EUR"})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	_, err = f.svc.ConfirmPayment(ctx, ConfirmRequest{OrderID: sess.Order.ID, AmountCents: 10_000, Currency: "USD"})
	assert.ErrorIs(t, err, ErrInvalidCheckout)

	_, err = f.svc.Abandon(ctx, sess.Order.ID, "", "buyer-1")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, ConfirmRequest{OrderID: sess.Order.ID, ProviderRef: "pi_2", AmountCents: 10_000, Currency: "USD"})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestConfirmPayment_NoCommission(t *testing.T) {
	cfg := defaultConfig()
	cfg.CommissionBPS = 0
	f := newFixture(cfg)
	res := f.paid(t, f.listing(t, 4_000, 1))

	assert.Empty(t, f.entries(t, res.Order.ID, ledger.TypeCommission))
	assert.Equal(t, int64(4_000), res.Hold.PayoutCents())
}

func TestAbandon(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	l := f.listing(t, 1_000, 1)
	sess, err := f.svc.Start(ctx, StartRequest{ListingID: l.ID, BuyerID: "buyer-1", Quantity: 1})
	require.NoError(t, err)

	_, err = f.svc.Abandon(ctx, sess.Order.ID, sess.Reservation.ID, "mallory")
	assert.ErrorIs(t, err, ErrForbidden)

	o, err := f.svc.Abandon(ctx, sess.Order.ID, sess.Reservation.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, o.Status)

	avail, err := f.inventory.Availability(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, avail.Available, "stock returns after abandon")

	_, err = f.svc.Abandon(ctx, sess.Order.ID, sess.Reservation.ID, "buyer-1")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestHoldReleasedAfterDuration(t *testing.T) {
	cfg := defaultConfig()
	cfg.HoldDurationDays = 30
	f := newFixture(cfg)
	ctx := context.Background()
	res := f.paid(t, f.listing(t, 10_000, 1))

	f.clk.Advance(29 * 24 * time.Hour)
	sweep, err := f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.Released)

	f.clk.Advance(2 * 24 * time.Hour)
	sweep, err = f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Released)

	h, err := f.escrow.Get(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, h.Status)
	require.NotNil(t, h.ReleasedAt)
	assert.Equal(t, f.clk.Now(), *h.ReleasedAt)

	payouts := f.entries(t, res.Order.ID, ledger.TypePayout)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(9_000), payouts[0].AmountCents)

	sweep, err = f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.Released)
	assert.Len(t, f.entries(t, res.Order.ID, ledger.TypePayout), 1)

	o, err := f.orders.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PayoutReleased, o.PayoutStatus)
}

func TestHoldDeferredByOpenDispute(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	res := f.paid(t, f.listing(t, 10_000, 1))
	_, err := f.disputes.Open(ctx, disputes.OpenRequest{OrderID: res.Order.ID, OpenedBy: "buyer-1", Reason: "never arrived"})
	require.NoError(t, err)

	f.clk.Advance(15 * 24 * time.Hour)
	sweep, err := f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.Released)
	assert.Empty(t, f.entries(t, res.Order.ID, ledger.TypePayout))
	h, err := f.escrow.ActiveForOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusActive, h.Status)
}

func TestFullRefundAfterCheckout(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	res := f.paid(t, f.listing(t, 10_000, 1))

	r, err := f.refunds.Initiate(ctx, refunds.InitiateRequest{
		OrderID: res.Order.ID, Type: refunds.TypeFull, Reason: "damaged", RequestedBy: "buyer-1",
	})
	require.NoError(t, err)
	r, err = f.refunds.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, refunds.StatusCompleted, r.Status)

	h, err := f.escrow.Get(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, h.Status)

	o, err := f.orders.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, o.Status)
	assert.Equal(t, orders.PayoutRefunded, o.PayoutStatus)

	sale := f.entries(t, res.Order.ID, ledger.TypeSale)[0]
	var reversals []*ledger.Entry
	all, err := f.ledger.ForOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	for _, e := range all {
		if e.RelatedLedgerID == sale.ID {
			reversals = append(reversals, e)
		}
	}
	require.Len(t, reversals, 1)
	assert.Equal(t, int64(10_000), reversals[0].AmountCents)

	bal, err := f.ledger.SellerBalance(ctx, "seller-1", "USD")
	require.NoError(t, err)
	assert.Zero(t, bal.NetCents)
}

func TestDisputeEscalationTimeline(t *testing.T) {
	f := newFixture(defaultConfig())
	ctx := context.Background()
	res := f.paid(t, f.listing(t, 10_000, 1))
	d, err := f.disputes.Open(ctx, disputes.OpenRequest{OrderID: res.Order.ID, OpenedBy: "buyer-1", Reason: "not as described"})
	require.NoError(t, err)
	opened := f.clk.Now()

	sweepAt := func(after time.Duration) *disputes.Dispute {
		t.Helper()
		f.clk.Set(opened.Add(after))
		_, err := f.disputes.Sweep(ctx)
		require.NoError(t, err)
		got, err := f.disputes.Get(ctx, d.ID)
		require.NoError(t, err)
		return got
	}

	got := sweepAt(25 * time.Hour)
	assert.Equal(t, disputes.Level1, got.Level)
	assert.Equal(t, disputes.StatusOpen, got.Status)

	got = sweepAt(100 * time.Hour)
	assert.Equal(t, disputes.Level2, got.Level)

	got = sweepAt(721 * time.Hour)
	assert.Equal(t, disputes.StatusClosed, got.Status)
	assert.Equal(t, disputes.ResolutionCaseClosed, got.Resolution)

	escalated := f.rec.count(notify.KindDisputeEscalated)
	resolved := f.rec.count(notify.KindDisputeAutoResolved)
	got = sweepAt(722 * time.Hour)
	assert.Equal(t, disputes.StatusClosed, got.Status)
	assert.Equal(t, escalated, f.rec.count(notify.KindDisputeEscalated))
	assert.Equal(t, resolved, f.rec.count(notify.KindDisputeAutoResolved))
}
