package refunds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/expiring"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/payments"
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

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

// fakeGateway answers each call with the next queued error, then succeeds.
type fakeGateway struct {
	mu      sync.Mutex
	errs    []error
	pending bool
	reqs    []payments.RefundRequest
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &payments.RefundResult{ProviderRef: "re_" + req.IdempotencyKey, Pending: g.pending}, nil
}

func (g *fakeGateway) calls() []payments.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.RefundRequest(nil), g.reqs...)
}

type noDisputes struct{}

func (noDisputes) HasOpenDispute(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	svc      *Service
	clk      *clock.Manual
	rec      *recorder
	gw       *fakeGateway
	orders   *orders.Service
	payments *payments.Service
	ledger   *ledger.Service
	escrow   *escrow.Service
}

func newFixture() *fixture {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		clk:      clk,
		rec:      &recorder{},
		gw:       &fakeGateway{},
		orders:   orders.NewService(orders.NewMemoryStore(), nil, nil).WithClock(clk),
		payments: payments.NewService(payments.NewMemoryStore(), nil).WithClock(clk),
		ledger:   ledger.NewService(ledger.NewMemoryStore(), nil, nil).WithClock(clk),
	}
	f.escrow = escrow.NewService(escrow.NewMemoryStore(), nil, escrow.Deps{
		Payments: f.payments,
		Ledger:   f.ledger,
		Orders:   f.orders,
		Disputes: noDisputes{},
		Verifier: verification.NewService(expiring.NewMemoryStore(), 0, 0, nil),
	}, nil).WithClock(clk)
	f.svc = NewService(NewMemoryStore(), nil, Deps{
		Payments: f.payments,
		Ledger:   f.ledger,
		Holds:    f.escrow,
		Orders:   f.orders,
		Gateway:  f.gw,
		Notifier: f.rec,
	}, nil).WithClock(clk)
	f.escrow.SetRefundChecker(f.svc)
	return f
}

// settled builds a confirmed, paid order with its sale, commission and hold
// in place, the way checkout leaves it.
func (f *fixture) settled(t *testing.T, amount, commission int64) (*orders.Order, *payments.Payment) {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx, orders.CreateRequest{
		BuyerID: "buyer-1", SellerID: "seller-1", ListingID: "listing-1",
		Quantity: 1, AmountCents: amount, Currency: "USD",
	})
	require.NoError(t, err)
	for _, to := range []orders.Status{orders.StatusProcessing, orders.StatusConfirmed} {
		_, err = f.orders.Transition(ctx, orders.TransitionRequest{
			OrderID: o.ID, To: to, Type: orders.TypeSystem, InitiatedBy: "system",
		})
		require.NoError(t, err)
	}
	p, _, err := f.payments.Record(ctx, payments.RecordRequest{
		OrderID: o.ID, BuyerID: o.BuyerID, SellerID: o.SellerID,
		ProviderRef: "pi_" + o.ID, AmountCents: amount, Currency: "USD",
	})
	require.NoError(t, err)
	_, err = f.ledger.AppendCompleted(ctx, ledger.AppendRequest{
		SellerID: o.SellerID, OrderID: o.ID, PaymentID: p.ID,
		Type: ledger.TypeSale, AmountCents: amount, Currency: "USD",
	})
	require.NoError(t, err)
	if commission > 0 {
		_, err = f.ledger.AppendCompleted(ctx, ledger.AppendRequest{
			SellerID: o.SellerID, OrderID: o.ID, PaymentID: p.ID,
			Type: ledger.TypeCommission, AmountCents: commission, Currency: "USD",
		})
		require.NoError(t, err)
	}
	_, err = f.escrow.CreateHold(ctx, escrow.CreateHoldRequest{
		PaymentID: p.ID, OrderID: o.ID, SellerID: o.SellerID,
		AmountCents: amount, CommissionCents: commission, Currency: "USD",
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.SetPayoutStatus(ctx, o.ID, orders.PayoutHeld))
	return o, p
}

func (f *fixture) balance(t *testing.T) *ledger.Balance {
	t.Helper()
	b, err := f.ledger.SellerBalance(context.Background(), "seller-1", "USD")
	require.NoError(t, err)
	return b
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, p := f.settled(t, 10_000, 1_000)

	tests := []struct {
		name    string
		req     InitiateRequest
		wantErr error
	}{
		{"zero partial", InitiateRequest{OrderID: o.ID, Type: TypePartial, RequestedBy: "buyer-1"}, ErrInvalidRefund},
		{"unknown type", InitiateRequest{OrderID: o.ID, Type: "gift", AmountCents: 1, RequestedBy: "buyer-1"}, ErrInvalidRefund},
		{"over payment", InitiateRequest{OrderID: o.ID, AmountCents: 10_001, RequestedBy: "buyer-1"}, ErrExceedsRemaining},
		{"full with wrong amount", InitiateRequest{OrderID: o.ID, Type: TypeFull, AmountCents: 500, RequestedBy: "buyer-1"}, ErrInvalidRefund},
		{"stranger", InitiateRequest{OrderID: o.ID, AmountCents: 100, RequestedBy: "mallory"}, ErrForbidden},
		{"missing order", InitiateRequest{OrderID: "nope", AmountCents: 100, RequestedBy: "buyer-1"}, orders.ErrOrderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Initiate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, Type: TypeFull, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), r.AmountCents, "full refund defaults to the remainder")
	assert.Equal(t, p.ID, r.PaymentID)
	assert.Equal(t, StatusPending, r.Status)
}

func TestInitiate_InFlightRefundsCount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 10_000, 0)

	_, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 6_000, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	_, err = f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 4_001, RequestedBy: "buyer-1"})
	assert.ErrorIs(t, err, ErrExceedsRemaining)

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 4_000, RequestedBy: "seller-1"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, r.ID, "seller-1")
	require.NoError(t, err)
	_, err = f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 4_000, RequestedBy: "buyer-1"})
	assert.NoError(t, err, "canceled refunds free their amount")
}

func TestInitiate_ConcurrentRequestsCannotOversubscribe(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 10_000, 0)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 3_000, RequestedBy: "buyer-1"}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
}

func TestProcess_FullRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, p := f.settled(t, 10_000, 1_000)
	assert.Equal(t, int64(9_000), f.balance(t).NetCents)

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, Type: TypeFull, Reason: "broken", RequestedBy: "buyer-1"})
	require.NoError(t, err)
	r, err = f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "re_"+r.ID+"-attempt1", r.ProviderRef)

	calls := f.gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, IdempotencyKey(r.ID, 1), calls[0].IdempotencyKey)
	assert.Equal(t, p.ProviderRef, calls[0].ProviderRef)
	assert.Equal(t, r.ID, calls[0].RefundID)

	pay, _ := f.payments.Get(ctx, p.ID)
	assert.Equal(t, payments.StatusRefunded, pay.Status)

	h, err := f.escrow.ActiveForOrder(ctx, o.ID)
	assert.ErrorIs(t, err, escrow.ErrHoldNotFound, "hold is no longer active: %v", h)

	ord, _ := f.orders.Get(ctx, o.ID)
	assert.Equal(t, orders.StatusRefunded, ord.Status)
	assert.Equal(t, orders.PayoutRefunded, ord.PayoutStatus)

	assert.Equal(t, int64(0), f.balance(t).NetCents, "sale and commission both reversed")
	assert.Contains(t, f.rec.kinds(), notify.KindRefundCompleted)

	again, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Len(t, f.gw.calls(), 1, "completed refunds are not resent")
}

func TestProcess_PartialRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, p := f.settled(t, 10_000, 1_000)

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 4_000, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, r.ID)
	require.NoError(t, err)

	pay, _ := f.payments.Get(ctx, p.ID)
	assert.Equal(t, payments.StatusPartiallyRefunded, pay.Status)
	assert.Equal(t, int64(6_000), pay.RefundableCents())

	h, err := f.escrow.ActiveForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), h.AmountCents)
	assert.Equal(t, int64(5_000), h.PayoutCents())

	ord, _ := f.orders.Get(ctx, o.ID)
	assert.Equal(t, orders.StatusConfirmed, ord.Status)
	assert.Equal(t, orders.PayoutHeld, ord.PayoutStatus)

	b := f.balance(t)
	assert.Equal(t, int64(5_000), b.NetCents)
	assert.Equal(t, h.PayoutCents(), b.NetCents, "hold payout matches the seller's net")
}

func TestProcess_StoreCreditSkipsGateway(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 5_000, 0)

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, Type: TypeStoreCredit, AmountCents: 5_000, RequestedBy: "admin"})
	require.NoError(t, err)
	r, err = f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Empty(t, f.gw.calls())
}

func TestProcess_GatewayFailureThenRetry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 5_000, 0)
	f.gw.errs = []error{apperr.Gateway(errors.New("card_declined"), false)}

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 2_000, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, r.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

	got, _ := f.svc.Get(ctx, r.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "card_declined")
	assert.Contains(t, f.rec.kinds(), notify.KindRefundFailed)

	got, err = f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 2, got.Attempts)

	calls := f.gw.calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	attempts, err := f.svc.Attempts(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
	assert.Equal(t, AttemptSucceeded, attempts[1].Status)
}

func TestProcess_TimeoutLeavesProcessing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, p := f.settled(t, 5_000, 0)
	f.gw.errs = []error{apperr.Gateway(context.DeadlineExceeded, true)}

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 5_000, Type: TypeFull, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	got, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	pay, _ := f.payments.Get(ctx, p.ID)
	assert.Equal(t, int64(0), pay.RefundedCents, "nothing settles before confirmation")

	_, err = f.svc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotProcessable)

	got, err = f.svc.CompleteFromProvider(ctx, r.ID, "re_webhook")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "re_webhook", got.ProviderRef)

	attempts, _ := f.svc.Attempts(ctx, r.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptSucceeded, attempts[0].Status)

	_, err = f.svc.CompleteFromProvider(ctx, r.ID, "re_webhook")
	assert.NoError(t, err, "duplicate webhook")
	pay, _ = f.payments.Get(ctx, p.ID)
	assert.Equal(t, int64(5_000), pay.RefundedCents)
}

func TestProcess_PendingAtProvider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 5_000, 0)
	f.gw.pending = true

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 1_000, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	got, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.NotEmpty(t, got.ProviderRef)

	got, err = f.svc.CompleteFromProvider(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "re_"+IdempotencyKey(r.ID, 1), got.ProviderRef)
}

func TestRefundAfterRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 10_000, 1_000)
	f.clk.Advance(15 * 24 * time.Hour)
	res, err := f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)

	_, err = f.svc.RefundInFull(ctx, o.ID, "admin", "chargeback")
	require.NoError(t, err)

	b := f.balance(t)
	assert.Equal(t, int64(0), b.NetCents)
	assert.Equal(t, int64(9_000), b.PendingPayoutCents)
	assert.Equal(t, int64(-9_000), b.AvailableCents, "seller owes the payout back")
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 5_000, 0)
	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 1_000, RequestedBy: "buyer-1"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, r.ID, "seller-1")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Cancel(ctx, r.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)

	_, err = f.svc.Cancel(ctx, r.ID, "buyer-1")
	assert.ErrorIs(t, err, ErrNotCancelable)
	_, err = f.svc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotProcessable)

	list, err := f.svc.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTimedOutRefundHoldsBackRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 10_000, 1_000)
	hold, err := f.escrow.ActiveForOrder(ctx, o.ID)
	require.NoError(t, err)
	f.gw.errs = []error{apperr.Gateway(context.DeadlineExceeded, true)}

	r, err := f.svc.RefundInFull(ctx, o.ID, "admin", "chargeback")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, r.Status)

	f.clk.Advance(31 * 24 * time.Hour)
	res, err := f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released, "processing refund keeps the hold")

	got, err := f.escrow.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusActive, got.Status)

	r, err = f.svc.CompleteFromProvider(ctx, r.ID, "re_late")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)

	got, err = f.escrow.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)

	res, err = f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released)

	b := f.balance(t)
	assert.Equal(t, int64(0), b.NetCents)
	assert.Equal(t, int64(0), b.PendingPayoutCents, "seller was never paid")
	assert.Equal(t, int64(0), b.AvailableCents)
}

func TestPaidOrderCancelGoesThroughRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 10_000, 1_000)
	hold, err := f.escrow.ActiveForOrder(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: o.ID, To: orders.StatusCanceled, Type: orders.TypeSystem, InitiatedBy: "system",
	})
	require.ErrorIs(t, err, orders.ErrPaidOrder)

	refundID, err := f.svc.RefundOrder(ctx, o.ID, "admin", "order canceled")
	require.NoError(t, err)
	r, err := f.svc.Get(ctx, refundID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)

	ord, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, ord.Status)
	assert.Equal(t, orders.PayoutRefunded, ord.PayoutStatus)

	got, err := f.escrow.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)

	f.clk.Advance(31 * 24 * time.Hour)
	res, err := f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released)
	assert.Equal(t, int64(0), f.balance(t).PendingPayoutCents)
}

// Orders canceled before the paid-cancel rule existed can still carry an
// active hold. A refund settles them without moving the order.
func TestRefundCanceledOrderWithActiveHold(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 10_000, 1_000)
	require.NoError(t, f.orders.SetPayoutStatus(ctx, o.ID, orders.PayoutNone))
	_, err := f.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: o.ID, To: orders.StatusCanceled, Type: orders.TypeSystem, InitiatedBy: "system",
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.SetPayoutStatus(ctx, o.ID, orders.PayoutHeld))
	hold, err := f.escrow.ActiveForOrder(ctx, o.ID)
	require.NoError(t, err)

	r, err := f.svc.RefundInFull(ctx, o.ID, "admin", "canceled after payment")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Len(t, f.gw.calls(), 1)

	ord, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, ord.Status)
	assert.Equal(t, orders.PayoutRefunded, ord.PayoutStatus)

	got, err := f.escrow.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)

	f.clk.Advance(31 * 24 * time.Hour)
	res, err := f.escrow.ReleaseMatured(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released)
	assert.Equal(t, int64(0), f.balance(t).NetCents)
}

func TestCancelFailedRefundFreesAmount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o, _ := f.settled(t, 5_000, 0)
	f.gw.errs = []error{apperr.Gateway(errors.New("card_declined"), false)}

	r, err := f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, Type: TypeFull, RequestedBy: "buyer-1"})
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, r.ID)
	require.Error(t, err)
	got, _ := f.svc.Get(ctx, r.ID)
	require.Equal(t, StatusFailed, got.Status)

	_, err = f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 1_000, RequestedBy: "buyer-1"})
	assert.ErrorIs(t, err, ErrExceedsRemaining, "failed refunds still reserve their amount")

	got, err = f.svc.Cancel(ctx, r.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)

	_, err = f.svc.Initiate(ctx, InitiateRequest{OrderID: o.ID, AmountCents: 1_000, RequestedBy: "buyer-1"})
	assert.NoError(t, err)
}
