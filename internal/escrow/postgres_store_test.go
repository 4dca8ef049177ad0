//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/testutil"
)

// seedPayment inserts a listing, order and payment and returns the order and
// payment ids.
func seedPayment(t *testing.T, db *sql.DB) (string, string) {
	t.Helper()
	listingID, orderID, paymentID := idgen.New(), idgen.New(), idgen.New()
	_, err := db.Exec(`INSERT INTO listings (id, seller_id, title, price_cents, currency, quantity_available)
		VALUES ($1, 'seller-pg', 'Rug', 5000, 'USD', 1)`, listingID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders (id, buyer_id, seller_id, listing_id, quantity, status, amount_cents, currency)
		VALUES ($1, 'buyer-pg', 'seller-pg', $2, 1, 'confirmed', 5000, 'USD')`, orderID, listingID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO payments (id, order_id, buyer_id, seller_id, provider, provider_ref, amount_cents, currency, status)
		VALUES ($1, $2, 'buyer-pg', 'seller-pg', 'stripe', $3, 5000, 'USD', 'succeeded')`, paymentID, orderID, "pi_"+paymentID)
	require.NoError(t, err)
	return orderID, paymentID
}

func newPGHold(orderID, paymentID string, at time.Time) *Hold {
	return &Hold{
		ID: idgen.New(), PaymentID: paymentID, OrderID: orderID, SellerID: "seller-pg",
		AmountCents: 5_000, CommissionCents: 500, Currency: "USD", Status: StatusActive,
		HeldAt: at, ReleaseableAt: at.Add(time.Hour), UpdatedAt: at,
	}
}

func TestPostgres_HoldLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	orderID, paymentID := seedPayment(t, db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	h := newPGHold(orderID, paymentID, now)
	require.NoError(t, store.Insert(ctx, h))
	assert.ErrorIs(t, store.Insert(ctx, newPGHold(orderID, paymentID, now)), ErrActiveHoldExists)

	got, err := store.ActiveForOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)

	matured, err := store.ListMatured(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, matured)
	matured, err = store.ListMatured(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, matured, 1)

	ok, err := store.Reduce(ctx, h.ID, 3_000, 500, now)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = db.Exec(`INSERT INTO disputes (id, order_id, buyer_id, seller_id, reason, status, created_at)
		VALUES ($1, $2, 'buyer-pg', 'seller-pg', 'broken', 'open', NOW())`, idgen.New(), orderID)
	require.NoError(t, err)

	payoutID := idgen.New()
	ok, err = store.MarkReleased(ctx, h.ID, payoutID, now)
	require.NoError(t, err)
	assert.False(t, ok, "open dispute blocks release")

	_, err = db.Exec(`UPDATE disputes SET status = 'closed', resolution = 'seller_released', closed_at = NOW() WHERE order_id = $1`, orderID)
	require.NoError(t, err)
	ok, err = store.MarkReleased(ctx, h.ID, payoutID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = store.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, payoutID, got.PayoutEntryID)
	assert.Equal(t, int64(3_000), got.AmountCents)

	ok, err = store.MarkRefunded(ctx, h.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "released holds stay released")

	_, err = store.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestPostgres_LockedMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	err := NewPostgresStore(db).Locked(context.Background(), idgen.New(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestPostgres_MaturedSkipsBlockedOrders(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	disputedOrder, disputedPay := seedPayment(t, db)
	refundingOrder, refundingPay := seedPayment(t, db)
	cleanOrder, cleanPay := seedPayment(t, db)
	disputed := newPGHold(disputedOrder, disputedPay, now)
	refunding := newPGHold(refundingOrder, refundingPay, now)
	clean := newPGHold(cleanOrder, cleanPay, now.Add(time.Minute))
	for _, h := range []*Hold{disputed, refunding, clean} {
		require.NoError(t, store.Insert(ctx, h))
	}

	_, err := db.Exec(`INSERT INTO disputes (id, order_id, buyer_id, seller_id, reason, status, created_at)
		VALUES ($1, $2, 'buyer-pg', 'seller-pg', 'broken', 'open', NOW())`, idgen.New(), disputedOrder)
	require.NoError(t, err)
	refundID := idgen.New()
	_, err = db.Exec(`INSERT INTO refunds (id, order_id, payment_id, buyer_id, seller_id, amount_cents, currency,
			refund_type, refund_status, requested_by, requested_at)
		VALUES ($1, $2, $3, 'buyer-pg', 'seller-pg', 5000, 'USD', 'full', 'processing', 'admin', NOW())`,
		refundID, refundingOrder, refundingPay)
	require.NoError(t, err)

	matured, err := store.ListMatured(ctx, now.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, matured, 1, "blocked holds do not take batch slots")
	assert.Equal(t, clean.ID, matured[0].ID)

	ok, err := store.MarkReleased(ctx, refunding.ID, idgen.New(), now)
	require.NoError(t, err)
	assert.False(t, ok, "unsettled refund blocks release")

	_, err = db.Exec(`UPDATE refunds SET refund_status = 'completed', completed_at = NOW() WHERE id = $1`, refundID)
	require.NoError(t, err)
	ok, err = store.MarkReleased(ctx, refunding.ID, idgen.New(), now)
	require.NoError(t, err)
	assert.True(t, ok)
}
