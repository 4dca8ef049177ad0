//go:build integration

package disputes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/testutil"
)

func TestPostgres_DisputeLevelsAndClose(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	listingID, orderID := idgen.New(), idgen.New()
	_, err := db.Exec(`INSERT INTO listings (id, seller_id, title, price_cents, currency, quantity_available)
		VALUES ($1, 'seller-pg', 'Rug', 5000, 'USD', 1)`, listingID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders (id, buyer_id, seller_id, listing_id, quantity, status, amount_cents, currency)
		VALUES ($1, 'buyer-pg', 'seller-pg', $2, 1, 'confirmed', 5000, 'USD')`, orderID, listingID)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	d := &Dispute{ID: idgen.New(), OrderID: orderID, BuyerID: "buyer-pg", SellerID: "seller-pg",
		Reason: "late", Status: StatusOpen, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Insert(ctx, d))
	assert.ErrorIs(t, store.Insert(ctx, &Dispute{ID: idgen.New(), OrderID: orderID, BuyerID: "buyer-pg",
		SellerID: "seller-pg", Reason: "dup", Status: StatusOpen, CreatedAt: now, UpdatedAt: now}), ErrDisputeExists)

	ok, err := store.RaiseLevel(ctx, d.ID, Level2, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.RaiseLevel(ctx, d.ID, Level1, now)
	require.NoError(t, err)
	assert.False(t, ok, "levels never decrease")

	open, err := store.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, Level2, open[0].Level)

	ok, err = store.Close(ctx, d.ID, ResolutionCaseClosed, "system", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Close(ctx, d.ID, ResolutionBuyerRefunded, "admin", now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.RaiseLevel(ctx, d.ID, Level3, now)
	require.NoError(t, err)
	assert.False(t, ok, "closed disputes are not escalated")

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, ResolutionCaseClosed, got.Resolution)
	require.NotNil(t, got.ClosedAt)

	_, err = store.OpenForOrder(ctx, orderID)
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}
