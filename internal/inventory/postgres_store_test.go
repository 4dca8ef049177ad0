//go:build integration

package inventory

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/testutil"
)

func setupPostgres(t *testing.T) (*Service, *sql.DB, *clock.Manual, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	clk := clock.NewManual(time.Now().UTC().Truncate(time.Microsecond))
	svc := NewService(NewPostgresStore(db), pgtx.New(db), nil).WithClock(clk)
	return svc, db, clk, cleanup
}

func insertOrder(t *testing.T, db *sql.DB, l *Listing, qty int) string {
	t.Helper()
	id := idgen.New()
	_, err := db.Exec(`INSERT INTO orders (id, buyer_id, seller_id, listing_id, quantity, status, amount_cents, currency)
		VALUES ($1, 'buyer-pg', $2, $3, $4, 'pending', $5, $6)`,
		id, l.SellerID, l.ID, qty, l.PriceCents*int64(qty), l.Currency)
	require.NoError(t, err)
	return id
}

func TestPostgres_ConcurrentReserveNeverOversells(t *testing.T) {
	svc, _, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	l, err := svc.CreateListing(ctx, CreateListingRequest{
		SellerID: "seller-pg", Title: "Chair", PriceCents: 4_000, Currency: "USD", Quantity: 5,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, ReserveRequest{ListingID: l.ID, BuyerID: "buyer-pg", Quantity: 1})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)

	a, err := svc.Availability(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Available)
}

func TestPostgres_ConfirmReleaseExpire(t *testing.T) {
	svc, db, clk, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	l, err := svc.CreateListing(ctx, CreateListingRequest{
		SellerID: "seller-pg", Title: "Table", PriceCents: 9_000, Currency: "USD", Quantity: 4,
	})
	require.NoError(t, err)

	r, err := svc.Reserve(ctx, ReserveRequest{ListingID: l.ID, BuyerID: "buyer-pg", Quantity: 2})
	require.NoError(t, err)
	orderID := insertOrder(t, db, l, 2)

	got, err := svc.Confirm(ctx, r.ID, orderID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	_, err = svc.Confirm(ctx, r.ID, orderID)
	require.NoError(t, err)

	after, err := svc.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.QuantityAvailable)

	rel, err := svc.Reserve(ctx, ReserveRequest{ListingID: l.ID, BuyerID: "buyer-pg", Quantity: 1})
	require.NoError(t, err)
	_, err = svc.Release(ctx, rel.ID)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, ReserveRequest{ListingID: l.ID, BuyerID: "buyer-pg", Quantity: 1, TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Restock(ctx, l.ID, -3)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = svc.GetReservation(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}
