//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/pgtx"
	"github.com/mbd888/bazaar/internal/testutil"
)

func setupPostgres(t *testing.T) (*Service, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	return NewService(store, pgtx.New(db), nil), store, cleanup
}

func TestPostgres_AppendCompleteAndBalance(t *testing.T) {
	svc, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	paymentID := idgen.New()

	sale, err := svc.AppendCompleted(ctx, AppendRequest{
		SellerID: "seller-pg", PaymentID: paymentID, Type: TypeSale, AmountCents: 10_000, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sale.Status)

	_, err = svc.AppendCompleted(ctx, AppendRequest{
		SellerID: "seller-pg", PaymentID: paymentID, Type: TypeCommission, AmountCents: 1_000, Currency: "USD",
	})
	require.NoError(t, err)

	payout, err := svc.Append(ctx, AppendRequest{
		SellerID: "seller-pg", Type: TypePayout, AmountCents: 9_000, Currency: "USD",
	})
	require.NoError(t, err)

	b, err := svc.SellerBalance(ctx, "seller-pg", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(9_000), b.NetCents)
	assert.Equal(t, int64(9_000), b.PendingPayoutCents)

	_, err = svc.Complete(ctx, payout.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, payout.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	b, err = svc.SellerBalance(ctx, "seller-pg", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.NetCents)
}

func TestPostgres_TriggerFreezesCompletedRows(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), pgtx.New(db), nil)

	sale, err := svc.AppendCompleted(ctx, AppendRequest{
		SellerID: "seller-pg", Type: TypeSale, AmountCents: 500, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE financial_ledger SET amount_cents = 1 WHERE id = $1`, sale.ID)
	assert.Error(t, err, "amount change must be rejected")

	_, err = db.ExecContext(ctx, `UPDATE financial_ledger SET status = 'pending' WHERE id = $1`, sale.ID)
	assert.Error(t, err, "completed -> pending must be rejected")

	_, err = db.ExecContext(ctx, `DELETE FROM financial_ledger WHERE id = $1`, sale.ID)
	assert.Error(t, err, "delete must be rejected")
}

func TestPostgres_PartialThenFullReversal(t *testing.T) {
	svc, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	sale, err := svc.AppendCompleted(ctx, AppendRequest{
		SellerID: "seller-pg", OrderID: idgen.New(), Type: TypeSale, AmountCents: 4_000, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = svc.ReverseAmount(ctx, sale.ID, 1_500, "partial")
	require.NoError(t, err)
	b, err := svc.SellerBalance(ctx, "seller-pg", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), b.NetCents)

	_, err = svc.ReverseAmount(ctx, sale.ID, 3_000, "too much")
	assert.ErrorIs(t, err, ErrReversalTooBig)

	_, err = svc.Reverse(ctx, sale.ID, "rest")
	require.NoError(t, err)

	orig, err := svc.Get(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, orig.Status)
	assert.Equal(t, int64(4_000), orig.AmountCents)

	b, err = svc.SellerBalance(ctx, "seller-pg", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.NetCents)
	assert.Equal(t, int64(0), b.SalesCents)

	entries, err := svc.ForOrder(ctx, sale.OrderID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPostgres_HistoryKeyset(t *testing.T) {
	svc, _, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.AppendCompleted(ctx, AppendRequest{
			SellerID: "seller-pg", Type: TypeSale, AmountCents: int64(100 + i), Currency: "USD",
		})
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, "seller-pg", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.True(t, page.HasMore)

	next, err := svc.History(ctx, "seller-pg", 2, page.NextCursor)
	require.NoError(t, err)
	assert.Len(t, next.Entries, 1)
	assert.False(t, next.HasMore)

	_, err = svc.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
