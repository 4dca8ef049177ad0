//go:build integration

package reconciliation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/testutil"
)

func TestPostgresChecks(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	listingID, orderID, paymentID := idgen.New(), idgen.New(), idgen.New()
	exec := func(q string, args ...any) {
		t.Helper()
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}
	exec(`INSERT INTO listings (id, seller_id, title, price_cents, currency, quantity_available)
		VALUES ($1, 'seller-pg', 'Lamp', 10000, 'USD', 1)`, listingID)
	exec(`INSERT INTO orders (id, buyer_id, seller_id, listing_id, quantity, status, amount_cents, currency)
		VALUES ($1, 'buyer-pg', 'seller-pg', $2, 1, 'confirmed', 10000, 'USD')`, orderID, listingID)
	exec(`INSERT INTO payments (id, order_id, buyer_id, seller_id, provider, provider_ref, amount_cents, currency, status)
		VALUES ($1, $2, 'buyer-pg', 'seller-pg', 'sandbox', 'pi_recon', 10000, 'USD', 'succeeded')`, paymentID, orderID)
	// Released hold whose payout row is missing.
	exec(`INSERT INTO payment_holds (id, payment_id, order_id, seller_id, amount_cents, commission_cents, currency,
			hold_status, held_at, releaseable_at, released_at, payout_entry_id)
		VALUES ($1, $2, $3, 'seller-pg', 10000, 1000, 'USD', 'released', NOW(), NOW(), NOW(), $4)`,
		idgen.New(), paymentID, orderID, idgen.New())
	// A payout larger than the sale drives the balance negative.
	exec(`INSERT INTO financial_ledger (id, seller_id, order_id, payment_id, transaction_type, amount_cents, currency, status)
		VALUES ($1, 'seller-pg', $2, $3, 'sale', 10000, 'USD', 'completed')`, idgen.New(), orderID, paymentID)
	exec(`INSERT INTO financial_ledger (id, seller_id, transaction_type, amount_cents, currency, status)
		VALUES ($1, 'seller-pg', 'payout', 12000, 'USD', 'pending')`, idgen.New())

	rep, err := NewRunner(PostgresChecks(db), nil).RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Errors)

	byName := map[string]CheckResult{}
	for _, r := range rep.Results {
		byName[r.Name] = r
	}
	require.Len(t, byName[CheckReleasedHoldPayouts].Findings, 1)
	assert.Equal(t, "payout entries: 0", byName[CheckReleasedHoldPayouts].Findings[0].Detail)
	assert.Empty(t, byName[CheckHoldWithinPayment].Findings)
	assert.Empty(t, byName[CheckRefundsWithinPayment].Findings)
	require.Len(t, byName[CheckSellerBalances].Findings, 1)
	assert.Equal(t, "seller-pg/USD", byName[CheckSellerBalances].Findings[0].Subject)
	assert.Equal(t, 1, rep.Critical)
}
