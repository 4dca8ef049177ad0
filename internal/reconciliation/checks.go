package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
)

// Check names.
const (
	CheckReleasedHoldPayouts  = "released_hold_payouts"
	CheckHoldWithinPayment    = "hold_within_payment"
	CheckRefundsWithinPayment = "refunds_within_payment"
	CheckSellerBalances       = "seller_balances"
)

// PostgresChecks returns the settlement checks backed by db.
func PostgresChecks(db *sql.DB) []Check {
	return []Check{
		{
			Name:     CheckReleasedHoldPayouts,
			Severity: SeverityCritical,
			Run: query(db, `
				SELECT h.id::text, 'payout entries: ' || COUNT(l.id)
				FROM payment_holds h
				LEFT JOIN financial_ledger l
				  ON l.order_id = h.order_id
				 AND l.transaction_type = 'payout'
				 AND l.related_ledger_id IS NULL
				WHERE h.hold_status = 'released'
				GROUP BY h.id
				HAVING COUNT(l.id) <> 1
				LIMIT 500`),
		},
		{
			Name:     CheckHoldWithinPayment,
			Severity: SeverityCritical,
			Run: query(db, `
				SELECT h.id::text,
				       'hold ' || h.amount_cents || ' > payment ' || p.amount_cents || ' - refunded ' || p.refunded_cents
				FROM payment_holds h
				JOIN payments p ON p.id = h.payment_id
				WHERE h.hold_status = 'active'
				  AND h.amount_cents > p.amount_cents - p.refunded_cents
				LIMIT 500`),
		},
		{
			Name:     CheckRefundsWithinPayment,
			Severity: SeverityCritical,
			Run: query(db, `
				SELECT p.id::text,
				       'completed refunds ' || COALESCE(SUM(r.amount_cents), 0) ||
				       ', recorded ' || p.refunded_cents || ', paid ' || p.amount_cents
				FROM payments p
				LEFT JOIN refunds r ON r.payment_id = p.id AND r.refund_status = 'completed'
				GROUP BY p.id
				HAVING COALESCE(SUM(r.amount_cents), 0) > p.amount_cents
				    OR COALESCE(SUM(r.amount_cents), 0) <> p.refunded_cents
				LIMIT 500`),
		},
		{
			Name:     CheckSellerBalances,
			Severity: SeverityWarning,
			Run: query(db, `
				SELECT e.seller_id || '/' || e.currency, 'available ' || SUM(
					CASE
						WHEN e.status = 'completed' AND e.transaction_type = 'sale' THEN e.amount_cents
						WHEN e.status = 'completed' THEN -e.amount_cents
						WHEN e.status = 'pending' AND e.transaction_type = 'payout' THEN -e.amount_cents
						ELSE 0
					END)
				FROM financial_ledger e
				WHERE NOT EXISTS (
					SELECT 1 FROM financial_ledger o
					WHERE o.id = e.related_ledger_id AND o.status = 'reversed')
				GROUP BY e.seller_id, e.currency
				HAVING SUM(
					CASE
						WHEN e.status = 'completed' AND e.transaction_type = 'sale' THEN e.amount_cents
						WHEN e.status = 'completed' THEN -e.amount_cents
						WHEN e.status = 'pending' AND e.transaction_type = 'payout' THEN -e.amount_cents
						ELSE 0
					END) < 0
				LIMIT 500`),
		},
	}
}

// query adapts a two-column (subject, detail) statement into a check.
func query(db *sql.DB, stmt string) func(ctx context.Context) ([]Finding, error) {
	return func(ctx context.Context) ([]Finding, error) {
		rows, err := db.QueryContext(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var out []Finding
		for rows.Next() {
			var f Finding
			if err := rows.Scan(&f.Subject, &f.Detail); err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, rows.Err()
	}
}
