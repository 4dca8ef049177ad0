package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bazaar/internal/pgtx"
)

// PostgresStore implements Store with PostgreSQL. Every method joins the
// transaction carried by ctx, if any.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, payment_id, order_id, seller_id, amount_cents, commission_cents, currency,
	hold_status, held_at, releaseable_at, released_at, refunded_at, payout_entry_id, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, h *Hold) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payment_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, h.ID, h.PaymentID, h.OrderID, h.SellerID, h.AmountCents, h.CommissionCents, h.Currency,
		string(h.Status), h.HeldAt, h.ReleaseableAt, pgtx.NullTime(h.ReleasedAt), pgtx.NullTime(h.RefundedAt),
		pgtx.NullString(h.PayoutEntryID), h.UpdatedAt)
	if pgtx.IsUniqueViolation(err) {
		return ErrActiveHoldExists
	}
	if err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	return scanHold(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM payment_holds WHERE id = $1`, id))
}

func (p *PostgresStore) ActiveForOrder(ctx context.Context, orderID string) (*Hold, error) {
	return scanHold(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM payment_holds WHERE order_id = $1 AND hold_status = 'active'`, orderID))
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+` FROM payment_holds
		WHERE seller_id = $1
		ORDER BY held_at DESC, id DESC
		LIMIT $2
	`, sellerID, limit)
}

func (p *PostgresStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+` FROM payment_holds
		WHERE hold_status = 'active' AND releaseable_at <= $1
		  AND `+releasable+`
		ORDER BY releaseable_at, id
		LIMIT $2
	`, now, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Hold, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Locked takes a row lock on the hold. It must run inside a transaction for
// the lock to outlive the statement.
func (p *PostgresStore) Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	var one int
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT 1 FROM payment_holds WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return ErrHoldNotFound
	}
	if err != nil {
		return fmt.Errorf("lock hold: %w", err)
	}
	return fn(ctx)
}

// releasable is true for a payment_holds row whose order has no open
// dispute and no refund waiting on the provider.
const releasable = `NOT EXISTS (
		      SELECT 1 FROM disputes d
		      WHERE d.order_id = payment_holds.order_id AND d.status = 'open')
		  AND NOT EXISTS (
		      SELECT 1 FROM refunds r
		      WHERE r.order_id = payment_holds.order_id
		        AND r.refund_status IN ('pending', 'processing'))`

// MarkReleased refuses to release while the order has an open dispute or an
// unsettled refund, so one committed after the service checked still wins.
func (p *PostgresStore) MarkReleased(ctx context.Context, id, payoutEntryID string, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE payment_holds
		SET hold_status = 'released', released_at = $2, payout_entry_id = $3, updated_at = $2
		WHERE id = $1 AND hold_status = 'active'
		  AND `+releasable+`
	`, id, at, payoutEntryID)
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE payment_holds
		SET hold_status = 'refunded', refunded_at = $2, updated_at = $2
		WHERE id = $1 AND hold_status = 'active'
	`, id, at)
}

func (p *PostgresStore) Reduce(ctx context.Context, id string, amountCents, commissionCents int64, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE payment_holds
		SET amount_cents = $2, commission_cents = $3, updated_at = $4
		WHERE id = $1 AND hold_status = 'active'
	`, id, amountCents, commissionCents, at)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, query, args...)
	if pgtx.IsInvalidText(err) {
		return false, ErrHoldNotFound
	}
	if err != nil {
		return false, fmt.Errorf("update hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(row scanner) (*Hold, error) {
	h := &Hold{}
	var (
		status             string
		released, refunded sql.NullTime
		payoutEntry        sql.NullString
	)
	err := row.Scan(&h.ID, &h.PaymentID, &h.OrderID, &h.SellerID, &h.AmountCents, &h.CommissionCents,
		&h.Currency, &status, &h.HeldAt, &h.ReleaseableAt, &released, &refunded, &payoutEntry, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan hold: %w", err)
	}
	h.Status = Status(status)
	h.ReleasedAt = pgtx.TimePtr(released)
	h.RefundedAt = pgtx.TimePtr(refunded)
	h.PayoutEntryID = payoutEntry.String
	return h, nil
}
