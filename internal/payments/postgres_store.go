package payments

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

const paymentColumns = `id, order_id, buyer_id, seller_id, provider, provider_ref, amount_cents,
	refunded_cents, currency, status, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, pay *Payment) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, pay.ID, pay.OrderID, pay.BuyerID, pay.SellerID, pay.Provider, pay.ProviderRef, pay.AmountCents,
		pay.RefundedCents, pay.Currency, string(pay.Status), pay.CreatedAt, pay.UpdatedAt)
	if pgtx.IsUniqueViolation(err) {
		return errDuplicateRef
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (p *PostgresStore) GetByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	return scanPayment(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref))
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if pgtx.IsInvalidText(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

// Locked takes a row lock on the payment. It must run inside a transaction
// for the lock to outlive the statement.
func (p *PostgresStore) Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	var one int
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT 1 FROM payments WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return ErrPaymentNotFound
	}
	if err != nil {
		return fmt.Errorf("lock payment: %w", err)
	}
	return fn(ctx)
}

func (p *PostgresStore) AddRefunded(ctx context.Context, id string, cents int64, status Status, at time.Time) error {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE payments
		SET refunded_cents = refunded_cents + $2, status = $3, updated_at = $4
		WHERE id = $1 AND refunded_cents + $2 <= amount_cents
	`, id, cents, string(status), at)
	if pgtx.IsInvalidText(err) {
		return ErrPaymentNotFound
	}
	if err != nil {
		return fmt.Errorf("apply refund to payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrOverRefund
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	pay := &Payment{}
	var status string
	err := row.Scan(&pay.ID, &pay.OrderID, &pay.BuyerID, &pay.SellerID, &pay.Provider, &pay.ProviderRef,
		&pay.AmountCents, &pay.RefundedCents, &pay.Currency, &status, &pay.CreatedAt, &pay.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	pay.Status = Status(status)
	return pay, nil
}
