package refunds

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

const refundColumns = `id, order_id, payment_id, buyer_id, seller_id, amount_cents, currency,
	refund_type, refund_status, reason, requested_by, provider_ref, last_error, attempts,
	requested_at, processed_at, completed_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, r *Refund) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, r.ID, r.OrderID, r.PaymentID, r.BuyerID, r.SellerID, r.AmountCents, r.Currency,
		string(r.Type), string(r.Status), r.Reason, r.RequestedBy, pgtx.NullString(r.ProviderRef),
		pgtx.NullString(r.LastError), r.Attempts, r.RequestedAt, pgtx.NullTime(r.ProcessedAt),
		pgtx.NullTime(r.CompletedAt), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Refund, error) {
	return scanRefund(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY requested_at, id`, orderID)
	if pgtx.IsInvalidText(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InFlightCents(ctx context.Context, paymentID string) (int64, error) {
	var sum int64
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM refunds
		WHERE payment_id = $1 AND refund_status IN ('pending', 'processing', 'failed')
	`, paymentID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum in-flight refunds: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) Claim(ctx context.Context, id string, at time.Time) (int, bool, error) {
	var n int
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		UPDATE refunds
		SET refund_status = 'processing', attempts = attempts + 1, processed_at = $2, updated_at = $2
		WHERE id = $1 AND refund_status IN ('pending', 'failed')
		RETURNING attempts
	`, id, at).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := p.Get(ctx, id); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	if pgtx.IsInvalidText(err) {
		return 0, false, ErrRefundNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim refund: %w", err)
	}
	return n, true, nil
}

func (p *PostgresStore) SetProviderRef(ctx context.Context, id, providerRef string, at time.Time) error {
	_, err := p.exec(ctx, `UPDATE refunds SET provider_ref = $2, updated_at = $3 WHERE id = $1`,
		id, providerRef, at)
	return err
}

func (p *PostgresStore) Complete(ctx context.Context, id, providerRef string, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE refunds
		SET refund_status = 'completed', provider_ref = COALESCE(NULLIF($2, ''), provider_ref),
		    last_error = NULL, completed_at = $3, updated_at = $3
		WHERE id = $1 AND refund_status = 'processing'
	`, id, providerRef, at)
}

func (p *PostgresStore) Fail(ctx context.Context, id, lastError string, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE refunds SET refund_status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND refund_status = 'processing'
	`, id, lastError, at)
}

func (p *PostgresStore) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE refunds SET refund_status = 'canceled', updated_at = $2
		WHERE id = $1 AND refund_status IN ('pending', 'failed')
	`, id, at)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, query, args...)
	if pgtx.IsInvalidText(err) {
		return false, ErrRefundNotFound
	}
	if err != nil {
		return false, fmt.Errorf("update refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) InsertAttempt(ctx context.Context, a *Attempt) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO refund_attempts (id, refund_id, attempt_no, status, idempotency_key, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.RefundID, a.AttemptNo, string(a.Status), a.IdempotencyKey, pgtx.NullString(a.Error),
		a.StartedAt, pgtx.NullTime(a.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert refund attempt: %w", err)
	}
	return nil
}

func (p *PostgresStore) FinishAttempt(ctx context.Context, id string, status AttemptStatus, errText string, at time.Time) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE refund_attempts SET status = $2, error = $3, finished_at = $4 WHERE id = $1
	`, id, string(status), pgtx.NullString(errText), at)
	if err != nil {
		return fmt.Errorf("finish refund attempt: %w", err)
	}
	return nil
}

func (p *PostgresStore) Attempts(ctx context.Context, refundID string) ([]*Attempt, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, refund_id, attempt_no, status, idempotency_key, error, started_at, finished_at
		FROM refund_attempts WHERE refund_id = $1 ORDER BY attempt_no
	`, refundID)
	if pgtx.IsInvalidText(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refund attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var (
			status   string
			errText  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.RefundID, &a.AttemptNo, &status, &a.IdempotencyKey,
			&errText, &a.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan refund attempt: %w", err)
		}
		a.Status = AttemptStatus(status)
		a.Error = errText.String
		a.FinishedAt = pgtx.TimePtr(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRefund(row scanner) (*Refund, error) {
	r := &Refund{}
	var (
		typ, status              string
		providerRef, lastError   sql.NullString
		processedAt, completedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OrderID, &r.PaymentID, &r.BuyerID, &r.SellerID, &r.AmountCents, &r.Currency,
		&typ, &status, &r.Reason, &r.RequestedBy, &providerRef, &lastError, &r.Attempts,
		&r.RequestedAt, &processedAt, &completedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan refund: %w", err)
	}
	r.Type = Type(typ)
	r.Status = Status(status)
	r.ProviderRef = providerRef.String
	r.LastError = lastError.String
	r.ProcessedAt = pgtx.TimePtr(processedAt)
	r.CompletedAt = pgtx.TimePtr(completedAt)
	return r, nil
}
