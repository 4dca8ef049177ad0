package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pgtx"
)

// PostgresStore implements Store with PostgreSQL. Every method joins the
// transaction carried by ctx, if any.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, seller_id, order_id, payment_id, transaction_type, amount_cents,
	currency, status, related_ledger_id, reference, description, failure_reason,
	created_at, completed_at`

func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO financial_ledger (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.SellerID, pgtx.NullString(e.OrderID), pgtx.NullString(e.PaymentID),
		string(e.Type), e.AmountCents, e.Currency, string(e.Status),
		pgtx.NullString(e.RelatedLedgerID), e.Reference, e.Description,
		pgtx.NullString(e.FailureReason), e.CreatedAt, pgtx.NullTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM financial_ledger WHERE id = $1`, id)
	return scanEntry(row)
}

// Locked takes a row lock on id. It must run inside a transaction for the
// lock to outlive the statement.
func (p *PostgresStore) Locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	var one int
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT 1 FROM financial_ledger WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("lock ledger entry: %w", err)
	}
	return fn(ctx)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time, reason string) (bool, error) {
	var completedAt sql.NullTime
	if to == StatusCompleted {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}
	var failure sql.NullString
	if to == StatusFailed {
		failure = pgtx.NullString(reason)
	}

	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE financial_ledger
		SET status = $3,
		    completed_at = COALESCE($4, completed_at),
		    failure_reason = COALESCE($5, failure_reason)
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), completedAt, failure)
	if pgtx.IsInvalidText(err) {
		return false, ErrEntryNotFound
	}
	if err != nil {
		return false, fmt.Errorf("transition ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) ReversedCents(ctx context.Context, id string) (int64, error) {
	var sum int64
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ABS(amount_cents)), 0)
		FROM financial_ledger WHERE related_ledger_id = $1
	`, id).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum reversals: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int, after *pagination.Cursor) ([]*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM financial_ledger WHERE seller_id = $1`
	args := []any{sellerID}
	if after != nil {
		q += ` AND (created_at, id) < ($2, $3::uuid)`
		args = append(args, after.CreatedAt, after.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return p.query(ctx, q, args...)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Entry, error) {
	return p.query(ctx, `SELECT `+entryColumns+` FROM financial_ledger
		WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (p *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	return p.query(ctx, `SELECT `+entryColumns+` FROM financial_ledger
		WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
}

// SellerBalance sums completed rows signed by type. Fully reversed originals
// are status 'reversed' and drop out; the reversal rows that point at them
// are excluded with them.
func (p *PostgresStore) SellerBalance(ctx context.Context, sellerID, currency string) (*Balance, error) {
	b := &Balance{SellerID: sellerID, Currency: currency}
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(e.amount_cents) FILTER (WHERE e.status = 'completed' AND e.transaction_type = 'sale'), 0),
			COALESCE(SUM(e.amount_cents) FILTER (WHERE e.status = 'completed' AND e.transaction_type = 'refund'), 0),
			COALESCE(SUM(e.amount_cents) FILTER (WHERE e.status = 'completed' AND e.transaction_type = 'commission'), 0),
			COALESCE(SUM(e.amount_cents) FILTER (WHERE e.status = 'completed' AND e.transaction_type = 'payout'), 0),
			COALESCE(SUM(e.amount_cents) FILTER (WHERE e.status = 'pending' AND e.transaction_type = 'payout'), 0)
		FROM financial_ledger e
		WHERE e.seller_id = $1 AND e.currency = $2
		  AND NOT EXISTS (
			SELECT 1 FROM financial_ledger o
			WHERE o.id = e.related_ledger_id AND o.status = 'reversed')
	`, sellerID, currency).Scan(&b.SalesCents, &b.RefundCents, &b.CommissionCents, &b.PayoutCents, &b.PendingPayoutCents)
	if err != nil {
		return nil, fmt.Errorf("seller balance: %w", err)
	}
	b.finish()
	return b, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Entry, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                                   Entry
		orderID, paymentID, related, reason sql.NullString
		typ, status                         string
		completedAt                         sql.NullTime
	)
	err := row.Scan(&e.ID, &e.SellerID, &orderID, &paymentID, &typ, &e.AmountCents,
		&e.Currency, &status, &related, &e.Reference, &e.Description, &reason,
		&e.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.OrderID = orderID.String
	e.PaymentID = paymentID.String
	e.RelatedLedgerID = related.String
	e.FailureReason = reason.String
	e.Type = Type(typ)
	e.Status = Status(status)
	e.CompletedAt = pgtx.TimePtr(completedAt)
	return &e, nil
}
