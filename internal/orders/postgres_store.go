package orders

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

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, listing_id, quantity, status, amount_cents, currency,
	payout_status, delivery_status, version, created_at, updated_at`

const transitionColumns = `id, order_id, from_state, to_state, transition_type, initiated_by,
	reason, validation_errors, created_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.BuyerID, o.SellerID, o.ListingID, o.Quantity, string(o.Status), o.AmountCents,
		o.Currency, string(o.PayoutStatus), string(o.DeliveryStatus), o.Version, o.CreatedAt, o.UpdatedAt)
	if pgtx.IsUniqueViolation(err) {
		return ErrInvalidOrder
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, version int, to Status, delivery DeliveryStatus, at time.Time) (bool, error) {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE orders
		SET status = $3, delivery_status = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2
	`, id, version, string(to), string(delivery), at)
	if pgtx.IsInvalidText(err) {
		return false, ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
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

func (p *PostgresStore) SetPayoutStatus(ctx context.Context, id string, status PayoutStatus, at time.Time) error {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx,
		`UPDATE orders SET payout_status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if pgtx.IsInvalidText(err) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("set payout status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) InsertTransition(ctx context.Context, t *Transition) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO order_state_transitions (`+transitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.OrderID, string(t.FromState), string(t.ToState), string(t.Type), t.InitiatedBy,
		t.Reason, pgtx.NullString(t.ValidationErrors), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, orderID string) ([]*Transition, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM order_state_transitions
		 WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		var from, to, typ string
		var verr sql.NullString
		if err := rows.Scan(&t.ID, &t.OrderID, &from, &to, &typ, &t.InitiatedBy,
			&t.Reason, &verr, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order transition: %w", err)
		}
		t.FromState, t.ToState, t.Type = Status(from), Status(to), TransitionType(typ)
		t.ValidationErrors = verr.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByParty(ctx context.Context, column, partyID string, limit int, after *pagination.Cursor) ([]*Order, error) {
	if column != "buyer_id" && column != "seller_id" {
		return nil, fmt.Errorf("list orders: unsupported column %q", column)
	}
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1` // #nosec G202 -- column is whitelisted above
	args := []any{partyID}
	if after != nil {
		q += ` AND (created_at, id) < ($2, $3::uuid)`
		args = append(args, after.CreatedAt, after.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	o := &Order{}
	var status, payout, delivery string
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ListingID, &o.Quantity, &status,
		&o.AmountCents, &o.Currency, &payout, &delivery, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = Status(status)
	o.PayoutStatus = PayoutStatus(payout)
	o.DeliveryStatus = DeliveryStatus(delivery)
	return o, nil
}
