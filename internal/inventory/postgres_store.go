package inventory

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

const listingColumns = `id, seller_id, title, price_cents, currency, quantity_available, created_at, updated_at`

const reservationColumns = `id, listing_id, buyer_id, order_id, quantity_reserved, status,
	expires_at, confirmed_at, released_at, created_at`

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.SellerID, l.Title, l.PriceCents, l.Currency, l.QuantityAvailable, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

// LockListing takes a row lock on the listing for the rest of the
// transaction in ctx.
func (p *PostgresStore) LockListing(ctx context.Context, id string, fn func(ctx context.Context, l *Listing) error) error {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		return err
	}
	return fn(ctx, l)
}

func (p *PostgresStore) AdjustQuantity(ctx context.Context, id string, delta int, at time.Time) error {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE listings
		SET quantity_available = quantity_available + $2, updated_at = $3
		WHERE id = $1 AND quantity_available + $2 >= 0
	`, id, delta, at)
	if pgtx.IsInvalidText(err) {
		return ErrListingNotFound
	}
	if err != nil {
		return fmt.Errorf("adjust listing quantity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetListing(ctx, id); err != nil {
			return err
		}
		return ErrInsufficientStock
	}
	return nil
}

func (p *PostgresStore) InsertReservation(ctx context.Context, r *Reservation) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO inventory_reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.ListingID, r.BuyerID, pgtx.NullString(r.OrderID), r.Quantity, string(r.Status),
		r.ExpiresAt, pgtx.NullTime(r.ConfirmedAt), pgtx.NullTime(r.ReleasedAt), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM inventory_reservations WHERE id = $1`, id)
	return scanReservation(row)
}

func (p *PostgresStore) ListReservationsByOrder(ctx context.Context, orderID string) ([]*Reservation, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM inventory_reservations
		 WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if pgtx.IsInvalidText(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveQuantity(ctx context.Context, listingID string, now time.Time) (int, error) {
	var sum int
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_reserved), 0)
		FROM inventory_reservations
		WHERE listing_id = $1 AND status = 'active' AND expires_at > $2
	`, listingID, now).Scan(&sum)
	if pgtx.IsInvalidText(err) {
		return 0, ErrListingNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time, orderID string) (bool, error) {
	var confirmedAt, releasedAt sql.NullTime
	var order sql.NullString
	switch to {
	case StatusConfirmed:
		confirmedAt = sql.NullTime{Time: at, Valid: true}
		order = pgtx.NullString(orderID)
	case StatusReleased:
		releasedAt = sql.NullTime{Time: at, Valid: true}
	}

	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE inventory_reservations
		SET status = $3,
		    confirmed_at = COALESCE($4, confirmed_at),
		    released_at = COALESCE($5, released_at),
		    order_id = COALESCE($6::uuid, order_id)
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), confirmedAt, releasedAt, order)
	if pgtx.IsInvalidText(err) {
		return false, ErrReservationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetReservation(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) ExpireStale(ctx context.Context, listingID string, now time.Time) (int, error) {
	q := `UPDATE inventory_reservations SET status = 'expired'
		WHERE status = 'active' AND expires_at <= $1`
	args := []any{now}
	if listingID != "" {
		q += ` AND listing_id = $2`
		args = append(args, listingID)
	}
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (*Listing, error) {
	l := &Listing{}
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.PriceCents, &l.Currency,
		&l.QuantityAvailable, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	return l, nil
}

func scanReservation(row scanner) (*Reservation, error) {
	r := &Reservation{}
	var orderID sql.NullString
	var status string
	var confirmedAt, releasedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ListingID, &r.BuyerID, &orderID, &r.Quantity, &status,
		&r.ExpiresAt, &confirmedAt, &releasedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	r.OrderID = orderID.String
	r.Status = Status(status)
	r.ConfirmedAt = pgtx.TimePtr(confirmedAt)
	r.ReleasedAt = pgtx.TimePtr(releasedAt)
	return r, nil
}
