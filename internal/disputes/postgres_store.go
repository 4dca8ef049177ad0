package disputes

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

const disputeColumns = `id, order_id, buyer_id, seller_id, reason, status, last_escalation_level,
	resolution, resolved_by, created_at, closed_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, d *Dispute) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.OrderID, d.BuyerID, d.SellerID, d.Reason, string(d.Status), int(d.Level),
		pgtx.NullString(string(d.Resolution)), pgtx.NullString(d.ResolvedBy), d.CreatedAt,
		pgtx.NullTime(d.ClosedAt), d.UpdatedAt)
	if pgtx.IsUniqueViolation(err) {
		return ErrDisputeExists
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return scanDispute(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (p *PostgresStore) OpenForOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return scanDispute(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 AND status = 'open'`, orderID))
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RaiseLevel(ctx context.Context, id string, level Level, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE disputes SET last_escalation_level = $2, updated_at = $3
		WHERE id = $1 AND status = 'open' AND last_escalation_level < $2
	`, id, int(level), at)
}

func (p *PostgresStore) Close(ctx context.Context, id string, resolution Resolution, resolvedBy string, at time.Time) (bool, error) {
	return p.exec(ctx, `
		UPDATE disputes
		SET status = 'closed', resolution = $2, resolved_by = $3, closed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'open'
	`, id, string(resolution), resolvedBy, at)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, query, args...)
	if pgtx.IsInvalidText(err) {
		return false, ErrDisputeNotFound
	}
	if err != nil {
		return false, fmt.Errorf("update dispute: %w", err)
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

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                 string
		level                  int
		resolution, resolvedBy sql.NullString
		closedAt               sql.NullTime
	)
	err := row.Scan(&d.ID, &d.OrderID, &d.BuyerID, &d.SellerID, &d.Reason, &status, &level,
		&resolution, &resolvedBy, &d.CreatedAt, &closedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || pgtx.IsInvalidText(err) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.Status = Status(status)
	d.Level = Level(level)
	d.Resolution = Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	d.ClosedAt = pgtx.TimePtr(closedAt)
	return d, nil
}
