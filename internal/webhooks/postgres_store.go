package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/bazaar/internal/pgtx"
)

// PostgresStore persists events in webhook_events.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Claim inserts the event or, on conflict, takes over a failed or stale
// pending row. The conditional DO UPDATE returns no row when the stored
// event is processed or still being worked on.
func (p *PostgresStore) Claim(ctx context.Context, ev *Event, staleBefore time.Time) (bool, Status, error) {
	q := pgtx.Conn(ctx, p.db)
	var attempts int
	err := q.QueryRowContext(ctx, `
		INSERT INTO webhook_events (event_id, provider, event_type, status, payload, attempts, received_at)
		VALUES ($1, $2, $3, 'pending', $4, 1, $5)
		ON CONFLICT (event_id) DO UPDATE
		SET status = 'pending', attempts = webhook_events.attempts + 1, error = NULL
		WHERE webhook_events.status = 'failed'
		   OR (webhook_events.status = 'pending' AND webhook_events.received_at < $6)
		RETURNING attempts
	`, ev.ID, ev.Provider, ev.Type, []byte(ev.Payload), ev.ReceivedAt, staleBefore).Scan(&attempts)
	if err == nil {
		ev.Attempts = attempts
		return true, StatusPending, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("claim webhook event: %w", err)
	}
	var status string
	if err := q.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE event_id = $1`, ev.ID).Scan(&status); err != nil {
		return false, "", fmt.Errorf("read webhook event: %w", err)
	}
	return false, Status(status), nil
}

func (p *PostgresStore) Finish(ctx context.Context, id string, status Status, errText string, at time.Time) error {
	var processedAt *time.Time
	if status == StatusProcessed {
		processedAt = &at
	}
	res, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE webhook_events SET status = $2, error = $3, processed_at = $4
		WHERE event_id = $1
	`, id, string(status), pgtx.NullString(errText), pgtx.NullTime(processedAt))
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

const eventColumns = `event_id, provider, event_type, status, payload, error, attempts, received_at, processed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(pgtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var (
		ev          Event
		status      string
		payload     []byte
		errText     sql.NullString
		processedAt sql.NullTime
	)
	if err := s.Scan(&ev.ID, &ev.Provider, &ev.Type, &status, &payload, &errText,
		&ev.Attempts, &ev.ReceivedAt, &processedAt); err != nil {
		return nil, err
	}
	ev.Status = Status(status)
	ev.Payload = payload
	ev.Error = errText.String
	ev.ProcessedAt = pgtx.TimePtr(processedAt)
	return &ev, nil
}
