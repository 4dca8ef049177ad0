// Package pgtx carries a database transaction through a context so that
// stores owned by different packages can join one unit of work.
package pgtx

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
)

type txKey struct{}

// txState is what a context carries while a transaction is open.
type txState struct {
	tx    *sql.Tx
	mu    sync.Mutex
	hooks []func()
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Runner starts units of work. Memory-backed services use NopRunner.
type Runner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DB runs fn inside a read-committed transaction on db.
type DB struct {
	db *sql.DB
}

// New wraps db as a Runner.
func New(db *sql.DB) *DB {
	return &DB{db: db}
}

// WithTx joins the transaction already in ctx, or begins one, commits it if
// fn succeeds and rolls it back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if FromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	st := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.runHooks()
	return nil
}

func (st *txState) runHooks() {
	st.mu.Lock()
	hooks := st.hooks
	st.hooks = nil
	st.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// AfterCommit defers fn until the transaction in ctx commits. It is dropped
// on rollback. Without a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	st, _ := ctx.Value(txKey{}).(*txState)
	if st == nil {
		fn()
		return
	}
	st.mu.Lock()
	st.hooks = append(st.hooks, fn)
	st.mu.Unlock()
}

// NopRunner calls fn directly. Memory stores serialize with their own locks.
// AfterCommit hooks registered inside fn run only if fn succeeds.
type NopRunner struct{}

func (NopRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}
	st := &txState{}
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		return err
	}
	st.runHooks()
	return nil
}

// FromContext returns the transaction carried by ctx, if any.
func FromContext(ctx context.Context) *sql.Tx {
	st, _ := ctx.Value(txKey{}).(*txState)
	if st == nil {
		return nil
	}
	return st.tx
}

// Conn returns the transaction in ctx, falling back to db.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx := FromContext(ctx); tx != nil {
		return tx
	}
	return db
}

// IsUniqueViolation reports a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

// IsSerializationFailure reports 40001/40P01, both safe to retry.
func IsSerializationFailure(err error) bool {
	return hasCode(err, "40001") || hasCode(err, "40P01")
}

// IsInvalidText reports invalid_text_representation (22P02), e.g. a malformed uuid.
func IsInvalidText(err error) bool {
	return hasCode(err, "22P02")
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime maps nil to NULL.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// TimePtr converts a scanned NullTime back to *time.Time.
func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
