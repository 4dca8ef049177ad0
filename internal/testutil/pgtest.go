// Package testutil holds the Postgres fixture shared by integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/bazaar/migrations"
)

// PGTest connects to a migrated database and returns it with a cleanup that
// empties every application table and closes the pool:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL names the database. Without it, TESTCONTAINERS=1 starts one
// postgres container for the whole test binary; otherwise the test skips.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" && os.Getenv("TESTCONTAINERS") == "1" {
		dsn = sharedContainer(t)
	}
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrateOnce(ctx, dsn, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	return db, func() {
		if err := truncate(ctx, db); err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
		_ = db.Close()
	}
}

// Migrate applies every embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

var migrated sync.Map // dsn -> struct{}

func migrateOnce(ctx context.Context, dsn string, db *sql.DB) error {
	if _, done := migrated.Load(dsn); done {
		return nil
	}
	if err := Migrate(ctx, db); err != nil {
		return err
	}
	migrated.Store(dsn, struct{}{})
	return nil
}

var container struct {
	once sync.Once
	dsn  string
	err  error
}

// sharedContainer starts postgres once per test binary; Ryuk removes it
// when the binary exits.
func sharedContainer(t *testing.T) string {
	t.Helper()
	container.once.Do(func() {
		ctx := context.Background()
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("bazaar"),
			postgres.WithUsername("bazaar"),
			postgres.WithPassword("bazaar"),
			postgres.BasicWaitStrategies(),
			testcontainers.WithLabels(map[string]string{"app": "bazaar-tests"}),
		)
		if err != nil {
			container.err = err
			return
		}
		container.dsn, container.err = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if container.err != nil {
		t.Fatalf("pgtest: postgres container: %v", container.err)
	}
	return container.dsn
}

// truncate empties every public table except goose's version table.
func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return err
		}
		names = append(names, pq.QuoteIdentifier(n))
	}
	if err := rows.Err(); err != nil || len(names) == 0 {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(names, ", ")))
	return err
}
