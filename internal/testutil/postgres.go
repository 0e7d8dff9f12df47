// ABOUTME: Test helpers that start Postgres and MongoDB testcontainers for store integration tests.
// ABOUTME: Use NewTestDB(t) or NewTestMongo(t); both skip under -short and clean up via t.Cleanup.
package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/jobrunner/internal/store"
	"github.com/scarson/jobrunner/migrations"
)

// TestDB wraps a Store backed by a migrated, throwaway Postgres database.
type TestDB struct {
	*store.Store
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by it. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("jobrunner_test"),
		tcpostgres.WithUsername("jobrunner_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if _, err := migrations.Up(connStr); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool)}
}

// Truncate removes every job so one container can serve several subtests.
func (db *TestDB) Truncate(t *testing.T) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(), "TRUNCATE jobs"); err != nil {
		t.Fatalf("truncate jobs: %v", err)
	}
}
