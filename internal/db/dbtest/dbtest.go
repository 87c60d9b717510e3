// Package dbtest gives integration tests a migrated Postgres schema of their
// own. Tests using it are skipped unless TEST_DATABASE_URL is set.
package dbtest

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/db"
)

const EnvDatabaseURL = "TEST_DATABASE_URL"

// Pool creates a throwaway schema, applies the embedded migrations into it
// and returns a pool whose search_path points there. The schema is dropped
// when the test ends.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(EnvDatabaseURL)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres integration test", EnvDatabaseURL)
	}
	ctx := context.Background()

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err, "connect to test database")

	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 16
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	_, err = db.Migrate(ctx, pool, zap.NewNop())
	require.NoError(t, err, "apply migrations")
	return pool
}

// SeedUsers inserts users as (id, role) pairs.
func SeedUsers(t testing.TB, pool *pgxpool.Pool, users map[string]string) {
	t.Helper()

	for id, role := range users {
		_, err := pool.Exec(context.Background(), `
			INSERT INTO users (id, role, name, email) VALUES ($1, $2, $1, $1 || '@test.local')
		`, id, role)
		require.NoError(t, err)
	}
}
