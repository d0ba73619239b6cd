package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"commodity-ratewatch/internal/config"
	"commodity-ratewatch/internal/storage"
	"commodity-ratewatch/internal/storage/storagetest"
)

// setupTestStore starts a PostgreSQL container and returns a migrated store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("ratewatch"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	// Re-running is a no-op.
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgresStoreConformance(t *testing.T) {
	store := setupTestStore(t)
	storagetest.Run(t, func(t *testing.T) storage.PriceStore {
		_, err := store.pool.Exec(context.Background(), `TRUNCATE commodity_rates;`)
		require.NoError(t, err)
		return store
	})
}

func TestAdvisoryLockIsExclusive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, again, "second session must not take a held lock")

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}

func TestClosedPoolIsUnavailable(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.GetLatest(context.Background(), "egg", "")
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err), "got %v", err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		unavailable bool
		notFound    bool
	}{
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, unavailable: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, unavailable: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}},
		{name: "deadline", err: context.DeadlineExceeded, unavailable: true},
		{name: "closed pool", err: errors.New("closed pool"), unavailable: true},
		{name: "no rows", err: pgx.ErrNoRows, notFound: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("op", tc.err)
			assert.Equal(t, tc.unavailable, storage.IsUnavailable(got), "got %v", got)
			assert.Equal(t, tc.notFound, errors.Is(got, storage.ErrNotFound))
		})
	}
}

func TestNilStoreIsUnavailable(t *testing.T) {
	var s *Store
	_, err := s.GetAvailableCities(context.Background(), "egg")
	assert.True(t, storage.IsUnavailable(err))
	assert.True(t, errors.Is(err, storage.ErrNotConfigured))
}
