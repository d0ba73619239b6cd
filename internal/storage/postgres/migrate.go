package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	ensureMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT        PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`
	migrationAppliedSQL = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1);`
	recordMigrationSQL  = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING;`
)

// Migrate applies embedded migrations that have not run yet, in file order.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	if _, err := pool.Exec(ctx, ensureMigrationsTableSQL); err != nil {
		return classify("ensure schema_migrations", err)
	}

	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")

		var applied bool
		if err := pool.QueryRow(ctx, migrationAppliedSQL, version).Scan(&applied); err != nil {
			return classify("check migration "+version, err)
		}
		if applied {
			continue
		}

		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return classify("begin migration "+version, err)
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			return classify("apply migration "+version, err)
		}
		if _, err := tx.Exec(ctx, recordMigrationSQL, version); err != nil {
			_ = tx.Rollback(ctx)
			return classify("record migration "+version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify("commit migration "+version, err)
		}
	}
	return nil
}
