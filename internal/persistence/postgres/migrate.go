package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dwaynehoov/peloton-sync-psql/db/postgres/migrations"
)

// Migrate applies every embedded migration that has not run yet and returns the names applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	steps, err := migrations.Up()
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        name TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make([]string, 0, len(steps))
	for _, step := range steps {
		ran, err := s.applyMigration(ctx, step)
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", step.Name, err)
		}
		if ran {
			applied = append(applied, step.Name)
		}
	}
	return applied, nil
}

func (s *Store) applyMigration(ctx context.Context, step migrations.Migration) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// Serialises concurrent migrators across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('pelosync_schema_migrations'))`); err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, step.Name).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, step.SQL); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, step.Name); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
