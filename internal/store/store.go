// Package store defines the transactional persistence contract used by the sync engine.
package store

import (
	"context"
	"errors"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
)

// Store opens transactions and answers ledger queries.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	LastSuccessfulRun(ctx context.Context, userID string) (*domain.SyncRun, error)
	ListRuns(ctx context.Context, userID string, cursor *domain.RunCursor, limit int) ([]domain.SyncRun, *domain.RunCursor, error)
	Ping(ctx context.Context) error
}

// Tx is a unit of work. Writes become visible to other transactions only after Commit.
type Tx interface {
	// Lookup loads the row identified by key into dst. It reports false when no row exists.
	Lookup(ctx context.Context, key string, dst domain.Row) (bool, error)
	Insert(ctx context.Context, row domain.Row) error
	// InsertIfAbsent inserts row unless a row with the same key exists, reporting whether it
	// wrote. A concurrent writer's uncommitted insert of that key is waited on, not failed.
	InsertIfAbsent(ctx context.Context, row domain.Row) (bool, error)
	// Update overwrites every column of the row identified by row.Key().
	Update(ctx context.Context, row domain.Row) error
	// DeleteByWorkout removes all rows of table owned by workoutID.
	DeleteByWorkout(ctx context.Context, table *domain.Table, workoutID string) (int64, error)
	AppendRun(ctx context.Context, run domain.SyncRun) error
	Enqueue(ctx context.Context, evt domain.Event) error
	// Savepoint runs fn in a nested scope whose writes are discarded when fn fails.
	Savepoint(ctx context.Context, fn func(Tx) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithTx runs fn inside a transaction. The transaction commits only when fn succeeds and ctx is
// still live; every other exit path, panics included, rolls back.
func WithTx(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return wrap("begin", "", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit", "", err)
	}
	committed = true
	return nil
}

func wrap(op string, kind domain.Kind, err error) error {
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.StoreError{Op: op, Kind: kind, Err: err}
}
