// Package syncer reconciles remote workouts into the store and records each run in the ledger.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

// Upsert inserts candidate when no row with its key exists and reports created=true. A row
// committed by another transaction between the lookup and the insert is merged instead.
// Otherwise every field except the key and creation time is copied onto the stored row and its
// mutation timestamp is set to now. The write joins tx; committing is the caller's job.
func Upsert[T any](ctx context.Context, tx store.Tx, entity *domain.Entity[T], candidate *T, now time.Time) (*T, bool, error) {
	key := entity.Key(candidate)
	if key == "" {
		return nil, false, &domain.ValidationError{Kind: entity.Kind(), Fields: []string{entity.Table().Key}}
	}

	var existing T
	found, err := tx.Lookup(ctx, key, entity.Bind(&existing))
	if err != nil {
		return nil, false, storeErr("lookup", entity.Kind(), err)
	}
	if !found {
		entity.Stamp(candidate, now)
		inserted, err := tx.InsertIfAbsent(ctx, entity.Bind(candidate))
		if err != nil {
			return nil, false, storeErr("insert", entity.Kind(), err)
		}
		if inserted {
			return candidate, true, nil
		}
		// A concurrent transaction committed the key after the lookup.
		found, err = tx.Lookup(ctx, key, entity.Bind(&existing))
		if err != nil {
			return nil, false, storeErr("lookup", entity.Kind(), err)
		}
		if !found {
			return nil, false, &domain.StoreError{Op: "lookup", Kind: entity.Kind(), Err: fmt.Errorf("%w: %s %s", domain.ErrNotFound, entity.Table().Name, key)}
		}
	}

	entity.Merge(&existing, candidate, now)
	if err := tx.Update(ctx, entity.Bind(&existing)); err != nil {
		return nil, false, storeErr("update", entity.Kind(), err)
	}
	return &existing, false, nil
}

// replaceChildren deletes every row of entity owned by workoutID and inserts rows in order.
func replaceChildren[T any](ctx context.Context, tx store.Tx, entity *domain.Entity[T], workoutID string, rows []T, now time.Time) error {
	if _, err := tx.DeleteByWorkout(ctx, entity.Table(), workoutID); err != nil {
		return storeErr("delete", entity.Kind(), err)
	}
	for i := range rows {
		entity.Stamp(&rows[i], now)
		if err := tx.Insert(ctx, entity.Bind(&rows[i])); err != nil {
			return storeErr("insert", entity.Kind(), err)
		}
	}
	return nil
}

// storeErr tags err with the failed operation. Cancellation passes through untouched.
func storeErr(op string, kind domain.Kind, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrAuthentication) {
		return err
	}
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StoreError{Op: op, Kind: kind, Err: err}
}
