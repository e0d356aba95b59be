package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

var now = time.Date(2024, time.February, 10, 9, 0, 0, 0, time.UTC)

func insert[T any](t *testing.T, tx store.Tx, entity *domain.Entity[T], rec *T) error {
	t.Helper()
	entity.Stamp(rec, now)
	return tx.Insert(context.Background(), entity.Bind(rec))
}

func TestCommitPublishesWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.WithTx(ctx, s, func(tx store.Tx) error {
		return insert(t, tx, domain.Instructors, &domain.Instructor{ID: "inst-1", Name: "Coach"})
	})
	require.NoError(t, err)

	got, ok := Find(s, domain.Instructors, "inst-1")
	require.True(t, ok)
	require.Equal(t, "Coach", got.Name)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	err := store.WithTx(context.Background(), s, func(tx store.Tx) error {
		require.NoError(t, insert(t, tx, domain.Instructors, &domain.Instructor{ID: "inst-1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, s.Count(domain.KindInstructor))
}

func TestCanceledContextNeverCommits(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithTx(ctx, s, func(tx store.Tx) error {
		if err := insert(t, tx, domain.Instructors, &domain.Instructor{ID: "inst-1"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, s.Count(domain.KindInstructor))

	// The store must be usable again after the aborted transaction.
	err = store.WithTx(context.Background(), s, func(tx store.Tx) error {
		return insert(t, tx, domain.Instructors, &domain.Instructor{ID: "inst-2"})
	})
	require.NoError(t, err)
}

func TestInsertEnforcesConstraints(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	missing := "nobody"
	err = insert(t, tx, domain.Rides, &domain.Ride{ID: "ride-1", InstructorID: &missing})
	require.ErrorIs(t, err, domain.ErrForeignKey)

	require.NoError(t, insert(t, tx, domain.Rides, &domain.Ride{ID: "ride-1"}))
	err = insert(t, tx, domain.Rides, &domain.Ride{ID: "ride-1"})
	require.ErrorIs(t, err, domain.ErrDuplicate)

	err = insert(t, tx, domain.Rides, &domain.Ride{})
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
}

func TestUpdateRequiresExistingRow(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = tx.Update(ctx, domain.Instructors.Bind(&domain.Instructor{ID: "ghost"}))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteByWorkoutRemovesOwnedRows(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.WithTx(ctx, s, func(tx store.Tx) error {
		require.NoError(t, insert(t, tx, domain.Users, &domain.User{ID: "u"}))
		for _, id := range []string{"w-1", "w-2"} {
			require.NoError(t, insert(t, tx, domain.Workouts, &domain.Workout{ID: id, UserID: "u"}))
		}
		for _, offset := range []int{0, 5, 10} {
			require.NoError(t, insert(t, tx, domain.Metrics, &domain.PerformanceMetric{WorkoutID: "w-1", Offset: offset}))
		}
		require.NoError(t, insert(t, tx, domain.Metrics, &domain.PerformanceMetric{WorkoutID: "w-2", Offset: 0}))

		removed, err := tx.DeleteByWorkout(ctx, domain.Metrics.Table(), "w-1")
		require.NoError(t, err)
		require.EqualValues(t, 3, removed)

		_, err = tx.DeleteByWorkout(ctx, domain.Rides.Table(), "w-1")
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)

	require.Empty(t, FindAll(s, domain.Metrics, "w-1"))
	require.Len(t, FindAll(s, domain.Metrics, "w-2"), 1)
}

func TestSavepointRestoresOnFailure(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.WithTx(ctx, s, func(tx store.Tx) error {
		require.NoError(t, insert(t, tx, domain.Instructors, &domain.Instructor{ID: "kept"}))
		spErr := tx.Savepoint(ctx, func(sp store.Tx) error {
			require.NoError(t, insert(t, sp, domain.Instructors, &domain.Instructor{ID: "discarded"}))
			return errors.New("nope")
		})
		require.Error(t, spErr)
		return tx.Savepoint(ctx, func(sp store.Tx) error {
			return insert(t, sp, domain.Instructors, &domain.Instructor{ID: "nested"})
		})
	})
	require.NoError(t, err)

	_, ok := Find(s, domain.Instructors, "kept")
	require.True(t, ok)
	_, ok = Find(s, domain.Instructors, "discarded")
	require.False(t, ok)
	_, ok = Find(s, domain.Instructors, "nested")
	require.True(t, ok)
}

func TestFaultInjection(t *testing.T) {
	s := New(WithFault(func(op string, table *domain.Table, _ domain.Row) error {
		if op == "insert" && table.Kind == domain.KindInstructor {
			return errors.New("injected")
		}
		return nil
	}))

	err := store.WithTx(context.Background(), s, func(tx store.Tx) error {
		return insert(t, tx, domain.Instructors, &domain.Instructor{ID: "inst-1"})
	})
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "insert", se.Op)
}

func TestFinishedTransactionIsRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	require.ErrorIs(t, tx.Rollback(ctx), ErrTxDone)
	_, err = tx.Lookup(ctx, "x", domain.Users.Bind(&domain.User{}))
	require.ErrorIs(t, err, ErrTxDone)
}

func TestCommittedValuesAreIsolatedFromCaller(t *testing.T) {
	s := New()
	name := "original"
	rec := &domain.Instructor{ID: "inst-1", Bio: &name}

	err := store.WithTx(context.Background(), s, func(tx store.Tx) error {
		return insert(t, tx, domain.Instructors, rec)
	})
	require.NoError(t, err)

	name = "mutated"
	got, ok := Find(s, domain.Instructors, "inst-1")
	require.True(t, ok)
	require.Equal(t, "original", *got.Bio)
}

func TestInsertIfAbsentKeepsExistingRow(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.WithTx(ctx, s, func(tx store.Tx) error {
		first := &domain.Instructor{ID: "inst-1", Name: "First"}
		domain.Instructors.Stamp(first, now)
		inserted, err := tx.InsertIfAbsent(ctx, domain.Instructors.Bind(first))
		require.NoError(t, err)
		require.True(t, inserted)

		second := &domain.Instructor{ID: "inst-1", Name: "Second"}
		domain.Instructors.Stamp(second, now)
		inserted, err = tx.InsertIfAbsent(ctx, domain.Instructors.Bind(second))
		require.NoError(t, err)
		require.False(t, inserted)
		return nil
	})
	require.NoError(t, err)

	got, ok := Find(s, domain.Instructors, "inst-1")
	require.True(t, ok)
	require.Equal(t, "First", got.Name)
}
