package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store/memstore"
)

func newTestOrchestrator(src peloton.Source, st *memstore.Store, opts ...Option) *Orchestrator {
	base := []Option{WithLogger(logging.Nop()), WithClock(stepClock())}
	return New(src, st, append(base, opts...)...)
}

func TestRunFullSyncContainsWorkoutFailures(t *testing.T) {
	src := newFakeSource(
		workoutPayload("w-1"),
		workoutPayload("w-2"),
		workoutPayload(""),
		workoutPayload("w-4"),
		workoutPayload("w-5"),
	)
	st := newMemstore()
	orch := newTestOrchestrator(src, st)

	res, err := orch.RunFullSync(context.Background(), Options{MaxWorkouts: 10})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusPartial, res.Status)
	require.Equal(t, domain.Counters{Processed: 5, Created: 4, Errored: 1}, res.Counters)

	for _, id := range []string{"w-1", "w-2", "w-4", "w-5"} {
		_, ok := memstore.Find(st, domain.Workouts, id)
		require.True(t, ok, id)
	}

	runs := st.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, res.RunID, runs[0].ID)
	require.Equal(t, domain.RunStatusPartial, runs[0].Status)
	require.NotNil(t, runs[0].ErrorMessage)
	require.Contains(t, *runs[0].ErrorMessage, "1 of 5 workouts failed")
	require.Len(t, runs[0].ErrorDetails, 1)
}

func TestRunFullSyncUpdatesOnSecondRun(t *testing.T) {
	src := newFakeSource(workoutPayload("w-1"), workoutPayload("w-2"))
	st := newMemstore()
	orch := newTestOrchestrator(src, st)

	first, err := orch.RunFullSync(context.Background(), Options{MaxWorkouts: 10})
	require.NoError(t, err)
	require.Equal(t, domain.Counters{Processed: 2, Created: 2}, first.Counters)

	second, err := orch.RunFullSync(context.Background(), Options{MaxWorkouts: 10})
	require.NoError(t, err)
	require.Equal(t, domain.Counters{Processed: 2, Updated: 2}, second.Counters)
	require.Equal(t, 2, st.Count(domain.KindWorkout))
	require.Len(t, st.Runs(), 2)
}

func TestRunFullSyncEmptyListingRecordsSuccess(t *testing.T) {
	st := newMemstore()
	orch := newTestOrchestrator(newFakeSource(), st)

	res, err := orch.RunFullSync(context.Background(), Options{MaxWorkouts: 50})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSuccess, res.Status)
	require.Zero(t, res.Counters)

	runs := st.Runs()
	require.Len(t, runs, 1)
	require.Nil(t, runs[0].ErrorMessage)
	require.Equal(t, "user-1", runs[0].UserID)

	last, err := orch.Ledger().LastSuccessful(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, res.CompletedAt, *last)
}

func TestRunFullSyncLedgerIsAppendOnly(t *testing.T) {
	src := newFakeSource(workoutPayload("w-1"))
	st := newMemstore()
	orch := newTestOrchestrator(src, st)
	ctx := context.Background()

	ok, err := orch.RunFullSync(ctx, Options{MaxWorkouts: 5})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSuccess, ok.Status)

	src.workouts = []peloton.WorkoutPayload{workoutPayload("")}
	failed, err := orch.RunFullSync(ctx, Options{MaxWorkouts: 5})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusError, failed.Status)

	runs := st.Runs()
	require.Len(t, runs, 2)
	require.Equal(t, ok.RunID, runs[0].ID)
	require.Equal(t, domain.RunStatusSuccess, runs[0].Status)
	require.Equal(t, failed.RunID, runs[1].ID)

	last, err := orch.Ledger().LastSuccessful(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, ok.CompletedAt, *last)

	none, err := orch.Ledger().LastSuccessful(ctx, "someone-else")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestRunFullSyncListingFailureWritesNoLedgerEntry(t *testing.T) {
	src := newFakeSource(
		workoutPayload("w-1"), workoutPayload("w-2"), workoutPayload("w-3"),
	)
	src.listErr = &peloton.APIError{Method: "GET", Path: "/api/user/user-1/workouts", StatusCode: 500, Transient: true}
	src.listErrPage = 1
	st := newMemstore()
	orch := newTestOrchestrator(src, st, WithPageSize(2))

	res, err := orch.RunFullSync(context.Background(), Options{MaxWorkouts: 10})
	require.Error(t, err)
	require.Nil(t, res)

	var apiErr *peloton.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Empty(t, st.Runs())
	require.Zero(t, st.Count(domain.KindWorkout), "no workout is processed before listing completes")
	_, ok := memstore.Find(st, domain.Users, "user-1")
	require.True(t, ok)
}

func TestRunFullSyncAuthenticationFailureAborts(t *testing.T) {
	t.Run("current user", func(t *testing.T) {
		src := newFakeSource(workoutPayload("w-1"))
		src.userErr = fmt.Errorf("login: %w", peloton.ErrAuthentication)
		st := newMemstore()

		_, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{MaxWorkouts: 5})
		require.ErrorIs(t, err, domain.ErrAuthentication)
		require.Empty(t, st.Runs())
		require.Zero(t, st.Count(domain.KindUser))
	})

	t.Run("performance graph", func(t *testing.T) {
		src := newFakeSource(workoutPayload("w-1"), workoutPayload("w-2"))
		src.graphErr = fmt.Errorf("session expired: %w", peloton.ErrAuthentication)
		st := newMemstore()

		_, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{MaxWorkouts: 5, IncludePerformance: true})
		require.ErrorIs(t, err, domain.ErrAuthentication)
		require.Empty(t, st.Runs())
		require.Zero(t, st.Count(domain.KindWorkout))
	})
}

func TestRunFullSyncCancellationRollsBackInFlightWorkout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource(workoutPayload("w-1"), workoutPayload("w-2"), workoutPayload("w-3"))
	src.graphHook = func(hookCtx context.Context, workoutID string) error {
		if workoutID == "w-2" {
			cancel()
			return hookCtx.Err()
		}
		return nil
	}
	st := newMemstore()
	orch := newTestOrchestrator(src, st)

	_, err := orch.RunFullSync(ctx, Options{MaxWorkouts: 10, IncludePerformance: true})
	require.ErrorIs(t, err, context.Canceled)

	_, ok := memstore.Find(st, domain.Workouts, "w-1")
	require.True(t, ok)
	_, ok = memstore.Find(st, domain.Workouts, "w-2")
	require.False(t, ok)
	_, ok = memstore.Find(st, domain.Workouts, "w-3")
	require.False(t, ok)
	require.Empty(t, st.Runs())
}

func TestRunFullSyncPagination(t *testing.T) {
	workouts := make([]peloton.WorkoutPayload, 0, 5)
	for i := 1; i <= 5; i++ {
		workouts = append(workouts, workoutPayload(fmt.Sprintf("w-%d", i)))
	}

	t.Run("reads every page", func(t *testing.T) {
		src := newFakeSource(workouts...)
		st := newMemstore()

		res, err := newTestOrchestrator(src, st, WithPageSize(2)).RunFullSync(context.Background(), Options{MaxWorkouts: 10})
		require.NoError(t, err)
		require.Equal(t, 5, res.Counters.Processed)
		require.Len(t, src.listCalls, 3)
		for i, call := range src.listCalls {
			require.Equal(t, i, call.Page)
			require.Equal(t, 2, call.Limit)
			require.Equal(t, "user-1", call.UserID)
			require.Equal(t, peloton.DefaultJoins, call.Joins)
		}
	})

	t.Run("stops at the limit", func(t *testing.T) {
		src := newFakeSource(workouts...)
		st := newMemstore()

		res, err := newTestOrchestrator(src, st, WithPageSize(2)).RunFullSync(context.Background(), Options{MaxWorkouts: 3})
		require.NoError(t, err)
		require.Equal(t, 3, res.Counters.Processed)
		require.Len(t, src.listCalls, 2)
		require.Equal(t, 3, st.Count(domain.KindWorkout))
	})

	t.Run("small limit shrinks the page", func(t *testing.T) {
		src := newFakeSource(workouts...)
		st := newMemstore()

		_, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{MaxWorkouts: 1})
		require.NoError(t, err)
		require.Len(t, src.listCalls, 1)
		require.Equal(t, 1, src.listCalls[0].Limit)
	})
}

func TestRunFullSyncParallelWorkers(t *testing.T) {
	src := newFakeSource(
		workoutPayload("w-1"),
		workoutPayload("w-2"),
		workoutPayload("w-1"),
		workoutPayload("w-3"),
		workoutPayload("w-4", withoutRide),
	)
	src.graphs["w-2"] = graphWith(4, peloton.SummarySnapshot{AvgPower: float(200)})
	st := newMemstore()

	res, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{
		MaxWorkouts:        10,
		IncludePerformance: true,
		Workers:            3,
	})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSuccess, res.Status)
	require.Equal(t, domain.Counters{Processed: 5, Created: 4, Updated: 1}, res.Counters)
	require.Equal(t, 4, st.Count(domain.KindWorkout))
	require.Len(t, memstore.FindAll(st, domain.Metrics, "w-2"), 4)
}

func TestRunFullSyncTargetsRequestedUser(t *testing.T) {
	src := newFakeSource(workoutPayload("w-1", func(p *peloton.WorkoutPayload) { p.UserID = "" }))
	st := newMemstore()

	res, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{UserID: "friend-7", MaxWorkouts: 5})
	require.NoError(t, err)
	require.Equal(t, "friend-7", res.UserID)
	require.Equal(t, "friend-7", src.listCalls[0].UserID)

	friend, ok := memstore.Find(st, domain.Users, "friend-7")
	require.True(t, ok)
	require.Empty(t, friend.Username)
	require.False(t, friend.CreatedAt.IsZero())
	_, ok = memstore.Find(st, domain.Users, "user-1")
	require.True(t, ok)

	w, ok := memstore.Find(st, domain.Workouts, "w-1")
	require.True(t, ok)
	require.Equal(t, "friend-7", w.UserID)
	require.Equal(t, domain.Counters{Processed: 1, Created: 1}, res.Counters)
	require.Equal(t, "friend-7", st.Runs()[0].UserID)
}

func TestRunFullSyncKeepsStoredProfileOfRequestedUser(t *testing.T) {
	src := newFakeSource(workoutPayload("w-1", func(p *peloton.WorkoutPayload) { p.UserID = "" }))
	st := newMemstore()
	seedUser(t, st, "friend-7")

	_, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{UserID: "friend-7", MaxWorkouts: 5})
	require.NoError(t, err)

	friend, ok := memstore.Find(st, domain.Users, "friend-7")
	require.True(t, ok)
	require.Equal(t, "friend-7", friend.Username)
	require.Equal(t, baseTime.Add(-time.Hour), friend.CreatedAt)
}

func TestRunFullSyncRejectsInvalidOptions(t *testing.T) {
	st := newMemstore()
	src := newFakeSource()

	_, err := newTestOrchestrator(src, st).RunFullSync(context.Background(), Options{MaxWorkouts: 0})
	require.True(t, errors.Is(err, ErrInvalidOptions))
	require.Empty(t, src.listCalls)
	require.Empty(t, st.Runs())
}

func TestRunFullSyncStagesCompletionEvent(t *testing.T) {
	st := newMemstore()
	orch := newTestOrchestrator(newFakeSource(workoutPayload("w-1")), st)

	res, err := orch.RunFullSync(context.Background(), Options{MaxWorkouts: 5})
	require.NoError(t, err)

	events := st.Events()
	require.Len(t, events, 2)
	require.Equal(t, domain.EventWorkoutSynced, events[0].Type)
	require.Equal(t, domain.EventSyncCompleted, events[1].Type)
	completed, ok := events[1].Payload.(domain.SyncCompleted)
	require.True(t, ok)
	require.Equal(t, res.RunID, completed.RunID)
	require.Equal(t, res.Counters, completed.Counters)
}

func TestGroupByWorkout(t *testing.T) {
	groups := groupByWorkout([]peloton.WorkoutPayload{
		{ID: "a"}, {ID: "b"}, {ID: "a"}, {ID: ""}, {ID: ""}, {ID: "b"},
	})
	require.Equal(t, [][]int{{0, 2}, {1, 5}, {3}, {4}}, groups)
}
