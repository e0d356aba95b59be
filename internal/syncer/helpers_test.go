package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store/memstore"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu sync.Mutex

	user     *peloton.UserPayload
	userErr  error
	workouts []peloton.WorkoutPayload
	listErr  error
	// listErrPage fails only the given page when listErr is set. -1 fails every page.
	listErrPage int
	graphs      map[string]*peloton.PerformanceGraph
	graphErr    error
	graphHook   func(ctx context.Context, workoutID string) error

	listCalls  []peloton.ListOptions
	graphCalls []string
}

func newFakeSource(workouts ...peloton.WorkoutPayload) *fakeSource {
	return &fakeSource{
		user: &peloton.UserPayload{
			ID:        "user-1",
			Username:  "spinner",
			CreatedAt: peloton.Timestamp{Time: baseTime.Add(-365 * 24 * time.Hour)},
		},
		workouts:    workouts,
		listErrPage: -1,
		graphs:      map[string]*peloton.PerformanceGraph{},
	}
}

func (f *fakeSource) CurrentUser(context.Context) (*peloton.UserPayload, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	u := *f.user
	return &u, nil
}

func (f *fakeSource) ListWorkouts(_ context.Context, opts peloton.ListOptions) (*peloton.WorkoutPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	if f.listErr != nil && (f.listErrPage < 0 || f.listErrPage == opts.Page) {
		return nil, f.listErr
	}
	start := opts.Page * opts.Limit
	if start > len(f.workouts) {
		start = len(f.workouts)
	}
	end := start + opts.Limit
	if end > len(f.workouts) {
		end = len(f.workouts)
	}
	data := make([]peloton.WorkoutPayload, end-start)
	copy(data, f.workouts[start:end])
	return &peloton.WorkoutPage{
		Data:     data,
		Page:     opts.Page,
		Limit:    opts.Limit,
		Total:    len(f.workouts),
		ShowNext: end < len(f.workouts),
	}, nil
}

func (f *fakeSource) PerformanceGraph(ctx context.Context, workoutID string, _ int) (*peloton.PerformanceGraph, error) {
	f.mu.Lock()
	f.graphCalls = append(f.graphCalls, workoutID)
	hook := f.graphHook
	graph, err := f.graphs[workoutID], f.graphErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, workoutID); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return &peloton.PerformanceGraph{}, nil
	}
	return graph, nil
}

func (f *fakeSource) graphCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.graphCalls)
}

func workoutPayload(id string, mods ...func(*peloton.WorkoutPayload)) peloton.WorkoutPayload {
	p := peloton.WorkoutPayload{
		ID:                 id,
		UserID:             "user-1",
		Status:             domain.StatusComplete,
		FitnessDiscipline:  domain.DisciplineCycling,
		StartTime:          peloton.Timestamp{Time: baseTime},
		CreatedAt:          peloton.Timestamp{Time: baseTime},
		HasPedalingMetrics: true,
		Ride: &peloton.RidePayload{
			ID:                "ride-" + id,
			Title:             "30 min Climb Ride",
			FitnessDiscipline: domain.DisciplineCycling,
			Instructor: &peloton.InstructorPayload{
				ID:   "inst-1",
				Name: "Coach One",
			},
		},
	}
	for _, mod := range mods {
		mod(&p)
	}
	return p
}

func withoutRide(p *peloton.WorkoutPayload) { p.Ride = nil }

func withoutPedaling(p *peloton.WorkoutPayload) { p.HasPedalingMetrics = false }

func withAchievements(ids ...string) func(*peloton.WorkoutPayload) {
	return func(p *peloton.WorkoutPayload) {
		p.AchievementTemplates = nil
		for _, id := range ids {
			p.AchievementTemplates = append(p.AchievementTemplates, peloton.AchievementPayload{ID: id, Name: "Badge " + id})
		}
	}
}

func graphWith(samples int, summaries ...peloton.SummarySnapshot) *peloton.PerformanceGraph {
	g := &peloton.PerformanceGraph{Summaries: summaries}
	for i := 0; i < samples; i++ {
		cadence := float64(80 + i)
		g.Metrics = append(g.Metrics, peloton.MetricSample{SecondsSincePedalingStart: i * 5, Cadence: &cadence})
	}
	return g
}

func float(v float64) *float64 { return &v }

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := baseTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestReconciler(src peloton.Source, clock func() time.Time) *Reconciler {
	logger := logging.Nop()
	return NewReconciler(NewDetailFetcher(src, 5, logger), clock, logger)
}

func seedUser(t *testing.T, st store.Store, id string) {
	t.Helper()
	err := store.WithTx(context.Background(), st, func(tx store.Tx) error {
		_, _, err := Upsert(context.Background(), tx, domain.Users, &domain.User{
			ID:        id,
			Username:  id,
			CreatedAt: baseTime.Add(-time.Hour),
		}, baseTime)
		return err
	})
	require.NoError(t, err)
}

func reconcile(t *testing.T, st store.Store, rec *Reconciler, p peloton.WorkoutPayload, include bool) (Outcome, error) {
	t.Helper()
	var out Outcome
	err := store.WithTx(context.Background(), st, func(tx store.Tx) error {
		var err error
		out, err = rec.Reconcile(context.Background(), tx, &p, ReconcileOptions{
			OwnerID:            "user-1",
			IncludePerformance: include,
			RunID:              "run-test",
		})
		return err
	})
	return out, err
}

// recordingStore logs the kind of every insert in commit order.
type recordingStore struct {
	store.Store
	mu      sync.Mutex
	inserts []domain.Kind
}

func (r *recordingStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := r.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingTx{Tx: tx, parent: r}, nil
}

type recordingTx struct {
	store.Tx
	parent *recordingStore
}

func (r *recordingTx) Insert(ctx context.Context, row domain.Row) error {
	if err := r.Tx.Insert(ctx, row); err != nil {
		return err
	}
	r.parent.mu.Lock()
	r.parent.inserts = append(r.parent.inserts, row.Table().Kind)
	r.parent.mu.Unlock()
	return nil
}

func newMemstore(opts ...memstore.Option) *memstore.Store {
	return memstore.New(opts...)
}
