package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/ledger"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/mapper"
	"github.com/dwaynehoov/peloton-sync-psql/internal/observability"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

// DefaultPageSize is the listing page size requested from the remote source.
const DefaultPageSize = 100

// ErrInvalidOptions is returned for run options that cannot be honoured.
var ErrInvalidOptions = errors.New("invalid sync options")

// Options parameterise one run.
type Options struct {
	// UserID selects whose workouts are listed. Empty means the authenticated user.
	UserID             string
	MaxWorkouts        int
	IncludePerformance bool
	Kind               domain.RunKind
	// Workers bounds parallel reconciliation. Values below 2 process sequentially.
	Workers int
}

// Result summarises a finalized run.
type Result struct {
	RunID       string
	UserID      string
	Status      domain.RunStatus
	Counters    domain.Counters
	StartedAt   time.Time
	CompletedAt time.Time
}

// Orchestrator drives full sync runs.
type Orchestrator struct {
	source     peloton.Source
	store      store.Store
	ledger     *ledger.Ledger
	reconciler *Reconciler
	clock      func() time.Time
	logger     zerolog.Logger
	pageSize   int
	everyN     int
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithPageSize overrides the listing page size.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithSampleInterval sets the performance graph resolution in seconds.
func WithSampleInterval(seconds int) Option {
	return func(o *Orchestrator) {
		o.everyN = seconds
	}
}

// New constructs an Orchestrator.
func New(source peloton.Source, st store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:   source,
		store:    st,
		ledger:   ledger.New(st),
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logging.Logger(),
		pageSize: DefaultPageSize,
		everyN:   peloton.DefaultSampleInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.reconciler = NewReconciler(NewDetailFetcher(source, o.everyN, o.logger), o.clock, o.logger)
	return o
}

// Ledger exposes the run ledger backing the orchestrator.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// RunFullSync resolves the acting user, makes sure the listed user has a row, lists up to opts.MaxWorkouts workouts and reconciles each
// one in its own transaction. Workout failures are counted, not returned. Errors are returned
// only when the run cannot complete (authentication, listing, user or ledger writes,
// cancellation); in that case no ledger entry is written.
func (o *Orchestrator) RunFullSync(ctx context.Context, opts Options) (*Result, error) {
	if opts.MaxWorkouts <= 0 {
		return nil, fmt.Errorf("%w: max workouts must be positive", ErrInvalidOptions)
	}
	if opts.Kind == "" {
		opts.Kind = domain.RunKindFull
	}

	runID := uuid.NewString()
	started := o.clock()
	logger := o.logger.With().Str("run_id", runID).Logger()
	logger.Info().Int("max_workouts", opts.MaxWorkouts).Bool("include_performance", opts.IncludePerformance).Msg("sync started")

	user, err := o.syncUser(ctx)
	if err != nil {
		return nil, err
	}
	target := opts.UserID
	if target == "" {
		target = user.ID
	}
	logger = logger.With().Str("user_id", target).Logger()
	if target != user.ID {
		if err := o.ensureUser(ctx, target); err != nil {
			return nil, err
		}
	}

	payloads, err := o.list(ctx, target, opts.MaxWorkouts)
	if err != nil {
		return nil, err
	}

	counts := &tally{}
	run := runContext{runID: runID, owner: target, opts: opts, logger: logger}
	if opts.Workers > 1 {
		err = o.processParallel(ctx, payloads, run, counts)
	} else {
		err = o.processSequential(ctx, payloads, run, counts)
	}
	if err != nil {
		logger.Warn().Err(err).Int("processed", counts.counters.Processed).Msg("sync aborted")
		return nil, err
	}

	status := domain.DeriveStatus(counts.counters)
	completed := o.clock()
	if _, err := o.ledger.Append(ctx, ledger.Entry{
		RunID:       runID,
		UserID:      target,
		Kind:        opts.Kind,
		Status:      status,
		StartedAt:   started,
		CompletedAt: completed,
		Counters:    counts.counters,
		Failures:    counts.failures,
	}); err != nil {
		return nil, err
	}
	observability.RecordRun(string(status), started, completed, status == domain.RunStatusSuccess)

	c := counts.counters
	logger.Info().
		Str("status", string(status)).
		Int("processed", c.Processed).
		Int("created", c.Created).
		Int("updated", c.Updated).
		Int("errored", c.Errored).
		Dur("elapsed", completed.Sub(started)).
		Msg("sync finished")

	return &Result{
		RunID:       runID,
		UserID:      target,
		Status:      status,
		Counters:    c,
		StartedAt:   started,
		CompletedAt: completed,
	}, nil
}

func (o *Orchestrator) syncUser(ctx context.Context) (*domain.User, error) {
	payload, err := o.source.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	user, err := mapper.User(payload)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	err = store.WithTx(ctx, o.store, func(tx store.Tx) error {
		_, _, err := Upsert(ctx, tx, domain.Users, user, o.clock())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store user %s: %w", user.ID, err)
	}
	return user, nil
}

// ensureUser stores a bare row for a listed user other than the authenticated one so its
// workouts and ledger entries have a parent. An existing profile is left untouched.
func (o *Orchestrator) ensureUser(ctx context.Context, userID string) error {
	placeholder := &domain.User{ID: userID}
	domain.Users.Stamp(placeholder, o.clock())
	err := store.WithTx(ctx, o.store, func(tx store.Tx) error {
		_, err := tx.InsertIfAbsent(ctx, domain.Users.Bind(placeholder))
		return err
	})
	if err != nil {
		return fmt.Errorf("store user %s: %w", userID, err)
	}
	return nil
}

// list collects every page up to limit before any workout is processed.
func (o *Orchestrator) list(ctx context.Context, userID string, limit int) ([]peloton.WorkoutPayload, error) {
	size := o.pageSize
	if limit < size {
		size = limit
	}
	out := make([]peloton.WorkoutPayload, 0, limit)
	for page := 0; len(out) < limit; page++ {
		resp, err := o.source.ListWorkouts(ctx, peloton.ListOptions{
			UserID: userID,
			Limit:  size,
			Page:   page,
			Joins:  peloton.DefaultJoins,
		})
		if err != nil {
			return nil, fmt.Errorf("list workouts page %d: %w", page, err)
		}
		out = append(out, resp.Data...)
		if len(resp.Data) == 0 || !resp.HasNext() {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type runContext struct {
	runID  string
	owner  string
	opts   Options
	logger zerolog.Logger
}

type tally struct {
	mu       sync.Mutex
	counters domain.Counters
	failures []domain.FailureDetail
}

func (t *tally) record(workoutID string, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Processed++
	switch {
	case err != nil:
		t.counters.Errored++
		t.failures = append(t.failures, domain.FailureDetail{WorkoutID: workoutID, Error: err.Error()})
		observability.RecordWorkout("failed")
	case created:
		t.counters.Created++
		observability.RecordWorkout("created")
	default:
		t.counters.Updated++
		observability.RecordWorkout("updated")
	}
}

func (o *Orchestrator) processSequential(ctx context.Context, payloads []peloton.WorkoutPayload, run runContext, t *tally) error {
	for i := range payloads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processOne(ctx, &payloads[i], run, t); err != nil {
			return err
		}
	}
	return nil
}

// processParallel reconciles distinct workouts concurrently. Payloads sharing a workout ID are
// handled in order by a single worker.
func (o *Orchestrator) processParallel(ctx context.Context, payloads []peloton.WorkoutPayload, run runContext, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(run.opts.Workers)
	for _, group := range groupByWorkout(payloads) {
		g.Go(func() error {
			for _, idx := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := o.processOne(gctx, &payloads[idx], run, t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// processOne reconciles one payload in its own transaction. It returns an error only when the
// failure must abort the run.
func (o *Orchestrator) processOne(ctx context.Context, payload *peloton.WorkoutPayload, run runContext, t *tally) error {
	var outcome Outcome
	err := store.WithTx(ctx, o.store, func(tx store.Tx) error {
		var err error
		outcome, err = o.reconciler.Reconcile(ctx, tx, payload, ReconcileOptions{
			OwnerID:            run.owner,
			IncludePerformance: run.opts.IncludePerformance,
			RunID:              run.runID,
		})
		return err
	})
	if err != nil && !domain.IsContained(ctx, err) {
		return err
	}
	if err != nil {
		run.logger.Error().Err(err).Str("workout_id", payload.ID).Msg("workout sync failed")
	}
	t.record(payload.ID, outcome.Created, err)
	return nil
}

func groupByWorkout(payloads []peloton.WorkoutPayload) [][]int {
	groups := make([][]int, 0, len(payloads))
	index := make(map[string]int, len(payloads))
	for i, p := range payloads {
		if p.ID == "" {
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := index[p.ID]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		index[p.ID] = len(groups)
		groups = append(groups, []int{i})
	}
	return groups
}
