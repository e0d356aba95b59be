package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/mapper"
	"github.com/dwaynehoov/peloton-sync-psql/internal/observability"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

// ReconcileOptions parameterise one workout reconciliation.
type ReconcileOptions struct {
	// OwnerID is assigned to workouts whose payload omits the user.
	OwnerID            string
	IncludePerformance bool
	RunID              string
}

// Outcome describes a reconciled workout.
type Outcome struct {
	WorkoutID    string
	Created      bool
	DetailSynced bool
}

// Reconciler writes one workout and everything it references inside a caller-owned transaction.
type Reconciler struct {
	details *DetailFetcher
	clock   func() time.Time
	logger  zerolog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(details *DetailFetcher, clock func() time.Time, logger zerolog.Logger) *Reconciler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{details: details, clock: clock, logger: logger}
}

// Reconcile upserts the instructor, ride and workout in that order, replaces achievements and,
// when eligible, the performance detail. Workout-level errors are returned to the caller, which
// owns rollback. Detail failures are logged and skipped.
func (r *Reconciler) Reconcile(ctx context.Context, tx store.Tx, payload *peloton.WorkoutPayload, opts ReconcileOptions) (Outcome, error) {
	comps, err := mapper.Workout(payload, opts.OwnerID)
	if err != nil {
		return Outcome{}, err
	}
	now := r.clock()
	logger := r.logger.With().Str("workout_id", comps.Workout.ID).Logger()

	if comps.Instructor != nil {
		if _, _, err := Upsert(ctx, tx, domain.Instructors, comps.Instructor, now); err != nil {
			return Outcome{}, err
		}
	}
	if comps.Ride != nil {
		if err := r.resolveInstructor(ctx, tx, comps, logger); err != nil {
			return Outcome{}, err
		}
		if _, _, err := Upsert(ctx, tx, domain.Rides, comps.Ride, now); err != nil {
			return Outcome{}, err
		}
	}

	workout, created, err := Upsert(ctx, tx, domain.Workouts, &comps.Workout, now)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{WorkoutID: workout.ID, Created: created}

	if achievements := r.details.FetchAchievements(payload); len(achievements) > 0 {
		if err := replaceChildren(ctx, tx, domain.Achievements, workout.ID, achievements, now); err != nil {
			return Outcome{}, err
		}
	}

	if opts.IncludePerformance && workout.DetailEligible() {
		synced, err := r.syncPerformance(ctx, tx, workout.ID, now, logger)
		if err != nil {
			return Outcome{}, err
		}
		out.DetailSynced = synced
	}

	evt := domain.NewWorkoutSyncedEvent(domain.WorkoutSynced{
		WorkoutID:         workout.ID,
		UserID:            workout.UserID,
		RideID:            deref(workout.RideID),
		Status:            workout.Status,
		FitnessDiscipline: workout.FitnessDiscipline,
		StartTime:         workout.StartTime,
		Created:           created,
		DetailSynced:      out.DetailSynced,
		RunID:             opts.RunID,
	})
	if err := tx.Enqueue(ctx, evt); err != nil {
		return Outcome{}, storeErr("enqueue", domain.KindWorkout, err)
	}
	return out, nil
}

// resolveInstructor clears a ride's instructor reference when the instructor is neither
// embedded nor already stored, keeping the foreign key valid.
func (r *Reconciler) resolveInstructor(ctx context.Context, tx store.Tx, comps *mapper.Components, logger zerolog.Logger) error {
	ride := comps.Ride
	if ride.InstructorID == nil || comps.Instructor != nil {
		return nil
	}
	var existing domain.Instructor
	found, err := tx.Lookup(ctx, *ride.InstructorID, domain.Instructors.Bind(&existing))
	if err != nil {
		return storeErr("lookup", domain.KindInstructor, err)
	}
	if !found {
		logger.Debug().Str("ride_id", ride.ID).Str("instructor_id", *ride.InstructorID).Msg("instructor not synced, clearing reference")
		ride.InstructorID = nil
	}
	return nil
}

// syncPerformance writes the summary and metric series inside a savepoint so that a failure
// leaves the workout's core rows intact.
func (r *Reconciler) syncPerformance(ctx context.Context, tx store.Tx, workoutID string, now time.Time, logger zerolog.Logger) (bool, error) {
	perf, err := r.details.FetchPerformance(ctx, workoutID)
	if err != nil {
		return false, err
	}
	if perf.Empty() {
		return false, nil
	}

	err = tx.Savepoint(ctx, func(sp store.Tx) error {
		if perf.Summary != nil {
			if _, _, err := Upsert(ctx, sp, domain.Summaries, perf.Summary, now); err != nil {
				return err
			}
		}
		if len(perf.Metrics) > 0 {
			return replaceChildren(ctx, sp, domain.Metrics, workoutID, perf.Metrics, now)
		}
		return nil
	})
	if err != nil {
		if !domain.IsContained(ctx, err) {
			return false, err
		}
		observability.RecordDetailFailure()
		logger.Warn().Err(err).Msg("performance detail not stored")
		return false, nil
	}
	logger.Debug().Bool("summary", perf.Summary != nil).Int("metrics", len(perf.Metrics)).Msg("performance detail stored")
	return true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
