// Package ledger appends immutable sync run records and answers last-success queries.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

// MaxErrorDetails caps the per-workout failures kept on a run.
const MaxErrorDetails = 25

// Entry is the input of Append.
type Entry struct {
	RunID       string
	UserID      string
	Kind        domain.RunKind
	Status      domain.RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Counters    domain.Counters
	Failures    []domain.FailureDetail
}

// Ledger records sync runs. It never updates or deletes a run.
type Ledger struct {
	store store.Store
	clock func() time.Time
}

// New constructs a Ledger.
func New(st store.Store) *Ledger {
	return &Ledger{store: st, clock: func() time.Time { return time.Now().UTC() }}
}

// Append writes one run and stages its sync.completed event in the same transaction.
func (l *Ledger) Append(ctx context.Context, e Entry) (string, error) {
	if e.UserID == "" {
		return "", fmt.Errorf("ledger: user id is required")
	}
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = domain.RunKindFull
	}
	if e.Status == "" {
		e.Status = domain.DeriveStatus(e.Counters)
	}
	now := l.clock()
	if e.CompletedAt.IsZero() {
		e.CompletedAt = now
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.CompletedAt
	}

	run := domain.SyncRun{
		ID:           e.RunID,
		UserID:       e.UserID,
		Kind:         e.Kind,
		Status:       e.Status,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		Counters:     e.Counters,
		ErrorMessage: ErrorMessage(e.Counters, e.Failures),
		ErrorDetails: capDetails(e.Failures),
		CreatedAt:    now,
	}

	completed := domain.SyncCompleted{
		RunID:       run.ID,
		UserID:      run.UserID,
		Kind:        run.Kind,
		Status:      run.Status,
		Counters:    run.Counters,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.ErrorMessage != nil {
		completed.Error = *run.ErrorMessage
	}

	err := store.WithTx(ctx, l.store, func(tx store.Tx) error {
		if err := tx.AppendRun(ctx, run); err != nil {
			return err
		}
		return tx.Enqueue(ctx, domain.NewSyncCompletedEvent(completed))
	})
	if err != nil {
		return "", fmt.Errorf("append sync run: %w", err)
	}
	return run.ID, nil
}

// LastSuccessful returns the completion time of the newest successful run of userID, or nil.
func (l *Ledger) LastSuccessful(ctx context.Context, userID string) (*time.Time, error) {
	run, err := l.store.LastSuccessfulRun(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("last successful run: %w", err)
	}
	if run == nil {
		return nil, nil
	}
	ts := run.CompletedAt
	return &ts, nil
}

// List pages through the runs of userID, newest first.
func (l *Ledger) List(ctx context.Context, userID string, cursor *domain.RunCursor, limit int) ([]domain.SyncRun, *domain.RunCursor, error) {
	return l.store.ListRuns(ctx, userID, cursor, limit)
}

// ErrorMessage summarises contained failures as a count plus the last error seen.
func ErrorMessage(c domain.Counters, failures []domain.FailureDetail) *string {
	if c.Errored == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d of %d workouts failed", c.Errored, c.Processed)
	if n := len(failures); n > 0 {
		last := failures[n-1]
		msg = fmt.Sprintf("%s; last error (workout %s): %s", msg, last.WorkoutID, last.Error)
	}
	return &msg
}

func capDetails(in []domain.FailureDetail) []domain.FailureDetail {
	if len(in) == 0 {
		return nil
	}
	if len(in) > MaxErrorDetails {
		in = in[len(in)-MaxErrorDetails:]
	}
	return append([]domain.FailureDetail(nil), in...)
}
