package domain

import "time"

// RunStatus is the terminal outcome of a sync run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// RunKind distinguishes full from incremental syncs.
type RunKind string

const (
	RunKindFull        RunKind = "full"
	RunKindIncremental RunKind = "incremental"
)

// Counters aggregates per-workout outcomes of a run.
type Counters struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Errored   int `json:"errored"`
}

// Succeeded returns the number of workouts committed during the run.
func (c Counters) Succeeded() int { return c.Created + c.Updated }

// DeriveStatus maps counters onto the run status.
func DeriveStatus(c Counters) RunStatus {
	switch {
	case c.Errored == 0:
		return RunStatusSuccess
	case c.Succeeded() > 0:
		return RunStatusPartial
	default:
		return RunStatusError
	}
}

// FailureDetail records one contained workout failure.
type FailureDetail struct {
	WorkoutID string `json:"workout_id"`
	Error     string `json:"error"`
}

// SyncRun is the immutable ledger entry written once per run.
type SyncRun struct {
	ID           string
	UserID       string
	Kind         RunKind
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	Counters     Counters
	ErrorMessage *string
	ErrorDetails []FailureDetail
	CreatedAt    time.Time
}

// RunCursor models the ledger pagination token.
type RunCursor struct {
	CompletedAt time.Time
	ID          string
}
