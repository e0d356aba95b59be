package domain

import "time"

// Event types written to the outbox.
const (
	EventWorkoutSynced = "workout.synced"
	EventSyncCompleted = "sync.completed"
	EventSyncRequested = "sync.requested"
)

// Event is an outbox record staged inside a store transaction.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Topic         string
	PartitionKey  string
	DedupeKey     string
	Payload       any
}

// WorkoutSynced is emitted for every workout committed by a run.
type WorkoutSynced struct {
	WorkoutID         string    `json:"workout_id"`
	UserID            string    `json:"user_id"`
	RideID            string    `json:"ride_id,omitempty"`
	Status            string    `json:"status"`
	FitnessDiscipline string    `json:"fitness_discipline"`
	StartTime         time.Time `json:"start_time"`
	Created           bool      `json:"created"`
	DetailSynced      bool      `json:"detail_synced"`
	RunID             string    `json:"run_id"`
}

// SyncCompleted is emitted once the ledger entry of a run is written.
type SyncCompleted struct {
	RunID       string    `json:"run_id"`
	UserID      string    `json:"user_id"`
	Kind        RunKind   `json:"kind"`
	Status      RunStatus `json:"status"`
	Counters    Counters  `json:"counters"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
}

// SyncRequested asks a consumer to run a sync on behalf of a user.
type SyncRequested struct {
	RequestID          string    `json:"request_id" validate:"required"`
	UserID             string    `json:"user_id,omitempty"`
	Kind               RunKind   `json:"kind" validate:"omitempty,oneof=full incremental"`
	MaxWorkouts        int       `json:"max_workouts,omitempty" validate:"gte=0,lte=1000"`
	IncludePerformance *bool     `json:"include_performance,omitempty"`
	RequestedBy        string    `json:"requested_by,omitempty"`
	RequestedAt        time.Time `json:"requested_at"`
}

// Topics the outbox publishes to.
const (
	TopicWorkoutEvents = "workout_events"
	TopicSyncRuns      = "sync_runs"
	TopicSyncRequests  = "sync_requests"
)

// NewWorkoutSyncedEvent stages a workout.synced event keyed by the owning user.
func NewWorkoutSyncedEvent(e WorkoutSynced) Event {
	return Event{
		AggregateType: "workout",
		AggregateID:   e.WorkoutID,
		Type:          EventWorkoutSynced,
		Topic:         TopicWorkoutEvents,
		PartitionKey:  e.UserID,
		DedupeKey:     e.RunID + ":" + e.WorkoutID,
		Payload:       e,
	}
}

// NewSyncCompletedEvent stages a sync.completed event keyed by the user.
func NewSyncCompletedEvent(e SyncCompleted) Event {
	return Event{
		AggregateType: "sync_run",
		AggregateID:   e.RunID,
		Type:          EventSyncCompleted,
		Topic:         TopicSyncRuns,
		PartitionKey:  e.UserID,
		DedupeKey:     e.RunID + ":" + EventSyncCompleted,
		Payload:       e,
	}
}

// NewSyncRequestedEvent stages a sync.requested event keyed by the target user so requests for one
// user are consumed in order.
func NewSyncRequestedEvent(e SyncRequested) Event {
	return Event{
		AggregateType: "sync_request",
		AggregateID:   e.RequestID,
		Type:          EventSyncRequested,
		Topic:         TopicSyncRequests,
		PartitionKey:  e.UserID,
		DedupeKey:     e.RequestID + ":" + EventSyncRequested,
		Payload:       e,
	}
}
