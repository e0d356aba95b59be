// Package peloton is the client for the remote fitness platform API.
package peloton

import "context"

// DefaultJoins requests the embedded ride and its instructor with every workout.
const DefaultJoins = "ride,ride.instructor"

// DefaultSampleInterval is the performance graph resolution in seconds.
const DefaultSampleInterval = 5

// ListOptions selects one page of the workout listing.
type ListOptions struct {
	UserID string
	Limit  int
	Page   int
	Joins  string
}

// Source is the remote data the sync engine consumes.
type Source interface {
	CurrentUser(ctx context.Context) (*UserPayload, error)
	ListWorkouts(ctx context.Context, opts ListOptions) (*WorkoutPage, error)
	PerformanceGraph(ctx context.Context, workoutID string, everyN int) (*PerformanceGraph, error)
}

var (
	_ Source = (*Client)(nil)
	_ Source = (*BreakerSource)(nil)
)
