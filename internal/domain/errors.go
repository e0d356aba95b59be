package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrForeignKey is returned when a write references a missing parent row.
	ErrForeignKey = errors.New("foreign key violation")
	// ErrAuthentication is returned when the remote platform rejects the credentials.
	ErrAuthentication = errors.New("authentication failed")
)

// ValidationError reports a record that violates a not-null or range constraint.
type ValidationError struct {
	Kind   Kind
	Key    string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Kind, e.Key, e.Fields)
}

// MappingError reports a payload that could not be converted into a record.
type MappingError struct {
	Kind   Kind
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map %s: %s", e.Kind, e.Reason)
}

// StoreError wraps a failed store operation.
type StoreError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// DetailFetchError reports a failed retrieval of optional workout detail.
type DetailFetchError struct {
	WorkoutID string
	Err       error
}

func (e *DetailFetchError) Error() string {
	return fmt.Sprintf("fetch detail for workout %s: %v", e.WorkoutID, e.Err)
}

func (e *DetailFetchError) Unwrap() error { return e.Err }

// IsContained reports whether a workout-level error may be absorbed into the run counters.
// Authentication failures always escape. Cancellation and deadline errors escape only once ctx
// itself is done; a timeout local to one remote call or statement stays with its workout.
func IsContained(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAuthentication):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ctx.Err() == nil
	}
	return true
}
