package peloton

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/observability"
)

// BreakerSettings tunes the circuit breaker around the remote source.
type BreakerSettings struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings opens after 60% failures over at least 10 requests and probes again
// after two minutes.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:         "peloton-api",
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      2 * time.Minute,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// BreakerSource guards a Source with a circuit breaker. Authentication failures and client
// errors do not count against the breaker.
type BreakerSource struct {
	next Source
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// NewBreakerSource wraps next.
func NewBreakerSource(next Source, s BreakerSettings) *BreakerSource {
	observability.SetBreakerState(s.Name, 0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= s.FailureRatio {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_ratio", ratio).Msg("opening circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
			observability.SetBreakerState(name, stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrAuthentication) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Transient
			}
			return false
		},
	})
	return &BreakerSource{next: next, cb: cb, name: s.Name}
}

// State returns the current breaker state.
func (b *BreakerSource) State() gobreaker.State { return b.cb.State() }

// CurrentUser implements Source.
func (b *BreakerSource) CurrentUser(ctx context.Context) (*UserPayload, error) {
	return execute[UserPayload](b, func() (any, error) { return b.next.CurrentUser(ctx) })
}

// ListWorkouts implements Source.
func (b *BreakerSource) ListWorkouts(ctx context.Context, opts ListOptions) (*WorkoutPage, error) {
	return execute[WorkoutPage](b, func() (any, error) { return b.next.ListWorkouts(ctx, opts) })
}

// PerformanceGraph implements Source.
func (b *BreakerSource) PerformanceGraph(ctx context.Context, workoutID string, everyN int) (*PerformanceGraph, error) {
	return execute[PerformanceGraph](b, func() (any, error) { return b.next.PerformanceGraph(ctx, workoutID, everyN) })
}

func execute[T any](b *BreakerSource, fn func() (any, error)) (*T, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.RecordBreakerRequest(b.name, "rejected")
			return nil, &APIError{Method: "breaker", Path: b.name, Transient: true, Err: err}
		}
		observability.RecordBreakerRequest(b.name, "failure")
		return nil, err
	}
	observability.RecordBreakerRequest(b.name, "success")
	typed, _ := result.(*T)
	return typed, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
