package syncer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/mapper"
	"github.com/dwaynehoov/peloton-sync-psql/internal/observability"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
)

// Performance is the optional detail of a completed workout.
type Performance struct {
	Summary *domain.PerformanceSummary
	Metrics []domain.PerformanceMetric
}

// Empty reports whether there is nothing to write.
func (p *Performance) Empty() bool {
	return p == nil || (p.Summary == nil && len(p.Metrics) == 0)
}

// DetailFetcher retrieves supplementary workout data. Its failures never fail the workout.
type DetailFetcher struct {
	source peloton.Source
	everyN int
	logger zerolog.Logger
}

// NewDetailFetcher constructs a DetailFetcher sampling the performance graph every everyN seconds.
func NewDetailFetcher(source peloton.Source, everyN int, logger zerolog.Logger) *DetailFetcher {
	if everyN <= 0 {
		everyN = peloton.DefaultSampleInterval
	}
	return &DetailFetcher{source: source, everyN: everyN, logger: logger}
}

// FetchPerformance returns the last summary snapshot and the full metric series of a workout.
// Fetch failures, request timeouts included, are logged and yield a nil result; the returned
// error is non-nil only when ctx is done or the platform rejected the session.
func (f *DetailFetcher) FetchPerformance(ctx context.Context, workoutID string) (*Performance, error) {
	graph, err := f.source.PerformanceGraph(ctx, workoutID, f.everyN)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !domain.IsContained(ctx, err) {
			return nil, err
		}
		f.fail(&domain.DetailFetchError{WorkoutID: workoutID, Err: err})
		return nil, nil
	}
	return &Performance{
		Summary: mapper.PerformanceSummary(workoutID, graph),
		Metrics: mapper.PerformanceMetrics(workoutID, graph),
	}, nil
}

// FetchAchievements maps the achievement templates embedded in a workout payload.
func (f *DetailFetcher) FetchAchievements(p *peloton.WorkoutPayload) []domain.Achievement {
	achievements, dropped := mapper.Achievements(p.ID, p.AchievementTemplates)
	if dropped > 0 {
		f.logger.Warn().Str("workout_id", p.ID).Int("dropped", dropped).Msg("skipped achievements without id")
	}
	return achievements
}

func (f *DetailFetcher) fail(err *domain.DetailFetchError) {
	observability.RecordDetailFailure()
	f.logger.Warn().Err(err.Err).Str("workout_id", err.WorkoutID).Msg("performance detail unavailable")
}
