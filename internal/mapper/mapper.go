// Package mapper converts remote payloads into domain records. It performs no I/O.
package mapper

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Components are the records extracted from one workout payload.
type Components struct {
	Instructor *domain.Instructor
	Ride       *domain.Ride
	Workout    domain.Workout
}

// User maps the current user profile.
func User(p *peloton.UserPayload) (*domain.User, error) {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return nil, &domain.MappingError{Kind: domain.KindUser, Reason: "missing id"}
	}
	u := &domain.User{
		ID:        p.ID,
		Username:  p.Username,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Location:  p.Location,
		Timezone:  p.Timezone,
		CreatedAt: p.CreatedAt.Time,
	}
	if err := check(domain.KindUser, u.ID, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Workout maps a workout payload and its embedded ride and instructor.
// ownerID is used when the payload does not name its user.
func Workout(p *peloton.WorkoutPayload, ownerID string) (*Components, error) {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return nil, &domain.MappingError{Kind: domain.KindWorkout, Reason: "missing id"}
	}
	out := &Components{}

	if p.Ride != nil {
		ride, instructor, err := mapRide(p.Ride)
		if err != nil {
			return nil, err
		}
		out.Ride = ride
		out.Instructor = instructor
	}

	userID := p.UserID
	if userID == "" {
		userID = ownerID
	}
	w := domain.Workout{
		ID:                        p.ID,
		UserID:                    userID,
		Name:                      p.Name,
		Status:                    p.Status,
		FitnessDiscipline:         p.FitnessDiscipline,
		WorkoutType:               p.WorkoutType,
		DeviceType:                p.DeviceType,
		DeviceTypeDisplayName:     p.DeviceTypeDisplayName,
		Platform:                  p.Platform,
		StartTime:                 p.StartTime.Time,
		EndTime:                   p.EndTime.Ptr(),
		DeviceTimeCreatedAt:       p.DeviceTimeCreatedAt.Ptr(),
		Timezone:                  p.Timezone,
		TotalWork:                 p.TotalWork,
		LeaderboardRank:           p.LeaderboardRank,
		TotalLeaderboardUsers:     p.TotalLeaderboardUsers,
		IsTotalWorkPersonalRecord: p.IsTotalWorkPersonalRecord,
		HasLeaderboardMetrics:     p.HasLeaderboardMetrics,
		HasPedalingMetrics:        p.HasPedalingMetrics,
		MetricsType:               p.MetricsType,
		FitbitID:                  p.FitbitID,
		StravaID:                  p.StravaID,
		Title:                     p.Title,
		CreatedAt:                 p.CreatedAt.Time,
	}
	if out.Ride != nil {
		id := out.Ride.ID
		w.RideID = &id
	}
	if err := check(domain.KindWorkout, w.ID, &w); err != nil {
		return nil, err
	}
	out.Workout = w
	return out, nil
}

func mapRide(p *peloton.RidePayload) (*domain.Ride, *domain.Instructor, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, nil, &domain.MappingError{Kind: domain.KindRide, Reason: "missing id"}
	}
	var instructor *domain.Instructor
	if p.Instructor != nil {
		if strings.TrimSpace(p.Instructor.ID) == "" {
			return nil, nil, &domain.MappingError{Kind: domain.KindInstructor, Reason: "missing id"}
		}
		instructor = &domain.Instructor{
			ID:        p.Instructor.ID,
			Name:      p.Instructor.Name,
			FirstName: p.Instructor.FirstName,
			LastName:  p.Instructor.LastName,
			Bio:       p.Instructor.Bio,
			ImageURL:  p.Instructor.ImageURL,
		}
	}

	r := &domain.Ride{
		ID:                           p.ID,
		Title:                        p.Title,
		Description:                  p.Description,
		InstructorID:                 nonEmpty(p.InstructorID),
		FitnessDiscipline:            p.FitnessDiscipline,
		FitnessDisciplineDisplayName: p.FitnessDisciplineDisplayName,
		Duration:                     p.Duration,
		DifficultyEstimate:           p.DifficultyEstimate,
		DifficultyRatingAvg:          p.DifficultyRatingAvg,
		DifficultyRatingCount:        p.DifficultyRatingCount,
		OverallRatingAvg:             p.OverallRatingAvg,
		OverallRatingCount:           p.OverallRatingCount,
		TotalWorkouts:                p.TotalWorkouts,
		OriginalAirTime:              p.OriginalAirTime.Ptr(),
		ScheduledStartTime:           p.ScheduledStartTime.Ptr(),
		IsArchived:                   p.IsArchived,
		IsExplicit:                   p.IsExplicit,
		Language:                     p.Language,
		Location:                     p.Location,
		ImageURL:                     p.ImageURL,
	}
	if instructor != nil {
		id := instructor.ID
		r.InstructorID = &id
	}
	return r, instructor, nil
}

// Achievements maps achievement templates. Repeated identifiers collapse onto the last entry
// and templates without an identifier are dropped and counted.
func Achievements(workoutID string, in []peloton.AchievementPayload) ([]domain.Achievement, int) {
	if len(in) == 0 {
		return nil, 0
	}
	out := make([]domain.Achievement, 0, len(in))
	index := make(map[string]int, len(in))
	dropped := 0
	for _, p := range in {
		a := domain.Achievement{
			WorkoutID:     workoutID,
			AchievementID: p.ID,
			Name:          p.Name,
			Description:   p.Description,
			Slug:          p.Slug,
			ImageURL:      p.ImageURL,
		}
		if check(domain.KindAchievement, workoutID, &a) != nil {
			dropped++
			continue
		}
		if i, seen := index[a.AchievementID]; seen {
			out[i] = a
			continue
		}
		index[a.AchievementID] = len(out)
		out = append(out, a)
	}
	return out, dropped
}

// PerformanceSummary maps the last summary snapshot. It returns nil when the graph has none.
func PerformanceSummary(workoutID string, g *peloton.PerformanceGraph) *domain.PerformanceSummary {
	if g == nil || len(g.Summaries) == 0 {
		return nil
	}
	last := g.Summaries[len(g.Summaries)-1]
	return &domain.PerformanceSummary{
		WorkoutID:     workoutID,
		AvgCadence:    last.AvgCadence,
		MaxCadence:    last.MaxCadence,
		AvgHeartRate:  last.AvgHeartRate,
		MaxHeartRate:  last.MaxHeartRate,
		AvgPower:      last.AvgPower,
		MaxPower:      last.MaxPower,
		AvgResistance: last.AvgResistance,
		MaxResistance: last.MaxResistance,
		AvgSpeed:      last.AvgSpeed,
		MaxSpeed:      last.MaxSpeed,
		TotalWork:     last.TotalWork,
		Calories:      last.Calories,
		Distance:      last.Distance,
	}
}

// PerformanceMetrics maps the time series in source order. A repeated offset keeps its first
// position and the values of its last sample.
func PerformanceMetrics(workoutID string, g *peloton.PerformanceGraph) []domain.PerformanceMetric {
	if g == nil || len(g.Metrics) == 0 {
		return nil
	}
	out := make([]domain.PerformanceMetric, 0, len(g.Metrics))
	index := make(map[int]int, len(g.Metrics))
	for _, s := range g.Metrics {
		m := domain.PerformanceMetric{
			WorkoutID:  workoutID,
			Offset:     s.SecondsSincePedalingStart,
			Cadence:    s.Cadence,
			HeartRate:  s.HeartRate,
			Power:      s.Power,
			Resistance: s.Resistance,
			Speed:      s.Speed,
		}
		if i, seen := index[m.Offset]; seen {
			out[i] = m
			continue
		}
		index[m.Offset] = len(out)
		out = append(out, m)
	}
	return out
}

func check(kind domain.Kind, key string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &domain.MappingError{Kind: kind, Reason: err.Error()}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return &domain.ValidationError{Kind: kind, Key: key, Fields: fields}
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}
