// Package domain defines the records synchronized from the remote fitness platform.
package domain

import "time"

// Kind identifies a stored entity kind.
type Kind string

const (
	KindUser        Kind = "user"
	KindInstructor  Kind = "instructor"
	KindRide        Kind = "ride"
	KindWorkout     Kind = "workout"
	KindSummary     Kind = "performance_summary"
	KindMetric      Kind = "performance_metric"
	KindAchievement Kind = "achievement"
)

// Workout status and discipline values are remote-defined and kept as open strings.
// Only the values the sync engine branches on are named here.
const (
	StatusComplete    = "COMPLETE"
	DisciplineCycling = "cycling"
)

// User is the account that owns synchronized workouts.
type User struct {
	ID        string `validate:"required"`
	Username  string
	Email     *string
	FirstName *string
	LastName  *string
	Location  *string
	Timezone  *string
	CreatedAt time.Time `validate:"required"`
	UpdatedAt time.Time
}

// Instructor leads rides. Instructors are never deleted by a sync.
type Instructor struct {
	ID        string `validate:"required"`
	Name      string
	FirstName *string
	LastName  *string
	Bio       *string
	ImageURL  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ride is a class template a workout may be taken against.
type Ride struct {
	ID                           string `validate:"required"`
	Title                        string
	Description                  *string
	InstructorID                 *string
	FitnessDiscipline            string
	FitnessDisciplineDisplayName *string
	Duration                     *int
	DifficultyEstimate           *float64
	DifficultyRatingAvg          *float64
	DifficultyRatingCount        *int
	OverallRatingAvg             *float64
	OverallRatingCount           *int
	TotalWorkouts                *int
	OriginalAirTime              *time.Time
	ScheduledStartTime           *time.Time
	IsArchived                   bool
	IsExplicit                   bool
	Language                     *string
	Location                     *string
	ImageURL                     *string
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// Workout is a single session completed (or in progress) by a user. Status and
// FitnessDiscipline are open sets and may be empty.
type Workout struct {
	ID                        string `validate:"required"`
	UserID                    string `validate:"required"`
	RideID                    *string
	Name                      *string
	Status                    string
	FitnessDiscipline         string
	WorkoutType               *string
	DeviceType                *string
	DeviceTypeDisplayName     *string
	Platform                  *string
	StartTime                 time.Time `validate:"required"`
	EndTime                   *time.Time
	DeviceTimeCreatedAt       *time.Time
	Timezone                  *string
	TotalWork                 *float64
	LeaderboardRank           *int
	TotalLeaderboardUsers     *int
	IsTotalWorkPersonalRecord bool
	HasLeaderboardMetrics     bool
	HasPedalingMetrics        bool
	MetricsType               *string
	FitbitID                  *string
	StravaID                  *string
	Title                     *string
	CreatedAt                 time.Time `validate:"required"`
	UpdatedAt                 time.Time
}

// DetailEligible reports whether performance detail may be fetched for the workout.
func (w Workout) DetailEligible() bool {
	return w.Status == StatusComplete && w.HasPedalingMetrics
}

// PerformanceSummary holds the aggregate figures of a completed workout.
type PerformanceSummary struct {
	WorkoutID     string `validate:"required"`
	AvgCadence    *float64
	MaxCadence    *float64
	AvgHeartRate  *float64
	MaxHeartRate  *float64
	AvgPower      *float64
	MaxPower      *float64
	AvgResistance *float64
	MaxResistance *float64
	AvgSpeed      *float64
	MaxSpeed      *float64
	TotalWork     *float64
	Calories      *float64
	Distance      *float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PerformanceMetric is one sample of the workout time series.
type PerformanceMetric struct {
	WorkoutID  string `validate:"required"`
	Offset     int
	Cadence    *float64
	HeartRate  *float64
	Power      *float64
	Resistance *float64
	Speed      *float64
	CreatedAt  time.Time
}

// Achievement is a badge earned during a workout.
type Achievement struct {
	WorkoutID     string `validate:"required"`
	AchievementID string `validate:"required"`
	Name          string
	Description   *string
	Slug          *string
	ImageURL      *string
	CreatedAt     time.Time
}
