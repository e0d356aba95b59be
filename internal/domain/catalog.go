package domain

import (
	"strconv"
	"time"
)

// Entity descriptions for every synchronized table.
var (
	Users = NewEntity(Table{Kind: KindUser, Name: "users", Key: "id"},
		NewField("id", func(u *User) *string { return &u.ID }),
		NewField("username", func(u *User) *string { return &u.Username }),
		NewField("email", func(u *User) **string { return &u.Email }),
		NewField("first_name", func(u *User) **string { return &u.FirstName }),
		NewField("last_name", func(u *User) **string { return &u.LastName }),
		NewField("location", func(u *User) **string { return &u.Location }),
		NewField("timezone", func(u *User) **string { return &u.Timezone }),
		NewField("created_at", func(u *User) *time.Time { return &u.CreatedAt }),
		NewField("updated_at", func(u *User) *time.Time { return &u.UpdatedAt }),
	).WithTimestamps("created_at",
		func(u *User) *time.Time { return &u.CreatedAt },
		func(u *User) *time.Time { return &u.UpdatedAt })

	Instructors = NewEntity(Table{Kind: KindInstructor, Name: "instructors", Key: "id"},
		NewField("id", func(i *Instructor) *string { return &i.ID }),
		NewField("name", func(i *Instructor) *string { return &i.Name }),
		NewField("first_name", func(i *Instructor) **string { return &i.FirstName }),
		NewField("last_name", func(i *Instructor) **string { return &i.LastName }),
		NewField("bio", func(i *Instructor) **string { return &i.Bio }),
		NewField("image_url", func(i *Instructor) **string { return &i.ImageURL }),
		NewField("created_at", func(i *Instructor) *time.Time { return &i.CreatedAt }),
		NewField("updated_at", func(i *Instructor) *time.Time { return &i.UpdatedAt }),
	).WithTimestamps("created_at",
		func(i *Instructor) *time.Time { return &i.CreatedAt },
		func(i *Instructor) *time.Time { return &i.UpdatedAt })

	Rides = NewEntity(Table{
		Kind: KindRide, Name: "rides", Key: "id",
		References: []Reference{{Column: "instructor_id", Kind: KindInstructor}},
	},
		NewField("id", func(r *Ride) *string { return &r.ID }),
		NewField("title", func(r *Ride) *string { return &r.Title }),
		NewField("description", func(r *Ride) **string { return &r.Description }),
		NewField("instructor_id", func(r *Ride) **string { return &r.InstructorID }),
		NewField("fitness_discipline", func(r *Ride) *string { return &r.FitnessDiscipline }),
		NewField("fitness_discipline_display_name", func(r *Ride) **string { return &r.FitnessDisciplineDisplayName }),
		NewField("duration", func(r *Ride) **int { return &r.Duration }),
		NewField("difficulty_estimate", func(r *Ride) **float64 { return &r.DifficultyEstimate }),
		NewField("difficulty_rating_avg", func(r *Ride) **float64 { return &r.DifficultyRatingAvg }),
		NewField("difficulty_rating_count", func(r *Ride) **int { return &r.DifficultyRatingCount }),
		NewField("overall_rating_avg", func(r *Ride) **float64 { return &r.OverallRatingAvg }),
		NewField("overall_rating_count", func(r *Ride) **int { return &r.OverallRatingCount }),
		NewField("total_workouts", func(r *Ride) **int { return &r.TotalWorkouts }),
		NewField("original_air_time", func(r *Ride) **time.Time { return &r.OriginalAirTime }),
		NewField("scheduled_start_time", func(r *Ride) **time.Time { return &r.ScheduledStartTime }),
		NewField("is_archived", func(r *Ride) *bool { return &r.IsArchived }),
		NewField("is_explicit", func(r *Ride) *bool { return &r.IsExplicit }),
		NewField("language", func(r *Ride) **string { return &r.Language }),
		NewField("location", func(r *Ride) **string { return &r.Location }),
		NewField("image_url", func(r *Ride) **string { return &r.ImageURL }),
		NewField("created_at", func(r *Ride) *time.Time { return &r.CreatedAt }),
		NewField("updated_at", func(r *Ride) *time.Time { return &r.UpdatedAt }),
	).WithTimestamps("created_at",
		func(r *Ride) *time.Time { return &r.CreatedAt },
		func(r *Ride) *time.Time { return &r.UpdatedAt })

	Workouts = NewEntity(Table{
		Kind: KindWorkout, Name: "workouts", Key: "id",
		References: []Reference{
			{Column: "user_id", Kind: KindUser},
			{Column: "ride_id", Kind: KindRide},
		},
	},
		NewField("id", func(w *Workout) *string { return &w.ID }),
		NewField("user_id", func(w *Workout) *string { return &w.UserID }),
		NewField("ride_id", func(w *Workout) **string { return &w.RideID }),
		NewField("name", func(w *Workout) **string { return &w.Name }),
		NewField("status", func(w *Workout) *string { return &w.Status }),
		NewField("fitness_discipline", func(w *Workout) *string { return &w.FitnessDiscipline }),
		NewField("workout_type", func(w *Workout) **string { return &w.WorkoutType }),
		NewField("device_type", func(w *Workout) **string { return &w.DeviceType }),
		NewField("device_type_display_name", func(w *Workout) **string { return &w.DeviceTypeDisplayName }),
		NewField("platform", func(w *Workout) **string { return &w.Platform }),
		NewField("start_time", func(w *Workout) *time.Time { return &w.StartTime }),
		NewField("end_time", func(w *Workout) **time.Time { return &w.EndTime }),
		NewField("device_time_created_at", func(w *Workout) **time.Time { return &w.DeviceTimeCreatedAt }),
		NewField("timezone", func(w *Workout) **string { return &w.Timezone }),
		NewField("total_work", func(w *Workout) **float64 { return &w.TotalWork }),
		NewField("leaderboard_rank", func(w *Workout) **int { return &w.LeaderboardRank }),
		NewField("total_leaderboard_users", func(w *Workout) **int { return &w.TotalLeaderboardUsers }),
		NewField("is_total_work_personal_record", func(w *Workout) *bool { return &w.IsTotalWorkPersonalRecord }),
		NewField("has_leaderboard_metrics", func(w *Workout) *bool { return &w.HasLeaderboardMetrics }),
		NewField("has_pedaling_metrics", func(w *Workout) *bool { return &w.HasPedalingMetrics }),
		NewField("metrics_type", func(w *Workout) **string { return &w.MetricsType }),
		NewField("fitbit_id", func(w *Workout) **string { return &w.FitbitID }),
		NewField("strava_id", func(w *Workout) **string { return &w.StravaID }),
		NewField("title", func(w *Workout) **string { return &w.Title }),
		NewField("created_at", func(w *Workout) *time.Time { return &w.CreatedAt }),
		NewField("updated_at", func(w *Workout) *time.Time { return &w.UpdatedAt }),
	).WithTimestamps("created_at",
		func(w *Workout) *time.Time { return &w.CreatedAt },
		func(w *Workout) *time.Time { return &w.UpdatedAt })

	Summaries = NewEntity(Table{
		Kind: KindSummary, Name: "workout_performance_summaries", Key: "workout_id", Owner: "workout_id",
		References: []Reference{{Column: "workout_id", Kind: KindWorkout}},
	},
		NewField("workout_id", func(s *PerformanceSummary) *string { return &s.WorkoutID }),
		NewField("avg_cadence", func(s *PerformanceSummary) **float64 { return &s.AvgCadence }),
		NewField("max_cadence", func(s *PerformanceSummary) **float64 { return &s.MaxCadence }),
		NewField("avg_heart_rate", func(s *PerformanceSummary) **float64 { return &s.AvgHeartRate }),
		NewField("max_heart_rate", func(s *PerformanceSummary) **float64 { return &s.MaxHeartRate }),
		NewField("avg_power", func(s *PerformanceSummary) **float64 { return &s.AvgPower }),
		NewField("max_power", func(s *PerformanceSummary) **float64 { return &s.MaxPower }),
		NewField("avg_resistance", func(s *PerformanceSummary) **float64 { return &s.AvgResistance }),
		NewField("max_resistance", func(s *PerformanceSummary) **float64 { return &s.MaxResistance }),
		NewField("avg_speed", func(s *PerformanceSummary) **float64 { return &s.AvgSpeed }),
		NewField("max_speed", func(s *PerformanceSummary) **float64 { return &s.MaxSpeed }),
		NewField("total_work", func(s *PerformanceSummary) **float64 { return &s.TotalWork }),
		NewField("calories", func(s *PerformanceSummary) **float64 { return &s.Calories }),
		NewField("distance", func(s *PerformanceSummary) **float64 { return &s.Distance }),
		NewField("created_at", func(s *PerformanceSummary) *time.Time { return &s.CreatedAt }),
		NewField("updated_at", func(s *PerformanceSummary) *time.Time { return &s.UpdatedAt }),
	).WithTimestamps("created_at",
		func(s *PerformanceSummary) *time.Time { return &s.CreatedAt },
		func(s *PerformanceSummary) *time.Time { return &s.UpdatedAt })

	Metrics = NewEntity(Table{
		Kind: KindMetric, Name: "workout_performance_metrics",
		Unique: []string{"workout_id", "seconds_since_pedaling_start"}, Owner: "workout_id",
		References: []Reference{{Column: "workout_id", Kind: KindWorkout}},
	},
		NewField("workout_id", func(m *PerformanceMetric) *string { return &m.WorkoutID }),
		NewField("seconds_since_pedaling_start", func(m *PerformanceMetric) *int { return &m.Offset }),
		NewField("cadence", func(m *PerformanceMetric) **float64 { return &m.Cadence }),
		NewField("heart_rate", func(m *PerformanceMetric) **float64 { return &m.HeartRate }),
		NewField("power", func(m *PerformanceMetric) **float64 { return &m.Power }),
		NewField("resistance", func(m *PerformanceMetric) **float64 { return &m.Resistance }),
		NewField("speed", func(m *PerformanceMetric) **float64 { return &m.Speed }),
		NewField("created_at", func(m *PerformanceMetric) *time.Time { return &m.CreatedAt }),
	).WithTimestamps("created_at",
		func(m *PerformanceMetric) *time.Time { return &m.CreatedAt }, nil)

	Achievements = NewEntity(Table{
		Kind: KindAchievement, Name: "workout_achievements",
		Unique: []string{"workout_id", "achievement_id"}, Owner: "workout_id",
		References: []Reference{{Column: "workout_id", Kind: KindWorkout}},
	},
		NewField("workout_id", func(a *Achievement) *string { return &a.WorkoutID }),
		NewField("achievement_id", func(a *Achievement) *string { return &a.AchievementID }),
		NewField("name", func(a *Achievement) *string { return &a.Name }),
		NewField("description", func(a *Achievement) **string { return &a.Description }),
		NewField("slug", func(a *Achievement) **string { return &a.Slug }),
		NewField("image_url", func(a *Achievement) **string { return &a.ImageURL }),
		NewField("created_at", func(a *Achievement) *time.Time { return &a.CreatedAt }),
	).WithTimestamps("created_at",
		func(a *Achievement) *time.Time { return &a.CreatedAt }, nil)
)

// Tables lists every table in foreign key dependency order.
func Tables() []*Table {
	return []*Table{
		Users.Table(),
		Instructors.Table(),
		Rides.Table(),
		Workouts.Table(),
		Summaries.Table(),
		Metrics.Table(),
		Achievements.Table(),
	}
}

// ColumnValue returns the value row holds for column.
func ColumnValue(row Row, column string) (any, bool) {
	for i, c := range row.Table().Columns {
		if c == column {
			return row.Values()[i], true
		}
	}
	return nil, false
}

// ReferenceKey renders a foreign key value. ok is false when the reference is null.
func ReferenceKey(v any) (string, bool) {
	switch typed := v.(type) {
	case nil:
		return "", false
	case *string:
		if typed == nil {
			return "", false
		}
		return *typed, *typed != ""
	case string:
		return typed, typed != ""
	}
	return "", false
}

func keyString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case *string:
		if typed == nil {
			return ""
		}
		return *typed
	case int:
		return strconv.Itoa(typed)
	}
	return ""
}
