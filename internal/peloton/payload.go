package peloton

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Timestamp accepts unix seconds (as a number or numeric string) and ISO-8601 strings.
// Values that cannot be parsed decode to the zero Timestamp with Raw populated.
type Timestamp struct {
	Time time.Time
	Raw  string
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	*t = Timestamp{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		t.parse(strings.TrimSpace(s))
		return nil
	}
	t.parse(string(b))
	return nil
}

// MarshalJSON renders the timestamp as unix seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Time.Unix(), 10)), nil
}

func (t *Timestamp) parse(s string) {
	if s == "" {
		return
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		t.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
		return
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return
		}
	}
	t.Raw = s
}

// Ptr returns nil when the timestamp is unset.
func (t Timestamp) Ptr() *time.Time {
	if t.Time.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// Invalid reports whether the source value was present but unparseable.
func (t Timestamp) Invalid() bool { return t.Raw != "" }

// UserPayload is the response of the current user endpoint.
type UserPayload struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     *string   `json:"email"`
	FirstName *string   `json:"first_name"`
	LastName  *string   `json:"last_name"`
	Location  *string   `json:"location"`
	Timezone  *string   `json:"timezone"`
	CreatedAt Timestamp `json:"created_at"`
}

// InstructorPayload is embedded in a ride when the instructor join is requested.
type InstructorPayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Bio       *string `json:"bio"`
	ImageURL  *string `json:"image_url"`
}

// RidePayload is embedded in a workout when the ride join is requested.
type RidePayload struct {
	ID                           string             `json:"id"`
	Title                        string             `json:"title"`
	Description                  *string            `json:"description"`
	InstructorID                 *string            `json:"instructor_id"`
	Instructor                   *InstructorPayload `json:"instructor"`
	FitnessDiscipline            string             `json:"fitness_discipline"`
	FitnessDisciplineDisplayName *string            `json:"fitness_discipline_display_name"`
	Duration                     *int               `json:"duration"`
	DifficultyEstimate           *float64           `json:"difficulty_estimate"`
	DifficultyRatingAvg          *float64           `json:"difficulty_rating_avg"`
	DifficultyRatingCount        *int               `json:"difficulty_rating_count"`
	OverallRatingAvg             *float64           `json:"overall_rating_avg"`
	OverallRatingCount           *int               `json:"overall_rating_count"`
	TotalWorkouts                *int               `json:"total_workouts"`
	OriginalAirTime              Timestamp          `json:"original_air_time"`
	ScheduledStartTime           Timestamp          `json:"scheduled_start_time"`
	IsArchived                   bool               `json:"is_archived"`
	IsExplicit                   bool               `json:"is_explicit"`
	Language                     *string            `json:"language"`
	Location                     *string            `json:"location"`
	ImageURL                     *string            `json:"image_url"`
}

// AchievementPayload is one entry of a workout's achievement templates.
type AchievementPayload struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Slug        *string `json:"slug"`
	ImageURL    *string `json:"image_url"`
}

// WorkoutPayload is one element of the workout listing.
type WorkoutPayload struct {
	ID                        string               `json:"id"`
	UserID                    string               `json:"user_id"`
	Name                      *string              `json:"name"`
	Status                    string               `json:"status"`
	FitnessDiscipline         string               `json:"fitness_discipline"`
	WorkoutType               *string              `json:"workout_type"`
	DeviceType                *string              `json:"device_type"`
	DeviceTypeDisplayName     *string              `json:"device_type_display_name"`
	Platform                  *string              `json:"platform"`
	StartTime                 Timestamp            `json:"start_time"`
	EndTime                   Timestamp            `json:"end_time"`
	CreatedAt                 Timestamp            `json:"created_at"`
	DeviceTimeCreatedAt       Timestamp            `json:"device_time_created_at"`
	Timezone                  *string              `json:"timezone"`
	TotalWork                 *float64             `json:"total_work"`
	LeaderboardRank           *int                 `json:"leaderboard_rank"`
	TotalLeaderboardUsers     *int                 `json:"total_leaderboard_users"`
	IsTotalWorkPersonalRecord bool                 `json:"is_total_work_personal_record"`
	HasLeaderboardMetrics     bool                 `json:"has_leaderboard_metrics"`
	HasPedalingMetrics        bool                 `json:"has_pedaling_metrics"`
	MetricsType               *string              `json:"metrics_type"`
	FitbitID                  *string              `json:"fitbit_id"`
	StravaID                  *string              `json:"strava_id"`
	Title                     *string              `json:"title"`
	Ride                      *RidePayload         `json:"ride"`
	AchievementTemplates      []AchievementPayload `json:"achievement_templates"`
}

// WorkoutPage is one page of the workout listing.
type WorkoutPage struct {
	Data      []WorkoutPayload `json:"data"`
	Page      int              `json:"page"`
	PageCount int              `json:"page_count"`
	Limit     int              `json:"limit"`
	Total     int              `json:"total"`
	ShowNext  bool             `json:"show_next"`
}

// HasNext reports whether another page follows this one.
func (p *WorkoutPage) HasNext() bool {
	if p.ShowNext {
		return true
	}
	return p.PageCount > 0 && p.Page+1 < p.PageCount
}

// SummarySnapshot is one aggregation snapshot of the performance graph.
type SummarySnapshot struct {
	AvgCadence    *float64 `json:"avg_cadence"`
	MaxCadence    *float64 `json:"max_cadence"`
	AvgHeartRate  *float64 `json:"avg_heart_rate"`
	MaxHeartRate  *float64 `json:"max_heart_rate"`
	AvgPower      *float64 `json:"avg_power"`
	MaxPower      *float64 `json:"max_power"`
	AvgResistance *float64 `json:"avg_resistance"`
	MaxResistance *float64 `json:"max_resistance"`
	AvgSpeed      *float64 `json:"avg_speed"`
	MaxSpeed      *float64 `json:"max_speed"`
	TotalWork     *float64 `json:"total_work"`
	Calories      *float64 `json:"calories"`
	Distance      *float64 `json:"distance"`
}

// MetricSample is one point of the performance time series.
type MetricSample struct {
	SecondsSincePedalingStart int      `json:"seconds_since_pedaling_start"`
	Cadence                   *float64 `json:"cadence"`
	HeartRate                 *float64 `json:"heart_rate"`
	Power                     *float64 `json:"power"`
	Resistance                *float64 `json:"resistance"`
	Speed                     *float64 `json:"speed"`
}

// PerformanceGraph is the response of the performance graph endpoint.
type PerformanceGraph struct {
	Summaries []SummarySnapshot `json:"summaries"`
	Metrics   []MetricSample    `json:"metrics"`
}
