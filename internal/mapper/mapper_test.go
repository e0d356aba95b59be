package mapper

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
)

const workoutJSON = `{
  "id": "w-1",
  "user_id": "u-1",
  "status": "COMPLETE",
  "fitness_discipline": "cycling",
  "start_time": 1709294400,
  "end_time": "1709296200",
  "created_at": "2024-03-01T12:00:00Z",
  "has_pedaling_metrics": true,
  "total_work": 312456.7,
  "ride": {
    "id": "r-1",
    "title": "30 min Climb Ride",
    "instructor_id": "stale",
    "fitness_discipline": "cycling",
    "duration": 1800,
    "instructor": {"id": "inst-1", "name": "Coach One"}
  },
  "achievement_templates": [{"id": "a-1", "name": "Streak"}]
}`

func TestWorkoutMapsNestedRecords(t *testing.T) {
	var p peloton.WorkoutPayload
	require.NoError(t, json.Unmarshal([]byte(workoutJSON), &p))

	comps, err := Workout(&p, "fallback")
	require.NoError(t, err)

	require.Equal(t, "w-1", comps.Workout.ID)
	require.Equal(t, "u-1", comps.Workout.UserID)
	require.Equal(t, time.Unix(1709294400, 0).UTC(), comps.Workout.StartTime)
	require.NotNil(t, comps.Workout.EndTime)
	require.Equal(t, time.Unix(1709296200, 0).UTC(), *comps.Workout.EndTime)
	require.Equal(t, time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC), comps.Workout.CreatedAt)
	require.True(t, comps.Workout.DetailEligible())

	require.NotNil(t, comps.Ride)
	require.Equal(t, "r-1", comps.Ride.ID)
	require.Equal(t, "inst-1", *comps.Ride.InstructorID, "embedded instructor wins over the ride's own reference")
	require.Equal(t, 1800, *comps.Ride.Duration)
	require.Equal(t, "r-1", *comps.Workout.RideID)

	require.NotNil(t, comps.Instructor)
	require.Equal(t, "Coach One", comps.Instructor.Name)
}

func TestWorkoutFallsBackToOwner(t *testing.T) {
	p := peloton.WorkoutPayload{
		ID:                "w-1",
		Status:            domain.StatusComplete,
		FitnessDiscipline: domain.DisciplineCycling,
		StartTime:         peloton.Timestamp{Time: time.Now()},
		CreatedAt:         peloton.Timestamp{Time: time.Now()},
	}
	comps, err := Workout(&p, "owner-9")
	require.NoError(t, err)
	require.Equal(t, "owner-9", comps.Workout.UserID)
	require.Nil(t, comps.Ride)
	require.Nil(t, comps.Workout.RideID)
}

func TestWorkoutErrors(t *testing.T) {
	now := peloton.Timestamp{Time: time.Now()}
	cases := []struct {
		name    string
		payload *peloton.WorkoutPayload
		mapping bool
	}{
		{"nil payload", nil, true},
		{"blank id", &peloton.WorkoutPayload{ID: "  "}, true},
		{"ride without id", &peloton.WorkoutPayload{ID: "w", UserID: "u", Status: "COMPLETE", StartTime: now, CreatedAt: now, Ride: &peloton.RidePayload{}}, true},
		{"instructor without id", &peloton.WorkoutPayload{ID: "w", UserID: "u", Status: "COMPLETE", StartTime: now, CreatedAt: now, Ride: &peloton.RidePayload{ID: "r", Instructor: &peloton.InstructorPayload{}}}, true},
		{"missing start", &peloton.WorkoutPayload{ID: "w", UserID: "u", Status: "COMPLETE", CreatedAt: now}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Workout(tc.payload, "")
			require.Error(t, err)
			if tc.mapping {
				var mapErr *domain.MappingError
				require.ErrorAs(t, err, &mapErr)
				return
			}
			var valErr *domain.ValidationError
			require.ErrorAs(t, err, &valErr)
			require.Equal(t, "w", valErr.Key)
		})
	}
}

func TestWorkoutAcceptsEmptyStatusAndDiscipline(t *testing.T) {
	now := peloton.Timestamp{Time: time.Now()}
	comps, err := Workout(&peloton.WorkoutPayload{ID: "w", UserID: "u", StartTime: now, CreatedAt: now}, "")
	require.NoError(t, err)
	require.Empty(t, comps.Workout.Status)
	require.Empty(t, comps.Workout.FitnessDiscipline)
}

func TestUser(t *testing.T) {
	_, err := User(&peloton.UserPayload{})
	var mapErr *domain.MappingError
	require.ErrorAs(t, err, &mapErr)

	_, err = User(&peloton.UserPayload{ID: "u-1"})
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, []string{"CreatedAt"}, valErr.Fields)

	created := time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)
	u, err := User(&peloton.UserPayload{ID: "u-1", Username: "spinner", CreatedAt: peloton.Timestamp{Time: created}})
	require.NoError(t, err)
	require.Equal(t, created, u.CreatedAt)
}

func TestAchievementsDedupeAndDrop(t *testing.T) {
	out, dropped := Achievements("w-1", []peloton.AchievementPayload{
		{ID: "a-1", Name: "first"},
		{ID: "", Name: "broken"},
		{ID: "a-2", Name: "second"},
		{ID: "a-1", Name: "renamed"},
	})
	require.Equal(t, 1, dropped)
	require.Len(t, out, 2)
	require.Equal(t, "a-1", out[0].AchievementID)
	require.Equal(t, "renamed", out[0].Name)
	require.Equal(t, "w-1", out[1].WorkoutID)

	none, dropped := Achievements("w-1", nil)
	require.Nil(t, none)
	require.Zero(t, dropped)
}

func TestPerformanceMapping(t *testing.T) {
	first, last := 100.0, 250.0
	cadence := 90.0
	g := &peloton.PerformanceGraph{
		Summaries: []peloton.SummarySnapshot{{AvgPower: &first}, {AvgPower: &last}},
		Metrics: []peloton.MetricSample{
			{SecondsSincePedalingStart: 0},
			{SecondsSincePedalingStart: 5},
			{SecondsSincePedalingStart: 0, Cadence: &cadence},
		},
	}

	summary := PerformanceSummary("w-1", g)
	require.NotNil(t, summary)
	require.Equal(t, 250.0, *summary.AvgPower)

	metrics := PerformanceMetrics("w-1", g)
	require.Len(t, metrics, 2)
	require.Equal(t, 0, metrics[0].Offset)
	require.Equal(t, &cadence, metrics[0].Cadence)
	require.Equal(t, 5, metrics[1].Offset)

	require.Nil(t, PerformanceSummary("w-1", &peloton.PerformanceGraph{}))
	require.Nil(t, PerformanceMetrics("w-1", nil))
}
