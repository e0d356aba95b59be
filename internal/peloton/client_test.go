package peloton

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
)

type fakePlatform struct {
	t *testing.T

	mu          sync.Mutex
	logins      int
	workoutHits int
	// workoutStatuses are returned in order before the listing succeeds.
	workoutStatuses []int
	retryAfter      string
	rejectSession   bool
}

func (f *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, http.MethodPost, r.Method)
		require.Equal(f.t, userAgent, r.Header.Get("User-Agent"))
		var body map[string]string
		raw, _ := io.ReadAll(r.Body)
		require.NoError(f.t, json.Unmarshal(raw, &body))

		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "peloton_session_id", Value: "s-1", Path: "/"})
		_, _ = w.Write([]byte(`{"user_id":"user-1","session_id":"s-1"}`))
	})
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("peloton_session_id"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-1","username":"spinner","created_at":1577836800}`))
	})
	mux.HandleFunc("/api/user/user-1/workouts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.workoutHits++
		reject := f.rejectSession
		var status int
		if len(f.workoutStatuses) > 0 {
			status = f.workoutStatuses[0]
			f.workoutStatuses = f.workoutStatuses[1:]
		}
		f.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != 0 {
			if f.retryAfter != "" {
				w.Header().Set("Retry-After", f.retryAfter)
			}
			w.WriteHeader(status)
			return
		}
		require.Equal(f.t, "ride,ride.instructor", r.URL.Query().Get("joins"))
		require.Equal(f.t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{
			"data": [{"id":"w-1","status":"COMPLETE","start_time":1709294400,"created_at":1709294400}],
			"page": 0, "page_count": 3, "limit": 2, "total": 5, "show_next": true
		}`))
	})
	mux.HandleFunc("/api/workout/w-1/performance_graph", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, "5", r.URL.Query().Get("every_n"))
		_, _ = w.Write([]byte(`{
			"summaries": [{"avg_power": 180.5, "calories": 410}],
			"metrics": [{"seconds_since_pedaling_start": 0, "cadence": 85}, {"seconds_since_pedaling_start": 5}]
		}`))
	})
	return mux
}

func newTestClient(t *testing.T, platform *fakePlatform, password string) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(platform.handler())
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:    srv.URL + "/",
		Username:   "rider@example.com",
		Password:   password,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	}, WithLogger(logging.Nop()))

	var delays []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return client, &delays
}

func TestClientAuthenticatesOnceAndKeepsSession(t *testing.T) {
	platform := &fakePlatform{t: t}
	client, _ := newTestClient(t, platform, "secret")
	ctx := context.Background()

	user, err := client.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "user-1", user.ID)
	require.Equal(t, time.Unix(1577836800, 0).UTC(), user.CreatedAt.Time)

	page, err := client.ListWorkouts(ctx, ListOptions{Limit: 2, Joins: DefaultJoins})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.True(t, page.HasNext())

	graph, err := client.PerformanceGraph(ctx, "w-1", 0)
	require.NoError(t, err)
	require.Len(t, graph.Metrics, 2)
	require.Equal(t, 180.5, *graph.Summaries[0].AvgPower)

	require.Equal(t, 1, platform.logins)
}

func TestClientRejectsBadCredentials(t *testing.T) {
	platform := &fakePlatform{t: t}
	client, delays := newTestClient(t, platform, "wrong")

	_, err := client.CurrentUser(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	require.Empty(t, *delays, "authentication failures are not retried")
}

func TestClientMissingCredentials(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, WithLogger(logging.Nop()))
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	platform := &fakePlatform{t: t, workoutStatuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway}}
	client, delays := newTestClient(t, platform, "secret")

	page, err := client.ListWorkouts(context.Background(), ListOptions{Limit: 2, Joins: DefaultJoins})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, 3, platform.workoutHits)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
}

func TestClientHonoursRetryAfter(t *testing.T) {
	platform := &fakePlatform{t: t, workoutStatuses: []int{http.StatusTooManyRequests}, retryAfter: "7"}
	client, delays := newTestClient(t, platform, "secret")

	_, err := client.ListWorkouts(context.Background(), ListOptions{Limit: 2, Joins: DefaultJoins})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{7 * time.Second}, *delays)
}

func TestClientGivesUpAfterRetryBudget(t *testing.T) {
	platform := &fakePlatform{t: t, workoutStatuses: []int{500, 500, 500, 500, 500}}
	client, delays := newTestClient(t, platform, "secret")

	_, err := client.ListWorkouts(context.Background(), ListOptions{Limit: 2})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.True(t, apiErr.Transient)
	require.Len(t, *delays, 3)
	require.Equal(t, 4, platform.workoutHits)
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	platform := &fakePlatform{t: t, workoutStatuses: []int{http.StatusNotFound}}
	client, delays := newTestClient(t, platform, "secret")

	_, err := client.ListWorkouts(context.Background(), ListOptions{Limit: 2})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Transient)
	require.Empty(t, *delays)
}

func TestClientDropsRejectedSession(t *testing.T) {
	platform := &fakePlatform{t: t, rejectSession: true}
	client, _ := newTestClient(t, platform, "secret")
	ctx := context.Background()

	_, err := client.ListWorkouts(ctx, ListOptions{Limit: 2})
	require.ErrorIs(t, err, ErrAuthentication)

	platform.mu.Lock()
	platform.rejectSession = false
	platform.mu.Unlock()

	_, err = client.ListWorkouts(ctx, ListOptions{Limit: 2, Joins: DefaultJoins})
	require.NoError(t, err)
	require.Equal(t, 2, platform.logins)
}

func TestClientStopsOnCancellation(t *testing.T) {
	platform := &fakePlatform{t: t, workoutStatuses: []int{503, 503, 503}}
	client, _ := newTestClient(t, platform, "secret")
	ctx, cancel := context.WithCancel(context.Background())
	client.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := client.ListWorkouts(ctx, ListOptions{Limit: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTimestampDecoding(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Time
		invalid bool
	}{
		{`null`, time.Time{}, false},
		{`1709294400`, time.Unix(1709294400, 0).UTC(), false},
		{`"1709294400"`, time.Unix(1709294400, 0).UTC(), false},
		{`"2024-03-01T12:00:00Z"`, time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC), false},
		{`"2024-03-01T12:00:00.250"`, time.Date(2024, time.March, 1, 12, 0, 0, 250e6, time.UTC), false},
		{`"2024-03-01 12:00:00"`, time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC), false},
		{`"yesterday"`, time.Time{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tc.in), &ts))
			require.True(t, tc.want.Equal(ts.Time), "got %v", ts.Time)
			require.Equal(t, tc.invalid, ts.Invalid())
		})
	}
}

func TestRetryAfterParsing(t *testing.T) {
	require.Zero(t, retryAfter(""))
	require.Equal(t, 3*time.Second, retryAfter("3"))
	require.Zero(t, retryAfter("soon"))
}

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (c *countingSource) CurrentUser(context.Context) (*UserPayload, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &UserPayload{ID: "user-1"}, nil
}

func (c *countingSource) ListWorkouts(context.Context, ListOptions) (*WorkoutPage, error) {
	c.calls.Add(1)
	return nil, c.err
}

func (c *countingSource) PerformanceGraph(context.Context, string, int) (*PerformanceGraph, error) {
	c.calls.Add(1)
	return nil, c.err
}

func testBreakerSettings(name string) BreakerSettings {
	s := DefaultBreakerSettings()
	s.Name = name
	s.MinRequests = 3
	s.FailureRatio = 0.5
	s.Timeout = time.Hour
	return s
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	next := &countingSource{err: &APIError{Method: "GET", Path: "/api/me", StatusCode: 503, Transient: true}}
	b := NewBreakerSource(next, testBreakerSettings("test-open"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.CurrentUser(ctx)
		require.Error(t, err)
	}
	require.Equal(t, "open", b.State().String())

	_, err := b.CurrentUser(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Transient)
	require.Equal(t, "breaker", apiErr.Method)
	require.EqualValues(t, 3, next.calls.Load())
}

func TestBreakerIgnoresAuthenticationFailures(t *testing.T) {
	next := &countingSource{err: ErrAuthentication}
	b := NewBreakerSource(next, testBreakerSettings("test-auth"))

	for i := 0; i < 5; i++ {
		_, err := b.CurrentUser(context.Background())
		require.True(t, errors.Is(err, ErrAuthentication))
	}
	require.Equal(t, "closed", b.State().String())
}

func TestBreakerPassesResults(t *testing.T) {
	b := NewBreakerSource(&countingSource{}, testBreakerSettings("test-pass"))
	user, err := b.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-1", user.ID)
}
