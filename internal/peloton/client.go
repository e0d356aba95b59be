package peloton

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/observability"
)

const userAgent = "PelotonDataSync/1.0.0"

// Config captures the client settings.
type Config struct {
	BaseURL         string
	Username        string
	Password        string
	MaxRetries      int
	RetryDelay      time.Duration
	RateLimitCalls  int
	RateLimitPeriod time.Duration
	Timeout         time.Duration
}

// Client talks to the remote platform over HTTP. It authenticates lazily and shares one
// call budget across every goroutine using it.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	sleep   func(context.Context, time.Duration) error

	mu     sync.Mutex
	userID string
}

// ClientOption customises the Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client. A cookie jar is attached when missing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLimiter shares an existing limiter with the client.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		logger: logging.Logger().With().Str("component", "peloton_client").Logger(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.http.Jar == nil {
		jar, _ := cookiejar.New(nil)
		c.http.Jar = jar
	}
	if c.limiter == nil {
		c.limiter = NewLimiter(cfg.RateLimitCalls, cfg.RateLimitPeriod)
	}
	return c
}

// NewLimiter builds a token bucket allowing calls requests per period.
func NewLimiter(calls int, period time.Duration) *rate.Limiter {
	if calls <= 0 || period <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(calls)/period.Seconds()), calls)
}

// Authenticate logs in unless a session already exists and returns the authenticated user ID.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return "", fmt.Errorf("%w: credentials not configured", ErrAuthentication)
	}

	body := map[string]string{
		"username_or_email": c.cfg.Username,
		"password":          c.cfg.Password,
	}
	var resp struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient {
			return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return "", err
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("%w: no user id in login response", ErrAuthentication)
	}
	c.userID = resp.UserID
	c.logger.Info().Str("user_id", resp.UserID).Msg("authenticated")
	return c.userID, nil
}

// CurrentUser returns the authenticated user's profile.
func (c *Client) CurrentUser(ctx context.Context) (*UserPayload, error) {
	if _, err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	var user UserPayload
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListWorkouts fetches one page of a user's workouts. The authenticated user is used when
// opts.UserID is empty.
func (c *Client) ListWorkouts(ctx context.Context, opts ListOptions) (*WorkoutPage, error) {
	self, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	userID := opts.UserID
	if userID == "" {
		userID = self
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("page", strconv.Itoa(opts.Page))
	if opts.Joins != "" {
		q.Set("joins", opts.Joins)
	}
	var page WorkoutPage
	if err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(userID)+"/workouts", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PerformanceGraph fetches the sampled performance series of a workout.
func (c *Client) PerformanceGraph(ctx context.Context, workoutID string, everyN int) (*PerformanceGraph, error) {
	if _, err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	if everyN <= 0 {
		everyN = DefaultSampleInterval
	}
	q := url.Values{}
	q.Set("every_n", strconv.Itoa(everyN))
	var graph PerformanceGraph
	if err := c.do(ctx, http.MethodGet, "/api/workout/"+url.PathEscape(workoutID)+"/performance_graph", q, nil, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	route := routeLabel(path)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		delay, err := c.attempt(ctx, method, endpoint, path, payload, out)
		if err == nil {
			observability.RecordRemoteRequest(route, "success")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthentication) && path != "/auth/login" {
			c.resetSession()
		}
		var apiErr *APIError
		if errors.Is(err, ErrAuthentication) || !errors.As(err, &apiErr) || !apiErr.Transient {
			observability.RecordRemoteRequest(route, "failure")
			return err
		}
		lastErr = err
		if attempt >= c.cfg.MaxRetries {
			observability.RecordRemoteRequest(route, "exhausted")
			return lastErr
		}
		if delay <= 0 {
			delay = c.cfg.RetryDelay * time.Duration(1<<attempt)
		}
		observability.RecordRemoteRetry(route)
		c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying request")
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// attempt performs one request. The returned delay is the server's Retry-After hint.
func (c *Client) attempt(ctx context.Context, method, endpoint, path string, payload []byte, out any) (time.Duration, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &APIError{Method: method, Path: path, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return 0, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return 0, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: %s %s returned %d", ErrAuthentication, method, path, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return retryAfter(resp.Header.Get("Retry-After")), &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Transient:  retryable(resp.StatusCode),
		}
	}
}

// resetSession forces the next call to log in again.
func (c *Client) resetSession() {
	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func routeLabel(path string) string {
	switch {
	case path == "/auth/login":
		return "login"
	case path == "/api/me":
		return "me"
	case strings.HasSuffix(path, "/workouts"):
		return "workouts"
	case strings.HasSuffix(path, "/performance_graph"):
		return "performance_graph"
	}
	return "other"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
