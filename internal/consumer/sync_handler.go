package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/syncer"
)

// Runner executes one sync run.
type Runner interface {
	RunFullSync(ctx context.Context, opts syncer.Options) (*syncer.Result, error)
}

// Defaults fill in request fields the producer left empty.
type Defaults struct {
	MaxWorkouts        int
	IncludePerformance bool
	Workers            int
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

// SyncHandler runs a sync for every sync.requested event and ignores other event types.
type SyncHandler struct {
	runner   Runner
	defaults Defaults
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(runner Runner, defaults Defaults) *SyncHandler {
	return &SyncHandler{
		runner:   runner,
		defaults: defaults,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.Logger().With().Str("component", "sync_handler").Logger(),
	}
}

// Handle decodes the request and runs it to completion. Contained workout failures are part of a
// finished run; only run-level failures are returned so the message is retried.
func (h *SyncHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != domain.EventSyncRequested {
		return nil
	}

	var req domain.SyncRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		recordRequestOutcome("malformed")
		return fmt.Errorf("%w: decode sync request: %v", ErrMalformed, err)
	}
	if err := h.validate.Struct(req); err != nil {
		recordRequestOutcome("malformed")
		return fmt.Errorf("%w: sync request %q: %v", ErrMalformed, req.RequestID, err)
	}

	opts := h.options(req)
	logger := h.logger.With().Str("request_id", req.RequestID).Str("requested_by", req.RequestedBy).Logger()
	logger.Info().Str("user_id", req.UserID).Int("max_workouts", opts.MaxWorkouts).Msg("sync requested")

	if h.defaults.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.defaults.Timeout)
		defer cancel()
	}

	res, err := h.runner.RunFullSync(logging.WithContext(ctx, logger), opts)
	if err != nil {
		if errors.Is(err, syncer.ErrInvalidOptions) {
			recordRequestOutcome("malformed")
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		recordRequestOutcome("failed")
		return fmt.Errorf("sync request %s: %w", req.RequestID, err)
	}

	recordRequestOutcome(string(res.Status))
	logger.Info().Str("run_id", res.RunID).Str("status", string(res.Status)).Msg("sync request completed")
	return nil
}

func (h *SyncHandler) options(req domain.SyncRequested) syncer.Options {
	opts := syncer.Options{
		UserID:             req.UserID,
		MaxWorkouts:        h.defaults.MaxWorkouts,
		IncludePerformance: h.defaults.IncludePerformance,
		Kind:               req.Kind,
		Workers:            h.defaults.Workers,
	}
	if req.MaxWorkouts > 0 {
		opts.MaxWorkouts = req.MaxWorkouts
	}
	if req.IncludePerformance != nil {
		opts.IncludePerformance = *req.IncludePerformance
	}
	return opts
}
