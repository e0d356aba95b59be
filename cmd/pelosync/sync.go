package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/syncer"
)

type syncFlags struct {
	maxWorkouts   int
	noPerformance bool
	userID        string
	workers       int
	incremental   bool
	loop          bool
}

func newSyncCmd() *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize Peloton data",
		Long: `Fetch recent workouts with their rides, instructors, achievements and
performance data and upsert them into PostgreSQL.

The command exits non-zero only when the run status is "error" or the
database or API cannot be initialized. Partial runs exit 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.maxWorkouts, "max-workouts", 0, "maximum number of workouts to sync (default from config)")
	fl.BoolVar(&f.noPerformance, "no-performance", false, "skip performance data synchronization")
	fl.StringVar(&f.userID, "user-id", "", "sync another user's workouts instead of the authenticated user's")
	fl.IntVar(&f.workers, "workers", 0, "parallel reconciliation workers (default from config)")
	fl.BoolVar(&f.incremental, "incremental", false, "record the run as incremental in the ledger")
	fl.BoolVar(&f.loop, "loop", false, "repeat the sync every sync_interval_hours until interrupted")
	return cmd
}

func (f syncFlags) options() syncer.Options {
	opts := syncer.Options{
		UserID:             f.userID,
		MaxWorkouts:        cfg.Sync.MaxWorkouts,
		IncludePerformance: cfg.Sync.IncludePerformance && !f.noPerformance,
		Kind:               domain.RunKindFull,
		Workers:            cfg.Sync.Workers,
	}
	if f.maxWorkouts > 0 {
		opts.MaxWorkouts = f.maxWorkouts
	}
	if f.workers > 0 {
		opts.Workers = f.workers
	}
	if f.incremental {
		opts.Kind = domain.RunKindIncremental
	}
	return opts
}

func runSync(ctx context.Context, f syncFlags) error {
	logging.Info().Msg("initializing peloton data sync")

	st, err := connectStore(ctx, cfg)
	if err != nil {
		logging.Error().Err(err).Msg("database connection test failed")
		return errReported
	}
	defer st.Close()

	if _, err := st.Migrate(ctx); err != nil {
		logging.Error().Err(err).Msg("database initialization failed")
		return errReported
	}

	if err := cfg.RequirePeloton(); err != nil {
		logging.Error().Err(err).Msg("peloton api authentication failed")
		return errReported
	}
	client := newPelotonClient(cfg)
	if _, err := client.Authenticate(ctx); err != nil {
		logging.Error().Err(err).Msg("peloton api authentication failed")
		return errReported
	}

	source := peloton.NewBreakerSource(client, peloton.DefaultBreakerSettings())
	orch := syncer.New(source, st,
		syncer.WithLogger(logging.Logger()),
		syncer.WithSampleInterval(cfg.Peloton.SampleInterval),
	)
	logging.Info().Msg("application initialized successfully")

	opts := f.options()
	if !f.loop {
		return syncOnce(ctx, orch, opts)
	}

	interval := time.Duration(cfg.Sync.IntervalHours) * time.Hour
	if interval <= 0 {
		return fmt.Errorf("sync_interval_hours must be positive with --loop")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := syncOnce(ctx, orch, opts); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Info().Time("next_run", time.Now().Add(interval)).Msg("waiting for next sync")
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func syncOnce(ctx context.Context, orch *syncer.Orchestrator, opts syncer.Options) error {
	logging.Info().Int("max_workouts", opts.MaxWorkouts).Bool("include_performance", opts.IncludePerformance).Msg("starting data synchronization")

	res, err := orch.RunFullSync(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Error().Err(err).Msg("data synchronization failed")
		return errReported
	}

	evt := logging.Info()
	switch res.Status {
	case domain.RunStatusPartial:
		evt = logging.Warn()
	case domain.RunStatusError:
		evt = logging.Error()
	}
	evt.Str("run_id", res.RunID).
		Str("status", string(res.Status)).
		Int("processed", res.Counters.Processed).
		Int("created", res.Counters.Created).
		Int("updated", res.Counters.Updated).
		Int("errored", res.Counters.Errored).
		Msg("data synchronization completed")

	if res.Status == domain.RunStatusError {
		return errReported
	}
	return nil
}
