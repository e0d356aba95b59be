// Command dlqmanager retries dead-lettered outbox messages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dwaynehoov/peloton-sync-psql/internal/config"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/outbox"
	"github.com/dwaynehoov/peloton-sync-psql/internal/persistence/postgres"
)

const defaultDLQBatchSize = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logger := logging.Logger().With().Str("service", "pelosync-dlqmanager").Logger()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal().Err(err).Msg("database not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	manager := outbox.NewDLQManager(st.Pool(), cfg.DLQ.MaxRetries, cfg.DLQ.BaseDelay)
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.MetricsAddress).Msg("dlq manager metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(gctx, cfg.DLQ.PollInterval, defaultDLQBatchSize)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("dlq manager stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("dlq manager stopped")
}
