// Command api serves the sync HTTP API and drains the outbox to Kafka.
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

	"github.com/dwaynehoov/peloton-sync-psql/internal/api"
	"github.com/dwaynehoov/peloton-sync-psql/internal/auth"
	"github.com/dwaynehoov/peloton-sync-psql/internal/config"
	"github.com/dwaynehoov/peloton-sync-psql/internal/ledger"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/outbox"
	"github.com/dwaynehoov/peloton-sync-psql/internal/persistence/postgres"
	httptransport "github.com/dwaynehoov/peloton-sync-psql/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logger := logging.Logger().With().Str("service", "pelosync-api").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal().Err(err).Msg("database not configured")
	}
	st, err := postgres.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()
	if _, err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	producer := outbox.NewKafkaProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(st.Pool(), producer, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize,
		outbox.WithDispatcherLogger(logger.With().Str("component", "outbox").Logger()),
		outbox.WithRetryBaseDelay(cfg.DLQ.BaseDelay),
	)
	go dispatcher.Start(ctx)

	handler := api.NewHandler(st, ledger.New(st))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer})
	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.Server.HTTPAddress),
		httptransport.Chain(mux, httptransport.RequestLogger(logger), authMiddleware.Wrap))

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("addr", cfg.Server.MetricsAddress).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.Server.HTTPAddress).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	logger.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}

	dispatcher.Wait()
}
