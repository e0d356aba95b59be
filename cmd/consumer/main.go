// Command consumer runs syncs requested through the sync_requests topic.
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
	"github.com/segmentio/kafka-go"

	"github.com/dwaynehoov/peloton-sync-psql/internal/config"
	"github.com/dwaynehoov/peloton-sync-psql/internal/consumer"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/persistence/postgres"
	"github.com/dwaynehoov/peloton-sync-psql/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logger := logging.Logger().With().Str("service", "pelosync-consumer").Logger()

	if err := errors.Join(cfg.RequireDatabase(), cfg.RequirePeloton()); err != nil {
		logger.Fatal().Err(err).Msg("missing configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := postgres.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	p := cfg.Peloton
	client := peloton.NewClient(peloton.Config{
		BaseURL:         p.BaseURL,
		Username:        p.Username,
		Password:        p.Password,
		MaxRetries:      p.MaxRetries,
		RetryDelay:      p.RetryDelay(),
		RateLimitCalls:  p.RateLimitCalls,
		RateLimitPeriod: p.RateLimitPeriod(),
		Timeout:         p.Timeout,
	})
	orch := syncer.New(peloton.NewBreakerSource(client, peloton.DefaultBreakerSettings()), st,
		syncer.WithLogger(logger),
		syncer.WithSampleInterval(p.SampleInterval),
	)

	handler := consumer.NewSyncHandler(orch, consumer.Defaults{
		MaxWorkouts:        cfg.Sync.MaxWorkouts,
		IncludePerformance: cfg.Sync.IncludePerformance,
		Workers:            cfg.Sync.Workers,
		Timeout:            cfg.Sync.RunTimeout,
	})

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Kafka.Brokers,
		GroupID:         cfg.Kafka.ConsumerGroupID,
		Topic:           cfg.Kafka.SyncRequestTopic,
		MinBytes:        1,
		MaxBytes:        10e6,
		CommitInterval:  0,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(logger))

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.Server.MetricsAddress).Msg("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info().Str("topic", cfg.Kafka.SyncRequestTopic).Str("group", cfg.Kafka.ConsumerGroupID).Msg("consumer started")
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("consumer stopped with error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info().Msg("consumer shutdown requested")
	case <-done:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	<-done
}
