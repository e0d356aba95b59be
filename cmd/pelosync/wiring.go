package main

import (
	"context"
	"fmt"

	"github.com/dwaynehoov/peloton-sync-psql/internal/config"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/peloton"
	"github.com/dwaynehoov/peloton-sync-psql/internal/persistence/postgres"
)

func connectStore(ctx context.Context, c *config.Config) (*postgres.Store, error) {
	if err := c.RequireDatabase(); err != nil {
		return nil, err
	}
	st, err := postgres.Connect(ctx, c.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return st, nil
}

func newPelotonClient(c *config.Config) *peloton.Client {
	p := c.Peloton
	return peloton.NewClient(peloton.Config{
		BaseURL:         p.BaseURL,
		Username:        p.Username,
		Password:        p.Password,
		MaxRetries:      p.MaxRetries,
		RetryDelay:      p.RetryDelay(),
		RateLimitCalls:  p.RateLimitCalls,
		RateLimitPeriod: p.RateLimitPeriod(),
		Timeout:         p.Timeout,
	},
		peloton.WithLimiter(peloton.NewLimiter(p.RateLimitCalls, p.RateLimitPeriod())),
		peloton.WithLogger(logging.Logger().With().Str("component", "peloton_client").Logger()),
	)
}
