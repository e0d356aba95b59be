package main

import (
	"github.com/spf13/cobra"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
)

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Initialize database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logging.Info().Msg("initializing database")
			st, err := connectStore(ctx, cfg)
			if err != nil {
				logging.Error().Err(err).Msg("database initialization failed")
				return errReported
			}
			defer st.Close()

			applied, err := st.Migrate(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("database initialization failed")
				return errReported
			}
			logging.Info().Strs("applied", applied).Msg("database initialization successful")
			return nil
		},
	}
}

func newTestDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-db",
		Short: "Test database connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logging.Info().Msg("testing database connection")
			st, err := connectStore(ctx, cfg)
			if err != nil {
				logging.Error().Err(err).Msg("database connection test failed")
				return errReported
			}
			defer st.Close()
			if err := st.Ping(ctx); err != nil {
				logging.Error().Err(err).Msg("database connection test failed")
				return errReported
			}
			logging.Info().Msg("database connection test successful")
			return nil
		},
	}
}
