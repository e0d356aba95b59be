// Command pelosync synchronises Peloton workout history into PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dwaynehoov/peloton-sync-psql/internal/config"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
)

var (
	cfg        *config.Config
	configPath string
	logLevel   string
)

// errReported marks failures that were already logged; main only sets the exit code.
var errReported = errors.New("command failed")

var rootCmd = &cobra.Command{
	Use:   "pelosync",
	Short: "Sync your Peloton workout data to PostgreSQL",
	Example: `  pelosync sync                    # Sync with default settings
  pelosync sync --max-workouts 50  # Sync up to 50 workouts
  pelosync sync --no-performance   # Sync without performance data
  pelosync test-db                 # Test database connection
  pelosync test-api                # Test API authentication`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv(config.ConfigPathEnvVar, configPath); err != nil {
				return err
			}
		}
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		logging.Init(logging.Config{
			Level:  loaded.Logging.Level,
			Format: loaded.Logging.Format,
			Caller: loaded.Logging.Caller,
		})
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newSyncCmd(), newInitDBCmd(), newTestDBCmd(), newTestAPICmd(),
		newLastSyncCmd(), newRunsCmd(), newTokenCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		logging.Info().Msg("operation cancelled by user")
	} else if !errors.Is(err, errReported) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
