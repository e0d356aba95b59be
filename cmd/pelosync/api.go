package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwaynehoov/peloton-sync-psql/internal/auth"
	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
)

func newTestAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-api",
		Short: "Test API authentication",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Info().Msg("testing api authentication")
			if err := cfg.RequirePeloton(); err != nil {
				logging.Error().Err(err).Msg("api authentication failed")
				return errReported
			}
			userID, err := newPelotonClient(cfg).Authenticate(cmd.Context())
			if err != nil {
				logging.Error().Err(err).Msg("api authentication failed")
				return errReported
			}
			logging.Info().Str("user_id", userID).Msg("api authentication test successful")
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		userID  string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the sync API (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := make(map[string]struct{}, len(scopes))
			for _, s := range scopes {
				set[s] = struct{}{}
			}
			token, err := auth.Issue(auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer},
				auth.Claims{Subject: subject, UserID: userID, Scopes: set}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&subject, "subject", "pelosync-cli", "token subject")
	fl.StringVar(&userID, "user-id", "", "bind the token to one Peloton user")
	fl.StringSliceVar(&scopes, "scope", []string{auth.ScopeSyncRead, auth.ScopeSyncWrite}, "granted scopes")
	fl.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
