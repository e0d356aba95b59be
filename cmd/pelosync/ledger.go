package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwaynehoov/peloton-sync-psql/internal/ledger"
	"github.com/dwaynehoov/peloton-sync-psql/internal/persistence"
)

func newLastSyncCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "last-sync",
		Short: "Show when the last successful sync of a user completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := connectStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ts, err := ledger.New(st).LastSuccessful(ctx, userID)
			if err != nil {
				return err
			}
			if ts == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no successful sync recorded for %s\n", userID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s ago)\n", ts.Format(time.RFC3339), time.Since(*ts).Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Peloton user id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var (
		userID string
		limit  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded sync runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, err := persistence.DecodeCursor(cursor)
			if err != nil {
				return err
			}
			st, err := connectStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, next, err := ledger.New(st).List(ctx, userID, from, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tUSER\tSTATUS\tCOMPLETED\tPROCESSED\tCREATED\tUPDATED\tERRORS")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n", r.ID, r.UserID, r.Status,
					r.CompletedAt.Format(time.RFC3339), r.Counters.Processed, r.Counters.Created,
					r.Counters.Updated, r.Counters.Errored)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if token := persistence.EncodeCursor(next); token != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nmore: --cursor %s\n", token)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&userID, "user-id", "", "only runs of this user")
	fl.IntVar(&limit, "limit", 20, "page size")
	fl.StringVar(&cursor, "cursor", "", "continue from a previous page")
	return cmd
}
