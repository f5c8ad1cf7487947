package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"hotswap/internal/config"
	"hotswap/pkg/deferral"
	"hotswap/pkg/kvstore"

	"github.com/spf13/cobra"
)

// newDeferralsCmd creates the "hotswap deferrals" subcommand.
func newDeferralsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deferrals [build]",
		Short: "Show builds the user chose to update later",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			kv, err := kvstore.Open(ctx, paths.StateDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			build := ""
			if len(args) == 1 {
				build = args[0]
			}
			return printDeferrals(ctx, cmd.OutOrStdout(), deferral.New(kv, nil), build, time.Now())
		},
	}
}

func printDeferrals(ctx context.Context, w io.Writer, store *deferral.Store, build string, now time.Time) error {
	var records []deferral.Record
	if build != "" {
		rec, ok := store.Lookup(ctx, build)
		if !ok {
			fmt.Fprintf(w, "%s: not deferred\n", build)
			return nil
		}
		records = []deferral.Record{rec}
	} else {
		var err error
		records, err = store.List(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(w, "no deferrals")
			return nil
		}
	}

	for _, r := range records {
		state := "expired"
		if r.Active(now) {
			state = fmt.Sprintf("active, %s left", r.Until.Sub(now).Round(time.Minute))
		}
		fmt.Fprintf(w, "%-24s until %s (%s)\n", r.Build, r.Until.Local().Format(time.RFC3339), state)
	}
	return nil
}
