package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired files once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, err := opts.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			now := time.Now()
			removed, err := svc.manager.SweepExpired(ctx, now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired file(s)\n", removed)

			if !svc.cfg.Reconcile.Enabled {
				return nil
			}
			report, err := svc.manager.Reconcile(ctx, now, svc.cfg.Reconcile.Grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d orphaned file(s), purged %d record(s) with no file\n",
				report.OrphansDeleted, report.RecordsPurged)
			return nil
		},
	}
}
