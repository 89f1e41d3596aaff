package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked files, soonest expiry first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, err := opts.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			records, err := svc.manager.Records(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEXPIRES\tSTATUS")
			for _, r := range records {
				status := "live"
				if r.Expired(now) {
					status = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Expiry.UTC().Format(time.RFC3339), status)
			}
			return w.Flush()
		},
	}
}
