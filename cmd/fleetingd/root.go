package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type options struct {
	fs         afero.Fs
	configPath string
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	opts := &options{fs: fs}
	root := &cobra.Command{
		Use:   "fleetingd",
		Short: "Temporary file sharing with automatic expiry.",
		Long: `fleetingd accepts file uploads over HTTP, hands back links to them, and
deletes every file once the retention period it was uploaded with runs out.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"YAML config file; settings can also be given as FLEETING_* environment variables")
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newSweepCommand(opts))
	root.AddCommand(newListCommand(opts))
	return root
}
