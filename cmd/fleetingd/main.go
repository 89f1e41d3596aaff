// Command fleetingd serves uploaded files until their retention period
// runs out, then deletes them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(afero.NewOsFs()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
