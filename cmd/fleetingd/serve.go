package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"impractical.co/fleeting"
	"impractical.co/fleeting/httpapi"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and sweep expired files in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, err := opts.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))
			cfg := svc.cfg

			if cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			handler, err := httpapi.New(svc.log, svc.manager, svc.storer, httpapi.Config{
				BaseURL:        cfg.BaseURL,
				AllowedOrigins: cfg.AllowedOrigins,
				MaxFiles:       cfg.MaxFiles,
				Upload: fleeting.UploadOptions{
					AcceptedMIMEs: cfg.AcceptedMIMEs,
					MaxBytes:      cfg.MaxUploadBytes,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := svc.manager.Run(gctx, cfg.SweepInterval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				svc.log.WithField("http.listen", cfg.Listen).Info("[fleetingd] listening")
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				svc.log.Info("[fleetingd] shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}
