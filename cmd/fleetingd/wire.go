package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"impractical.co/fleeting"
	"impractical.co/fleeting/config"
	"impractical.co/fleeting/fileindex"
	"impractical.co/fleeting/localfs"
	"impractical.co/fleeting/redisindex"
	"yall.in"
	"yall.in/colour"
)

// service is everything the subcommands share.
type service struct {
	cfg     config.Config
	log     *yall.Logger
	storer  *localfs.Storer
	index   fleeting.Index
	manager *fleeting.Manager
	closers []func() error
}

// setup loads the configuration and builds a Manager from it. The returned
// context carries the configured logger.
func (o *options) setup(ctx context.Context) (context.Context, *service, error) {
	cfg, err := config.LoadFs(o.fs, o.configPath)
	if err != nil {
		return ctx, nil, err
	}
	// already validated by LoadFs
	level, _ := config.ParseLevel(cfg.LogLevel)
	log := yall.New(colour.New(os.Stderr, level))
	ctx = yall.InContext(ctx, log)

	svc := &service{cfg: cfg, log: log}
	svc.storer, err = localfs.NewStorer(o.fs, cfg.UploadDir)
	if err != nil {
		return ctx, nil, err
	}

	switch cfg.Index.Backend {
	case config.IndexBackendRedis:
		idx, err := redisindex.New(ctx, cfg.Redis)
		if err != nil {
			return ctx, nil, err
		}
		svc.index = idx
		svc.closers = append(svc.closers, idx.Close)
	default:
		idx, err := fileindex.New(o.fs, cfg.Index.Path)
		if err != nil {
			return ctx, nil, err
		}
		svc.index = idx
	}

	svc.manager, err = fleeting.NewManager(ctx, svc.storer, svc.index, fleeting.ManagerOptions{
		MaxTTL:              cfg.MaxTTL,
		AbortOnCorruptIndex: cfg.AbortOnCorruptIndex,
		Reconcile:           cfg.Reconcile.Enabled,
		ReconcileGrace:      cfg.Reconcile.Grace,
	})
	if errors.Is(err, fleeting.ErrIndexLocked) {
		svc.Close(ctx)
		return ctx, nil, fmt.Errorf("%w; is fleetingd serve running? it sweeps on its own", err)
	}
	if err != nil {
		svc.Close(ctx)
		return ctx, nil, fmt.Errorf("error starting file manager: %w", err)
	}
	return ctx, svc, nil
}

// Close releases the index and any connections setup opened.
func (s *service) Close(ctx context.Context) {
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			s.log.WithError(err).Error("[fleetingd] error closing file manager")
		}
	}
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			s.log.WithError(err).Error("[fleetingd] error closing")
		}
	}
}
