package fleeting

import (
	"context"
	"time"

	"yall.in"
)

// DefaultSweepInterval is how often Run sweeps when no interval is given.
const DefaultSweepInterval = 10 * time.Minute

// Run sweeps expired files immediately and then once every interval, until
// ctx is cancelled, at which point it returns ctx.Err(). Failed sweeps are
// logged and retried on the next tick.
//
// Run is meant to be the only background activity of a Manager; start it
// once, in its own goroutine, and cancel ctx on shutdown.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log := yall.FromContext(ctx).WithField("fleeting.sweep_interval", interval.String())
	ctx = yall.InContext(ctx, log)
	log.Info("[fleeting] starting expiry sweeper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			log.Info("[fleeting] stopping expiry sweeper")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	log := yall.FromContext(ctx)
	now := m.now()

	removed, err := m.SweepExpired(ctx, now)
	if err != nil {
		log.WithError(err).Error("[fleeting] error sweeping expired files")
	} else if removed > 0 {
		log.WithField("fleeting.removed", removed).Info("[fleeting] expired files removed")
	}

	if !m.opts.Reconcile {
		return
	}
	report, err := m.Reconcile(ctx, now, m.opts.ReconcileGrace)
	if err != nil {
		log.WithError(err).Error("[fleeting] error reconciling storage with index")
		return
	}
	if report.OrphansDeleted > 0 || report.RecordsPurged > 0 {
		log.WithField("fleeting.orphans_deleted", report.OrphansDeleted).
			WithField("fleeting.records_purged", report.RecordsPurged).
			Info("[fleeting] reconciled storage with index")
	}
}
