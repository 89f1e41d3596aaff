package fleeting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yall.in"
)

// ReconcileReport summarises what a call to Reconcile cleaned up.
type ReconcileReport struct {
	// OrphansDeleted counts blobs that had no Record.
	OrphansDeleted int
	// RecordsPurged counts Records whose blob no longer existed.
	RecordsPurged int
}

// Reconcile brings the Storer and the Index back in line. Blobs with no
// Record, last modified more than grace before now, are deleted; Records
// whose blob is missing are dropped.
//
// grace must comfortably exceed the time between a blob being written and
// it being registered, or uploads in flight will be deleted.
func (m *Manager) Reconcile(ctx context.Context, now time.Time, grace time.Duration) (ReconcileReport, error) {
	log := yall.FromContext(ctx).WithField("fleeting.reconcile_grace", grace.String())
	var report ReconcileReport

	// snapshot the records before listing blobs: every record in the
	// snapshot had its blob written before it was registered, so the
	// listing can't miss a blob that should be there
	snapshot := m.db.Txn(false)
	records, err := collect(snapshot, "id")
	if err != nil {
		return report, err
	}
	blobs, err := m.storer.List(ctx)
	if err != nil {
		return report, &StoreError{Op: "list", Err: err}
	}

	known := make(map[string]Record, len(records))
	for _, r := range records {
		known[r.ID] = r
	}
	stored := make(map[string]struct{}, len(blobs))
	for _, b := range blobs {
		stored[b.ID] = struct{}{}
		if _, ok := known[b.ID]; ok {
			continue
		}
		if now.Sub(b.ModTime) < grace {
			continue
		}
		blobLog := log.WithField("fleeting.id", b.ID)
		// it may have been registered since the snapshot
		if _, err := m.Lookup(ctx, b.ID); err == nil {
			continue
		}
		err := m.storer.Delete(yall.InContext(ctx, blobLog), b.ID)
		if err != nil && !errors.Is(err, ErrFileNotFound) {
			blobLog.WithError(err).Error("[fleeting] error deleting orphaned blob")
			continue
		}
		blobLog.Debug("[fleeting] orphaned blob deleted")
		report.OrphansDeleted++
	}

	var missing []Record
	for _, r := range records {
		if _, ok := stored[r.ID]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) < 1 {
		return report, nil
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	for _, r := range missing {
		current, err := txn.First("record", "id", r.ID)
		if err != nil {
			return report, err
		}
		if current == nil || current.(*record).Expiry != r.Expiry.UnixMilli() {
			continue
		}
		if err := txn.Delete("record", current); err != nil {
			return report, fmt.Errorf("error removing record %s: %w", r.ID, err)
		}
		log.WithField("fleeting.id", r.ID).Debug("[fleeting] record without blob purged")
		report.RecordsPurged++
	}
	if err := m.persist(ctx, txn); err != nil {
		return ReconcileReport{OrphansDeleted: report.OrphansDeleted}, &StoreError{Op: "reconcile", Err: err}
	}
	txn.Commit()
	return report, nil
}
