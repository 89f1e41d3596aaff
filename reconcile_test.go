package fleeting_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"impractical.co/fleeting"
)

func TestReconcile(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, fleeting.ManagerOptions{})
	f.storer.SetClock(f.clock.Now)

	f.put(t, "tracked", "old-orphan")
	if _, err := f.manager.Register(f.ctx, []string{"tracked", "blobless"}, time.Hour); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	f.clock.Advance(2 * time.Hour)
	// written recently, and maybe about to be registered
	f.put(t, "fresh-orphan")

	report, err := f.manager.Reconcile(f.ctx, f.clock.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if report.OrphansDeleted != 1 {
		t.Errorf("Expected 1 orphan to be deleted, got %d", report.OrphansDeleted)
	}
	if report.RecordsPurged != 1 {
		t.Errorf("Expected 1 record to be purged, got %d", report.RecordsPurged)
	}
	if f.blobExists(t, "old-orphan") {
		t.Error("Expected old-orphan to be deleted")
	}
	for _, id := range []string{"tracked", "fresh-orphan"} {
		if !f.blobExists(t, id) {
			t.Errorf("Expected %s to survive", id)
		}
	}
	persisted := f.persisted(t)
	if _, ok := persisted["tracked"]; !ok || len(persisted) != 1 {
		t.Errorf("Expected only tracked to be persisted, got %v", persisted)
	}
}

func TestRunReconcilesWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, fleeting.ManagerOptions{Reconcile: true, ReconcileGrace: time.Minute})
	f.storer.SetClock(f.clock.Now)
	f.put(t, "orphan")
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx, time.Hour) }()

	deadline := time.Now().Add(5 * time.Second)
	for f.blobExists(t, "orphan") {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for reconciliation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err == nil {
		t.Error("Expected Run to return an error once cancelled")
	}
}

func TestReconcileListFailure(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, fleeting.ManagerOptions{})
	broken := brokenLister{Storer: f.storer, err: errors.New("stale NFS handle")}
	if err := f.manager.Close(f.ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	manager, err := fleeting.NewManager(f.ctx, broken, f.index, fleeting.ManagerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	defer manager.Close(f.ctx)
	_, err = manager.Reconcile(f.ctx, time.Now(), time.Hour)
	var storeErr *fleeting.StoreError
	if !errors.As(err, &storeErr) || !errors.Is(err, broken.err) {
		t.Errorf("Expected a StoreError wrapping %q, got %v", broken.err, err)
	}
}
