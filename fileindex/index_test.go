package fileindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"impractical.co/fleeting"
	yall "yall.in"
	"yall.in/colour"
)

func testContext() context.Context {
	return yall.InContext(context.Background(), yall.New(colour.New(os.Stdout, yall.Debug)))
}

func TestLoadMissingIsEmpty(t *testing.T) {
	t.Parallel()
	idx, err := New(afero.NewMemMapFs(), "/var/lib/fleeting/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	records, err := idx.Load(testContext())
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records, got %+v", records)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	fs := afero.NewMemMapFs()
	idx, err := New(fs, "/data/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	expiry := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	in := []fleeting.Record{
		{ID: "a", Expiry: expiry},
		{ID: "b", Expiry: expiry.Add(time.Hour)},
	}
	if err := idx.Save(ctx, in); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	// a fresh Index, as after a restart
	idx, err = New(fs, "/data/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	out, err := idx.Load(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Expected %d records, got %+v", len(in), out)
	}
	for pos := range in {
		if out[pos].ID != in[pos].ID || !out[pos].Expiry.Equal(in[pos].Expiry) {
			t.Errorf("Expected record %d to be %+v, got %+v", pos, in[pos], out[pos])
		}
	}

	// no temp files are left next to the index
	infos, err := afero.ReadDir(fs, "/data")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(infos) != 1 {
		var names []string
		for _, info := range infos {
			names = append(names, info.Name())
		}
		t.Errorf("Expected only the index in /data, found %v", names)
	}
}

func TestLoadOriginalFormat(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	doc := `[
  {
    "filename": "0b5e7b8e-5a55-4c43-9d3c-6f4c2e0f3c11-cat.gif",
    "expiryTimestamp": 1709296200000
  }
]`
	if err := afero.WriteFile(fs, "/fileMetadata.json", []byte(doc), 0o644); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	idx, err := New(fs, "/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	records, err := idx.Load(testContext())
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if len(records) != 1 || records[0].ID != "0b5e7b8e-5a55-4c43-9d3c-6f4c2e0f3c11-cat.gif" || !records[0].Expiry.Equal(want) {
		t.Errorf("Expected the cat gif expiring at %s, got %+v", want, records)
	}
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()
	table := map[string]string{
		"truncated":  `[{"filename": "a", "expiryTim`,
		"empty":      "",
		"wrongShape": `{"filename": "a"}`,
		"wrongType":  `[{"filename": "a", "expiryTimestamp": "tomorrow"}]`,
		"noFilename": `[{"expiryTimestamp": 1}]`,
		"onlySpaces": "  \n",
	}
	for name, doc := range table {
		name, doc := name, doc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			if err := afero.WriteFile(fs, "/fileMetadata.json", []byte(doc), 0o644); err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
			idx, err := New(fs, "/fileMetadata.json")
			if err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
			_, err = idx.Load(testContext())
			if !errors.Is(err, fleeting.ErrCorruptIndex) {
				t.Errorf("Expected %q, got %v", fleeting.ErrCorruptIndex, err)
			}
		})
	}
}

// failingRenameFs simulates a crash between writing the new index and
// moving it into place.
type failingRenameFs struct {
	afero.Fs
}

func (f failingRenameFs) Rename(oldname, newname string) error {
	return errors.New("power cut")
}

func TestFailedSaveKeepsPreviousIndex(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	fs := afero.NewMemMapFs()
	idx, err := New(fs, "/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	expiry := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if err := idx.Save(ctx, []fleeting.Record{{ID: "kept", Expiry: expiry}}); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	broken, err := New(failingRenameFs{fs}, "/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := broken.Save(ctx, []fleeting.Record{{ID: "lost", Expiry: expiry}}); err == nil {
		t.Fatal("Expected an error")
	}

	records, err := idx.Load(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(records) != 1 || records[0].ID != "kept" {
		t.Errorf("Expected the previous index to survive, got %+v", records)
	}
}

func TestManagerOverFileIndex(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	fs := afero.NewMemMapFs()
	idx, err := New(fs, "/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	storer := nopStorer{}
	manager, err := fleeting.NewManager(ctx, storer, idx, fleeting.ManagerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	expiry, err := manager.Register(ctx, []string{"a", "b"}, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	// restart
	if err := manager.Close(ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	manager, err = fleeting.NewManager(ctx, storer, idx, fleeting.ManagerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	records, err := manager.Records(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records after a restart, got %+v", records)
	}
	for _, r := range records {
		if !r.Expiry.Equal(expiry) {
			t.Errorf("Expected %s to expire at %s, got %s", r.ID, expiry, r.Expiry)
		}
	}
}

func TestSecondManagerCantLockIndex(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	fs := afero.NewMemMapFs()
	serving, err := New(fs, "/srv/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	sweeping, err := New(fs, "/srv/fileMetadata.json")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	server, err := fleeting.NewManager(ctx, nopStorer{}, serving, fleeting.ManagerOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if _, err := fleeting.NewManager(ctx, nopStorer{}, sweeping, fleeting.ManagerOptions{}); !errors.Is(err, fleeting.ErrIndexLocked) {
		t.Fatalf("Expected ErrIndexLocked while another manager holds the index, got %v", err)
	}

	// the registration the second manager could have overwritten survives
	if _, err := server.Register(ctx, []string{"new"}, time.Hour); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := server.Close(ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if exists, _ := afero.Exists(fs, serving.LockPath()); exists {
		t.Errorf("Expected %s to be removed on Close", serving.LockPath())
	}

	sweeper, err := fleeting.NewManager(ctx, nopStorer{}, sweeping, fleeting.ManagerOptions{})
	if err != nil {
		t.Fatalf("Expected the index to be free once the first manager closed, got %s", err)
	}
	defer sweeper.Close(ctx)
	if _, err := sweeper.Lookup(ctx, "new"); err != nil {
		t.Errorf("Expected the registration to survive, got %s", err)
	}
}

func TestOSFilesystem(t *testing.T) {
	t.Parallel()
	ctx := testContext()
	path := filepath.Join(t.TempDir(), "fileMetadata.json")
	first, err := New(afero.NewOsFs(), path)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	second, err := New(afero.NewOsFs(), path)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	if err := first.Lock(ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := second.Lock(ctx); !errors.Is(err, fleeting.ErrIndexLocked) {
		t.Fatalf("Expected ErrIndexLocked while the flock is held, got %v", err)
	}

	expiry := time.UnixMilli(1709299800000)
	if err := first.Save(ctx, []fleeting.Record{{ID: "a.png", Expiry: expiry}}); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	records, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(records) != 1 || records[0].ID != "a.png" || !records[0].Expiry.Equal(expiry) {
		t.Errorf("Expected the saved record back, got %+v", records)
	}

	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := second.Lock(ctx); err != nil {
		t.Fatalf("Expected the flock to be free after Unlock, got %s", err)
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
}
