// Package fileindex persists a fleeting.Index as a single JSON document.
//
// The document is an array of {"filename", "expiryTimestamp"} objects, the
// timestamp in Unix milliseconds. Saves are written to a temp file next to
// the index and renamed over it, so a crash mid-save leaves the previous
// index intact.
//
// Lock guards the index with a lock file next to it. On the OS filesystem
// that's an advisory flock, which the kernel drops if the holder dies; on
// any other afero.Fs the lock file's existence is the lock.
package fileindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"impractical.co/fleeting"
	"yall.in"
)

var (
	_ fleeting.Index  = &Index{}
	_ fleeting.Locker = &Index{}
)

type entry struct {
	Filename        string `json:"filename"`
	ExpiryTimestamp int64  `json:"expiryTimestamp"`
}

// Index is a fleeting.Index stored at Path in an afero.Fs.
type Index struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	release func() error
}

// New returns an Index stored at path, creating its parent directory if
// needed. Nothing is written until the first Save.
func New(fs afero.Fs, path string) (*Index, error) {
	path = filepath.Clean(path)
	if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("error creating index directory: %w", err)
	}
	return &Index{fs: fs, path: path}, nil
}

// Path returns where the index is stored.
func (i *Index) Path() string {
	return i.path
}

func (i *Index) Load(ctx context.Context) ([]fleeting.Record, error) {
	log := yall.FromContext(ctx).WithField("fileindex.path", i.path)

	b, err := afero.ReadFile(i.fs, i.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug("[fileindex] no index yet, starting empty")
		return []fleeting.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading index %s: %w", i.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("index %s is empty: %w", i.path, fleeting.ErrCorruptIndex)
	}
	var entries []entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("error parsing index %s: %s: %w", i.path, err, fleeting.ErrCorruptIndex)
	}
	records := make([]fleeting.Record, 0, len(entries))
	for pos, e := range entries {
		if e.Filename == "" {
			return nil, fmt.Errorf("entry %d of index %s has no filename: %w", pos, i.path, fleeting.ErrCorruptIndex)
		}
		records = append(records, fleeting.Record{
			ID:     e.Filename,
			Expiry: time.UnixMilli(e.ExpiryTimestamp),
		})
	}
	log.WithField("fileindex.records", len(records)).Debug("[fileindex] loaded index")
	return records, nil
}

func (i *Index) Save(ctx context.Context, records []fleeting.Record) error {
	entries := make([]entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, entry{
			Filename:        r.ID,
			ExpiryTimestamp: r.Expiry.UnixMilli(),
		})
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding index: %w", err)
	}

	tmp, err := afero.TempFile(i.fs, filepath.Dir(i.path), "."+filepath.Base(i.path)+".*")
	if err != nil {
		return fmt.Errorf("error creating temp index: %w", err)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = i.fs.Remove(tmpName)
	}
	if _, err := tmp.Write(b); err != nil {
		discard()
		return fmt.Errorf("error writing temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return fmt.Errorf("error syncing temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return fmt.Errorf("error closing temp index: %w", err)
	}
	if err := i.fs.Rename(tmpName, i.path); err != nil {
		discard()
		return fmt.Errorf("error replacing index %s: %w", i.path, err)
	}
	if err := i.syncDir(); err != nil {
		return fmt.Errorf("error syncing index directory: %w", err)
	}
	yall.FromContext(ctx).WithField("fileindex.path", i.path).
		WithField("fileindex.records", len(records)).Debug("[fileindex] saved index")
	return nil
}

// syncDir flushes the rename to disk. Only the OS filesystem has a
// directory worth syncing.
func (i *Index) syncDir() error {
	if _, ok := i.fs.(*afero.OsFs); !ok {
		return nil
	}
	dir, err := i.fs.Open(filepath.Dir(i.path))
	if err != nil {
		return err
	}
	if err := dir.Sync(); err != nil {
		_ = dir.Close()
		return err
	}
	return dir.Close()
}

// LockPath returns the lock file guarding the index.
func (i *Index) LockPath() string {
	return i.path + ".lock"
}

// Lock claims the index, failing with fleeting.ErrIndexLocked if another
// Index, in this process or any other, holds it.
func (i *Index) Lock(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.release != nil {
		return fmt.Errorf("%s already held: %w", i.LockPath(), fleeting.ErrIndexLocked)
	}
	log := yall.FromContext(ctx).WithField("fileindex.lock", i.LockPath())

	if _, ok := i.fs.(*afero.OsFs); ok {
		fl := flock.New(i.LockPath())
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("error locking %s: %w", i.LockPath(), err)
		}
		if !locked {
			return fmt.Errorf("%s: %w", i.LockPath(), fleeting.ErrIndexLocked)
		}
		i.release = fl.Unlock
		log.Debug("[fileindex] index locked")
		return nil
	}

	f, err := i.fs.OpenFile(i.LockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", i.LockPath(), fleeting.ErrIndexLocked)
	}
	if err != nil {
		return fmt.Errorf("error creating %s: %w", i.LockPath(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error creating %s: %w", i.LockPath(), err)
	}
	i.release = func() error {
		return i.fs.Remove(i.LockPath())
	}
	log.Debug("[fileindex] index locked")
	return nil
}

// Unlock releases a lock taken by Lock. Unlocking an Index that isn't
// locked does nothing.
func (i *Index) Unlock(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.release == nil {
		return nil
	}
	if err := i.release(); err != nil {
		return fmt.Errorf("error unlocking %s: %w", i.LockPath(), err)
	}
	i.release = nil
	yall.FromContext(ctx).WithField("fileindex.lock", i.LockPath()).Debug("[fileindex] index unlocked")
	return nil
}
