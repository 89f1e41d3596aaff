// Package memory provides in-memory implementations of fleeting.Storer and
// fleeting.Index, for tests and for running without touching the disk.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/h2non/filetype"
	memdb "github.com/hashicorp/go-memdb"
	"impractical.co/fleeting"
	"impractical.co/fleeting/magicnumber"
)

var _ fleeting.Storer = &Storer{}

var (
	schema = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"blob": {
				Name: "blob",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
)

type blob struct {
	ID       string
	Contents []byte
	ModTime  time.Time
}

func (b *blob) toBlob() fleeting.Blob {
	contentType := magicnumber.Unknown
	if t, err := filetype.Match(b.Contents); err == nil && t != filetype.Unknown {
		contentType = t.MIME.Value
	}
	return fleeting.Blob{
		ID:          b.ID,
		Size:        int64(len(b.Contents)),
		ContentType: contentType,
		ModTime:     b.ModTime,
	}
}

// readSeekCloser lets http.ServeContent seek in downloaded blobs.
type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error { return nil }

// Storer is a fleeting.Storer that keeps blobs in a go-memdb database.
type Storer struct {
	db *memdb.MemDB

	mu        sync.Mutex
	now       func() time.Time
	deleteErr error
}

// SetClock overrides the time recorded as each new blob's ModTime.
func (s *Storer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailDeletes makes every subsequent Delete return err, until called again
// with nil.
func (s *Storer) FailDeletes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = err
}

func (s *Storer) Put(ctx context.Context, id string, r io.Reader) (fleeting.Blob, error) {
	if err := fleeting.ValidateID(id); err != nil {
		return fleeting.Blob{}, err
	}
	// buffer everything first, so a failed read never leaves a
	// partial blob behind
	contents, err := io.ReadAll(r)
	if err != nil {
		return fleeting.Blob{}, fmt.Errorf("error reading blob %s: %w", id, err)
	}
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()

	b := &blob{ID: id, Contents: contents, ModTime: now()}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("blob", b); err != nil {
		return fleeting.Blob{}, err
	}
	txn.Commit()
	return b.toBlob(), nil
}

func (s *Storer) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return readSeekCloser{bytes.NewReader(b.Contents)}, nil
}

func (s *Storer) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	deleteErr := s.deleteErr
	s.mu.Unlock()
	if deleteErr != nil {
		return deleteErr
	}

	txn := s.db.Txn(true)
	defer txn.Abort()
	exists, err := txn.First("blob", "id", id)
	if err != nil {
		return err
	}
	if exists == nil {
		return fleeting.ErrFileNotFound
	}
	err = txn.Delete("blob", exists)
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Storer) Stat(ctx context.Context, id string) (fleeting.Blob, error) {
	b, err := s.get(id)
	if err != nil {
		return fleeting.Blob{}, err
	}
	return b.toBlob(), nil
}

func (s *Storer) List(ctx context.Context) ([]fleeting.Blob, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get("blob", "id")
	if err != nil {
		return nil, err
	}
	var blobs []fleeting.Blob
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		blobs = append(blobs, obj.(*blob).toBlob())
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].ID < blobs[j].ID })
	return blobs, nil
}

func (s *Storer) get(id string) (*blob, error) {
	txn := s.db.Txn(false)
	res, err := txn.First("blob", "id", id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fleeting.ErrFileNotFound
	}
	return res.(*blob), nil
}

func NewStorer() (*Storer, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Storer{
		db:  db,
		now: time.Now,
	}, nil
}
