// Package fleeting stores uploaded files for a limited time. Every stored
// blob is tracked by a Record carrying its expiry, the set of Records is
// persisted through an Index, and a Manager periodically sweeps the blobs
// whose time has run out.
package fleeting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"impractical.co/fleeting/magicnumber"
)

var (
	// ErrFileNotFound is returned when a File is requested and can't be found.
	ErrFileNotFound = errors.New("file not found")

	// ErrNoFiles is returned when a registration or upload contains no
	// files.
	ErrNoFiles = errors.New("no files uploaded")

	// ErrTooManyFiles is returned when an upload contains more files than
	// the configured maximum.
	ErrTooManyFiles = errors.New("too many files")

	// ErrInvalidTTL is returned when a retention period is not a positive,
	// finite duration.
	ErrInvalidTTL = errors.New("invalid expiry time")

	// ErrInvalidID is returned when a blob ID could escape its storage
	// location or is otherwise unusable as a storage name.
	ErrInvalidID = errors.New("invalid file id")

	// ErrAlreadyRegistered is returned when an ID that already has a
	// Record is registered again.
	ErrAlreadyRegistered = errors.New("file already registered")

	// ErrTooLarge is returned when an upload exceeds the configured size
	// limit.
	ErrTooLarge = errors.New("file too large")

	// ErrUnsupportedFile is returned when an upload's detected MIME type
	// isn't accepted.
	ErrUnsupportedFile = magicnumber.ErrUnsupportedFile

	// ErrCorruptIndex is returned by an Index when its persisted state
	// exists but can't be parsed.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrIndexLocked is returned by NewManager when another Manager,
	// possibly in another process, holds the Index.
	ErrIndexLocked = errors.New("index is locked by another manager")
)

// StoreError wraps an I/O failure in a Storer or Index. The Index is left
// untouched whenever a StoreError is returned from a Manager method.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("error during %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("error during %s of %s: %s", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Blob describes the stored bytes of one uploaded file.
type Blob struct {
	ID          string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Record tracks when the blob with the same ID must be removed.
type Record struct {
	ID     string
	Expiry time.Time
}

// Expired reports whether the Record's expiry is at or before now.
func (r Record) Expired(now time.Time) bool {
	return !r.Expiry.After(now)
}

// Storer represents a destination for uploaded files.
type Storer interface {
	// Put stores the contents of r under id. A partially written blob
	// must never become visible; if r returns an error, nothing is
	// stored.
	Put(ctx context.Context, id string, r io.Reader) (Blob, error)
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes the blob, returning ErrFileNotFound if it doesn't
	// exist.
	Delete(ctx context.Context, id string) error
	Stat(ctx context.Context, id string) (Blob, error)
	List(ctx context.Context) ([]Blob, error)
}

// Index persists the complete set of Records.
type Index interface {
	// Load returns the persisted Records, or none if nothing has been
	// persisted yet. Unparsable state is reported with an error wrapping
	// ErrCorruptIndex.
	Load(ctx context.Context) ([]Record, error)

	// Save atomically replaces everything persisted with records.
	Save(ctx context.Context, records []Record) error
}

// Locker is implemented by Indexes that more than one process could open.
// A Manager holds the lock from NewManager until Close, so that only one
// Manager ever writes to an Index.
type Locker interface {
	// Lock claims the Index, returning an error wrapping ErrIndexLocked
	// if someone else holds it. It does not wait.
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}
