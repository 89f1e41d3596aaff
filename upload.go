package fleeting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"impractical.co/fleeting/magicnumber"
	"yall.in"
)

// UploadOptions represents configuration parameters for optional behaviors of
// Upload.
type UploadOptions struct {
	// AcceptedMIMEs, if set, will only accept files with a MIME type in
	// the list. Entries may use a "type/*" wildcard.
	AcceptedMIMEs []string

	// MaxBytes, if positive, rejects files larger than this many bytes.
	MaxBytes int64
}

// Upload performs a streaming upload of the data in the provided io.Reader,
// writing it to the provided Storer under a fresh ID derived from name. The
// stored Blob is returned; its ID is what must be passed to
// Manager.Register.
//
// If the provided UploadOptions has AcceptedMIMEs set, the file will have its
// MIME type checked, and only be stored if its MIME matches one of the MIME
// types in AcceptedMIMEs. If MaxBytes is set, larger files are rejected. A
// rejected file is never left in the Storer.
//
// If source is also an io.ReadCloser, its Close method will be called by
// Upload.
func Upload(ctx context.Context, s Storer, source io.Reader, name string, opts UploadOptions) (Blob, error) {
	id := NewID(name)

	log := yall.FromContext(ctx)
	log = log.WithField("fleeting.storer", fmt.Sprintf("%T", s))
	log = log.WithField("fleeting.source", fmt.Sprintf("%T", source))
	log = log.WithField("fleeting.original_name", name)
	log = log.WithField("fleeting.id", id)

	// if we can, close the source when we're done
	if rc, ok := source.(io.ReadCloser); ok {
		defer rc.Close()
	}

	// set up a writer that'll record, and possibly restrict, the type of
	// the uploaded file
	ctw := &magicnumber.Checker{
		SupportedMIMEs: opts.AcceptedMIMEs,
	}

	var r io.Reader = source
	if opts.MaxBytes > 0 {
		r = &limitedReader{r: r, n: opts.MaxBytes}
	}
	r = io.TeeReader(r, ctw)

	log.Debug("[fleeting] starting upload")

	blob, err := s.Put(yall.InContext(ctx, log), id, r)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFile) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidID) {
			log.WithError(err).Debug("[fleeting] upload rejected")
			return Blob{}, fmt.Errorf("error uploading %q: %w", name, err)
		}
		return Blob{}, &StoreError{Op: "upload", ID: id, Err: err}
	}

	log = log.WithField("fleeting.size", blob.Size)
	log.Debug("[fleeting] upload written")

	// files shorter than the sniffing window only get checked now
	if err := ctw.Close(); err != nil {
		log.Debug("[fleeting] file type not accepted, deleting")
		if delErr := s.Delete(yall.InContext(ctx, log), id); delErr != nil && !errors.Is(delErr, ErrFileNotFound) {
			return Blob{}, &StoreError{Op: "delete rejected upload", ID: id, Err: delErr}
		}
		return Blob{}, fmt.Errorf("error uploading %q: %w", name, err)
	}
	blob.ContentType = ctw.MatchedMIME

	log = log.WithField("fleeting.content_type", blob.ContentType)
	log.Debug("[fleeting] completed upload")
	return blob, nil
}

// limitedReader is like io.LimitedReader, but reports overflowing the limit
// as ErrTooLarge instead of a silent EOF.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, ErrTooLarge
	}
	// read one byte past the limit so we can tell a file of exactly the
	// limit from a larger one
	if l.n < math.MaxInt64 && int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return 0, ErrTooLarge
	}
	return n, err
}
