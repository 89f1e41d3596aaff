package fleeting

import (
	"context"
	"fmt"
	"io"

	"yall.in"
)

// Open returns the contents of the blob with the provided ID along with its
// metadata, returning an ErrFileNotFound error if the ID does not exist
// inside the Storer. The caller must close the returned reader.
//
// The reader is whatever the Storer hands out; callers that want to honour
// range requests should check for io.ReadSeeker.
func Open(ctx context.Context, s Storer, id string) (io.ReadCloser, Blob, error) {
	log := yall.FromContext(ctx)
	log = log.WithField("fleeting.storer", fmt.Sprintf("%T", s))
	log = log.WithField("fleeting.id", id)

	if err := ValidateID(id); err != nil {
		return nil, Blob{}, err
	}

	log.Debug("[fleeting] opening blob")

	blob, err := s.Stat(yall.InContext(ctx, log), id)
	if err != nil {
		return nil, Blob{}, fmt.Errorf("error stating %s in %T: %w", id, s, err)
	}

	rc, err := s.Download(yall.InContext(ctx, log), id)
	if err != nil {
		return nil, Blob{}, fmt.Errorf("error starting download from %T: %w", s, err)
	}

	log.WithField("fleeting.size", blob.Size).Debug("[fleeting] blob opened")
	return rc, blob, nil
}
