package fleeting_test

import (
	"context"

	"impractical.co/fleeting"
)

// brokenLister is a Storer whose List always fails.
type brokenLister struct {
	fleeting.Storer
	err error
}

func (b brokenLister) List(ctx context.Context) ([]fleeting.Blob, error) {
	return nil, b.err
}
