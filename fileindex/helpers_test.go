package fileindex

import (
	"context"
	"io"

	"impractical.co/fleeting"
)

// nopStorer is a fleeting.Storer for tests that only exercise the index.
type nopStorer struct{}

func (nopStorer) Put(ctx context.Context, id string, r io.Reader) (fleeting.Blob, error) {
	return fleeting.Blob{ID: id}, nil
}

func (nopStorer) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	return nil, fleeting.ErrFileNotFound
}

func (nopStorer) Delete(ctx context.Context, id string) error {
	return nil
}

func (nopStorer) Stat(ctx context.Context, id string) (fleeting.Blob, error) {
	return fleeting.Blob{}, fleeting.ErrFileNotFound
}

func (nopStorer) List(ctx context.Context) ([]fleeting.Blob, error) {
	return nil, nil
}
