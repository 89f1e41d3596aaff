package localfs

import (
	"context"

	"github.com/spf13/afero"
	"impractical.co/fleeting"
)

// Factory creates Storers on throwaway in-memory filesystems.
type Factory struct{}

func (f Factory) NewStorer(ctx context.Context) (fleeting.Storer, error) {
	return NewStorer(afero.NewMemMapFs(), "/srv/uploads")
}

func (f Factory) TeardownStorers() error {
	return nil
}
