package memory

import (
	"context"

	"impractical.co/fleeting"
)

type Factory struct{}

func (f Factory) NewStorer(ctx context.Context) (fleeting.Storer, error) {
	return NewStorer()
}

func (f Factory) TeardownStorers() error {
	return nil
}
