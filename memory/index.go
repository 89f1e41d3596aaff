package memory

import (
	"context"
	"sync"

	"impractical.co/fleeting"
)

var (
	_ fleeting.Index  = &Index{}
	_ fleeting.Locker = &Index{}
)

// Index is a fleeting.Index that only lives as long as the process. Load and
// Save can be made to fail, to exercise a Manager's error handling.
type Index struct {
	mu      sync.Mutex
	records []fleeting.Record
	saves   int
	loadErr error
	saveErr error
	locked  bool
}

// NewIndex returns an Index that already holds records, as though a
// previous process had saved them.
func NewIndex(records ...fleeting.Record) *Index {
	return &Index{records: append([]fleeting.Record(nil), records...)}
}

func (i *Index) Load(ctx context.Context) ([]fleeting.Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.loadErr != nil {
		return nil, i.loadErr
	}
	return append([]fleeting.Record(nil), i.records...), nil
}

func (i *Index) Save(ctx context.Context, records []fleeting.Record) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.saveErr != nil {
		return i.saveErr
	}
	i.records = append([]fleeting.Record(nil), records...)
	i.saves++
	return nil
}

// Lock claims the Index for one Manager.
func (i *Index) Lock(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.locked {
		return fleeting.ErrIndexLocked
	}
	i.locked = true
	return nil
}

func (i *Index) Unlock(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.locked = false
	return nil
}

// Saves returns how many times Save has succeeded.
func (i *Index) Saves() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.saves
}

// FailLoads makes every subsequent Load return err, until called again with
// nil.
func (i *Index) FailLoads(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.loadErr = err
}

// FailSaves makes every subsequent Save return err, until called again with
// nil.
func (i *Index) FailSaves(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.saveErr = err
}
