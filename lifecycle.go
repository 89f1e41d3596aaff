package fleeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"yall.in"
)

var (
	schema = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"record": {
				Name: "record",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"expiry": {
						Name:    "expiry",
						Indexer: &memdb.IntFieldIndex{Field: "Expiry"},
					},
				},
			},
		},
	}
)

// record is the in-memory form of a Record. Expiry is in Unix milliseconds,
// the precision the index is persisted with.
type record struct {
	ID     string
	Expiry int64
}

func (r *record) toRecord() Record {
	return Record{ID: r.ID, Expiry: time.UnixMilli(r.Expiry)}
}

// ManagerOptions represents configuration parameters for optional behaviors
// of a Manager.
type ManagerOptions struct {
	// MaxTTL, if positive, caps the retention period of registered
	// files. Longer requests are shortened rather than rejected.
	MaxTTL time.Duration

	// AbortOnCorruptIndex makes NewManager fail when the Index reports
	// ErrCorruptIndex. By default the Manager logs the problem and starts
	// with an empty index, which orphans any blobs the corrupt index was
	// tracking until they're reconciled.
	AbortOnCorruptIndex bool

	// Reconcile makes Run call Reconcile after every sweep, deleting
	// orphaned blobs older than ReconcileGrace.
	Reconcile      bool
	ReconcileGrace time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the lifecycle of every stored file: it is the only thing
// that adds Records to or removes Records from the Index.
//
// The Index is mirrored in memory. Every mutation happens inside a single
// go-memdb write transaction, which admits one writer at a time, and the
// Index is saved before that transaction commits; the in-memory mirror and
// the persisted Index therefore always advance together, and concurrent
// mutations can't overwrite each other. Reads use snapshots and never wait
// on writers.
//
// If the Index is a Locker, the Manager holds its lock until Close, and
// NewManager fails with ErrIndexLocked while another Manager holds it.
type Manager struct {
	storer Storer
	index  Index
	db     *memdb.MemDB
	opts   ManagerOptions
	now    func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewManager returns a Manager for the blobs in storer, seeded with the
// Records persisted in index.
func NewManager(ctx context.Context, storer Storer, index Index, opts ManagerOptions) (*Manager, error) {
	log := yall.FromContext(ctx)
	log = log.WithField("fleeting.storer", fmt.Sprintf("%T", storer))
	log = log.WithField("fleeting.index", fmt.Sprintf("%T", index))

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("error creating record database: %w", err)
	}
	m := &Manager{
		storer: storer,
		index:  index,
		db:     db,
		opts:   opts,
		now:    opts.Clock,
	}
	if m.now == nil {
		m.now = time.Now
	}

	if locker, ok := index.(Locker); ok {
		if err := locker.Lock(ctx); err != nil {
			return nil, fmt.Errorf("error locking index: %w", err)
		}
		log.Debug("[fleeting] index locked")
	}
	if err := m.load(ctx, log); err != nil {
		_ = m.Close(ctx)
		return nil, err
	}
	log.Debug("[fleeting] manager ready")
	return m, nil
}

func (m *Manager) load(ctx context.Context, log *yall.Logger) error {
	records, err := m.index.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorruptIndex) || m.opts.AbortOnCorruptIndex {
			return fmt.Errorf("error loading index: %w", err)
		}
		log.WithError(err).Error("[fleeting] INDEX IS CORRUPT, starting with an empty index; files it tracked will not expire until reconciled")
		records = nil
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	for _, r := range records {
		exp := r.Expiry.UnixMilli()
		existing, err := txn.First("record", "id", r.ID)
		if err != nil {
			return err
		}
		// the same ID twice can only come from a hand-edited or
		// racing-writer index; honour whichever expires first
		if existing != nil && existing.(*record).Expiry <= exp {
			continue
		}
		if err := txn.Insert("record", &record{ID: r.ID, Expiry: exp}); err != nil {
			return fmt.Errorf("error loading record %s: %w", r.ID, err)
		}
	}
	txn.Commit()

	log.WithField("fleeting.records", len(records)).Debug("[fleeting] loaded index")
	return nil
}

// Close releases the Index lock, if the Index is a Locker. The Manager
// must not be used afterwards. Calling Close again returns the first
// call's result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		locker, ok := m.index.(Locker)
		if !ok {
			return
		}
		if err := locker.Unlock(ctx); err != nil {
			m.closeErr = fmt.Errorf("error unlocking index: %w", err)
			return
		}
		yall.FromContext(ctx).Debug("[fleeting] index unlocked")
	})
	return m.closeErr
}

// Register starts tracking the blobs with the provided IDs, which must
// already be stored, so that they're removed once ttl has passed. All of the
// IDs share one expiry, which is returned.
//
// The batch is registered atomically: if any ID is invalid, repeated, or
// already registered, nothing is registered.
func (m *Manager) Register(ctx context.Context, ids []string, ttl time.Duration) (time.Time, error) {
	log := yall.FromContext(ctx)
	log = log.WithField("fleeting.ids", ids)
	log = log.WithField("fleeting.ttl", ttl.String())

	if len(ids) < 1 {
		return time.Time{}, ErrNoFiles
	}
	if ttl <= 0 {
		return time.Time{}, fmt.Errorf("retention of %s: %w", ttl, ErrInvalidTTL)
	}
	if m.opts.MaxTTL > 0 && ttl > m.opts.MaxTTL {
		log.WithField("fleeting.max_ttl", m.opts.MaxTTL.String()).Debug("[fleeting] clamping retention period")
		ttl = m.opts.MaxTTL
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return time.Time{}, err
		}
		if _, ok := seen[id]; ok {
			return time.Time{}, fmt.Errorf("%s appears twice in one batch: %w", id, ErrAlreadyRegistered)
		}
		seen[id] = struct{}{}
	}

	expiry := m.now().Add(ttl).Truncate(time.Millisecond)
	log = log.WithField("fleeting.expiry", expiry)

	txn := m.db.Txn(true)
	defer txn.Abort()
	for _, id := range ids {
		existing, err := txn.First("record", "id", id)
		if err != nil {
			return time.Time{}, err
		}
		if existing != nil {
			return time.Time{}, fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
		}
		if err := txn.Insert("record", &record{ID: id, Expiry: expiry.UnixMilli()}); err != nil {
			return time.Time{}, fmt.Errorf("error registering %s: %w", id, err)
		}
	}
	if err := m.persist(ctx, txn); err != nil {
		log.WithError(err).Error("[fleeting] error persisting registration")
		return time.Time{}, &StoreError{Op: "register", Err: err}
	}
	txn.Commit()

	log.Debug("[fleeting] registered files")
	return expiry, nil
}

// DeleteOne removes a file before its expiry. The blob is deleted first; the
// Index is only updated once that succeeds. A blob with no Record is still
// deleted.
//
// Once the blob is gone the file counts as deleted: if the Index can't be
// saved afterwards, the failure is logged, the Record stays until it expires,
// and the sweep then drops it.
func (m *Manager) DeleteOne(ctx context.Context, id string) error {
	log := yall.FromContext(ctx).WithField("fleeting.id", id)

	if err := ValidateID(id); err != nil {
		return err
	}
	err := m.storer.Delete(yall.InContext(ctx, log), id)
	if errors.Is(err, ErrFileNotFound) {
		return fmt.Errorf("error deleting %s: %w", id, ErrFileNotFound)
	}
	if err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	log.Debug("[fleeting] blob deleted")

	txn := m.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First("record", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Debug("[fleeting] deleted blob had no record")
		return nil
	}
	if err := txn.Delete("record", existing); err != nil {
		return fmt.Errorf("error removing record %s: %w", id, err)
	}
	if err := m.persist(ctx, txn); err != nil {
		log.WithError(err).Error("[fleeting] error persisting deletion, record left for the sweep")
		return nil
	}
	txn.Commit()

	log.Debug("[fleeting] record removed")
	return nil
}

// SweepExpired deletes the blobs of every Record that expired at or before
// now and drops those Records from the Index, returning how many Records
// were dropped.
//
// A blob that can't be deleted is logged and its Record is dropped anyway,
// so a vanished blob can't pin a Record forever.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	log := yall.FromContext(ctx).WithField("fleeting.sweep_time", now)

	var expired []*record
	read := m.db.Txn(false)
	iter, err := read.Get("record", "expiry")
	if err != nil {
		return 0, err
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		r := obj.(*record)
		if !r.toRecord().Expired(now) {
			// the index is ordered by expiry
			break
		}
		expired = append(expired, r)
	}
	if len(expired) < 1 {
		log.Debug("[fleeting] nothing to sweep")
		return 0, nil
	}

	// blob I/O happens outside the write transaction, so registrations
	// aren't held up by a slow sweep
	for _, r := range expired {
		blobLog := log.WithField("fleeting.id", r.ID)
		err := m.storer.Delete(yall.InContext(ctx, blobLog), r.ID)
		switch {
		case errors.Is(err, ErrFileNotFound):
			blobLog.Debug("[fleeting] expired blob already gone")
		case err != nil:
			blobLog.WithError(err).Error("[fleeting] error deleting expired blob, dropping its record anyway")
		default:
			blobLog.Debug("[fleeting] expired blob deleted")
		}
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	var removed int
	for _, r := range expired {
		current, err := txn.First("record", "id", r.ID)
		if err != nil {
			return 0, err
		}
		// removed by DeleteOne while we were deleting blobs
		if current == nil || current.(*record).Expiry != r.Expiry {
			continue
		}
		if err := txn.Delete("record", current); err != nil {
			return 0, fmt.Errorf("error removing record %s: %w", r.ID, err)
		}
		removed++
	}
	if err := m.persist(ctx, txn); err != nil {
		log.WithError(err).Error("[fleeting] error persisting sweep")
		return 0, &StoreError{Op: "sweep", Err: err}
	}
	txn.Commit()

	log.WithField("fleeting.removed", removed).Debug("[fleeting] sweep complete")
	return removed, nil
}

// Records returns every live Record, soonest expiry first.
func (m *Manager) Records(ctx context.Context) ([]Record, error) {
	txn := m.db.Txn(false)
	return collect(txn, "expiry")
}

// Lookup returns the Record for id, or ErrFileNotFound.
func (m *Manager) Lookup(ctx context.Context, id string) (Record, error) {
	txn := m.db.Txn(false)
	res, err := txn.First("record", "id", id)
	if err != nil {
		return Record{}, err
	}
	if res == nil {
		return Record{}, ErrFileNotFound
	}
	return res.(*record).toRecord(), nil
}

// persist saves every Record visible to txn, including its uncommitted
// changes.
func (m *Manager) persist(ctx context.Context, txn *memdb.Txn) error {
	records, err := collect(txn, "id")
	if err != nil {
		return err
	}
	return m.index.Save(ctx, records)
}

func collect(txn *memdb.Txn, index string) ([]Record, error) {
	iter, err := txn.Get("record", index)
	if err != nil {
		return nil, err
	}
	records := []Record{}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		records = append(records, obj.(*record).toRecord())
	}
	return records, nil
}
