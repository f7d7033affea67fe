package opalkv

// db.go implements the optimistic transaction database.
//
// OptimisticTransactionDB layers optimistic-concurrency transactions,
// snapshots and column families over the base engine. Transactions
// buffer writes privately and validate their tracked reads at commit;
// there is no locking and no wait, a lost race surfaces as ErrConflict.

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opalkv/opalkv/internal/batch"
	"github.com/opalkv/opalkv/internal/engine"
	"github.com/opalkv/opalkv/internal/logging"
)

// OptimisticTransactionDB is an embedded ordered key-value store with
// optimistic transactions. It is safe for concurrent use by multiple
// goroutines; individual transactions and iterators are not.
type OptimisticTransactionDB struct {
	path   string
	opts   Options
	cmp    Comparator
	logger logging.Logger
	eng    *engine.Engine
	cfs    *columnFamilySet

	mu     sync.Mutex
	closed bool
	txns   map[*Transaction]struct{}
}

// Open opens or creates the database at path.
func Open(path string, opts *Options) (*OptimisticTransactionDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	cmp := opts.Comparator
	if cmp == nil {
		cmp = DefaultComparator()
	}
	logger := logging.OrDefault(opts.Logger)

	eng, err := engine.Open(path, engine.Options{
		CreateIfMissing: opts.CreateIfMissing,
		ErrorIfExists:   opts.ErrorIfExists,
		Compare:         cmp.Compare,
		Merger:          opts.MergeOperator,
		Compression:     opts.Compression,
		DisableWAL:      opts.DisableWAL,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opalkv: open %s: %w", path, err)
	}

	db := &OptimisticTransactionDB{
		path:   path,
		opts:   *opts,
		cmp:    cmp,
		logger: logger,
		eng:    eng,
		cfs:    newColumnFamilySet(),
		txns:   make(map[*Transaction]struct{}),
	}
	for _, fi := range eng.Families() {
		db.cfs.add(fi.ID, fi.Name)
	}
	logger.Infof(logging.NSDB+"opened %s (%d column families)", path, len(eng.Families()))
	return db, nil
}

// OpenColumnFamilies opens the database and ensures the named column
// families exist, creating missing ones. The returned handles align
// with names. The default column family is always present whether or
// not it is listed.
func OpenColumnFamilies(path string, opts *Options, names []string) (*OptimisticTransactionDB, []ColumnFamilyHandle, error) {
	db, err := Open(path, opts)
	if err != nil {
		return nil, nil, err
	}

	handles := make([]ColumnFamilyHandle, 0, len(names))
	for _, name := range names {
		cfd, ok := db.cfs.get(name)
		if !ok {
			id, err := db.eng.CreateColumnFamily(name)
			if err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("opalkv: create column family %q: %w", name, err)
			}
			cfd = db.cfs.add(id, name)
		}
		if cfd == nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("%w: %q", ErrMissingColumnFamilyHandle, name)
		}
		handles = append(handles, &cfHandle{cfd: cfd})
	}
	return db, handles, nil
}

// Destroy removes all persisted state of the database at path.
// The database must not be open.
func Destroy(path string, opts *Options) error {
	return engine.Destroy(path)
}

// Close rolls back all in-flight transactions and closes the engine.
// Close is idempotent.
func (db *OptimisticTransactionDB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	active := make([]*Transaction, 0, len(db.txns))
	for t := range db.txns {
		active = append(active, t)
	}
	db.txns = nil
	db.mu.Unlock()

	for _, t := range active {
		t.invalidate()
	}
	if len(active) > 0 {
		db.logger.Warnf(logging.NSDB+"closed with %d active transactions rolled back", len(active))
	}
	return db.eng.Close()
}

// Path returns the database directory.
func (db *OptimisticTransactionDB) Path() string { return db.path }

// LatestSequenceNumber returns the sequence of the newest commit.
func (db *OptimisticTransactionDB) LatestSequenceNumber() uint64 {
	return db.eng.LatestSequence()
}

func (db *OptimisticTransactionDB) failIfClosed() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDBClosed
	}
	return nil
}

// mapEngineErr translates engine sentinels into the public error surface.
func (db *OptimisticTransactionDB) mapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrClosed):
		return ErrDBClosed
	case errors.Is(err, engine.ErrFamilyUnknown):
		return ErrColumnFamilyDropped
	case errors.Is(err, engine.ErrFamilyExists):
		return ErrColumnFamilyExists
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrMergeOperatorMissing):
		return err
	default:
		return fmt.Errorf("opalkv: %w", err)
	}
}

// CreateColumnFamily creates a new column family and returns its handle.
// ColumnFamilyOptions is reserved; column families currently share the
// database's comparator and merge operator.
func (db *OptimisticTransactionDB) CreateColumnFamily(opts ColumnFamilyOptions, name string) (ColumnFamilyHandle, error) {
	if err := db.failIfClosed(); err != nil {
		return nil, err
	}
	id, err := db.eng.CreateColumnFamily(name)
	if err != nil {
		return nil, db.mapEngineErr(err)
	}
	cfd := db.cfs.add(id, name)
	return &cfHandle{cfd: cfd}, nil
}

// DropColumnFamily drops the named column family. Its data becomes
// unreachable and outstanding handles turn invalid. The default column
// family cannot be dropped.
func (db *OptimisticTransactionDB) DropColumnFamily(name string) error {
	if err := db.failIfClosed(); err != nil {
		return err
	}
	if name == DefaultColumnFamilyName {
		return ErrCannotDropDefaultCF
	}
	cfd, ok := db.cfs.get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, name)
	}
	if err := db.eng.DropColumnFamily(cfd.id); err != nil {
		if errors.Is(err, engine.ErrFamilyUnknown) {
			return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, name)
		}
		return db.mapEngineErr(err)
	}
	cfd.dropped.Store(true)
	db.cfs.remove(cfd)
	return nil
}

// ColumnFamily returns a handle for the named column family.
func (db *OptimisticTransactionDB) ColumnFamily(name string) (ColumnFamilyHandle, bool) {
	cfd, ok := db.cfs.get(name)
	if !ok {
		return nil, false
	}
	return &cfHandle{cfd: cfd}, true
}

// DefaultColumnFamily returns the handle of the default column family.
func (db *OptimisticTransactionDB) DefaultColumnFamily() ColumnFamilyHandle {
	h, _ := db.ColumnFamily(DefaultColumnFamilyName)
	return h
}

// ListColumnFamilies returns the live column family names, sorted.
func (db *OptimisticTransactionDB) ListColumnFamilies() []string {
	names := db.cfs.names()
	sort.Strings(names)
	return names
}

// BeginTransaction starts a new optimistic transaction. It never fails;
// a transaction begun on a closed database is born terminated.
// Nil options mean defaults.
func (db *OptimisticTransactionDB) BeginTransaction(to *TransactionOptions, wo *WriteOptions) *Transaction {
	return db.beginTransaction(wo, to, false)
}

// GetSnapshot returns a consistent point-in-time read view. The caller
// must Release it to allow version reclamation.
func (db *OptimisticTransactionDB) GetSnapshot() *Snapshot {
	return &Snapshot{txn: db.beginTransaction(nil, &TransactionOptions{SetSnapshot: true}, true)}
}

func (db *OptimisticTransactionDB) beginTransaction(wo *WriteOptions, to *TransactionOptions, readOnly bool) *Transaction {
	if wo == nil {
		wo = DefaultWriteOptions()
	}
	if to == nil {
		to = DefaultTransactionOptions()
	}
	t := &Transaction{
		db:       db,
		wo:       *wo,
		opts:     *to,
		readOnly: readOnly,
		batch:    batch.New(),
		overlay:  make(map[uint32]map[string]*overlayState),
		tracked:  make(map[trackedKey]uint64),
	}
	if to.SetSnapshot || readOnly {
		t.readSeq = db.eng.LatestSequence()
		db.eng.Pin(t.readSeq)
		t.pinned = true
	}

	db.mu.Lock()
	if db.closed {
		t.state = txnRolledBack
		if t.pinned {
			t.pinned = false
			db.eng.Unpin(t.readSeq)
		}
	} else {
		db.txns[t] = struct{}{}
	}
	db.mu.Unlock()
	return t
}

func (db *OptimisticTransactionDB) removeTxn(t *Transaction) {
	db.mu.Lock()
	if db.txns != nil {
		delete(db.txns, t)
	}
	db.mu.Unlock()
}

// readSequence picks the read point for a non-transactional read.
func (db *OptimisticTransactionDB) readSequence(ro *ReadOptions) uint64 {
	if ro != nil && ro.Snapshot != nil {
		return ro.Snapshot.Sequence()
	}
	return db.eng.LatestSequence()
}

// Get returns the value of key in the default column family.
func (db *OptimisticTransactionDB) Get(ro *ReadOptions, key []byte) ([]byte, error) {
	return db.GetCF(ro, nil, key)
}

// GetCF returns the value of key in the given column family, honoring
// ReadOptions.Snapshot when set.
func (db *OptimisticTransactionDB) GetCF(ro *ReadOptions, cf ColumnFamilyHandle, key []byte) ([]byte, error) {
	if err := db.failIfClosed(); err != nil {
		return nil, err
	}
	id, err := resolveHandle(cf)
	if err != nil {
		return nil, err
	}
	val, found, err := db.eng.Get(id, key, db.readSequence(ro))
	if err != nil {
		return nil, db.mapEngineErr(err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

// Put writes a key-value pair to the default column family, committed
// on its own.
func (db *OptimisticTransactionDB) Put(wo *WriteOptions, key, value []byte) error {
	return db.PutCF(wo, nil, key, value)
}

// PutCF writes a key-value pair to the given column family.
func (db *OptimisticTransactionDB) PutCF(wo *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	b := batch.New()
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	b.PutCF(id, key, value)
	return db.commitBatch(wo, b)
}

// Delete removes a key from the default column family.
func (db *OptimisticTransactionDB) Delete(wo *WriteOptions, key []byte) error {
	return db.DeleteCF(wo, nil, key)
}

// DeleteCF removes a key from the given column family.
func (db *OptimisticTransactionDB) DeleteCF(wo *WriteOptions, cf ColumnFamilyHandle, key []byte) error {
	b := batch.New()
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	b.DeleteCF(id, key)
	return db.commitBatch(wo, b)
}

// Merge queues a merge operand for key in the default column family.
func (db *OptimisticTransactionDB) Merge(wo *WriteOptions, key, value []byte) error {
	return db.MergeCF(wo, nil, key, value)
}

// MergeCF queues a merge operand for key in the given column family.
func (db *OptimisticTransactionDB) MergeCF(wo *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	b := batch.New()
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	b.MergeCF(id, key, value)
	return db.commitBatch(wo, b)
}

// Write applies the batch atomically as a single commit.
func (db *OptimisticTransactionDB) Write(wo *WriteOptions, wb *WriteBatch) error {
	if wb == nil || wb.Count() == 0 {
		return nil
	}
	return db.commitBatch(wo, wb.internal)
}

func (db *OptimisticTransactionDB) commitBatch(wo *WriteOptions, b *batch.WriteBatch) error {
	if err := db.failIfClosed(); err != nil {
		return err
	}
	sync := wo != nil && wo.Sync
	if _, err := db.eng.Commit(b, nil, sync); err != nil {
		return db.mapEngineErr(err)
	}
	return nil
}

// NewIterator returns an iterator over the default column family.
func (db *OptimisticTransactionDB) NewIterator(ro *ReadOptions, mode IteratorMode) (Iterator, error) {
	return db.NewIteratorCF(ro, nil, mode)
}

// NewIteratorCF returns an iterator over the given column family,
// honoring ReadOptions.Snapshot when set. The caller must Close it.
func (db *OptimisticTransactionDB) NewIteratorCF(ro *ReadOptions, cf ColumnFamilyHandle, mode IteratorMode) (Iterator, error) {
	if err := db.failIfClosed(); err != nil {
		return nil, err
	}
	id, err := resolveHandle(cf)
	if err != nil {
		return nil, err
	}
	it, err := db.eng.NewIterator(id, db.readSequence(ro))
	if err != nil {
		return nil, db.mapEngineErr(err)
	}
	positionIterator(it, mode)
	return it, nil
}
