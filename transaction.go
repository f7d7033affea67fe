package opalkv

// transaction.go implements optimistic transactions.
//
// A transaction buffers its writes in a private WriteBatch and an
// in-memory overlay keyed by (column family, key). Reads consult the
// overlay first, so a transaction always sees its own pending writes:
// a pending value wins, a pending tombstone reads as not-found, and
// pending merge operands resolve over the committed value. Nothing is
// visible to others until Commit.
//
// Conflict detection is optimistic: writes and GetForUpdate reads are
// recorded in the tracked set together with the sequence number visible
// at operation time. Commit hands the set to the engine, which rejects
// the batch with ErrConflict when any tracked key has a newer committed
// version. A conflicted transaction is rolled back; retrying means
// beginning a new transaction.

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opalkv/opalkv/internal/batch"
	"github.com/opalkv/opalkv/internal/engine"
	"github.com/opalkv/opalkv/internal/logging"
)

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnRolledBack
)

// trackedKey identifies a key in the conflict-tracking set.
type trackedKey struct {
	cf  uint32
	key string
}

// overlayState is the pending state of one key inside a transaction.
type overlayState struct {
	hasBase  bool
	deleted  bool
	base     []byte
	operands [][]byte
}

// savePoint marks a rollback target inside a transaction. It records
// the batch length at push time plus the keys tracked since, so a
// revert undoes both the pending writes and their conflict tracking.
type savePoint struct {
	count   uint32
	tracked []trackedKey
}

// Transaction is an optimistic transaction. Not safe for concurrent
// use; the database may invalidate it from Close.
type Transaction struct {
	db       *OptimisticTransactionDB
	wo       WriteOptions
	opts     TransactionOptions
	readOnly bool

	mu         sync.Mutex
	state      txnState
	batch      *batch.WriteBatch
	overlay    map[uint32]map[string]*overlayState
	tracked    map[trackedKey]uint64
	savepoints []*savePoint
	readSeq    uint64
	pinned     bool
}

func (t *Transaction) failIfDone() error {
	if t.state != txnActive {
		return ErrTransactionDone
	}
	return nil
}

// readSequence returns the transaction's read point: the pinned
// sequence under SetSnapshot, the latest committed sequence otherwise.
func (t *Transaction) readSequence() uint64 {
	if t.pinned {
		return t.readSeq
	}
	return t.db.eng.LatestSequence()
}

// track records a key in the conflict set at its first-seen sequence.
func (t *Transaction) track(id uint32, key []byte, seq uint64) {
	tk := trackedKey{cf: id, key: string(key)}
	if _, seen := t.tracked[tk]; seen {
		return
	}
	t.tracked[tk] = seq
	if n := len(t.savepoints); n > 0 {
		sp := t.savepoints[n-1]
		sp.tracked = append(sp.tracked, tk)
	}
}

// applyOverlay folds one write into the per-key pending state.
func (t *Transaction) applyOverlay(id uint32, key []byte, kind engine.Kind, value []byte) {
	fam := t.overlay[id]
	if fam == nil {
		fam = make(map[string]*overlayState)
		t.overlay[id] = fam
	}
	st := fam[string(key)]
	if st == nil {
		st = &overlayState{}
		fam[string(key)] = st
	}
	switch kind {
	case engine.KindPut:
		st.hasBase = true
		st.deleted = false
		st.base = append([]byte(nil), value...)
		st.operands = nil
	case engine.KindDelete:
		st.hasBase = true
		st.deleted = true
		st.base = nil
		st.operands = nil
	case engine.KindMerge:
		st.operands = append(st.operands, append([]byte(nil), value...))
	}
}

func (t *Transaction) overlayLookup(id uint32, key []byte) *overlayState {
	fam := t.overlay[id]
	if fam == nil {
		return nil
	}
	return fam[string(key)]
}

func (t *Transaction) write(cf ColumnFamilyHandle, key, value []byte, kind engine.Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return err
	}
	if t.readOnly {
		return ErrTransactionReadOnly
	}
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	t.track(id, key, t.readSequence())
	switch kind {
	case engine.KindPut:
		t.batch.PutCF(id, key, value)
	case engine.KindDelete:
		t.batch.DeleteCF(id, key)
	case engine.KindMerge:
		t.batch.MergeCF(id, key, value)
	}
	t.applyOverlay(id, key, kind, value)
	return nil
}

// Put buffers a put into the default column family.
func (t *Transaction) Put(key, value []byte) error {
	return t.write(nil, key, value, engine.KindPut)
}

// PutCF buffers a put into the given column family.
func (t *Transaction) PutCF(cf ColumnFamilyHandle, key, value []byte) error {
	return t.write(cf, key, value, engine.KindPut)
}

// Delete buffers a delete of key in the default column family.
func (t *Transaction) Delete(key []byte) error {
	return t.write(nil, key, nil, engine.KindDelete)
}

// DeleteCF buffers a delete of key in the given column family.
func (t *Transaction) DeleteCF(cf ColumnFamilyHandle, key []byte) error {
	return t.write(cf, key, nil, engine.KindDelete)
}

// Merge buffers a merge operand for key in the default column family.
func (t *Transaction) Merge(key, value []byte) error {
	return t.write(nil, key, value, engine.KindMerge)
}

// MergeCF buffers a merge operand for key in the given column family.
func (t *Transaction) MergeCF(cf ColumnFamilyHandle, key, value []byte) error {
	return t.write(cf, key, value, engine.KindMerge)
}

// Get returns the value of key in the default column family as the
// transaction sees it.
func (t *Transaction) Get(key []byte) ([]byte, error) {
	return t.get(nil, key, t.opts.TrackAllReads)
}

// GetCF returns the value of key in the given column family as the
// transaction sees it.
func (t *Transaction) GetCF(cf ColumnFamilyHandle, key []byte) ([]byte, error) {
	return t.get(cf, key, t.opts.TrackAllReads)
}

// GetForUpdate reads key and adds it to the conflict-tracking set, so
// the commit fails if anyone else writes it first.
func (t *Transaction) GetForUpdate(key []byte) ([]byte, error) {
	return t.get(nil, key, true)
}

// GetForUpdateCF is GetForUpdate scoped to a column family.
func (t *Transaction) GetForUpdateCF(cf ColumnFamilyHandle, key []byte) ([]byte, error) {
	return t.get(cf, key, true)
}

func (t *Transaction) get(cf ColumnFamilyHandle, key []byte, trackRead bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return nil, err
	}
	id, err := resolveHandle(cf)
	if err != nil {
		return nil, err
	}
	seq := t.readSequence()
	if trackRead {
		t.track(id, key, seq)
	}
	return t.getResolved(id, key, seq)
}

// getResolved reads through the overlay at seq.
func (t *Transaction) getResolved(id uint32, key []byte, seq uint64) ([]byte, error) {
	st := t.overlayLookup(id, key)
	if st == nil {
		val, found, err := t.db.eng.Get(id, key, seq)
		if err != nil {
			return nil, t.db.mapEngineErr(err)
		}
		if !found {
			return nil, ErrNotFound
		}
		return append([]byte(nil), val...), nil
	}
	if len(st.operands) > 0 {
		return t.resolveOperands(id, key, st, seq)
	}
	if st.deleted {
		return nil, ErrNotFound
	}
	return append([]byte(nil), st.base...), nil
}

// resolveOperands merges the pending operands over the value beneath
// them: the pending base write if one exists, the committed value
// otherwise.
func (t *Transaction) resolveOperands(id uint32, key []byte, st *overlayState, seq uint64) ([]byte, error) {
	var existing []byte
	if st.hasBase {
		if !st.deleted {
			existing = st.base
		}
	} else {
		val, found, err := t.db.eng.Get(id, key, seq)
		if err != nil {
			return nil, t.db.mapEngineErr(err)
		}
		if found {
			existing = val
		}
	}
	merger := t.db.opts.MergeOperator
	if merger == nil {
		return nil, ErrMergeOperatorMissing
	}
	merged, ok := merger.FullMerge(key, existing, st.operands)
	if !ok {
		return nil, fmt.Errorf("opalkv: merge operator %q failed on key %q", merger.Name(), key)
	}
	return merged, nil
}

// SetSavePoint pushes a savepoint onto the transaction's stack.
func (t *Transaction) SetSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, &savePoint{count: t.batch.Count()})
	return nil
}

// RollbackToSavePoint discards every write and tracked read recorded
// since the most recent savepoint, and pops it.
func (t *Transaction) RollbackToSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return err
	}
	n := len(t.savepoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	sp := t.savepoints[n-1]
	t.savepoints = t.savepoints[:n-1]

	if err := t.batch.TruncateTo(sp.count); err != nil {
		return fmt.Errorf("opalkv: rollback to savepoint: %w", err)
	}
	for _, tk := range sp.tracked {
		delete(t.tracked, tk)
	}
	t.rebuildOverlay()
	return nil
}

// PopSavePoint removes the most recent savepoint without reverting
// anything; its writes now belong to the enclosing savepoint.
func (t *Transaction) PopSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return err
	}
	n := len(t.savepoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	sp := t.savepoints[n-1]
	t.savepoints = t.savepoints[:n-1]
	if n > 1 {
		outer := t.savepoints[n-2]
		outer.tracked = append(outer.tracked, sp.tracked...)
	}
	return nil
}

// rebuildOverlay reconstructs the per-key pending state from the
// (possibly truncated) batch.
func (t *Transaction) rebuildOverlay() {
	t.overlay = make(map[uint32]map[string]*overlayState)
	// The batch was built by this transaction; it cannot be corrupt.
	_ = t.batch.Iterate(&overlayBuilder{t: t})
}

// overlayBuilder replays batch records into the overlay.
type overlayBuilder struct {
	t *Transaction
}

func (b *overlayBuilder) Put(key, value []byte) error {
	b.t.applyOverlay(engine.DefaultFamilyID, key, engine.KindPut, value)
	return nil
}

func (b *overlayBuilder) PutCF(cfID uint32, key, value []byte) error {
	b.t.applyOverlay(cfID, key, engine.KindPut, value)
	return nil
}

func (b *overlayBuilder) Delete(key []byte) error {
	b.t.applyOverlay(engine.DefaultFamilyID, key, engine.KindDelete, nil)
	return nil
}

func (b *overlayBuilder) DeleteCF(cfID uint32, key []byte) error {
	b.t.applyOverlay(cfID, key, engine.KindDelete, nil)
	return nil
}

func (b *overlayBuilder) Merge(key, value []byte) error {
	b.t.applyOverlay(engine.DefaultFamilyID, key, engine.KindMerge, value)
	return nil
}

func (b *overlayBuilder) MergeCF(cfID uint32, key, value []byte) error {
	b.t.applyOverlay(cfID, key, engine.KindMerge, value)
	return nil
}

// Commit validates the tracked reads and atomically applies the
// pending writes. On ErrConflict nothing was applied and the
// transaction is rolled back; the caller decides whether to retry with
// a fresh transaction. The transaction is terminated either way.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return err
	}
	if t.readOnly {
		return ErrTransactionReadOnly
	}

	reads := make([]engine.TrackedRead, 0, len(t.tracked))
	for tk, seq := range t.tracked {
		reads = append(reads, engine.TrackedRead{CF: tk.cf, Key: []byte(tk.key), Seq: seq})
	}

	_, err := t.db.eng.Commit(t.batch, reads, t.wo.Sync)
	if err != nil {
		t.finishLocked(txnRolledBack)
		if errors.Is(err, engine.ErrConflict) {
			t.db.logger.Debugf(logging.NSTxn+"commit conflict on %d tracked keys", len(reads))
			return ErrConflict
		}
		return t.db.mapEngineErr(err)
	}
	t.finishLocked(txnCommitted)
	return nil
}

// Rollback discards all pending writes and terminates the transaction.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return err
	}
	t.finishLocked(txnRolledBack)
	return nil
}

func (t *Transaction) finishLocked(state txnState) {
	t.state = state
	if t.pinned {
		t.pinned = false
		t.db.eng.Unpin(t.readSeq)
	}
	t.db.removeTxn(t)
}

// invalidate rolls the transaction back from the database's Close path.
func (t *Transaction) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return
	}
	t.state = txnRolledBack
	if t.pinned {
		t.pinned = false
		t.db.eng.Unpin(t.readSeq)
	}
}

// NewIterator returns an iterator over the transaction's merged view of
// the default column family.
func (t *Transaction) NewIterator(mode IteratorMode) (Iterator, error) {
	return t.NewIteratorCF(nil, mode)
}

// NewIteratorCF returns an iterator over the transaction's merged view
// of the given column family. The pending overlay is frozen at creation;
// later writes to the transaction are not reflected. The caller must
// Close it.
func (t *Transaction) NewIteratorCF(cf ColumnFamilyHandle, mode IteratorMode) (Iterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failIfDone(); err != nil {
		return nil, err
	}
	id, err := resolveHandle(cf)
	if err != nil {
		return nil, err
	}
	seq := t.readSequence()

	base, err := t.db.eng.NewIterator(id, seq)
	if err != nil {
		return nil, t.db.mapEngineErr(err)
	}
	overlay, err := t.overlaySnapshot(id, seq)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	it := &mergeIterator{cmp: t.db.cmp, base: base, overlay: overlay}
	positionIterator(it, mode)
	return it, nil
}

// overlaySnapshot resolves the pending state of one column family into
// sorted iterator entries.
func (t *Transaction) overlaySnapshot(id uint32, seq uint64) ([]overlayEntry, error) {
	fam := t.overlay[id]
	if len(fam) == 0 {
		return nil, nil
	}
	entries := make([]overlayEntry, 0, len(fam))
	for k, st := range fam {
		key := []byte(k)
		switch {
		case len(st.operands) > 0:
			val, err := t.resolveOperands(id, key, st, seq)
			if err != nil {
				return nil, err
			}
			entries = append(entries, overlayEntry{key: key, value: val})
		case st.deleted:
			entries = append(entries, overlayEntry{key: key, tombstone: true})
		default:
			entries = append(entries, overlayEntry{key: key, value: append([]byte(nil), st.base...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return t.db.cmp.Compare(entries[i].key, entries[j].key) < 0
	})
	return entries, nil
}
