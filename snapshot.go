package opalkv

// snapshot.go implements snapshot management.
//
// A Snapshot is a consistent point-in-time read view. It owns a
// read-only transaction pinned to the commit sequence at creation, so
// its reads and iterators observe exactly the state of that moment no
// matter what commits afterwards. Releasing the snapshot unpins the
// sequence and allows the engine to reclaim version history.

// Snapshot provides a consistent read view of the database.
type Snapshot struct {
	txn *Transaction
}

// Sequence returns the commit sequence this snapshot observes.
func (s *Snapshot) Sequence() uint64 {
	return s.txn.readSeq
}

// Get returns the value of key in the default column family as of the
// snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return s.txn.Get(key)
}

// GetCF returns the value of key in the given column family as of the
// snapshot.
func (s *Snapshot) GetCF(cf ColumnFamilyHandle, key []byte) ([]byte, error) {
	return s.txn.GetCF(cf, key)
}

// NewIterator returns an iterator over the snapshot's view of the
// default column family.
func (s *Snapshot) NewIterator(mode IteratorMode) (Iterator, error) {
	return s.txn.NewIterator(mode)
}

// NewIteratorCF returns an iterator over the snapshot's view of the
// given column family. The caller must Close it.
func (s *Snapshot) NewIteratorCF(cf ColumnFamilyHandle, mode IteratorMode) (Iterator, error) {
	return s.txn.NewIteratorCF(cf, mode)
}

// Release frees the snapshot. After Release the snapshot must not be
// used. Release is idempotent.
func (s *Snapshot) Release() {
	_ = s.txn.Rollback()
}
