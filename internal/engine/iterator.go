package engine

// iterator.go implements the engine-side ordered cursor.
//
// An Iterator walks one column family's version store at a fixed
// sequence number. It pins that sequence for its lifetime so version
// reclamation cannot pull entries out from under it, and repositions
// through the skip list on every step so concurrent commits of newer
// versions never invalidate it.

import (
	"fmt"

	"github.com/huandu/skiplist"
)

// Iterator is an ordered cursor over one column family at a fixed
// sequence. Not safe for concurrent use.
type Iterator struct {
	e   *Engine
	fam *familyStore
	seq uint64

	valid  bool
	key    []byte
	value  []byte
	err    error
	closed bool
}

// NewIterator returns a cursor over the column family at seq.
// The caller must Close it to release the pinned sequence.
func (e *Engine) NewIterator(cfID uint32, seq uint64) (*Iterator, error) {
	e.mu.RLock()
	fam, ok := e.families[cfID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrFamilyUnknown, cfID)
	}
	e.Pin(seq)
	return &Iterator{e: e, fam: fam, seq: seq}, nil
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key. Only defined while Valid.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. Only defined while Valid.
func (it *Iterator) Value() []byte { return it.value }

// Error returns the first error the iterator encountered.
func (it *Iterator) Error() error { return it.err }

// Close releases the pinned sequence. The iterator becomes invalid.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	it.e.Unpin(it.seq)
	return nil
}

// SeekToFirst positions the iterator at the first visible entry.
func (it *Iterator) SeekToFirst() {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.scanForward(it.fam.entries.Front())
}

// SeekToLast positions the iterator at the last visible entry.
func (it *Iterator) SeekToLast() {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.scanBackward(it.fam.entries.Back())
}

// Seek positions the iterator at the first visible entry >= target.
func (it *Iterator) Seek(target []byte) {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.scanForward(it.fam.entries.Find(target))
}

// SeekForPrev positions the iterator at the last visible entry <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	elem := it.fam.entries.Find(target)
	if elem == nil {
		it.scanBackward(it.fam.entries.Back())
		return
	}
	if it.fam.cmp(elem.Key().([]byte), target) > 0 {
		elem = elem.Prev()
	}
	it.scanBackward(elem)
}

// Next advances to the next visible entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	elem := it.fam.entries.Find(it.key)
	if elem != nil && it.fam.cmp(elem.Key().([]byte), it.key) == 0 {
		elem = elem.Next()
	}
	it.scanForward(elem)
}

// Prev retreats to the previous visible entry.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	elem := it.fam.entries.Find(it.key)
	if elem == nil {
		elem = it.fam.entries.Back()
	} else {
		elem = elem.Prev()
	}
	it.scanBackward(elem)
}

// scanForward settles on the first visible entry at or after elem.
// Caller holds the engine read lock.
func (it *Iterator) scanForward(elem *skiplist.Element) {
	for elem != nil {
		value, visible, err := it.e.resolveChain(elem.Key().([]byte), elem.Value.(*versionChain), it.seq)
		if err != nil {
			it.fail(err)
			return
		}
		if visible {
			it.settle(elem.Key().([]byte), value)
			return
		}
		elem = elem.Next()
	}
	it.valid = false
}

// scanBackward settles on the last visible entry at or before elem.
// Caller holds the engine read lock.
func (it *Iterator) scanBackward(elem *skiplist.Element) {
	for elem != nil {
		value, visible, err := it.e.resolveChain(elem.Key().([]byte), elem.Value.(*versionChain), it.seq)
		if err != nil {
			it.fail(err)
			return
		}
		if visible {
			it.settle(elem.Key().([]byte), value)
			return
		}
		elem = elem.Prev()
	}
	it.valid = false
}

// settle copies the current entry out of the store so Key/Value stay
// stable after the lock is released.
func (it *Iterator) settle(key, value []byte) {
	it.key = append(it.key[:0], key...)
	it.value = append(it.value[:0], value...)
	it.valid = true
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.valid = false
}
