package opalkv

// iterator.go implements the public iterator surface.
//
// Database and snapshot iterators read the committed (or frozen) engine
// view directly. Transaction iterators merge two sorted streams: the
// transaction's pending overlay, materialized and sorted at creation,
// and the engine stream at the transaction's read sequence. Pending
// entries win on key collision and pending tombstones suppress
// committed entries.

import "sort"

// Direction selects the scan direction of IteratorFrom.
type Direction int

const (
	// Forward scans toward larger keys.
	Forward Direction = iota
	// Reverse scans toward smaller keys.
	Reverse
)

type iterModeKind int

const (
	modeStart iterModeKind = iota
	modeEnd
	modeFrom
)

// IteratorMode selects the initial position of a new iterator.
type IteratorMode struct {
	kind iterModeKind
	key  []byte
	dir  Direction
}

// IteratorStart positions a new iterator at the first entry.
var IteratorStart = IteratorMode{kind: modeStart}

// IteratorEnd positions a new iterator at the last entry.
var IteratorEnd = IteratorMode{kind: modeEnd}

// IteratorFrom positions a new iterator at key, scanning in dir.
// Forward lands on the first entry >= key, Reverse on the last <= key.
func IteratorFrom(key []byte, dir Direction) IteratorMode {
	return IteratorMode{kind: modeFrom, key: append([]byte(nil), key...), dir: dir}
}

// Iterator walks keys in comparator order. Iterators are not safe for
// concurrent use; each goroutine should use its own.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// SeekToFirst positions the iterator at the first entry.
	SeekToFirst()

	// SeekToLast positions the iterator at the last entry.
	SeekToLast()

	// Seek positions the iterator at the first entry >= target.
	Seek(target []byte)

	// SeekForPrev positions the iterator at the last entry <= target.
	SeekForPrev(target []byte)

	// Next advances to the next entry.
	Next()

	// Prev retreats to the previous entry.
	Prev()

	// Key returns the current key. Only defined while Valid.
	Key() []byte

	// Value returns the current value. Only defined while Valid.
	Value() []byte

	// Error returns the first error the iterator encountered.
	Error() error

	// Close releases the iterator's resources.
	Close() error
}

// positionIterator applies the initial IteratorMode.
func positionIterator(it Iterator, mode IteratorMode) {
	switch mode.kind {
	case modeStart:
		it.SeekToFirst()
	case modeEnd:
		it.SeekToLast()
	case modeFrom:
		if mode.dir == Reverse {
			it.SeekForPrev(mode.key)
		} else {
			it.Seek(mode.key)
		}
	}
}

// overlayEntry is one resolved pending entry of a transaction iterator.
type overlayEntry struct {
	key       []byte
	value     []byte
	tombstone bool
}

// mergeIterator merges the pending overlay with the engine stream.
// The overlay slice is sorted ascending by the database comparator and
// frozen at creation; writes issued to the transaction afterwards are
// not reflected.
type mergeIterator struct {
	cmp     Comparator
	base    Iterator
	overlay []overlayEntry

	oi      int
	reverse bool
	valid   bool
	key     []byte
	value   []byte
	err     error
	closed  bool
}

func (it *mergeIterator) Valid() bool   { return it.valid }
func (it *mergeIterator) Key() []byte   { return it.key }
func (it *mergeIterator) Value() []byte { return it.value }

func (it *mergeIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.base.Error()
}

func (it *mergeIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	return it.base.Close()
}

func (it *mergeIterator) SeekToFirst() {
	if it.closed {
		return
	}
	it.base.SeekToFirst()
	it.oi = 0
	it.settleForward()
}

func (it *mergeIterator) SeekToLast() {
	if it.closed {
		return
	}
	it.base.SeekToLast()
	it.oi = len(it.overlay) - 1
	it.settleBackward()
}

func (it *mergeIterator) Seek(target []byte) {
	if it.closed {
		return
	}
	it.base.Seek(target)
	it.oi = sort.Search(len(it.overlay), func(i int) bool {
		return it.cmp.Compare(it.overlay[i].key, target) >= 0
	})
	it.settleForward()
}

func (it *mergeIterator) SeekForPrev(target []byte) {
	if it.closed {
		return
	}
	it.base.SeekForPrev(target)
	it.oi = sort.Search(len(it.overlay), func(i int) bool {
		return it.cmp.Compare(it.overlay[i].key, target) > 0
	}) - 1
	it.settleBackward()
}

func (it *mergeIterator) Next() {
	if !it.valid {
		return
	}
	if it.reverse {
		// Direction switch: re-land on the current key going forward.
		key := append([]byte(nil), it.key...)
		it.Seek(key)
		if !it.valid {
			return
		}
	}
	it.advanceForward()
}

func (it *mergeIterator) Prev() {
	if !it.valid {
		return
	}
	if !it.reverse {
		key := append([]byte(nil), it.key...)
		it.SeekForPrev(key)
		if !it.valid {
			return
		}
	}
	it.advanceBackward()
}

// advanceForward steps every stream currently parked on the current key,
// then settles on the next visible entry.
func (it *mergeIterator) advanceForward() {
	if it.oi < len(it.overlay) && it.cmp.Compare(it.overlay[it.oi].key, it.key) == 0 {
		it.oi++
	}
	if it.base.Valid() && it.cmp.Compare(it.base.Key(), it.key) == 0 {
		it.base.Next()
	}
	it.settleForward()
}

func (it *mergeIterator) advanceBackward() {
	if it.oi >= 0 && it.cmp.Compare(it.overlay[it.oi].key, it.key) == 0 {
		it.oi--
	}
	if it.base.Valid() && it.cmp.Compare(it.base.Key(), it.key) == 0 {
		it.base.Prev()
	}
	it.settleBackward()
}

// settleForward picks the smaller of the two candidates as the current
// entry, skipping pending tombstones and the committed entries they
// shadow. The overlay wins ties.
func (it *mergeIterator) settleForward() {
	it.reverse = false
	for {
		if err := it.base.Error(); err != nil {
			it.fail(err)
			return
		}
		haveOverlay := it.oi >= 0 && it.oi < len(it.overlay)
		haveBase := it.base.Valid()

		switch {
		case !haveOverlay && !haveBase:
			it.valid = false
			return
		case haveOverlay && (!haveBase || it.cmp.Compare(it.overlay[it.oi].key, it.base.Key()) <= 0):
			ov := it.overlay[it.oi]
			if ov.tombstone {
				if haveBase && it.cmp.Compare(ov.key, it.base.Key()) == 0 {
					it.base.Next()
				}
				it.oi++
				continue
			}
			it.setCurrent(ov.key, ov.value)
			return
		default:
			it.setCurrent(it.base.Key(), it.base.Value())
			return
		}
	}
}

func (it *mergeIterator) settleBackward() {
	it.reverse = true
	for {
		if err := it.base.Error(); err != nil {
			it.fail(err)
			return
		}
		haveOverlay := it.oi >= 0 && it.oi < len(it.overlay)
		haveBase := it.base.Valid()

		switch {
		case !haveOverlay && !haveBase:
			it.valid = false
			return
		case haveOverlay && (!haveBase || it.cmp.Compare(it.overlay[it.oi].key, it.base.Key()) >= 0):
			ov := it.overlay[it.oi]
			if ov.tombstone {
				if haveBase && it.cmp.Compare(ov.key, it.base.Key()) == 0 {
					it.base.Prev()
				}
				it.oi--
				continue
			}
			it.setCurrent(ov.key, ov.value)
			return
		default:
			it.setCurrent(it.base.Key(), it.base.Value())
			return
		}
	}
}

func (it *mergeIterator) setCurrent(key, value []byte) {
	it.key = append(it.key[:0], key...)
	it.value = append(it.value[:0], value...)
	it.valid = true
}

func (it *mergeIterator) fail(err error) {
	it.err = err
	it.valid = false
}
