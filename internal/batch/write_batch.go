// Package batch implements the encoded WriteBatch shared by the
// transaction overlay and the engine write-ahead log.
//
// WriteBatch format:
//
//	Header (12 bytes):
//	  - 8 bytes: sequence number (little-endian uint64)
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: tag (record type)
//	  - For ColumnFamily variants: uvarint column family id
//	  - uvarint-length-prefixed key
//	  - (for Value/Merge): uvarint-length-prefixed value
package batch

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size in bytes of the WriteBatch header.
const HeaderSize = 12

// Record tags. The numbering follows the RocksDB ValueType enum so that
// batch dumps stay recognizable; only the tags this layer emits exist.
const (
	TypeDeletion             byte = 0x00
	TypeValue                byte = 0x01
	TypeMerge                byte = 0x02
	TypeColumnFamilyDeletion byte = 0x04
	TypeColumnFamilyValue    byte = 0x05
	TypeColumnFamilyMerge    byte = 0x06
)

var (
	// ErrCorrupted indicates a malformed WriteBatch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// Handler receives batch records during iteration, oldest first.
type Handler interface {
	Put(key, value []byte) error
	PutCF(cfID uint32, key, value []byte) error
	Delete(key []byte) error
	DeleteCF(cfID uint32, key []byte) error
	Merge(key, value []byte) error
	MergeCF(cfID uint32, key, value []byte) error
}

// WriteBatch is a collection of writes applied atomically.
// Keys and values are copied on insertion.
type WriteBatch struct {
	data []byte
}

// New creates a new empty WriteBatch.
func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData creates a WriteBatch from existing encoded data.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	return &WriteBatch{data: data}, nil
}

// Clear resets the batch to empty state.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	binary.LittleEndian.PutUint32(wb.data[8:12], 0)
	binary.LittleEndian.PutUint64(wb.data[0:8], 0)
}

// Data returns the raw encoded batch, including the header.
func (wb *WriteBatch) Data() []byte { return wb.data }

// Size returns the encoded size in bytes.
func (wb *WriteBatch) Size() int { return len(wb.data) }

// Count returns the number of records in the batch.
func (wb *WriteBatch) Count() uint32 {
	return binary.LittleEndian.Uint32(wb.data[8:12])
}

// Sequence returns the sequence number assigned to the batch.
func (wb *WriteBatch) Sequence() uint64 {
	return binary.LittleEndian.Uint64(wb.data[0:8])
}

// SetSequence sets the sequence number of the batch.
func (wb *WriteBatch) SetSequence(seq uint64) {
	binary.LittleEndian.PutUint64(wb.data[0:8], seq)
}

// Clone returns a deep copy of the batch.
func (wb *WriteBatch) Clone() *WriteBatch {
	data := make([]byte, len(wb.data))
	copy(data, wb.data)
	return &WriteBatch{data: data}
}

// Put appends a Put record for the default column family.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.appendRecord(TypeValue, 0, key, value, true)
}

// PutCF appends a Put record for the given column family.
func (wb *WriteBatch) PutCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.Put(key, value)
		return
	}
	wb.appendRecord(TypeColumnFamilyValue, cfID, key, value, true)
}

// Delete appends a Delete record for the default column family.
func (wb *WriteBatch) Delete(key []byte) {
	wb.appendRecord(TypeDeletion, 0, key, nil, false)
}

// DeleteCF appends a Delete record for the given column family.
func (wb *WriteBatch) DeleteCF(cfID uint32, key []byte) {
	if cfID == 0 {
		wb.Delete(key)
		return
	}
	wb.appendRecord(TypeColumnFamilyDeletion, cfID, key, nil, false)
}

// Merge appends a Merge record for the default column family.
func (wb *WriteBatch) Merge(key, value []byte) {
	wb.appendRecord(TypeMerge, 0, key, value, true)
}

// MergeCF appends a Merge record for the given column family.
func (wb *WriteBatch) MergeCF(cfID uint32, key, value []byte) {
	if cfID == 0 {
		wb.Merge(key, value)
		return
	}
	wb.appendRecord(TypeColumnFamilyMerge, cfID, key, value, true)
}

func (wb *WriteBatch) appendRecord(tag byte, cfID uint32, key, value []byte, hasValue bool) {
	wb.data = append(wb.data, tag)
	if cfID != 0 {
		wb.data = binary.AppendUvarint(wb.data, uint64(cfID))
	}
	wb.data = binary.AppendUvarint(wb.data, uint64(len(key)))
	wb.data = append(wb.data, key...)
	if hasValue {
		wb.data = binary.AppendUvarint(wb.data, uint64(len(value)))
		wb.data = append(wb.data, value...)
	}
	wb.setCount(wb.Count() + 1)
}

func (wb *WriteBatch) setCount(count uint32) {
	binary.LittleEndian.PutUint32(wb.data[8:12], count)
}

// Iterate replays the batch records through the handler, oldest first.
// Iteration stops at the first handler error, which is returned.
func (wb *WriteBatch) Iterate(h Handler) error {
	pos := HeaderSize
	count := int(wb.Count())
	for i := 0; i < count; i++ {
		if pos >= len(wb.data) {
			return ErrCorrupted
		}
		tag := wb.data[pos]
		pos++

		var cfID uint32
		switch tag {
		case TypeColumnFamilyValue, TypeColumnFamilyDeletion, TypeColumnFamilyMerge:
			id, n := binary.Uvarint(wb.data[pos:])
			if n <= 0 {
				return ErrCorrupted
			}
			cfID = uint32(id)
			pos += n
		}

		key, n, err := readSlice(wb.data, pos)
		if err != nil {
			return err
		}
		pos = n

		var value []byte
		switch tag {
		case TypeValue, TypeColumnFamilyValue, TypeMerge, TypeColumnFamilyMerge:
			value, n, err = readSlice(wb.data, pos)
			if err != nil {
				return err
			}
			pos = n
		}

		switch tag {
		case TypeValue:
			err = h.Put(key, value)
		case TypeColumnFamilyValue:
			err = h.PutCF(cfID, key, value)
		case TypeDeletion:
			err = h.Delete(key)
		case TypeColumnFamilyDeletion:
			err = h.DeleteCF(cfID, key)
		case TypeMerge:
			err = h.Merge(key, value)
		case TypeColumnFamilyMerge:
			err = h.MergeCF(cfID, key, value)
		default:
			return ErrCorrupted
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func readSlice(data []byte, pos int) ([]byte, int, error) {
	length, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return nil, 0, ErrCorrupted
	}
	pos += n
	end := pos + int(length)
	if end > len(data) {
		return nil, 0, ErrCorrupted
	}
	return data[pos:end], end, nil
}

// TruncateTo rewrites the batch so that only the first count records
// remain. Used by savepoint rollback: a savepoint records the batch
// count at push time, and reverting discards everything after it.
func (wb *WriteBatch) TruncateTo(count uint32) error {
	if count >= wb.Count() {
		return nil
	}
	seq := wb.Sequence()
	c := &truncateCopier{target: New(), limit: count}
	if err := wb.Iterate(c); err != nil && !errors.Is(err, errTruncateDone) {
		return err
	}
	c.target.SetSequence(seq)
	wb.data = c.target.data
	return nil
}

var errTruncateDone = errors.New("batch: truncate done")

// truncateCopier copies records into target until limit is reached.
type truncateCopier struct {
	target *WriteBatch
	limit  uint32
	copied uint32
}

func (c *truncateCopier) done() error {
	if c.copied >= c.limit {
		return errTruncateDone
	}
	return nil
}

func (c *truncateCopier) Put(key, value []byte) error {
	if err := c.done(); err != nil {
		return err
	}
	c.target.Put(key, value)
	c.copied++
	return nil
}

func (c *truncateCopier) PutCF(cfID uint32, key, value []byte) error {
	if err := c.done(); err != nil {
		return err
	}
	c.target.PutCF(cfID, key, value)
	c.copied++
	return nil
}

func (c *truncateCopier) Delete(key []byte) error {
	if err := c.done(); err != nil {
		return err
	}
	c.target.Delete(key)
	c.copied++
	return nil
}

func (c *truncateCopier) DeleteCF(cfID uint32, key []byte) error {
	if err := c.done(); err != nil {
		return err
	}
	c.target.DeleteCF(cfID, key)
	c.copied++
	return nil
}

func (c *truncateCopier) Merge(key, value []byte) error {
	if err := c.done(); err != nil {
		return err
	}
	c.target.Merge(key, value)
	c.copied++
	return nil
}

func (c *truncateCopier) MergeCF(cfID uint32, key, value []byte) error {
	if err := c.done(); err != nil {
		return err
	}
	c.target.MergeCF(cfID, key, value)
	c.copied++
	return nil
}
