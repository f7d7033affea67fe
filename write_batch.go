// write_batch.go implements the public WriteBatch API for atomic writes.
package opalkv

import (
	"github.com/opalkv/opalkv/internal/batch"
)

// WriteBatch holds a collection of writes to be applied atomically.
// Keys and values are copied, so you can modify them after calling Put/Delete.
//
// A WriteBatch can be reused by calling Clear() after Write().
//
// Example:
//
//	wb := opalkv.NewWriteBatch()
//	wb.Put([]byte("key1"), []byte("value1"))
//	wb.Delete([]byte("key2"))
//	err := db.Write(writeOpts, wb)
//	wb.Clear() // Reuse the batch
type WriteBatch struct {
	internal *batch.WriteBatch
}

// NewWriteBatch creates a new empty WriteBatch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		internal: batch.New(),
	}
}

// Put adds a key-value pair to the batch.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.internal.Put(key, value)
}

// PutCF adds a key-value pair to the batch for the given column family.
// A stale handle fails here rather than poisoning the batch at Write time.
func (wb *WriteBatch) PutCF(cf ColumnFamilyHandle, key, value []byte) error {
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	wb.internal.PutCF(id, key, value)
	return nil
}

// Delete adds a deletion for the key to the batch.
func (wb *WriteBatch) Delete(key []byte) {
	wb.internal.Delete(key)
}

// DeleteCF adds a deletion to the batch for the given column family.
func (wb *WriteBatch) DeleteCF(cf ColumnFamilyHandle, key []byte) error {
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	wb.internal.DeleteCF(id, key)
	return nil
}

// Merge adds a merge operand for the key to the batch.
func (wb *WriteBatch) Merge(key, value []byte) {
	wb.internal.Merge(key, value)
}

// MergeCF adds a merge operand to the batch for the given column family.
func (wb *WriteBatch) MergeCF(cf ColumnFamilyHandle, key, value []byte) error {
	id, err := resolveHandle(cf)
	if err != nil {
		return err
	}
	wb.internal.MergeCF(id, key, value)
	return nil
}

// Clear resets the batch to empty, allowing it to be reused.
func (wb *WriteBatch) Clear() {
	wb.internal.Clear()
}

// Count returns the number of operations in the batch.
func (wb *WriteBatch) Count() uint32 {
	return wb.internal.Count()
}
