package opalkv

// db_test.go implements tests for database lifecycle and the
// autocommit surface.

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenCreateIfMissing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb")

	opts := testOptions()
	opts.CreateIfMissing = false
	if _, err := Open(dbPath, opts); err == nil {
		t.Fatal("Expected error opening a missing database without CreateIfMissing")
	}

	database, err := Open(dbPath, testOptions())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	opts = testOptions()
	opts.ErrorIfExists = true
	if _, err := Open(dbPath, opts); err == nil {
		t.Fatal("Expected error opening an existing database with ErrorIfExists")
	}
}

func TestReopenPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb")

	database, err := Open(dbPath, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := database.Put(nil, []byte("durable"), []byte("yes")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := database.Delete(nil, []byte("durable-not")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	seq := database.LatestSequenceNumber()
	if err := database.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	database2, err := Open(dbPath, testOptions())
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer database2.Close()

	val, err := database2.Get(nil, []byte("durable"))
	if err != nil || string(val) != "yes" {
		t.Fatalf("Expected 'yes' after reopen, got %q, %v", val, err)
	}
	if got := database2.LatestSequenceNumber(); got != seq {
		t.Fatalf("Sequence after reopen = %d, want %d", got, seq)
	}
}

func TestAutocommitOperations(t *testing.T) {
	database := openTestDB(t)

	if err := database.Put(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	val, err := database.Get(nil, []byte("k"))
	if err != nil || string(val) != "v" {
		t.Fatalf("Expected 'v', got %q, %v", val, err)
	}

	if err := database.Merge(nil, []byte("k"), []byte("w")); err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}
	val, err = database.Get(nil, []byte("k"))
	if err != nil || string(val) != "v,w" {
		t.Fatalf("Expected 'v,w', got %q, %v", val, err)
	}

	if err := database.Delete(nil, []byte("k")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := database.Get(nil, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestWriteBatchAtomic(t *testing.T) {
	database := openTestDB(t)

	cf, err := database.CreateColumnFamily(DefaultColumnFamilyOptions(), "side")
	if err != nil {
		t.Fatalf("Failed to create column family: %v", err)
	}

	if err := database.Put(nil, []byte("gone"), []byte("soon")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	wb := NewWriteBatch()
	wb.Put([]byte("k1"), []byte("v1"))
	wb.Merge([]byte("k1"), []byte("v2"))
	wb.Delete([]byte("gone"))
	if err := wb.PutCF(cf, []byte("k2"), []byte("v3")); err != nil {
		t.Fatalf("Failed to add CF record: %v", err)
	}
	if wb.Count() != 4 {
		t.Fatalf("Expected 4 records, got %d", wb.Count())
	}

	before := database.LatestSequenceNumber()
	if err := database.Write(nil, wb); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}
	if got := database.LatestSequenceNumber(); got != before+1 {
		t.Fatalf("Batch not applied as one commit: seq %d -> %d", before, got)
	}

	val, err := database.Get(nil, []byte("k1"))
	if err != nil || string(val) != "v1,v2" {
		t.Fatalf("Expected 'v1,v2', got %q, %v", val, err)
	}
	if _, err := database.Get(nil, []byte("gone")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected 'gone' deleted, got %v", err)
	}
	val, err = database.GetCF(nil, cf, []byte("k2"))
	if err != nil || string(val) != "v3" {
		t.Fatalf("Expected 'v3' in side CF, got %q, %v", val, err)
	}

	wb.Clear()
	if wb.Count() != 0 {
		t.Fatalf("Expected empty batch after Clear, got %d", wb.Count())
	}
}

func TestCloseTerminatesTransactions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb")
	database, err := Open(dbPath, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	txn := database.BeginTransaction(nil, nil)
	if err := txn.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	if err := database.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Second close should be a no-op: %v", err)
	}

	if err := txn.Commit(); !errors.Is(err, ErrTransactionDone) {
		t.Fatalf("Expected ErrTransactionDone after close, got %v", err)
	}
	if err := database.Put(nil, []byte("k"), []byte("v")); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Expected ErrDBClosed, got %v", err)
	}

	// Transactions begun after close are born terminated.
	late := database.BeginTransaction(nil, nil)
	if err := late.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrTransactionDone) {
		t.Fatalf("Expected ErrTransactionDone for late transaction, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb")

	database, err := Open(dbPath, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := database.Put(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	if err := Destroy(dbPath, testOptions()); err != nil {
		t.Fatalf("Failed to destroy: %v", err)
	}

	opts := testOptions()
	opts.CreateIfMissing = false
	if _, err := Open(dbPath, opts); err == nil {
		t.Fatal("Expected error opening a destroyed database")
	}
}

func TestCustomComparator(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb")

	opts := testOptions()
	opts.Comparator = ReverseBytewiseComparator{}
	database, err := Open(dbPath, opts)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer database.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := database.Put(nil, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}

	it, err := database.NewIterator(nil, IteratorStart)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}
	defer it.Close()

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	want := []string{"c", "b", "a"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys = %v, want %v", keys, want)
		}
	}
}

func TestUInt64AddOperator(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb")

	opts := testOptions()
	opts.MergeOperator = &UInt64AddOperator{}
	database, err := Open(dbPath, opts)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer database.Close()

	counter := []byte("hits")
	one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 3; i++ {
		if err := database.Merge(nil, counter, one); err != nil {
			t.Fatalf("Failed to merge: %v", err)
		}
	}
	val, err := database.Get(nil, counter)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if len(val) != 8 || val[0] != 3 {
		t.Fatalf("Expected counter 3, got %v", val)
	}
}
