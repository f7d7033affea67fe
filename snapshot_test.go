package opalkv

// snapshot_test.go implements tests for snapshot.

import (
	"errors"
	"testing"
)

func TestSnapshotReleasePreservesMergedValue(t *testing.T) {
	database := openTestDB(t)

	if err := database.Put(nil, []byte("log"), []byte("1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := database.Merge(nil, []byte("log"), []byte("2")); err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}

	val, err := database.Get(nil, []byte("log"))
	if err != nil || string(val) != "1,2" {
		t.Fatalf("Expected '1,2', got %q, %v", val, err)
	}

	// Releasing a snapshot trims version history; the base the operand
	// merges over must survive the trim.
	database.GetSnapshot().Release()

	val, err = database.Get(nil, []byte("log"))
	if err != nil || string(val) != "1,2" {
		t.Fatalf("Expected '1,2' after snapshot release, got %q, %v", val, err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	database := openTestDB(t)

	if err := database.Put(nil, []byte("key"), []byte("v1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	snap := database.GetSnapshot()
	defer snap.Release()

	if err := database.Put(nil, []byte("key"), []byte("v2")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := database.Put(nil, []byte("new"), []byte("after")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	// The snapshot still reads creation-time state.
	val, err := snap.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Failed to get from snapshot: %v", err)
	}
	if string(val) != "v1" {
		t.Fatalf("Expected snapshot 'v1', got '%s'", string(val))
	}
	if _, err := snap.Get([]byte("new")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for key born after snapshot, got %v", err)
	}

	// The live view moved on.
	val, err = database.Get(nil, []byte("key"))
	if err != nil || string(val) != "v2" {
		t.Fatalf("Expected live 'v2', got %q, %v", val, err)
	}
}

func TestSnapshotSeesDeletedKeys(t *testing.T) {
	database := openTestDB(t)

	if err := database.Put(nil, []byte("doomed"), []byte("alive")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	snap := database.GetSnapshot()
	defer snap.Release()

	if err := database.Delete(nil, []byte("doomed")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	val, err := snap.Get([]byte("doomed"))
	if err != nil || string(val) != "alive" {
		t.Fatalf("Expected snapshot to keep 'alive', got %q, %v", val, err)
	}
	if _, err := database.Get(nil, []byte("doomed")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound in live view, got %v", err)
	}
}

func TestSnapshotRelease(t *testing.T) {
	database := openTestDB(t)

	if err := database.Put(nil, []byte("key"), []byte("v1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	snap := database.GetSnapshot()
	if snap.Sequence() != database.LatestSequenceNumber() {
		t.Fatalf("Snapshot sequence %d, want %d", snap.Sequence(), database.LatestSequenceNumber())
	}

	snap.Release()
	snap.Release() // idempotent

	if _, err := snap.Get([]byte("key")); !errors.Is(err, ErrTransactionDone) {
		t.Fatalf("Expected ErrTransactionDone after release, got %v", err)
	}
}

func TestSnapshotReadOptions(t *testing.T) {
	database := openTestDB(t)

	if err := database.Put(nil, []byte("key"), []byte("v1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	snap := database.GetSnapshot()
	defer snap.Release()
	if err := database.Put(nil, []byte("key"), []byte("v2")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	// ReadOptions.Snapshot routes an autocommit read through the snapshot.
	ro := DefaultReadOptions()
	ro.Snapshot = snap
	val, err := database.Get(ro, []byte("key"))
	if err != nil || string(val) != "v1" {
		t.Fatalf("Expected 'v1' through ReadOptions.Snapshot, got %q, %v", val, err)
	}
}

func TestSnapshotColumnFamily(t *testing.T) {
	database := openTestDB(t)

	cf, err := database.CreateColumnFamily(DefaultColumnFamilyOptions(), "scoped")
	if err != nil {
		t.Fatalf("Failed to create column family: %v", err)
	}
	if err := database.PutCF(nil, cf, []byte("key"), []byte("v1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	snap := database.GetSnapshot()
	defer snap.Release()

	if err := database.PutCF(nil, cf, []byte("key"), []byte("v2")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	val, err := snap.GetCF(cf, []byte("key"))
	if err != nil || string(val) != "v1" {
		t.Fatalf("Expected snapshot 'v1' in CF, got %q, %v", val, err)
	}
}
