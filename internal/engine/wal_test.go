package engine

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/opalkv/opalkv/internal/batch"
	"github.com/opalkv/opalkv/internal/compression"
)

func TestWALReplayAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	commitPut(t, e, "k1", "v1")
	commitPut(t, e, "k2", "v2")

	cfID, err := e.CreateColumnFamily("aux")
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	b := batch.New()
	b.PutCF(cfID, []byte("k3"), []byte("v3"))
	b.Delete([]byte("k1"))
	if _, err := e.Commit(b, nil, true); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	wantSeq := e.LatestSequence()
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e2, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e2.Close()

	if got := e2.LatestSequence(); got != wantSeq {
		t.Fatalf("LatestSequence after reopen = %d, want %d", got, wantSeq)
	}
	if _, found, _ := e2.Get(DefaultFamilyID, []byte("k1"), e2.LatestSequence()); found {
		t.Fatal("deleted key resurrected by replay")
	}
	val, found, _ := e2.Get(DefaultFamilyID, []byte("k2"), e2.LatestSequence())
	if !found || string(val) != "v2" {
		t.Fatalf("k2 after reopen = %q found=%v", val, found)
	}

	var auxID uint32
	foundAux := false
	for _, fi := range e2.Families() {
		if fi.Name == "aux" {
			auxID, foundAux = fi.ID, true
		}
	}
	if !foundAux || auxID != cfID {
		t.Fatalf("column family aux not replayed (found=%v id=%d want %d)", foundAux, auxID, cfID)
	}
	val, found, _ = e2.Get(auxID, []byte("k3"), e2.LatestSequence())
	if !found || string(val) != "v3" {
		t.Fatalf("k3 in aux after reopen = %q found=%v", val, found)
	}
}

func TestWALDropFamilyReplay(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cfID, err := e.CreateColumnFamily("ephemeral")
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	if err := e.DropColumnFamily(cfID); err != nil {
		t.Fatalf("DropColumnFamily failed: %v", err)
	}
	e.Close()

	e2, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e2.Close()
	for _, fi := range e2.Families() {
		if fi.Name == "ephemeral" {
			t.Fatal("dropped column family replayed as live")
		}
	}
}

func TestWALTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	commitPut(t, e, "good", "data")
	e.Close()

	// Simulate a crash mid-append.
	f, err := os.OpenFile(walPath(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	if _, err := f.Write([]byte{0xde, 0xad, 0xbe}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	e2, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen with torn tail failed: %v", err)
	}
	defer e2.Close()

	val, found, _ := e2.Get(DefaultFamilyID, []byte("good"), e2.LatestSequence())
	if !found || string(val) != "data" {
		t.Fatalf("intact record lost: %q found=%v", val, found)
	}

	// The log must accept appends again after truncation.
	commitPut(t, e2, "after", "crash")
	e2.Close()

	e3, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("third open failed: %v", err)
	}
	defer e3.Close()
	val, found, _ = e3.Get(DefaultFamilyID, []byte("after"), e3.LatestSequence())
	if !found || string(val) != "crash" {
		t.Fatalf("post-truncation commit lost: %q found=%v", val, found)
	}
}

func TestWALCompressedPayloads(t *testing.T) {
	for _, ct := range []compression.Type{
		compression.SnappyCompression,
		compression.ZlibCompression,
		compression.LZ4Compression,
		compression.ZstdCompression,
	} {
		t.Run(ct.String(), func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions()
			opts.Compression = ct

			e, err := Open(dir, opts)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			payload := bytes.Repeat([]byte("abcdefgh"), 512)
			b := batch.New()
			b.Put([]byte("blob"), payload)
			if _, err := e.Commit(b, nil, true); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
			e.Close()

			e2, err := Open(dir, opts)
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			defer e2.Close()
			val, found, _ := e2.Get(DefaultFamilyID, []byte("blob"), e2.LatestSequence())
			if !found || !bytes.Equal(val, payload) {
				t.Fatalf("compressed payload corrupted (found=%v, %d bytes)", found, len(val))
			}
		})
	}
}

func TestOpenFlags(t *testing.T) {
	dir := t.TempDir()

	opts := testOptions()
	opts.CreateIfMissing = false
	if _, err := Open(dir, opts); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Open without CreateIfMissing = %v, want ErrNotExist", err)
	}

	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	e.Close()

	opts = testOptions()
	opts.ErrorIfExists = true
	if _, err := Open(dir, opts); !errors.Is(err, ErrExists) {
		t.Fatalf("Open with ErrorIfExists = %v, want ErrExists", err)
	}
}

func TestDestroy(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	commitPut(t, e, "k", "v")
	e.Close()

	if err := Destroy(dir); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if ok, _ := walExists(dir); ok {
		t.Fatal("wal survived Destroy")
	}
}
