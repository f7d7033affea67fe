// Package engine implements the base ordered key-value engine the
// transactional layer is built on.
//
// The engine is a per-column-family multi-version store: each key maps
// to an ascending chain of (sequence, kind, value) versions kept in a
// skip list. Commits are serialized under a single mutex, validated
// against tracked reads, assigned the next sequence number, and logged
// to a write-ahead log before they are applied. Readers resolve a key
// at a sequence number, which gives snapshots and pinned transactions
// their frozen views.
package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/huandu/skiplist"

	"github.com/opalkv/opalkv/internal/batch"
	"github.com/opalkv/opalkv/internal/compression"
	"github.com/opalkv/opalkv/internal/logging"
)

// Engine errors.
var (
	// ErrConflict is returned by Commit when a tracked key was modified
	// by another commit after the sequence at which it was read.
	ErrConflict = errors.New("engine: commit conflict - key modified after read sequence")

	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("engine: closed")

	// ErrFamilyUnknown is returned when an operation references a
	// column family id the engine does not know.
	ErrFamilyUnknown = errors.New("engine: unknown column family")

	// ErrFamilyExists is returned when creating a column family whose
	// name is already registered.
	ErrFamilyExists = errors.New("engine: column family already exists")

	// ErrMergeOperatorMissing is returned when a merge operand is found
	// but no merge operator is configured.
	ErrMergeOperatorMissing = errors.New("engine: merge operand found but no merge operator configured")

	// ErrMergeFailed is returned when the merge operator rejects its operands.
	ErrMergeFailed = errors.New("engine: merge operator failed")

	// ErrExists is returned by Open when ErrorIfExists is set and the
	// database directory already holds data.
	ErrExists = errors.New("engine: database already exists")

	// ErrNotExist is returned by Open when CreateIfMissing is unset and
	// the database directory holds no data.
	ErrNotExist = errors.New("engine: database does not exist")
)

// Kind identifies the type of a stored version.
type Kind uint8

const (
	// KindPut is a full value.
	KindPut Kind = iota
	// KindDelete is a tombstone.
	KindDelete
	// KindMerge is a merge operand.
	KindMerge
)

// CompareFunc defines the total key ordering.
type CompareFunc func(a, b []byte) int

// MergeOperator resolves merge operands against a base value.
// The root package's MergeOperator satisfies this interface.
type MergeOperator interface {
	Name() string
	FullMerge(key, existingValue []byte, operands [][]byte) ([]byte, bool)
}

// Options configures the engine.
type Options struct {
	// CreateIfMissing creates the database directory if absent.
	CreateIfMissing bool

	// ErrorIfExists fails Open if the database already holds data.
	ErrorIfExists bool

	// Compare orders keys. Required.
	Compare CompareFunc

	// Merger resolves merge operands. May be nil if Merge is never used.
	Merger MergeOperator

	// Compression selects the WAL payload compression.
	Compression compression.Type

	// DisableWAL turns off durability; state lives only in memory.
	DisableWAL bool

	// Logger receives engine diagnostics. Never nil after Open.
	Logger logging.Logger
}

// TrackedRead records that a committing transaction observed a key at a
// sequence number. Commit fails with ErrConflict when a newer version
// of the key exists.
type TrackedRead struct {
	CF  uint32
	Key []byte
	Seq uint64
}

// FamilyInfo describes a registered column family.
type FamilyInfo struct {
	ID   uint32
	Name string
}

// version is one entry in a key's version chain.
type version struct {
	seq   uint64
	kind  Kind
	value []byte
}

// versionChain holds a key's versions in ascending sequence order.
type versionChain struct {
	versions []version
}

// newestSeq returns the sequence of the newest version.
func (vc *versionChain) newestSeq() uint64 {
	return vc.versions[len(vc.versions)-1].seq
}

// familyStore is the ordered version store for one column family.
// It implements skiplist.Comparable so the list orders raw []byte keys
// with the engine comparator.
type familyStore struct {
	id      uint32
	name    string
	cmp     CompareFunc
	entries *skiplist.SkipList
}

func (fs *familyStore) Compare(lhs, rhs interface{}) int {
	return fs.cmp(lhs.([]byte), rhs.([]byte))
}

// CalcScore returns a constant score; ordering falls back to Compare.
// A byte-prefix score would be wrong under a custom comparator.
func (fs *familyStore) CalcScore(key interface{}) float64 { return 0 }

func newFamilyStore(id uint32, name string, cmp CompareFunc) *familyStore {
	fs := &familyStore{id: id, name: name, cmp: cmp}
	fs.entries = skiplist.New(fs)
	return fs
}

// DefaultFamilyID is the column family id of the "default" namespace.
const DefaultFamilyID uint32 = 0

// DefaultFamilyName is the reserved name of the default namespace.
const DefaultFamilyName = "default"

// Engine is the base ordered store.
//
// An Engine is safe for concurrent use. Commits are totally ordered by
// the internal mutex; reads at a sequence number observe a consistent
// prefix of that order.
type Engine struct {
	path   string
	opts   Options
	logger logging.Logger

	mu       sync.RWMutex
	seq      uint64
	families map[uint32]*familyStore
	names    map[string]uint32
	nextID   uint32
	pins     map[uint64]int
	wal      *walWriter
	closed   bool

	// reclaimFloor is the newest sequence among tombstoned keys whose
	// chains were removed by reclamation. Commit cannot validate a
	// tracked read of an absent key against a sequence below this
	// floor, so such reads conflict conservatively.
	reclaimFloor uint64
}

// Open opens or creates the engine at path and replays its WAL.
func Open(path string, opts Options) (*Engine, error) {
	if opts.Compare == nil {
		return nil, errors.New("engine: options require a comparator")
	}
	logger := logging.OrDefault(opts.Logger)

	e := &Engine{
		path:     path,
		opts:     opts,
		logger:   logger,
		families: make(map[uint32]*familyStore),
		names:    make(map[string]uint32),
		nextID:   DefaultFamilyID + 1,
		pins:     make(map[uint64]int),
	}
	e.registerFamily(DefaultFamilyID, DefaultFamilyName)

	if opts.DisableWAL {
		return e, nil
	}

	existing, err := walExists(path)
	if err != nil {
		return nil, err
	}
	if existing && opts.ErrorIfExists {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if !existing && !opts.CreateIfMissing {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create directory: %w", err)
	}

	w, err := openWAL(path, opts.Compression, logger, e.replayRecord)
	if err != nil {
		return nil, err
	}
	e.wal = w
	e.logger.Debugf(logging.NSDB+"opened %s at sequence %d (%d column families)",
		path, e.seq, len(e.families))
	return e, nil
}

// Destroy removes all persisted state at path.
// Must not be called while an Engine for that path is open.
func Destroy(path string) error {
	return os.RemoveAll(path)
}

// Close closes the engine. Further operations return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.wal != nil {
		return e.wal.close()
	}
	return nil
}

// LatestSequence returns the sequence of the newest committed batch.
func (e *Engine) LatestSequence() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// Pin prevents versions visible at seq from being reclaimed.
// Every Pin must be paired with exactly one Unpin.
func (e *Engine) Pin(seq uint64) {
	e.mu.Lock()
	e.pins[seq]++
	e.mu.Unlock()
}

// Unpin releases a pinned sequence and reclaims version history no
// longer visible to any pin.
func (e *Engine) Unpin(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.pins[seq]; ok {
		if n <= 1 {
			delete(e.pins, seq)
		} else {
			e.pins[seq] = n - 1
		}
	}
	e.reclaimLocked()
}

// minVisibleSeq returns the oldest sequence any reader may still need.
func (e *Engine) minVisibleSeq() uint64 {
	min := e.seq
	for s := range e.pins {
		if s < min {
			min = s
		}
	}
	return min
}

// reclaimLocked trims version chains below the minimum pinned sequence.
// Resolving a key at the horizon needs the newest base version (Put or
// Delete) at or below it plus any merge operands stacked above that
// base, so trimming stops at the nearest non-merge version. A key whose
// only remaining version is a tombstone below the horizon is removed
// entirely; its sequence raises reclaimFloor so Commit keeps rejecting
// reads that predate the delete.
func (e *Engine) reclaimLocked() {
	horizon := e.minVisibleSeq()
	for _, fam := range e.families {
		var dead [][]byte
		for elem := fam.entries.Front(); elem != nil; elem = elem.Next() {
			vc := elem.Value.(*versionChain)
			newest := -1
			for i, v := range vc.versions {
				if v.seq <= horizon {
					newest = i
				}
			}
			if newest < 0 {
				continue
			}
			keep := newest
			for keep > 0 && vc.versions[keep].kind == KindMerge {
				keep--
			}
			if keep > 0 {
				vc.versions = vc.versions[keep:]
			}
			if len(vc.versions) == 1 && vc.versions[0].kind == KindDelete && vc.versions[0].seq <= horizon {
				if vc.versions[0].seq > e.reclaimFloor {
					e.reclaimFloor = vc.versions[0].seq
				}
				dead = append(dead, elem.Key().([]byte))
			}
		}
		for _, key := range dead {
			fam.entries.Remove(key)
		}
	}
}

// registerFamily adds a family store. Caller holds mu (or is in Open).
func (e *Engine) registerFamily(id uint32, name string) *familyStore {
	fs := newFamilyStore(id, name, e.compare)
	e.families[id] = fs
	e.names[name] = id
	if id >= e.nextID {
		e.nextID = id + 1
	}
	return fs
}

func (e *Engine) compare(a, b []byte) int {
	return e.opts.Compare(a, b)
}

// CreateColumnFamily registers a new column family and persists it.
func (e *Engine) CreateColumnFamily(name string) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	if _, exists := e.names[name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrFamilyExists, name)
	}
	id := e.nextID
	if e.wal != nil {
		if err := e.wal.appendCreateFamily(id, name); err != nil {
			return 0, err
		}
	}
	e.registerFamily(id, name)
	e.logger.Debugf(logging.NSCF+"created column family %q (id %d)", name, id)
	return id, nil
}

// DropColumnFamily removes a column family and persists the drop.
// Its data becomes unreachable; iterators opened before the drop keep
// their view.
func (e *Engine) DropColumnFamily(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	fam, ok := e.families[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrFamilyUnknown, id)
	}
	if e.wal != nil {
		if err := e.wal.appendDropFamily(id); err != nil {
			return err
		}
	}
	delete(e.families, id)
	delete(e.names, fam.name)
	e.logger.Debugf(logging.NSCF+"dropped column family %q (id %d)", fam.name, id)
	return nil
}

// Families returns the registered column families.
func (e *Engine) Families() []FamilyInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	infos := make([]FamilyInfo, 0, len(e.families))
	for _, fam := range e.families {
		infos = append(infos, FamilyInfo{ID: fam.id, Name: fam.name})
	}
	return infos
}

// Get returns the value of key in the given column family as of seq.
// The second return is false when the key is absent or deleted at seq.
func (e *Engine) Get(cfID uint32, key []byte, seq uint64) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false, ErrClosed
	}
	fam, ok := e.families[cfID]
	if !ok {
		return nil, false, fmt.Errorf("%w: id %d", ErrFamilyUnknown, cfID)
	}
	elem := fam.entries.Get(key)
	if elem == nil {
		return nil, false, nil
	}
	return e.resolveChain(key, elem.Value.(*versionChain), seq)
}

// resolveChain computes the visible value of a version chain at seq,
// applying merge operands to the newest base version below them.
func (e *Engine) resolveChain(key []byte, vc *versionChain, seq uint64) ([]byte, bool, error) {
	var base []byte
	haveBase := false
	var operands [][]byte

	for i := len(vc.versions) - 1; i >= 0; i-- {
		v := vc.versions[i]
		if v.seq > seq {
			continue
		}
		switch v.kind {
		case KindMerge:
			operands = append(operands, v.value)
			continue
		case KindPut:
			base = v.value
			haveBase = true
		case KindDelete:
		}
		break
	}

	if len(operands) == 0 {
		if !haveBase {
			return nil, false, nil
		}
		return base, true, nil
	}

	if e.opts.Merger == nil {
		return nil, false, ErrMergeOperatorMissing
	}
	// Operands were collected newest-first; FullMerge expects oldest-first.
	for l, r := 0, len(operands)-1; l < r; l, r = l+1, r-1 {
		operands[l], operands[r] = operands[r], operands[l]
	}
	var existing []byte
	if haveBase {
		existing = base
	}
	merged, ok := e.opts.Merger.FullMerge(key, existing, operands)
	if !ok {
		return nil, false, fmt.Errorf("%w: key %q", ErrMergeFailed, key)
	}
	return merged, true, nil
}

// Commit validates tracked reads and atomically applies the batch,
// assigning it the next sequence number. On ErrConflict nothing is
// applied. The returned sequence is the engine's latest sequence,
// whether or not the batch carried records.
func (e *Engine) Commit(b *batch.WriteBatch, tracked []TrackedRead, sync bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	for _, tr := range tracked {
		fam, ok := e.families[tr.CF]
		if !ok {
			return 0, fmt.Errorf("%w: id %d", ErrFamilyUnknown, tr.CF)
		}
		if elem := fam.entries.Get(tr.Key); elem != nil {
			if elem.Value.(*versionChain).newestSeq() > tr.Seq {
				return 0, ErrConflict
			}
			continue
		}
		// The key is absent. A tombstone newer than the read may have
		// been reclaimed, so a read older than the reclamation floor
		// cannot be validated and fails conservatively.
		if tr.Seq < e.reclaimFloor {
			return 0, ErrConflict
		}
	}

	if b == nil || b.Count() == 0 {
		return e.seq, nil
	}

	// All referenced families must exist before anything is applied;
	// there is no partial commit.
	v := &familyValidator{e: e}
	if err := b.Iterate(v); err != nil {
		return 0, err
	}

	seq := e.seq + 1
	b.SetSequence(seq)
	if e.wal != nil {
		if err := e.wal.appendBatch(b.Data(), sync); err != nil {
			return 0, err
		}
	}
	e.applyLocked(b, seq)
	e.seq = seq
	return seq, nil
}

// applyLocked inserts the batch records as versions at seq.
func (e *Engine) applyLocked(b *batch.WriteBatch, seq uint64) {
	a := &applier{e: e, seq: seq}
	// The batch was validated; applier errors only on unknown families,
	// which replay tolerates (drops can race a logged batch).
	_ = b.Iterate(a)
}

// familyValidator rejects batches referencing unknown column families.
type familyValidator struct {
	e *Engine
}

func (v *familyValidator) check(cfID uint32) error {
	if _, ok := v.e.families[cfID]; !ok {
		return fmt.Errorf("%w: id %d", ErrFamilyUnknown, cfID)
	}
	return nil
}

func (v *familyValidator) Put(key, value []byte) error          { return v.check(DefaultFamilyID) }
func (v *familyValidator) Delete(key []byte) error              { return v.check(DefaultFamilyID) }
func (v *familyValidator) Merge(key, value []byte) error        { return v.check(DefaultFamilyID) }
func (v *familyValidator) PutCF(cf uint32, k, val []byte) error { return v.check(cf) }
func (v *familyValidator) DeleteCF(cf uint32, k []byte) error   { return v.check(cf) }
func (v *familyValidator) MergeCF(cf uint32, k, v2 []byte) error {
	return v.check(cf)
}

// applier inserts batch records into the version store.
type applier struct {
	e   *Engine
	seq uint64
}

func (a *applier) insert(cfID uint32, key []byte, kind Kind, value []byte) error {
	fam, ok := a.e.families[cfID]
	if !ok {
		a.e.logger.Warnf(logging.NSDB+"skipping record for unknown column family %d", cfID)
		return nil
	}
	var vc *versionChain
	if elem := fam.entries.Get(key); elem != nil {
		vc = elem.Value.(*versionChain)
	} else {
		vc = &versionChain{}
		fam.entries.Set(append([]byte(nil), key...), vc)
	}
	var val []byte
	if value != nil {
		val = append([]byte(nil), value...)
	}
	vc.versions = append(vc.versions, version{seq: a.seq, kind: kind, value: val})
	return nil
}

func (a *applier) Put(key, value []byte) error   { return a.insert(DefaultFamilyID, key, KindPut, value) }
func (a *applier) Delete(key []byte) error       { return a.insert(DefaultFamilyID, key, KindDelete, nil) }
func (a *applier) Merge(key, value []byte) error { return a.insert(DefaultFamilyID, key, KindMerge, value) }
func (a *applier) PutCF(cf uint32, key, value []byte) error {
	return a.insert(cf, key, KindPut, value)
}
func (a *applier) DeleteCF(cf uint32, key []byte) error {
	return a.insert(cf, key, KindDelete, nil)
}
func (a *applier) MergeCF(cf uint32, key, value []byte) error {
	return a.insert(cf, key, KindMerge, value)
}

// replayRecord rebuilds engine state from one WAL record during Open.
func (e *Engine) replayRecord(kind byte, payload []byte) error {
	switch kind {
	case recBatch:
		b, err := batch.NewFromData(payload)
		if err != nil {
			return err
		}
		seq := b.Sequence()
		e.applyLocked(b, seq)
		if seq > e.seq {
			e.seq = seq
		}
		return nil

	case recCreateFamily:
		id, name, err := decodeCreateFamily(payload)
		if err != nil {
			return err
		}
		e.registerFamily(id, name)
		return nil

	case recDropFamily:
		id, err := decodeDropFamily(payload)
		if err != nil {
			return err
		}
		if fam, ok := e.families[id]; ok {
			delete(e.families, id)
			delete(e.names, fam.name)
		}
		return nil

	default:
		return fmt.Errorf("engine: unknown WAL record kind %d", kind)
	}
}
