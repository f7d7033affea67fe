package opalkv

// column_family.go implements column family management.
//
// Column families partition the key space within a single database.
// Every database has a "default" column family that cannot be dropped;
// operations that take no handle target it. Handles stay comparable
// after a drop: they report IsValid() == false and every operation
// through them fails with ErrColumnFamilyDropped.

import (
	"sync"
	"sync/atomic"

	"github.com/opalkv/opalkv/internal/engine"
)

// DefaultColumnFamilyName is the name of the default column family.
const DefaultColumnFamilyName = engine.DefaultFamilyName

// DefaultColumnFamilyID is the ID of the default column family.
const DefaultColumnFamilyID = engine.DefaultFamilyID

// ColumnFamilyOptions configures a new column family. All tuning is
// currently inherited from the database Options; the struct keeps call
// sites stable as per-family settings grow.
type ColumnFamilyOptions struct{}

// DefaultColumnFamilyOptions returns default options for a column family.
func DefaultColumnFamilyOptions() ColumnFamilyOptions {
	return ColumnFamilyOptions{}
}

// ColumnFamilyHandle represents a reference to a column family.
// It can be passed to database operations to select the column family.
type ColumnFamilyHandle interface {
	// ID returns the column family ID.
	ID() uint32

	// Name returns the column family name.
	Name() string

	// IsValid returns true if the handle is still valid (not dropped).
	IsValid() bool
}

// columnFamilyData holds the shared state behind every handle to one
// column family. Dropping flips the flag for all outstanding handles.
type columnFamilyData struct {
	id      uint32
	name    string
	dropped atomic.Bool
}

// cfHandle is the concrete ColumnFamilyHandle.
type cfHandle struct {
	cfd *columnFamilyData
}

func (h *cfHandle) ID() uint32    { return h.cfd.id }
func (h *cfHandle) Name() string  { return h.cfd.name }
func (h *cfHandle) IsValid() bool { return !h.cfd.dropped.Load() }

// columnFamilySet is the registry of live column families.
type columnFamilySet struct {
	mu     sync.RWMutex
	byName map[string]*columnFamilyData
	byID   map[uint32]*columnFamilyData
}

func newColumnFamilySet() *columnFamilySet {
	return &columnFamilySet{
		byName: make(map[string]*columnFamilyData),
		byID:   make(map[uint32]*columnFamilyData),
	}
}

// add registers a column family and returns its shared data.
func (s *columnFamilySet) add(id uint32, name string) *columnFamilyData {
	cfd := &columnFamilyData{id: id, name: name}
	s.mu.Lock()
	s.byName[name] = cfd
	s.byID[id] = cfd
	s.mu.Unlock()
	return cfd
}

// get returns the live column family with the given name.
func (s *columnFamilySet) get(name string) (*columnFamilyData, bool) {
	s.mu.RLock()
	cfd, ok := s.byName[name]
	s.mu.RUnlock()
	return cfd, ok
}

// remove unregisters a dropped column family. The shared data stays
// alive for outstanding handles; only the registry forgets it.
func (s *columnFamilySet) remove(cfd *columnFamilyData) {
	s.mu.Lock()
	delete(s.byName, cfd.name)
	delete(s.byID, cfd.id)
	s.mu.Unlock()
}

// resolveHandle maps a handle to its column family id. A nil handle
// selects the default column family.
func resolveHandle(cf ColumnFamilyHandle) (uint32, error) {
	if cf == nil {
		return DefaultColumnFamilyID, nil
	}
	h, ok := cf.(*cfHandle)
	if !ok {
		return 0, ErrInvalidColumnFamilyHandle
	}
	if h.cfd.dropped.Load() {
		return 0, ErrColumnFamilyDropped
	}
	return h.cfd.id, nil
}

// names returns the live column family names, unordered.
func (s *columnFamilySet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	return out
}
