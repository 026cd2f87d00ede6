package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/arborix/segmentdb/internal/segtypes"
)

// state is the copy-on-write snapshot of spec.md §4.2's three shared
// sets: points hidden from the wrapped segment, and the field names
// created/deleted on the write segment since the proxy was built. It is
// held behind an atomic.Value the way dreamsxin-wal's WAL holds its
// segment-set snapshot (wal.go's `s atomic.Value // *state`, swapped by
// mutateStateLocked under a single writer lock): readers call load() and
// never block; writers hold writeMu and atomically publish a cloned,
// mutated copy.
type state struct {
	deletedPoints  *immutable.SortedMap[string, segtypes.PointID]
	createdIndexes *immutable.SortedMap[string, segtypes.FieldSchema]
	deletedIndexes *immutable.SortedMap[string, struct{}]
}

func newState() *state {
	return &state{
		deletedPoints:  &immutable.SortedMap[string, segtypes.PointID]{},
		createdIndexes: &immutable.SortedMap[string, segtypes.FieldSchema]{},
		deletedIndexes: &immutable.SortedMap[string, struct{}]{},
	}
}

func (s *state) clone() *state {
	cp := *s
	return &cp
}

// sharedState is the proxy's atomic.Value-backed handle on state,
// mutated under writeMu exactly like wal.go's mutateStateLocked.
type sharedState struct {
	writeMu sync.Mutex
	v       atomic.Value // *state
}

func newSharedState() *sharedState {
	ss := &sharedState{}
	ss.v.Store(newState())
	return ss
}

func (ss *sharedState) load() *state {
	return ss.v.Load().(*state)
}

// mutate runs fn against a clone of the current state under writeMu and
// publishes the result atomically.
func (ss *sharedState) mutate(fn func(s *state)) {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	newS := ss.load().clone()
	fn(newS)
	ss.v.Store(newS)
}

// isDeleted reports whether id is currently hidden from the wrapped
// segment's view.
func (s *state) isDeleted(id segtypes.PointID) bool {
	_, ok := s.deletedPoints.Get(id.String())
	return ok
}

// deletedCount returns the number of points currently hidden.
func (s *state) deletedCount() int { return s.deletedPoints.Len() }

// forEachDeleted walks deleted point ids in ascending key order.
func (s *state) forEachDeleted(fn func(segtypes.PointID)) {
	it := s.deletedPoints.Iterator()
	for !it.Done() {
		_, id := it.Next()
		fn(id)
	}
}

func (s *state) isIndexDeleted(key string) bool {
	_, ok := s.deletedIndexes.Get(key)
	return ok
}
