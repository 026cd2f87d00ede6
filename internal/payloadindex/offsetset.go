package payloadindex

import (
	"github.com/google/btree"

	"github.com/arborix/segmentdb/internal/segtypes"
)

// offsetSet is a sorted set of offsets, backed by the same ordered BTree
// the numeric index uses, giving deterministic ascending iteration for a
// map-index posting list (spec.md §4.4).
type offsetSet struct {
	tree *btree.BTreeG[segtypes.Offset]
}

func newOffsetSet() *offsetSet {
	return &offsetSet{tree: btree.NewG(32, func(a, b segtypes.Offset) bool { return a < b })}
}

func (s *offsetSet) insert(o segtypes.Offset) { s.tree.ReplaceOrInsert(o) }
func (s *offsetSet) remove(o segtypes.Offset) { s.tree.Delete(o) }
func (s *offsetSet) len() int                 { return s.tree.Len() }

func (s *offsetSet) toSlice() []segtypes.Offset {
	out := make([]segtypes.Offset, 0, s.tree.Len())
	s.tree.Ascend(func(o segtypes.Offset) bool {
		out = append(out, o)
		return true
	})
	return out
}
