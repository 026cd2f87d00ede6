// Package vindex is the vector search surface of spec.md §4.1's search
// operation. Real HNSW indexing is an out-of-scope external collaborator
// (spec.md §1 Non-goals); this package supplies the brute-force scorer
// that Segment and ProxySegment hold in its place, scanning vstore
// directly the way a reference implementation would before indexing.
package vindex

import (
	"container/heap"
	"context"
	"math"

	"github.com/arborix/segmentdb/internal/segtypes"
	"github.com/arborix/segmentdb/internal/vstore"
)

// Distance selects the scoring function used by a search.
type Distance int

const (
	DistanceCosine Distance = iota
	DistanceDot
	DistanceEuclidean
)

// AllowedFunc reports whether offset is a candidate for scoring — the
// filtered/not-deleted predicate a caller layers on top of the raw scan
// (spec.md §4.2's "search must respect the live deleted_points view").
type AllowedFunc func(offset segtypes.Offset) bool

// ScoredOffset pairs an internal offset with its similarity score.
type ScoredOffset struct {
	Offset segtypes.Offset
	Score  float32
}

// Index is a brute-force scanner over a vstore.Store.
type Index struct {
	store    *vstore.Store
	distance Distance
}

// New wraps store with a brute-force scorer using dist.
func New(store *vstore.Store, dist Distance) *Index {
	return &Index{store: store, distance: dist}
}

// Score computes the similarity of a and b under the configured
// distance. Higher is always better, matching spec.md §4.1's top-k
// ordering.
func (idx *Index) Score(a, b []float32) float32 {
	switch idx.distance {
	case DistanceDot:
		return dot(a, b)
	case DistanceEuclidean:
		return -sqDist(a, b)
	default:
		return cosine(a, b)
	}
}

type candidateHeap []ScoredOffset

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score } // min-heap: weakest on top
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(ScoredOffset)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search scans every live slot up to count, scoring against query and
// keeping the top-k, allowed to narrow the candidate set to the live,
// filter-matching offsets a caller has already computed.
func (idx *Index) Search(ctx context.Context, query []float32, top int, count uint32, allowed AllowedFunc) ([]ScoredOffset, error) {
	if top <= 0 {
		return nil, nil
	}
	h := &candidateHeap{}
	heap.Init(h)
	for o := segtypes.Offset(0); o < segtypes.Offset(count); o++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, segtypes.Cancelled{Description: "search interrupted"}
			default:
			}
		}
		if allowed != nil && !allowed(o) {
			continue
		}
		vec, ok, err := idx.store.Get(o)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		score := idx.Score(query, vec)
		if h.Len() < top {
			heap.Push(h, ScoredOffset{Offset: o, Score: score})
			continue
		}
		if score > (*h)[0].Score {
			heap.Pop(h)
			heap.Push(h, ScoredOffset{Offset: o, Score: score})
		}
	}
	out := make([]ScoredOffset, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(ScoredOffset)
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func sqDist(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func cosine(a, b []float32) float32 {
	num := dot(a, b)
	var na, nb float64
	for _, v := range a {
		na += float64(v) * float64(v)
	}
	for _, v := range b {
		nb += float64(v) * float64(v)
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return float32(float64(num) / denom)
}
