package payloadindex

import (
	"math"

	"github.com/google/btree"

	"github.com/arborix/segmentdb/internal/histogram"
	"github.com/arborix/segmentdb/internal/kvenc"
	"github.com/arborix/segmentdb/internal/kvstore"
	"github.com/arborix/segmentdb/internal/segtypes"
)

type numericKey = [kvenc.IntKeyLen]byte

type numericEntry struct {
	key    numericKey
	offset segtypes.Offset
}

func lessNumericEntry(a, b numericEntry) bool {
	for i := 0; i < kvenc.IntKeyLen; i++ {
		if a.key[i] != b.key[i] {
			return a.key[i] < b.key[i]
		}
	}
	return false
}

// NumericIndex is the ordered range index of spec.md §4.5: a BTreeMap of
// encoded (value, offset) keys, persisted to the "{field}_numeric" bucket,
// with a Histogram for cardinality estimation.
type NumericIndex struct {
	store      *kvstore.Store
	bucket     string
	schema     segtypes.FieldSchema
	hcfg       segtypes.HistogramConfig
	tree       *btree.BTreeG[numericEntry]
	hist       *histogram.Histogram
	pointCount int
	maxPerPt   int
	values     map[segtypes.Offset][]float64
}

// NewNumericIndex creates the in-memory index for field with schema
// (integer or float), backed by the "{field}_numeric" bucket.
func NewNumericIndex(store *kvstore.Store, field string, schema segtypes.FieldSchema, hcfg segtypes.HistogramConfig) *NumericIndex {
	return &NumericIndex{
		store:    store,
		bucket:   field + "_numeric",
		schema:   schema,
		hcfg:     hcfg,
		tree:     btree.NewG(32, lessNumericEntry),
		hist:     histogram.New(histogram.Config{MaxBucketSize: hcfg.MaxBucketSize, Precision: hcfg.Precision}),
		maxPerPt: 1,
		values:   make(map[segtypes.Offset][]float64),
	}
}

func (n *NumericIndex) Schema() segtypes.FieldSchema { return n.schema }

func (n *NumericIndex) encode(v float64, offset segtypes.Offset) numericKey {
	if n.schema == segtypes.SchemaInteger {
		return kvenc.EncodeInt(int64(v), uint32(offset))
	}
	return kvenc.EncodeFloat(v, uint32(offset))
}

func (n *NumericIndex) histPoint(key numericKey, offset segtypes.Offset) histogram.Point {
	var v float64
	if n.schema == segtypes.SchemaInteger {
		iv, _ := kvenc.DecodeInt(key)
		v = float64(iv)
	} else {
		v, _ = kvenc.DecodeFloat(key)
	}
	return histogram.Point{Val: v, Idx: int(offset)}
}

func (n *NumericIndex) neighborFuncs() (left, right histogram.NeighborFunc) {
	left = func(p histogram.Point) (histogram.Point, bool) {
		key := n.encode(p.Val, segtypes.Offset(p.Idx))
		var found *numericEntry
		n.tree.DescendLessOrEqual(numericEntry{key: key}, func(e numericEntry) bool {
			if e.key == key {
				return true // skip self, keep descending
			}
			item := e
			found = &item
			return false
		})
		if found == nil {
			return histogram.Point{}, false
		}
		return n.histPoint(found.key, found.offset), true
	}
	right = func(p histogram.Point) (histogram.Point, bool) {
		key := n.encode(p.Val, segtypes.Offset(p.Idx))
		var found *numericEntry
		n.tree.AscendGreaterOrEqual(numericEntry{key: key}, func(e numericEntry) bool {
			if e.key == key {
				return true
			}
			item := e
			found = &item
			return false
		})
		if found == nil {
			return histogram.Point{}, false
		}
		return n.histPoint(found.key, found.offset), true
	}
	return left, right
}

func (n *NumericIndex) addValue(offset segtypes.Offset, v float64) error {
	key := n.encode(v, offset)
	entry := numericEntry{key: key, offset: offset}
	if err := n.store.Put(n.bucket, key[:], be32(uint32(offset))); err != nil {
		return segtypes.WrapServiceError(err, "numeric index %s: db update error", n.bucket)
	}
	n.tree.ReplaceOrInsert(entry)
	left, right := n.neighborFuncs()
	n.hist.Insert(n.histPoint(key, offset), left, right)
	return nil
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// AddMany indexes every numeric value in raw under offset (spec.md §4.5
// "State maintenance").
func (n *NumericIndex) AddMany(offset segtypes.Offset, raw []any) error {
	values := make([]float64, 0, len(raw))
	for _, v := range raw {
		switch vv := v.(type) {
		case float64:
			values = append(values, vv)
		case int64:
			values = append(values, float64(vv))
		case int:
			values = append(values, float64(vv))
		}
	}
	if len(values) == 0 {
		return nil
	}
	for _, v := range values {
		if err := n.addValue(offset, v); err != nil {
			return err
		}
	}
	n.pointCount++
	if len(values) > n.maxPerPt {
		n.maxPerPt = len(values)
	}
	n.values[offset] = values
	return nil
}

// RemovePoint removes every value offset contributed, rescanning for the
// new max_values_per_point only if the removed point held the current max
// (spec.md §4.5 "State maintenance").
func (n *NumericIndex) RemovePoint(offset segtypes.Offset) error {
	values, ok := n.values[offset]
	if !ok {
		return nil
	}
	delete(n.values, offset)
	for _, v := range values {
		key := n.encode(v, offset)
		if err := n.store.Delete(n.bucket, key[:]); err != nil {
			return segtypes.WrapServiceError(err, "numeric index %s: db delete error", n.bucket)
		}
		left, right := n.neighborFuncs()
		n.tree.Delete(numericEntry{key: key})
		n.hist.Remove(n.histPoint(key, offset), left, right)
	}
	if len(values) > 0 {
		n.pointCount--
	}
	if len(values) == n.maxPerPt {
		n.maxPerPt = 1
		for _, vs := range n.values {
			if len(vs) > n.maxPerPt {
				n.maxPerPt = len(vs)
			}
		}
	}
	return nil
}

// Load rehydrates the in-memory btree and histogram from the bbolt bucket.
func (n *NumericIndex) Load() (bool, error) {
	n.tree = btree.NewG(32, lessNumericEntry)
	n.hist = histogram.New(histogram.Config{MaxBucketSize: n.hcfg.MaxBucketSize, Precision: n.hcfg.Precision})
	n.values = make(map[segtypes.Offset][]float64)
	n.pointCount = 0
	n.maxPerPt = 1
	found := false
	err := n.store.ForEach(n.bucket, func(k, v []byte) error {
		found = true
		var key numericKey
		copy(key[:], k)
		offset := segtypes.Offset(be32dec(v))
		var val float64
		if n.schema == segtypes.SchemaInteger {
			iv, _ := kvenc.DecodeInt(key)
			val = float64(iv)
		} else {
			val, _ = kvenc.DecodeFloat(key)
		}
		n.tree.ReplaceOrInsert(numericEntry{key: key, offset: offset})
		n.values[offset] = append(n.values[offset], val)
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, vs := range n.values {
		if len(vs) > 0 {
			n.pointCount++
		}
		if len(vs) > n.maxPerPt {
			n.maxPerPt = len(vs)
		}
	}
	// Rebuild the histogram from the reloaded keys now that the tree holds
	// every entry, so neighbor lookups see the final state rather than a
	// partially populated one.
	n.tree.Ascend(func(e numericEntry) bool {
		left, right := n.neighborFuncs()
		n.hist.Insert(n.histPoint(e.key, e.offset), left, right)
		return true
	})
	return found, nil
}

func be32dec(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (n *NumericIndex) Flush() error { return n.store.Flush() }

func (n *NumericIndex) Clear() error {
	n.tree = btree.NewG(32, lessNumericEntry)
	n.hist = histogram.New(histogram.Config{MaxBucketSize: n.hcfg.MaxBucketSize, Precision: n.hcfg.Precision})
	n.values = make(map[segtypes.Offset][]float64)
	n.pointCount = 0
	n.maxPerPt = 1
	return n.store.DropBucket(n.bucket)
}

func (n *NumericIndex) IndexedPointsCount() int { return n.pointCount }

// Filter maps a Range condition to (start, end) bounds over the encoded
// keys, using MaxUint32/0 offsets to include or exclude boundary points
// per spec.md §4.5, and returns the empty iterator without touching the
// map for the documented degenerate cases.
func (n *NumericIndex) Filter(cond segtypes.FieldCondition) ([]segtypes.Offset, bool) {
	r := cond.Range
	if r == nil {
		return nil, false
	}

	var startKey, endKey *numericKey
	startExcluded, endExcluded := false, false

	switch {
	case r.Gt != nil:
		k := n.encode(*r.Gt, math.MaxUint32)
		startKey = &k
		startExcluded = true
	case r.Gte != nil:
		k := n.encode(*r.Gte, 0)
		startKey = &k
	}
	switch {
	case r.Lt != nil:
		k := n.encode(*r.Lt, 0)
		endKey = &k
		endExcluded = true
	case r.Lte != nil:
		k := n.encode(*r.Lte, math.MaxUint32)
		endKey = &k
	}

	if startKey != nil && endKey != nil {
		cmp := compareKeys(*startKey, *endKey)
		if startExcluded && endExcluded && cmp == 0 {
			return nil, true
		}
		if cmp > 0 {
			return nil, true
		}
	}

	var out []segtypes.Offset
	pivot := numericEntry{}
	if startKey != nil {
		pivot.key = *startKey
	}
	n.tree.AscendGreaterOrEqual(pivot, func(e numericEntry) bool {
		if startKey != nil && startExcluded && e.key == *startKey {
			return true
		}
		if endKey != nil {
			cmp := compareKeys(e.key, *endKey)
			if cmp > 0 || (cmp == 0 && endExcluded) {
				return false
			}
		}
		out = append(out, e.offset)
		return true
	})
	return out, true
}

func compareKeys(a, b numericKey) int {
	for i := 0; i < kvenc.IntKeyLen; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// EstimateCardinality uses the histogram for the (min, exp, max) triple of
// spec.md §4.5.
func (n *NumericIndex) EstimateCardinality(cond segtypes.FieldCondition) (segtypes.Cardinality, bool) {
	r := cond.Range
	if r == nil {
		return segtypes.Cardinality{}, false
	}
	return n.rangeCardinality(*r), true
}

func (n *NumericIndex) rangeCardinality(r segtypes.Range) segtypes.Cardinality {
	lo, expMid, hi := n.hist.Estimate(gteOrGt(r), lteOrLt(r))
	totalValues := n.tree.Len()

	expectedMin := maxInt(lo/maxInt(n.maxPerPt, 1), maxInt(minInt(1, lo), satSub(lo, totalValues-n.pointCount)))
	expectedMax := minInt(n.pointCount, hi)

	estimate := estimateMultiValueSelection(n.pointCount, totalValues, expMid)
	return segtypes.Cardinality{
		Min: expectedMin,
		Exp: minInt(expectedMax, maxInt(estimate, expectedMin)),
		Max: expectedMax,
	}
}

func gteOrGt(r segtypes.Range) *float64 {
	if r.Gt != nil {
		return r.Gt
	}
	return r.Gte
}

func lteOrLt(r segtypes.Range) *float64 {
	if r.Lte != nil {
		return r.Lte
	}
	return r.Lt
}

// estimateMultiValueSelection approximates how many distinct points
// contribute `selected` of the total `values` entries spread over
// `points` points, assuming a uniform values-per-point ratio, matching the
// original's estimate_multi_value_selection_cardinality.
func estimateMultiValueSelection(points, values, selected int) int {
	if values == 0 || points == 0 {
		return 0
	}
	ratio := float64(values) / float64(points)
	if ratio <= 0 {
		return 0
	}
	return int(math.Round(float64(selected) / ratio))
}

func satSub(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PayloadBlocks chunks the key space using the histogram's RangeBySize,
// yielding approximately-threshold-sized Range conditions (spec.md §4.4
// applied to the numeric index).
func (n *NumericIndex) PayloadBlocks(threshold int, key string) []segtypes.PayloadBlock {
	if n.pointCount == 0 || threshold <= 0 {
		return nil
	}
	valuePerPoint := float64(n.tree.Len()) / float64(n.pointCount)
	effectiveThreshold := int(float64(threshold) * valuePerPoint)
	if effectiveThreshold < 1 {
		effectiveThreshold = 1
	}

	var out []segtypes.PayloadBlock
	var lower *float64
	for {
		upper, unbounded := n.hist.RangeBySize(lower, effectiveThreshold/2)
		if unbounded {
			break
		}
		r := segtypes.Range{}
		if lower != nil {
			gt := *lower
			r.Gt = &gt
		}
		lt := upper
		r.Lt = &lt
		card := n.rangeCardinality(r)
		out = append(out, segtypes.PayloadBlock{
			Condition:   segtypes.FieldCondition{Key: key, Range: &r},
			Cardinality: card.Exp,
		})
		u := upper
		lower = &u
	}
	return out
}
