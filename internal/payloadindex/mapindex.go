package payloadindex

import (
	"sort"
	"strconv"

	"github.com/arborix/segmentdb/internal/kvenc"
	"github.com/arborix/segmentdb/internal/kvstore"
	"github.com/arborix/segmentdb/internal/segtypes"
)

// mapValue is the internal canonical form of a keyword-or-integer value,
// grounded on map_index.rs's generic MapIndex<N: Hash + Eq + Display>: both
// value kinds flow through the same posting-list machinery, keyed by their
// string form.
type mapValue struct {
	isInt bool
	s     string
	i     int64
}

func (v mapValue) key() string {
	if v.isInt {
		return "i:" + strconv.FormatInt(v.i, 10)
	}
	return "s:" + v.s
}

func (v mapValue) display() string {
	if v.isInt {
		return strconv.FormatInt(v.i, 10)
	}
	return v.s
}

// MapIndex is the equality index of spec.md §4.4: value -> sorted set of
// offsets in memory, mirrored into a dedicated bbolt bucket.
type MapIndex struct {
	store    *kvstore.Store
	bucket   string
	posting  map[string]*offsetSet
	values   map[segtypes.Offset][]mapValue
	indexed  int
}

// NewMapIndex creates the in-memory index for field, backed by the
// "{field}_map" bucket (spec.md §4.4).
func NewMapIndex(store *kvstore.Store, field string) *MapIndex {
	return &MapIndex{
		store:   store,
		bucket:  field + "_map",
		posting: make(map[string]*offsetSet),
		values:  make(map[segtypes.Offset][]mapValue),
	}
}

func (m *MapIndex) Schema() segtypes.FieldSchema { return segtypes.SchemaKeyword }

// AddMany indexes every keyword/integer value of values under offset.
func (m *MapIndex) AddMany(offset segtypes.Offset, raw []any) error {
	if len(raw) == 0 {
		return nil
	}
	values := make([]mapValue, 0, len(raw))
	for _, v := range raw {
		switch vv := v.(type) {
		case string:
			values = append(values, mapValue{s: vv})
		case int64:
			values = append(values, mapValue{isInt: true, i: vv})
		case int:
			values = append(values, mapValue{isInt: true, i: int64(vv)})
		case float64:
			values = append(values, mapValue{isInt: true, i: int64(vv)})
		default:
			continue
		}
	}
	if len(values) == 0 {
		return nil
	}
	if _, ok := m.values[offset]; !ok {
		m.indexed++
	}
	m.values[offset] = values
	for _, v := range values {
		set, ok := m.posting[v.key()]
		if !ok {
			set = newOffsetSet()
			m.posting[v.key()] = set
		}
		set.insert(offset)
		key := kvenc.EncodeMapKey(v.display(), uint32(offset))
		if err := m.store.Put(m.bucket, []byte(key), nil); err != nil {
			return segtypes.WrapServiceError(err, "map index %s: db update error", m.bucket)
		}
	}
	return nil
}

// RemovePoint drops every value the offset contributed.
func (m *MapIndex) RemovePoint(offset segtypes.Offset) error {
	values, ok := m.values[offset]
	if !ok {
		return nil
	}
	delete(m.values, offset)
	m.indexed--
	for _, v := range values {
		if set, ok := m.posting[v.key()]; ok {
			set.remove(offset)
			if set.len() == 0 {
				delete(m.posting, v.key())
			}
		}
		key := kvenc.EncodeMapKey(v.display(), uint32(offset))
		if err := m.store.Delete(m.bucket, []byte(key)); err != nil {
			return segtypes.WrapServiceError(err, "map index %s: db delete error", m.bucket)
		}
	}
	return nil
}

// Load rehydrates the in-memory posting lists from the bbolt bucket.
func (m *MapIndex) Load() (bool, error) {
	m.posting = make(map[string]*offsetSet)
	m.values = make(map[segtypes.Offset][]mapValue)
	m.indexed = 0
	found := false
	err := m.store.ForEach(m.bucket, func(key, _ []byte) error {
		found = true
		value, offset, err := kvenc.DecodeMapKey(string(key))
		if err != nil {
			return err
		}
		mv := decodeMapValue(value)
		off := segtypes.Offset(offset)
		if _, ok := m.values[off]; !ok {
			m.indexed++
		}
		m.values[off] = append(m.values[off], mv)
		set, ok := m.posting[mv.key()]
		if !ok {
			set = newOffsetSet()
			m.posting[mv.key()] = set
		}
		set.insert(off)
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// decodeMapValue guesses integer vs keyword the way the original's
// `N: FromStr` bound does per-field (a field is either the String or the
// IntPayloadType instantiation of MapIndex<N>): here a single index holds
// both, so an all-digit (optionally signed) string round-trips as integer.
func decodeMapValue(s string) mapValue {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return mapValue{isInt: true, i: n}
	}
	return mapValue{s: s}
}

func (m *MapIndex) Flush() error { return m.store.Flush() }

func (m *MapIndex) Clear() error {
	m.posting = make(map[string]*offsetSet)
	m.values = make(map[segtypes.Offset][]mapValue)
	m.indexed = 0
	return m.store.DropBucket(m.bucket)
}

func (m *MapIndex) IndexedPointsCount() int { return m.indexed }

func matchValue(match *segtypes.Match) (mapValue, bool) {
	if match == nil {
		return mapValue{}, false
	}
	if match.Keyword != nil {
		return mapValue{s: *match.Keyword}, true
	}
	if match.Integer != nil {
		return mapValue{isInt: true, i: *match.Integer}, true
	}
	return mapValue{}, false
}

func (m *MapIndex) Filter(cond segtypes.FieldCondition) ([]segtypes.Offset, bool) {
	mv, ok := matchValue(cond.Match)
	if !ok {
		return nil, false
	}
	set, ok := m.posting[mv.key()]
	if !ok {
		return nil, true
	}
	return set.toSlice(), true
}

// EstimateCardinality for a map index is exact: the posting-list size is
// min = exp = max (spec.md §4.4).
func (m *MapIndex) EstimateCardinality(cond segtypes.FieldCondition) (segtypes.Cardinality, bool) {
	mv, ok := matchValue(cond.Match)
	if !ok {
		return segtypes.Cardinality{}, false
	}
	n := 0
	if set, ok := m.posting[mv.key()]; ok {
		n = set.len()
	}
	return segtypes.Cardinality{Min: n, Exp: n, Max: n}, true
}

// PayloadBlocks yields a FieldCondition for every value whose posting list
// exceeds threshold (spec.md §4.4).
func (m *MapIndex) PayloadBlocks(threshold int, key string) []segtypes.PayloadBlock {
	var out []segtypes.PayloadBlock
	for k, set := range m.posting {
		if set.len() <= threshold {
			continue
		}
		mv := decodeMapValue(k[2:])
		var fc segtypes.FieldCondition
		if k[0] == 'i' {
			v := mv.i
			fc = segtypes.FieldCondition{Key: key, Match: &segtypes.Match{Integer: &v}}
		} else {
			v := k[2:]
			fc = segtypes.FieldCondition{Key: key, Match: &segtypes.Match{Keyword: &v}}
		}
		out = append(out, segtypes.PayloadBlock{Condition: fc, Cardinality: set.len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cardinality > out[j].Cardinality })
	return out
}
