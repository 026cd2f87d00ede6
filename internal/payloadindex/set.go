package payloadindex

import (
	"sort"

	"github.com/arborix/segmentdb/internal/kvstore"
	"github.com/arborix/segmentdb/internal/segtypes"
)

// Set is the per-segment payload index set of spec.md §3: field name ->
// FieldIndex, shared by a Segment and by a ProxySegment's write segment.
type Set struct {
	store  *kvstore.Store
	hcfg   segtypes.HistogramConfig
	fields map[string]FieldIndex
}

// NewSet creates an empty index set backed by store.
func NewSet(store *kvstore.Store, hcfg segtypes.HistogramConfig) *Set {
	return &Set{store: store, hcfg: hcfg, fields: make(map[string]FieldIndex)}
}

// CreateIndex creates (or replaces) the field index for key with the given
// schema, returning the existing index unchanged if one already exists
// with the same schema (spec.md §4.1 create_field_index idempotency is
// handled by the caller
// via the op_num ordering rule; this only builds storage).
func (s *Set) CreateIndex(key string, schema segtypes.FieldSchema) (FieldIndex, error) {
	if existing, ok := s.fields[key]; ok && existing.Schema() == schema {
		return existing, nil
	}
	var idx FieldIndex
	switch schema {
	case segtypes.SchemaKeyword:
		idx = NewMapIndex(s.store, key)
	case segtypes.SchemaInteger, segtypes.SchemaFloat:
		idx = NewNumericIndex(s.store, key, schema, s.hcfg)
	default:
		return nil, segtypes.NewServiceError("unknown field schema for %q", key)
	}
	s.fields[key] = idx
	return idx, nil
}

// DeleteIndex drops the field index for key, clearing its storage.
func (s *Set) DeleteIndex(key string) error {
	idx, ok := s.fields[key]
	if !ok {
		return nil
	}
	delete(s.fields, key)
	return idx.Clear()
}

// Get returns the field index for key, if any.
func (s *Set) Get(key string) (FieldIndex, bool) {
	idx, ok := s.fields[key]
	return idx, ok
}

// IndexedFields returns field -> schema for every currently indexed field.
func (s *Set) IndexedFields() map[string]segtypes.FieldSchema {
	out := make(map[string]segtypes.FieldSchema, len(s.fields))
	for k, v := range s.fields {
		out[k] = v.Schema()
	}
	return out
}

// Assign indexes payload's values for offset across every field index.
func (s *Set) Assign(offset segtypes.Offset, payload segtypes.Payload) error {
	for key, idx := range s.fields {
		values := payload.Values(key)
		if err := idx.AddMany(offset, values); err != nil {
			return err
		}
	}
	return nil
}

// RemovePoint drops offset from every field index.
func (s *Set) RemovePoint(offset segtypes.Offset) error {
	for _, idx := range s.fields {
		if err := idx.RemovePoint(offset); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every field index.
func (s *Set) Flush() error {
	for _, idx := range s.fields {
		if err := idx.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Load rehydrates every currently registered field index from storage.
func (s *Set) Load() error {
	for _, idx := range s.fields {
		if _, err := idx.Load(); err != nil {
			return err
		}
	}
	return nil
}

// FilterOffsets evaluates a leaf Field condition across the matching
// field index, returning nil+false when no index covers the field (the
// caller falls back to a full scan in that case).
func (s *Set) FilterOffsets(fc segtypes.FieldCondition) ([]segtypes.Offset, bool) {
	idx, ok := s.fields[fc.Key]
	if !ok {
		return nil, false
	}
	offsets, handled := idx.Filter(fc)
	if !handled {
		return nil, false
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, true
}

// EstimateCardinality estimates a leaf Field condition via the matching
// field index.
func (s *Set) EstimateCardinality(fc segtypes.FieldCondition) (segtypes.Cardinality, bool) {
	idx, ok := s.fields[fc.Key]
	if !ok {
		return segtypes.Cardinality{}, false
	}
	return idx.EstimateCardinality(fc)
}
