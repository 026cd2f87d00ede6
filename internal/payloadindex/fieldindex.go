// Package payloadindex implements the map (equality) and numeric (range)
// payload field indices of spec.md §4.4/§4.5, the shared FieldIndex trait
// surface, and the per-segment Set that owns one FieldIndex per indexed
// field.
package payloadindex

import (
	"github.com/arborix/segmentdb/internal/segtypes"
)

// FieldIndex is the trait surface spec.md §4.4/§4.5 describe: add/remove
// points, persist/load/clear, answer a Match or Range condition, estimate
// cardinality, and surface payload_blocks candidates.
type FieldIndex interface {
	AddMany(offset segtypes.Offset, values []any) error
	RemovePoint(offset segtypes.Offset) error
	Load() (bool, error)
	Flush() error
	Clear() error

	// Filter returns the matching offsets in ascending order, and whether
	// this index's kind (map vs numeric) can answer the condition at all.
	Filter(cond segtypes.FieldCondition) (offsets []segtypes.Offset, handled bool)

	EstimateCardinality(cond segtypes.FieldCondition) (est segtypes.Cardinality, handled bool)
	PayloadBlocks(threshold int, key string) []segtypes.PayloadBlock

	IndexedPointsCount() int
	Schema() segtypes.FieldSchema
}
