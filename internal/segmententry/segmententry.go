// Package segmententry declares the SegmentEntry contract spec.md §4.1
// describes: every read/write operation a Segment offers, and that a
// ProxySegment must also satisfy so internal/proxy can wrap one without
// an import cycle between internal/segment and internal/proxy.
package segmententry

import (
	"context"

	"github.com/arborix/segmentdb/internal/segtypes"
)

// SearchRequest is the input to Search: a query vector, how many results
// to return, and an optional filter condition (spec.md §4.1 search).
type SearchRequest struct {
	Vector []float32
	Top    int
	Filter *segtypes.Condition
}

// SegmentEntry is the full surface spec.md §4.1 names, shared by
// internal/segment.Segment and internal/proxy.ProxySegment.
type SegmentEntry interface {
	// Version returns the segment-wide applied op_num high-water mark.
	Version() segtypes.OpNum
	// PointVersion returns the op_num last applied to a specific point.
	PointVersion(id segtypes.PointID) (segtypes.OpNum, bool)

	UpsertPoint(ctx context.Context, opNum segtypes.OpNum, id segtypes.PointID, vector []float32, payload segtypes.Payload) (bool, error)
	SetPayload(opNum segtypes.OpNum, id segtypes.PointID, payload segtypes.Payload) (bool, error)
	SetFullPayload(opNum segtypes.OpNum, id segtypes.PointID, payload segtypes.Payload) (bool, error)
	DeletePayload(opNum segtypes.OpNum, id segtypes.PointID, keys []string) (bool, error)
	ClearPayload(opNum segtypes.OpNum, id segtypes.PointID) (bool, error)
	DeletePoint(opNum segtypes.OpNum, id segtypes.PointID) (bool, error)
	DeleteFiltered(ctx context.Context, opNum segtypes.OpNum, filter segtypes.Condition) (int, error)

	Search(ctx context.Context, req SearchRequest) ([]segtypes.ScoredPoint, error)
	ReadFiltered(ctx context.Context, filter *segtypes.Condition, limit int, offset *segtypes.PointID) ([]segtypes.PointID, error)
	IterPoints(fn func(segtypes.PointID) bool)
	HasPoint(id segtypes.PointID) bool
	Vector(id segtypes.PointID) ([]float32, bool, error)
	Payload(id segtypes.PointID) (segtypes.Payload, bool, error)

	PointsCount() int
	DeletedCount() int
	VectorDim() int
	Info() segtypes.Info
	EstimatePointsCount(filter *segtypes.Condition) segtypes.Cardinality
	Config() segtypes.Config

	CreateFieldIndex(opNum segtypes.OpNum, key string, schema segtypes.FieldSchema) (bool, error)
	DeleteFieldIndex(opNum segtypes.OpNum, key string) (bool, error)
	GetIndexedFields() map[string]segtypes.FieldSchema

	Flush() (segtypes.OpNum, error)
	DropData() error
	DataPath() string
	CopySegmentDirectory(dst string) error
	// TakeSnapshot archives the segment's current state as a tar.gz file
	// inside dir, named after the segment's own on-disk directory.
	TakeSnapshot(dir string) error

	CheckError() error
}
