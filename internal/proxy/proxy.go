// Package proxy implements spec.md §4.2's ProxySegment: a copy-on-write
// overlay combining a read-only wrapped segment with a small appendable
// write segment, used while the optimizer rebuilds a collection's
// segments in the background so writers are never blocked.
package proxy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arborix/segmentdb/internal/segment"
	"github.com/arborix/segmentdb/internal/segmententry"
	"github.com/arborix/segmentdb/internal/segtypes"
)

// ProxySegment wraps a read-only segment with a live write segment.
// Writes land in the write segment; reads merge both, hiding any
// wrapped point recorded in the shared deleted_points set.
type ProxySegment struct {
	wrapped segmententry.SegmentEntry
	write   *segment.Segment
	shared  *sharedState
	logger  *zap.Logger

	durableMu          sync.Mutex
	lastDurableVersion segtypes.OpNum
	haveDurableVersion bool
}

var _ segmententry.SegmentEntry = (*ProxySegment)(nil)

// New builds a proxy over wrapped, using write as the appendable segment
// that absorbs every mutation until the optimizer swaps the pair out.
func New(wrapped segmententry.SegmentEntry, write *segment.Segment) *ProxySegment {
	return &ProxySegment{
		wrapped: wrapped,
		write:   write,
		shared:  newSharedState(),
		logger:  zap.L().Named("proxy_segment"),
	}
}

// markHidden adds id to the shared deleted_points set if it currently
// resolves in wrapped, without copying its data into the write segment
// (spec.md §4.2: enough to make upsert/delete ops consistent, since
// those either fully overwrite or discard the point's data anyway).
func (p *ProxySegment) markHidden(id segtypes.PointID) {
	if !p.wrapped.HasPoint(id) {
		return
	}
	p.shared.mutate(func(s *state) {
		if _, ok := s.deletedPoints.Get(id.String()); ok {
			return
		}
		s.deletedPoints = s.deletedPoints.Set(id.String(), id)
	})
}

// moveIfExists is the write-through hook every partial-update operation
// (set_payload, delete_payload, clear_payload) runs first: if id lives
// in the wrapped segment and hasn't already been moved, its vector and
// payload are copied into the write segment before the partial update is
// applied there, and the id is hidden from the wrapped segment's view.
func (p *ProxySegment) moveIfExists(id segtypes.PointID) error {
	if p.shared.load().isDeleted(id) {
		return nil
	}
	if !p.wrapped.HasPoint(id) {
		return nil
	}
	vector, ok, err := p.wrapped.Vector(id)
	if err != nil {
		return err
	}
	if !ok {
		p.markHidden(id)
		return nil
	}
	payload, _, err := p.wrapped.Payload(id)
	if err != nil {
		return err
	}
	baseline, _ := p.wrapped.PointVersion(id)
	if _, err := p.write.UpsertPoint(context.Background(), baseline, id, vector, payload); err != nil {
		return err
	}
	p.markHidden(id)
	return nil
}

func (p *ProxySegment) Version() segtypes.OpNum {
	if v := p.write.Version(); v > 0 {
		return v
	}
	return p.wrapped.Version()
}

func (p *ProxySegment) PointVersion(id segtypes.PointID) (segtypes.OpNum, bool) {
	if v, ok := p.write.PointVersion(id); ok {
		return v, true
	}
	if p.shared.load().isDeleted(id) {
		return 0, false
	}
	return p.wrapped.PointVersion(id)
}

func (p *ProxySegment) UpsertPoint(ctx context.Context, opNum segtypes.OpNum, id segtypes.PointID, vector []float32, payload segtypes.Payload) (bool, error) {
	p.markHidden(id)
	return p.write.UpsertPoint(ctx, opNum, id, vector, payload)
}

func (p *ProxySegment) SetPayload(opNum segtypes.OpNum, id segtypes.PointID, payload segtypes.Payload) (bool, error) {
	if err := p.moveIfExists(id); err != nil {
		return false, err
	}
	return p.write.SetPayload(opNum, id, payload)
}

func (p *ProxySegment) SetFullPayload(opNum segtypes.OpNum, id segtypes.PointID, payload segtypes.Payload) (bool, error) {
	if err := p.moveIfExists(id); err != nil {
		return false, err
	}
	return p.write.SetFullPayload(opNum, id, payload)
}

func (p *ProxySegment) DeletePayload(opNum segtypes.OpNum, id segtypes.PointID, keys []string) (bool, error) {
	if err := p.moveIfExists(id); err != nil {
		return false, err
	}
	return p.write.DeletePayload(opNum, id, keys)
}

func (p *ProxySegment) ClearPayload(opNum segtypes.OpNum, id segtypes.PointID) (bool, error) {
	if err := p.moveIfExists(id); err != nil {
		return false, err
	}
	return p.write.ClearPayload(opNum, id)
}

func (p *ProxySegment) DeletePoint(opNum segtypes.OpNum, id segtypes.PointID) (bool, error) {
	wasWrapped := p.wrapped.HasPoint(id) && !p.shared.load().isDeleted(id)
	p.markHidden(id)
	deletedFromWrite, err := p.write.DeletePoint(opNum, id)
	if err != nil {
		return false, err
	}
	return wasWrapped || deletedFromWrite, nil
}

func (p *ProxySegment) DeleteFiltered(ctx context.Context, opNum segtypes.OpNum, filter segtypes.Condition) (int, error) {
	ids, err := p.ReadFiltered(ctx, &filter, 0, nil)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := p.DeletePoint(opNum, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// visibleWrappedFilter augments filter with a must_not HasId clause over
// the currently hidden points, the same shape
// add_deleted_points_condition_to_filter builds in the original, so a
// single call into the wrapped segment's own search/read_filtered
// machinery naturally excludes superseded points.
func (p *ProxySegment) visibleWrappedFilter(filter *segtypes.Condition) *segtypes.Condition {
	s := p.shared.load()
	if s.deletedCount() == 0 {
		return filter
	}
	hidden := make(map[segtypes.PointID]struct{})
	s.forEachDeleted(func(id segtypes.PointID) { hidden[id] = struct{}{} })
	f := segtypes.WithMustNot(filter, segtypes.HasIDCondition(hidden))
	return &f
}

func (p *ProxySegment) Search(ctx context.Context, req segmententry.SearchRequest) ([]segtypes.ScoredPoint, error) {
	writeResults, err := p.write.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	wrappedReq := req
	wrappedReq.Filter = p.visibleWrappedFilter(req.Filter)
	wrappedResults, err := p.wrapped.Search(ctx, wrappedReq)
	if err != nil {
		return nil, err
	}
	merged := append(writeResults, wrappedResults...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if req.Top > 0 && len(merged) > req.Top {
		merged = merged[:req.Top]
	}
	return merged, nil
}

func (p *ProxySegment) ReadFiltered(ctx context.Context, filter *segtypes.Condition, limit int, offset *segtypes.PointID) ([]segtypes.PointID, error) {
	writeIDs, err := p.write.ReadFiltered(ctx, filter, 0, offset)
	if err != nil {
		return nil, err
	}
	wrappedIDs, err := p.wrapped.ReadFiltered(ctx, p.visibleWrappedFilter(filter), 0, offset)
	if err != nil {
		return nil, err
	}
	merged := append(writeIDs, wrappedIDs...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (p *ProxySegment) IterPoints(fn func(segtypes.PointID) bool) {
	cont := true
	p.write.IterPoints(func(id segtypes.PointID) bool {
		cont = fn(id)
		return cont
	})
	if !cont {
		return
	}
	s := p.shared.load()
	p.wrapped.IterPoints(func(id segtypes.PointID) bool {
		if s.isDeleted(id) {
			return true
		}
		return fn(id)
	})
}

func (p *ProxySegment) HasPoint(id segtypes.PointID) bool {
	if p.write.HasPoint(id) {
		return true
	}
	if p.shared.load().isDeleted(id) {
		return false
	}
	return p.wrapped.HasPoint(id)
}

func (p *ProxySegment) Vector(id segtypes.PointID) ([]float32, bool, error) {
	if p.write.HasPoint(id) {
		return p.write.Vector(id)
	}
	if p.shared.load().isDeleted(id) {
		return nil, false, nil
	}
	return p.wrapped.Vector(id)
}

func (p *ProxySegment) Payload(id segtypes.PointID) (segtypes.Payload, bool, error) {
	if p.write.HasPoint(id) {
		return p.write.Payload(id)
	}
	if p.shared.load().isDeleted(id) {
		return nil, false, nil
	}
	return p.wrapped.Payload(id)
}

func (p *ProxySegment) PointsCount() int {
	return p.write.PointsCount() + p.wrapped.PointsCount() - p.shared.load().deletedCount()
}

// DeletedCount is the write segment's deleted count plus the number of
// wrapped points this proxy hides; the wrapped segment's own deleted
// count is not included.
func (p *ProxySegment) DeletedCount() int {
	return p.write.DeletedCount() + p.shared.load().deletedCount()
}

func (p *ProxySegment) VectorDim() int { return p.write.VectorDim() }

func (p *ProxySegment) Info() segtypes.Info {
	wi := p.wrapped.Info()
	fields := p.write.GetIndexedFields()
	for k, v := range wi.IndexedFields {
		if _, gone := fields[k]; !gone {
			if !p.shared.load().isIndexDeleted(k) {
				fields[k] = v
			}
		}
	}
	return segtypes.Info{
		NumPoints:     p.PointsCount(),
		NumVectors:    p.write.Info().NumVectors + wi.NumVectors,
		NumDeleted:    p.DeletedCount(),
		IsAppendable:  true,
		IndexedFields: fields,
	}
}

// EstimatePointsCount adds the write segment's estimate to the wrapped
// segment's, with the wrapped min and expected counts reduced by the
// number of hidden points (saturating at zero). The wrapped max is kept
// as is, since the hidden points need not match the filter.
func (p *ProxySegment) EstimatePointsCount(filter *segtypes.Condition) segtypes.Cardinality {
	we := p.write.EstimatePointsCount(filter)
	worig := p.wrapped.EstimatePointsCount(filter)
	adj := worig.SaturatingSub(p.shared.load().deletedCount())
	return segtypes.Cardinality{
		Min: we.Min + adj.Min,
		Exp: we.Exp + adj.Exp,
		Max: we.Max + worig.Max,
	}
}

func (p *ProxySegment) Config() segtypes.Config { return p.write.Config() }

func (p *ProxySegment) CreateFieldIndex(opNum segtypes.OpNum, key string, schema segtypes.FieldSchema) (bool, error) {
	ok, err := p.write.CreateFieldIndex(opNum, key, schema)
	if err != nil {
		return false, err
	}
	p.shared.mutate(func(s *state) {
		s.createdIndexes = s.createdIndexes.Set(key, schema)
		s.deletedIndexes = s.deletedIndexes.Delete(key)
	})
	return ok, nil
}

func (p *ProxySegment) DeleteFieldIndex(opNum segtypes.OpNum, key string) (bool, error) {
	ok, err := p.write.DeleteFieldIndex(opNum, key)
	if err != nil {
		return false, err
	}
	p.shared.mutate(func(s *state) {
		s.deletedIndexes = s.deletedIndexes.Set(key, struct{}{})
		s.createdIndexes = s.createdIndexes.Delete(key)
	})
	return ok, nil
}

func (p *ProxySegment) GetIndexedFields() map[string]segtypes.FieldSchema {
	return p.Info().IndexedFields
}

// Flush implements spec.md §4.2's flush discipline: flushing the write
// segment is only durable while the shared copy-on-write state is empty
// (no hidden points, no pending index create/delete). With anything
// pending, a crash right after this flush could lose track of which
// wrapped points the write segment was meant to supersede, so Flush
// refuses to advance and instead reports the last version it knows is
// durable — or the wrapped segment's version if it has never flushed
// clean.
func (p *ProxySegment) Flush() (segtypes.OpNum, error) {
	s := p.shared.load()
	if s.deletedPoints.Len() > 0 || s.createdIndexes.Len() > 0 || s.deletedIndexes.Len() > 0 {
		p.durableMu.Lock()
		defer p.durableMu.Unlock()
		if p.haveDurableVersion {
			return p.lastDurableVersion, nil
		}
		return p.wrapped.Version(), nil
	}

	version, err := p.write.Flush()
	if err != nil {
		return version, err
	}
	p.durableMu.Lock()
	p.lastDurableVersion = version
	p.haveDurableVersion = true
	p.durableMu.Unlock()
	return version, nil
}

func (p *ProxySegment) DropData() error {
	return p.write.DropData()
}

func (p *ProxySegment) DataPath() string { return p.write.DataPath() }

func (p *ProxySegment) CopySegmentDirectory(dst string) error {
	return p.write.CopySegmentDirectory(dst)
}

// TakeSnapshot implements spec.md §4.2's two-archive snapshot: the write
// segment is snapshotted directly, and the wrapped segment is snapshotted
// from a disposable scratch copy with every point in the shared
// deleted_points set explicitly deleted first — the wrapped segment's own
// snapshot has no notion of the overlay, so without this correction a
// point already superseded by copy-on-write would still read back live.
// Both archives land in dir, named after their source segment's own
// directory, so sibling proxies sharing one write segment contribute a
// single write archive between them plus one wrapped archive each.
func (p *ProxySegment) TakeSnapshot(dir string) error {
	if err := p.write.TakeSnapshot(dir); err != nil {
		return err
	}

	scratch := filepath.Join(os.TempDir(), "segment_copy_"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := p.wrapped.CopySegmentDirectory(scratch); err != nil {
		return err
	}
	corrected, err := segment.Open(scratch)
	if err != nil {
		return err
	}
	defer corrected.Close()

	deleteVersion := p.write.Version()
	var deleteErr error
	p.shared.load().forEachDeleted(func(id segtypes.PointID) {
		if deleteErr != nil {
			return
		}
		if _, err := corrected.DeletePoint(deleteVersion, id); err != nil {
			deleteErr = err
		}
	})
	if deleteErr != nil {
		return deleteErr
	}
	if _, err := corrected.Flush(); err != nil {
		return err
	}

	return archiveDir(corrected.DataPath(), filepath.Join(dir, filepath.Base(p.wrapped.DataPath())+".tar.gz"))
}

func (p *ProxySegment) CheckError() error {
	if err := p.write.CheckError(); err != nil {
		return err
	}
	return p.wrapped.CheckError()
}
