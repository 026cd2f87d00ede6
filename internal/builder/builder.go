// Package builder implements spec.md §4.3's SegmentBuilder: the offline
// merge path that folds one or more source segments into a single fresh
// segment, reconciling per-point versions so the highest-numbered write
// for each point always wins regardless of which source it came from.
package builder

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/arborix/segmentdb/internal/segment"
	"github.com/arborix/segmentdb/internal/segmententry"
	"github.com/arborix/segmentdb/internal/segtypes"
)

// Builder accumulates points from one or more source segments into a
// scratch segment directory, to be atomically promoted into place by
// Build.
type Builder struct {
	tmpDir string
	dst    *segment.Segment
	logger *zap.Logger
}

// New creates a builder backed by a fresh appendable segment at tmpDir.
func New(tmpDir string, cfg segtypes.Config) (*Builder, error) {
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}
	dst, err := segment.New(tmpDir, cfg)
	if err != nil {
		return nil, err
	}
	return &Builder{tmpDir: tmpDir, dst: dst, logger: zap.L().Named("segment_builder")}, nil
}

// UpdateFrom folds src's points into the builder, skipping any point
// whose builder-side version already covers src's version for that
// point (spec.md §4.3's per-point version reconciliation: the builder
// may be fed sources in any order, and the highest version observed for
// a given point always wins). It also carries over src's field index
// schema so the merged segment rebuilds the same indices. Returns the
// number of points actually applied from src.
func (b *Builder) UpdateFrom(ctx context.Context, src segmententry.SegmentEntry) (int, error) {
	for key, schema := range src.GetIndexedFields() {
		if _, ok := b.dst.GetIndexedFields()[key]; ok {
			continue
		}
		if _, err := b.dst.CreateFieldIndex(b.dst.Version()+1, key, schema); err != nil {
			return 0, err
		}
	}

	applied := 0
	var iterErr error
	src.IterPoints(func(id segtypes.PointID) bool {
		if ctx != nil {
			select {
			case <-ctx.Done():
				iterErr = segtypes.Cancelled{Description: "segment build interrupted"}
				return false
			default:
			}
		}

		srcVersion, ok := src.PointVersion(id)
		if !ok {
			return true
		}
		if dstVersion, ok := b.dst.PointVersion(id); ok && dstVersion >= srcVersion {
			return true
		}

		vector, ok, err := src.Vector(id)
		if err != nil {
			iterErr = err
			return false
		}
		if !ok {
			return true
		}
		payload, _, err := src.Payload(id)
		if err != nil {
			iterErr = err
			return false
		}
		if _, err := b.dst.UpsertPoint(ctx, srcVersion, id, vector, payload); err != nil {
			iterErr = err
			return false
		}
		applied++
		return true
	})
	if iterErr != nil {
		return applied, iterErr
	}
	return applied, nil
}

// Build flushes the accumulated segment, closes it, and atomically
// renames the scratch directory into dstDir, then reopens it there —
// the rename is the single filesystem operation that makes the merged
// segment visible, so a crash before it leaves only an orphaned scratch
// directory rather than a half-written destination.
func (b *Builder) Build(ctx context.Context, dstDir string) (*segment.Segment, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, segtypes.Cancelled{Description: "segment build interrupted before commit"}
		default:
		}
	}
	if _, err := b.dst.Flush(); err != nil {
		return nil, err
	}
	if err := b.dst.Close(); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dstDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dstDir), 0755); err != nil {
		return nil, err
	}
	if err := os.Rename(b.tmpDir, dstDir); err != nil {
		return nil, err
	}
	b.logger.Info("segment build committed", zap.String("path", dstDir))
	return segment.Open(dstDir)
}

// Cancel discards the scratch segment directory without promoting it.
func (b *Builder) Cancel() error {
	if err := b.dst.Close(); err != nil {
		return err
	}
	return os.RemoveAll(b.tmpDir)
}
