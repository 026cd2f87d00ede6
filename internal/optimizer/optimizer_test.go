package optimizer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segment"
	"github.com/arborix/segmentdb/internal/segmententry"
	"github.com/arborix/segmentdb/internal/segtypes"
)

func TestMergeSegmentsCombinesPoints(t *testing.T) {
	base := t.TempDir()
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}

	aDir := filepath.Join(base, "a")
	a, err := segment.New(aDir, cfg)
	require.NoError(t, err)
	_, err = a.UpsertPoint(context.Background(), 1, segtypes.NumID(1), []float32{1, 0}, nil)
	require.NoError(t, err)

	bDir := filepath.Join(base, "b")
	b, err := segment.New(bDir, cfg)
	require.NoError(t, err)
	_, err = b.UpsertPoint(context.Background(), 1, segtypes.NumID(2), []float32{0, 1}, nil)
	require.NoError(t, err)

	o, err := New(Config{DataDir: base}, map[string]segmententry.SegmentEntry{"a": a, "b": b})
	require.NoError(t, err)
	defer o.Shutdown()

	merged, err := o.MergeSegments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	seg, ok := o.Segment(merged)
	require.True(t, ok)
	require.True(t, seg.HasPoint(segtypes.NumID(1)))
	require.True(t, seg.HasPoint(segtypes.NumID(2)))

	_, ok = o.Segment("a")
	require.False(t, ok)
	_, ok = o.Segment("b")
	require.False(t, ok)
}

func TestMergeSegmentsRejectsUnknownName(t *testing.T) {
	base := t.TempDir()
	o, err := New(Config{DataDir: base}, nil)
	require.NoError(t, err)
	defer o.Shutdown()

	_, err = o.MergeSegments(context.Background(), []string{"missing"})
	require.Error(t, err)
}
