package builder

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segment"
	"github.com/arborix/segmentdb/internal/segtypes"
)

func TestUpdateFromAndBuildReconcilesVersions(t *testing.T) {
	base := t.TempDir()
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}

	srcADir := filepath.Join(base, "a")
	srcA, err := segment.New(srcADir, cfg)
	require.NoError(t, err)
	id := segtypes.NumID(1)
	_, err = srcA.UpsertPoint(context.Background(), 5, id, []float32{1, 1}, segtypes.Payload{"v": int64(1)})
	require.NoError(t, err)

	srcBDir := filepath.Join(base, "b")
	srcB, err := segment.New(srcBDir, cfg)
	require.NoError(t, err)
	_, err = srcB.UpsertPoint(context.Background(), 3, id, []float32{2, 2}, segtypes.Payload{"v": int64(2)})
	require.NoError(t, err)

	tmpDir := filepath.Join(base, "build-tmp")
	b, err := New(tmpDir, cfg)
	require.NoError(t, err)

	n, err := b.UpdateFrom(context.Background(), srcA)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// srcB's version (3) is older than what's already in the builder (5),
	// so it must not overwrite srcA's data.
	n, err = b.UpdateFrom(context.Background(), srcB)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	dstDir := filepath.Join(base, "final")
	built, err := b.Build(context.Background(), dstDir)
	require.NoError(t, err)

	vec, ok, err := built.Vector(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 1}, vec)
}

func TestUpdateFromAppliesNewerVersion(t *testing.T) {
	base := t.TempDir()
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}

	srcDir := filepath.Join(base, "src")
	src, err := segment.New(srcDir, cfg)
	require.NoError(t, err)
	id := segtypes.NumID(7)
	_, err = src.UpsertPoint(context.Background(), 10, id, []float32{3, 3}, nil)
	require.NoError(t, err)

	tmpDir := filepath.Join(base, "tmp")
	b, err := New(tmpDir, cfg)
	require.NoError(t, err)
	_, err = b.dst.UpsertPoint(context.Background(), 1, id, []float32{0, 0}, nil)
	require.NoError(t, err)

	n, err := b.UpdateFrom(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	vec, ok, err := b.dst.Vector(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{3, 3}, vec)
}
