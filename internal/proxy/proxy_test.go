package proxy

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segment"
	"github.com/arborix/segmentdb/internal/segmententry"
	"github.com/arborix/segmentdb/internal/segtypes"
)

// extractTarGz unpacks a tar.gz archive produced by archiveDir into dst,
// mirroring what archiveDir itself writes.
func extractTarGz(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dst, hdr.Name)
		if hdr.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}

func newTestPair(t *testing.T) (*segment.Segment, *segment.Segment) {
	t.Helper()
	base := t.TempDir()
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}

	wrappedDir := filepath.Join(base, "wrapped")
	require.NoError(t, os.MkdirAll(wrappedDir, 0755))
	wrapped, err := segment.New(wrappedDir, cfg)
	require.NoError(t, err)

	writeDir := filepath.Join(base, "write")
	require.NoError(t, os.MkdirAll(writeDir, 0755))
	write, err := segment.New(writeDir, cfg)
	require.NoError(t, err)

	return wrapped, write
}

func TestUpsertThroughProxyHidesWrappedDuplicate(t *testing.T) {
	wrapped, write := newTestPair(t)
	id := segtypes.NumID(1)

	ok, err := wrapped.UpsertPoint(context.Background(), 1, id, []float32{1, 0}, segtypes.Payload{"v": int64(1)})
	require.NoError(t, err)
	require.True(t, ok)

	px := New(wrapped, write)
	ok, err = px.UpsertPoint(context.Background(), 2, id, []float32{0, 1}, segtypes.Payload{"v": int64(2)})
	require.NoError(t, err)
	require.True(t, ok)

	vec, found, err := px.Vector(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{0, 1}, vec)

	require.Equal(t, 1, px.PointsCount())
}

func TestDeletePointHidesWrappedPoint(t *testing.T) {
	wrapped, write := newTestPair(t)
	id := segtypes.NumID(5)

	_, err := wrapped.UpsertPoint(context.Background(), 1, id, []float32{1, 1}, nil)
	require.NoError(t, err)

	px := New(wrapped, write)
	ok, err := px.DeletePoint(2, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.False(t, px.HasPoint(id))

	results, err := px.Search(context.Background(), segmententry.SearchRequest{Vector: []float32{1, 1}, Top: 10})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSetPayloadMovesPointIntoWriteSegment(t *testing.T) {
	wrapped, write := newTestPair(t)
	id := segtypes.NumID(9)

	_, err := wrapped.UpsertPoint(context.Background(), 1, id, []float32{2, 3}, segtypes.Payload{"a": int64(1)})
	require.NoError(t, err)

	px := New(wrapped, write)
	ok, err := px.SetPayload(2, id, segtypes.Payload{"b": int64(2)})
	require.NoError(t, err)
	require.True(t, ok)

	// the vector must have survived the move into the write segment.
	vec, found, err := px.Vector(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{2, 3}, vec)

	payload, found, err := px.Payload(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(1), payload["a"])
	require.Equal(t, float64(2), payload["b"])

	require.True(t, write.HasPoint(id))
}

func TestReadFilteredMergesBothSegments(t *testing.T) {
	wrapped, write := newTestPair(t)

	_, err := wrapped.UpsertPoint(context.Background(), 1, segtypes.NumID(1), []float32{1, 0}, nil)
	require.NoError(t, err)

	px := New(wrapped, write)
	_, err = px.UpsertPoint(context.Background(), 1, segtypes.NumID(2), []float32{0, 1}, nil)
	require.NoError(t, err)

	ids, err := px.ReadFiltered(context.Background(), nil, 0, nil)
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestTakeSnapshotProducesWriteAndWrappedArchives(t *testing.T) {
	wrapped, write := newTestPair(t)
	id := segtypes.NumID(1)

	_, err := wrapped.UpsertPoint(context.Background(), 1, id, []float32{1, 0}, nil)
	require.NoError(t, err)

	px := New(wrapped, write)
	_, err = px.UpsertPoint(context.Background(), 2, segtypes.NumID(2), []float32{0, 1}, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, px.TakeSnapshot(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		require.Greater(t, info.Size(), int64(0))
	}
}

func TestTakeSnapshotCorrectsWrappedCopyForDeletedPoints(t *testing.T) {
	wrapped, write := newTestPair(t)
	id := segtypes.NumID(1)
	_, err := wrapped.UpsertPoint(context.Background(), 1, id, []float32{1, 0}, nil)
	require.NoError(t, err)

	px := New(wrapped, write)
	// SetPayload moves id into the write segment and hides it in wrapped.
	_, err = px.SetPayload(2, id, segtypes.Payload{"a": int64(1)})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, px.TakeSnapshot(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var wrappedArchive string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), filepath.Base(write.DataPath())) {
			wrappedArchive = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, wrappedArchive)

	extractDir := t.TempDir()
	require.NoError(t, extractTarGz(wrappedArchive, extractDir))
	reopened, err := segment.Open(extractDir)
	require.NoError(t, err)
	require.False(t, reopened.HasPoint(id))
}

// TestSiblingProxiesSharingWriteSegmentProduceThreeArchives is scenario 3:
// two proxies with disjoint wrapped segments but one shared write segment
// must leave exactly three archives behind after both snapshot into the
// same target directory.
func TestSiblingProxiesSharingWriteSegmentProduceThreeArchives(t *testing.T) {
	base := t.TempDir()
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}

	writeDir := filepath.Join(base, "shared-write")
	write, err := segment.New(writeDir, cfg)
	require.NoError(t, err)

	wrappedADir := filepath.Join(base, "wrapped-a")
	wrappedA, err := segment.New(wrappedADir, cfg)
	require.NoError(t, err)
	_, err = wrappedA.UpsertPoint(context.Background(), 1, segtypes.NumID(1), []float32{1, 0}, nil)
	require.NoError(t, err)

	wrappedBDir := filepath.Join(base, "wrapped-b")
	wrappedB, err := segment.New(wrappedBDir, cfg)
	require.NoError(t, err)
	_, err = wrappedB.UpsertPoint(context.Background(), 1, segtypes.NumID(2), []float32{0, 1}, nil)
	require.NoError(t, err)

	pxA := New(wrappedA, write)
	pxB := New(wrappedB, write)

	dir := t.TempDir()
	require.NoError(t, pxA.TakeSnapshot(dir))
	require.NoError(t, pxB.TakeSnapshot(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
