package segment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segmententry"
	"github.com/arborix/segmentdb/internal/segtypes"
)

func newTestSegment(t *testing.T) *Segment {
	t.Helper()
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}
	s, err := New(t.TempDir(), cfg)
	require.NoError(t, err)
	return s
}

func TestUpsertSetPayloadDeleteRoundTrip(t *testing.T) {
	s := newTestSegment(t)
	id := segtypes.NumID(1)

	ok, err := s.UpsertPoint(context.Background(), 1, id, []float32{1, 0}, segtypes.Payload{"a": int64(1)})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetPayload(2, id, segtypes.Payload{"b": int64(2)})
	require.NoError(t, err)
	require.True(t, ok)

	payload, found, err := s.Payload(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(1), payload["a"])
	require.Equal(t, float64(2), payload["b"])

	results, err := s.Search(context.Background(), segmententry.SearchRequest{Vector: []float32{1, 0}, Top: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].ID.Equal(id))

	ok, err = s.DeletePoint(3, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, s.HasPoint(id))
}

func TestStaleOpNumIsNoOp(t *testing.T) {
	s := newTestSegment(t)
	id := segtypes.NumID(1)

	ok, err := s.UpsertPoint(context.Background(), 5, id, []float32{1, 1}, segtypes.Payload{"v": int64(1)})
	require.NoError(t, err)
	require.True(t, ok)

	// an older op_num must be a silent no-op, not an error, and must not
	// clobber the already-applied write.
	ok, err = s.UpsertPoint(context.Background(), 3, id, []float32{9, 9}, segtypes.Payload{"v": int64(99)})
	require.NoError(t, err)
	require.False(t, ok)

	vec, found, err := s.Vector(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{1, 1}, vec)

	ok, err = s.SetPayload(4, id, segtypes.Payload{"v": int64(100)})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFailedStateRejectsLaterOps(t *testing.T) {
	s := newTestSegment(t)
	id := segtypes.NumID(1)

	_, err := s.UpsertPoint(context.Background(), 1, id, []float32{1, 1}, nil)
	require.NoError(t, err)

	injected := segtypes.NewServiceError("disk full")
	s.mu.Lock()
	s.errStatus = &segtypes.FailedState{Version: 5, PointID: &id, Error: injected}
	s.mu.Unlock()

	require.ErrorIs(t, s.CheckError(), injected)

	// any op numbered past the failure's version must be rejected...
	_, err = s.UpsertPoint(context.Background(), 6, segtypes.NumID(2), []float32{0, 0}, nil)
	require.ErrorIs(t, err, injected)

	// ...but one at or before it is allowed through untouched.
	ok, err := s.UpsertPoint(context.Background(), 5, segtypes.NumID(3), []float32{0, 1}, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFailedStateClearsOnSuccessfulRecovery(t *testing.T) {
	s := newTestSegment(t)
	id := segtypes.NumID(1)

	_, err := s.UpsertPoint(context.Background(), 1, id, []float32{1, 1}, nil)
	require.NoError(t, err)

	injected := segtypes.NewServiceError("disk full")
	s.mu.Lock()
	s.errStatus = &segtypes.FailedState{Version: 5, PointID: &id, Error: injected}
	s.mu.Unlock()

	require.ErrorIs(t, s.CheckError(), injected)

	ok, err := s.UpsertPoint(context.Background(), 5, segtypes.NumID(2), []float32{0, 1}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// a successful call at or before the failed version clears the sticky
	// error, so later ops past the old version are no longer rejected.
	require.NoError(t, s.CheckError())

	ok, err = s.UpsertPoint(context.Background(), 6, segtypes.NumID(3), []float32{1, 0}, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFieldIndexBackfillsExistingPoints(t *testing.T) {
	s := newTestSegment(t)
	_, err := s.UpsertPoint(context.Background(), 1, segtypes.NumID(1), []float32{1, 0}, segtypes.Payload{"city": "berlin"})
	require.NoError(t, err)
	_, err = s.UpsertPoint(context.Background(), 2, segtypes.NumID(2), []float32{0, 1}, segtypes.Payload{"city": "paris"})
	require.NoError(t, err)

	ok, err := s.CreateFieldIndex(3, "city", segtypes.SchemaKeyword)
	require.NoError(t, err)
	require.True(t, ok)

	filter := segtypes.MatchKeyword("city", "berlin")
	ids, err := s.ReadFiltered(context.Background(), &filter, 0, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.True(t, ids[0].Equal(segtypes.NumID(1)))
}

func TestFlushAndReopenPersistsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seg")
	cfg := segtypes.Config{VectorDim: 2, MaxPoints: 64}
	s, err := New(dir, cfg)
	require.NoError(t, err)

	id := segtypes.NumID(1)
	_, err = s.UpsertPoint(context.Background(), 1, id, []float32{1, 2}, segtypes.Payload{"a": int64(1)})
	require.NoError(t, err)
	_, err = s.CreateFieldIndex(2, "a", segtypes.SchemaInteger)
	require.NoError(t, err)

	_, err = s.Flush()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)

	vec, found, err := reopened.Vector(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{1, 2}, vec)
	require.Contains(t, reopened.GetIndexedFields(), "a")
}

func TestCopySegmentDirectoryAndSnapshot(t *testing.T) {
	s := newTestSegment(t)
	_, err := s.UpsertPoint(context.Background(), 1, segtypes.NumID(1), []float32{1, 1}, nil)
	require.NoError(t, err)

	copyDst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, s.CopySegmentDirectory(copyDst))

	reopened, err := Open(copyDst)
	require.NoError(t, err)
	require.True(t, reopened.HasPoint(segtypes.NumID(1)))

	snapDir := t.TempDir()
	require.NoError(t, s.TakeSnapshot(snapDir))
	entries, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasSuffix(entries[0].Name(), ".tar.gz"))
}
