package pstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segtypes"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "pstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	payload := segtypes.Payload{"city": "nairobi", "rank": int64(1)}
	require.NoError(t, s.Set(0, payload))

	got, ok, err := s.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, segtypes.Payload{"city": "nairobi", "rank": float64(1)}, got)
}

func TestDeleteTombstones(t *testing.T) {
	dir, err := os.MkdirTemp("", "pstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(1, segtypes.Payload{"a": int64(1)}))
	require.NoError(t, s.Delete(1))

	_, ok, err := s.Get(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteKeyNarrowsPayload(t *testing.T) {
	dir, err := os.MkdirTemp("", "pstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(2, segtypes.Payload{"a": int64(1), "b": "x"}))
	require.NoError(t, s.DeleteKey(2, "a"))

	got, ok, err := s.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, segtypes.Payload{"b": "x"}, got)
}

func TestClearAllKeysKeepsPointAlive(t *testing.T) {
	dir, err := os.MkdirTemp("", "pstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(3, segtypes.Payload{"a": int64(1)}))
	require.NoError(t, s.ClearAllKeys(3))

	got, ok, err := s.Get(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)
}

func TestReplayRebuildsOnReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "pstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(4, segtypes.Payload{"k": "v"}))
	require.NoError(t, s.Set(4, segtypes.Payload{"k": "v2"}))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Get(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, segtypes.Payload{"k": "v2"}, got)
}
