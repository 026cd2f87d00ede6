package vstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segtypes"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "vstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 4, 16)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(0, []float32{1, 2, 3, 4}))
	require.NoError(t, s.Put(2, []float32{5, 6, 7, 8}))

	got, ok, err := s.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3, 4}, got)

	// slot 1 was skipped over, so it reads back as "no vector".
	_, ok, err = s.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err = s.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{5, 6, 7, 8}, got)

	require.EqualValues(t, 3, s.Count())
}

func TestStoreTombstone(t *testing.T) {
	dir, err := os.MkdirTemp("", "vstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 2, 8)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(0, []float32{1, 2}))
	require.NoError(t, s.Tombstone(0))

	_, ok, err := s.Get(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "vstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 3, 8)
	require.NoError(t, err)
	require.NoError(t, s.Put(0, []float32{9, 9, 9}))
	require.NoError(t, s.Close())

	s2, err := Open(dir, 3, 8)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{9, 9, 9}, got)
}

func TestStoreRejectsOverCapacity(t *testing.T) {
	dir, err := os.MkdirTemp("", "vstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 1, 2)
	require.NoError(t, err)
	defer s.Close()

	err = s.Put(segtypes.Offset(5), []float32{1})
	require.Error(t, err)
}
