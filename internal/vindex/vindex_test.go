package vindex

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborix/segmentdb/internal/segtypes"
	"github.com/arborix/segmentdb/internal/vstore"
)

func TestSearchReturnsTopK(t *testing.T) {
	dir, err := os.MkdirTemp("", "vindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store, err := vstore.Open(dir, 2, 8)
	require.NoError(t, err)
	defer store.Close()

	vectors := [][]float32{
		{1, 0},
		{0.9, 0.1},
		{-1, 0},
		{0, 1},
	}
	for i, v := range vectors {
		require.NoError(t, store.Put(segtypes.Offset(i), v))
	}

	idx := New(store, DistanceCosine)
	results, err := idx.Search(context.Background(), []float32{1, 0}, 2, store.Count(), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, segtypes.Offset(0), results[0].Offset)
}

func TestSearchRespectsAllowedFilter(t *testing.T) {
	dir, err := os.MkdirTemp("", "vindex")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store, err := vstore.Open(dir, 2, 8)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(0, []float32{1, 0}))
	require.NoError(t, store.Put(1, []float32{1, 0}))

	idx := New(store, DistanceDot)
	results, err := idx.Search(context.Background(), []float32{1, 0}, 5, store.Count(), func(o segtypes.Offset) bool {
		return o != 0
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, segtypes.Offset(1), results[0].Offset)
}
