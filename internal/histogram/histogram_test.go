package histogram

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildWithValues(t *testing.T, values []float64) (*Histogram, []Point) {
	t.Helper()
	h := New(Config{MaxBucketSize: 100, Precision: 0.01})
	points := make([]Point, len(values))
	inserted := map[int]float64{}

	left := func(p Point) (Point, bool) {
		var best Point
		found := false
		for idx, v := range inserted {
			if v < p.Val || (v == p.Val && idx < p.Idx) {
				if !found || v > best.Val || (v == best.Val && idx > best.Idx) {
					best, found = Point{Val: v, Idx: idx}, true
				}
			}
		}
		return best, found
	}
	right := func(p Point) (Point, bool) {
		var best Point
		found := false
		for idx, v := range inserted {
			if v > p.Val || (v == p.Val && idx > p.Idx) {
				if !found || v < best.Val || (v == best.Val && idx < best.Idx) {
					best, found = Point{Val: v, Idx: idx}, true
				}
			}
		}
		return best, found
	}

	for i, v := range values {
		p := Point{Val: v, Idx: i}
		h.Insert(p, left, right)
		inserted[i] = v
		points[i] = p
	}
	return h, points
}

func TestHistogramEstimateWithinBounds(t *testing.T) {
	values := []float64{1, 1, 1, 1, 1, 2, 2.5, 2.6, 3}
	h, _ := buildWithValues(t, values)

	gt := 1.0
	lte := 2.6
	min, exp, max := h.Estimate(&gt, &lte)

	actual := 0
	for _, v := range values {
		if v > 1.0 && v <= 2.6 {
			actual++
		}
	}

	require.LessOrEqual(t, min, actual)
	require.LessOrEqual(t, actual, max)
	require.LessOrEqual(t, min, exp)
	require.LessOrEqual(t, exp, max)
}

func TestHistogramEstimateEmptyRange(t *testing.T) {
	h, _ := buildWithValues(t, []float64{1, 2, 3})
	gt := 10.0
	lte := 1.0
	min, exp, max := h.Estimate(&gt, &lte)
	require.Equal(t, 0, min)
	require.Equal(t, 0, exp)
	require.Equal(t, 0, max)
}

func TestHistogramRemoveDecreasesTotal(t *testing.T) {
	h, points := buildWithValues(t, []float64{1, 2, 3, 4})
	require.Equal(t, 4, h.TotalCount())

	inserted := map[int]float64{0: 1, 1: 2, 2: 3, 3: 4}
	delete(inserted, 1)
	left := func(p Point) (Point, bool) {
		var best Point
		found := false
		for idx, v := range inserted {
			if v < p.Val {
				if !found || v > best.Val {
					best, found = Point{Val: v, Idx: idx}, true
				}
			}
		}
		return best, found
	}
	right := func(p Point) (Point, bool) {
		var best Point
		found := false
		for idx, v := range inserted {
			if v > p.Val {
				if !found || v < best.Val {
					best, found = Point{Val: v, Idx: idx}, true
				}
			}
		}
		return best, found
	}

	h.Remove(points[1], left, right)
	require.Equal(t, 3, h.TotalCount())
}

func TestHistogramRangeBySizeMonotone(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = float64(i)
	}
	h, _ := buildWithValues(t, values)

	upper, unbounded := h.RangeBySize(nil, 10)
	require.False(t, unbounded)
	require.Greater(t, upper, 0.0)
}
