package segtypes

// Config is the segment configuration descriptor persisted alongside each
// segment directory (spec.md §6 "segment config descriptor"), mirroring the
// teacher's internal/log.Config.Segment sizing knobs but scoped to vector
// dimensionality and histogram tuning instead of log rotation thresholds.
type Config struct {
	VectorDim int `json:"vector_dim"`
	MaxPoints int `json:"max_points"`
	Distance  int `json:"distance"`

	Histogram HistogramConfig `json:"histogram"`
}

// HistogramConfig configures the numeric-index histogram (spec.md §4.6).
type HistogramConfig struct {
	MaxBucketSize int     `json:"max_bucket_size"`
	Precision     float64 `json:"precision"`
}

// DefaultHistogramConfig mirrors the original's HISTOGRAM_MAX_BUCKET_SIZE /
// HISTOGRAM_PRECISION constants (spec.md §4.6).
func DefaultHistogramConfig() HistogramConfig {
	return HistogramConfig{MaxBucketSize: 10000, Precision: 0.01}
}

// Info is the summary returned by Segment.Info() (spec.md §4.1).
type Info struct {
	NumPoints     int
	NumVectors    int
	NumDeleted    int
	IsAppendable  bool
	IndexedFields map[string]FieldSchema
}
