package segtypes

// Cardinality is the (min, exp, max) triple of spec.md §4.5 / glossary
// "Cardinality estimation": how many points a filter may match.
type Cardinality struct {
	Min int
	Exp int
	Max int
}

// SaturatingSub projects a cardinality triple down by n, used by the proxy
// to account for deleted_points_count (spec.md §4.2).
func (c Cardinality) SaturatingSub(n int) Cardinality {
	return Cardinality{
		Min: satSub(c.Min, n),
		Exp: satSub(c.Exp, n),
		Max: satSub(c.Max, n),
	}
}

func satSub(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}

// ScoredPoint is one search result: an external id, its similarity score,
// and optionally the payload/vector the caller asked to receive back.
type ScoredPoint struct {
	ID      PointID
	Score   float32
	Payload Payload
	Vector  []float32
}

// FieldSchema names the kind of field index maintained for a payload key.
type FieldSchema int

const (
	SchemaKeyword FieldSchema = iota
	SchemaInteger
	SchemaFloat
)

// PayloadBlock is one entry of payload_blocks: a candidate FieldCondition
// together with the cardinality of the points it would match, used by the
// optimizer to pick high-value subsets (spec.md §4.4).
type PayloadBlock struct {
	Condition   FieldCondition
	Cardinality int
}
