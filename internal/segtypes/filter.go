package segtypes

// Condition is the small algebra of spec.md §9 "Sum types": must, should,
// must_not combinators over leaf HasId and Field conditions, modeled as a
// discriminated union rather than a class hierarchy.
type Condition struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
	HasID   map[PointID]struct{}
	Field   *FieldCondition
}

// FieldCondition is a leaf condition over one payload field: either an
// equality Match or a numeric Range (spec.md §4.4, §4.5).
type FieldCondition struct {
	Key   string
	Match *Match
	Range *Range
}

// Match is the equality-index leaf: a keyword string or an integer.
type Match struct {
	Keyword *string
	Integer *int64
}

// MatchKeyword builds a keyword Match condition.
func MatchKeyword(key, value string) Condition {
	v := value
	return Condition{Field: &FieldCondition{Key: key, Match: &Match{Keyword: &v}}}
}

// MatchInteger builds an integer Match condition.
func MatchInteger(key string, value int64) Condition {
	v := value
	return Condition{Field: &FieldCondition{Key: key, Match: &Match{Integer: &v}}}
}

// Range is the numeric-index leaf (spec.md §4.5): any subset of the four
// bounds may be set; gt/gte and lt/lte are mutually exclusive per side but
// the type does not enforce that, matching the original's permissive struct.
type Range struct {
	Gt  *float64
	Gte *float64
	Lt  *float64
	Lte *float64
}

// RangeCondition builds a Range field condition.
func RangeCondition(key string, r Range) Condition {
	return Condition{Field: &FieldCondition{Key: key, Range: &r}}
}

// HasIDCondition builds a HasId leaf over the given set of external ids,
// used by the proxy to hide wrapped-segment points superseded by the write
// segment (spec.md §4.2).
func HasIDCondition(ids map[PointID]struct{}) Condition {
	return Condition{HasID: ids}
}

// MustNot wraps a single condition in a top-level must_not clause, the
// shape add_deleted_points_condition_to_filter builds in the original.
func MustNot(c Condition) Condition {
	return Condition{MustNot: []Condition{c}}
}

// WithMustNot returns a copy of f with extra appended to its must_not list,
// creating one if f is nil.
func WithMustNot(f *Condition, extra Condition) Condition {
	if f == nil {
		return MustNot(extra)
	}
	cp := *f
	cp.MustNot = append(append([]Condition{}, f.MustNot...), extra)
	return cp
}

// IsLeaf reports whether c is a HasId or Field leaf rather than a
// must/should/must_not combinator.
func (c Condition) IsLeaf() bool {
	return c.HasID != nil || c.Field != nil
}
