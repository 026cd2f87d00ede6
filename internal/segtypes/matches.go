package segtypes

// Matches evaluates the condition algebra against a point's id and payload,
// used for in-memory post-filtering by the brute-force vector index and by
// read_filtered's final pass.
func Matches(id PointID, payload Payload, c *Condition) bool {
	if c == nil {
		return true
	}

	if c.HasID != nil {
		if _, ok := c.HasID[id]; !ok {
			return false
		}
	}

	if c.Field != nil && !matchesField(payload, *c.Field) {
		return false
	}

	for _, sub := range c.Must {
		if !Matches(id, payload, &sub) {
			return false
		}
	}

	if len(c.Should) > 0 {
		any := false
		for _, sub := range c.Should {
			if Matches(id, payload, &sub) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}

	for _, sub := range c.MustNot {
		if Matches(id, payload, &sub) {
			return false
		}
	}

	return true
}

func matchesField(payload Payload, fc FieldCondition) bool {
	values := payload.Values(fc.Key)
	if fc.Match != nil {
		for _, v := range values {
			if fc.Match.Keyword != nil {
				if s, ok := v.(string); ok && s == *fc.Match.Keyword {
					return true
				}
			}
			if fc.Match.Integer != nil {
				if n, ok := asInt64(v); ok && n == *fc.Match.Integer {
					return true
				}
			}
		}
		return false
	}
	if fc.Range != nil {
		for _, v := range values {
			f, ok := asFloat64(v)
			if !ok {
				continue
			}
			if inRange(f, *fc.Range) {
				return true
			}
		}
		return false
	}
	return false
}

func inRange(v float64, r Range) bool {
	if r.Gt != nil && !(v > *r.Gt) {
		return false
	}
	if r.Gte != nil && !(v >= *r.Gte) {
		return false
	}
	if r.Lt != nil && !(v < *r.Lt) {
		return false
	}
	if r.Lte != nil && !(v <= *r.Lte) {
		return false
	}
	return true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
