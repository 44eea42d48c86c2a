package attrs

import "fmt"

// Operator represents a comparison operator for filtering.
type Operator string

const (
	// OpEqual matches values equal to the filter value.
	OpEqual Operator = "eq"
	// OpNotEqual matches values not equal to the filter value.
	OpNotEqual Operator = "ne"
	// OpGreaterThan matches numeric values greater than the filter value.
	OpGreaterThan Operator = "gt"
	// OpGreaterEqual matches numeric values greater than or equal.
	OpGreaterEqual Operator = "gte"
	// OpLessThan matches numeric values less than the filter value.
	OpLessThan Operator = "lt"
	// OpLessEqual matches numeric values less than or equal.
	OpLessEqual Operator = "lte"
	// OpIn matches values contained in the filter's array value.
	OpIn Operator = "in"
)

// Filter is a single predicate over one declared attribute.
type Filter struct {
	Field    string
	Operator Operator
	Value    Value
}

// FilterSet is a conjunction of filters; a record matches only if every
// filter matches.
type FilterSet struct {
	Filters []Filter
}

// NewFilterSet creates a filter set from the given filters.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// Matches checks whether the attribute map satisfies this filter. A missing
// field never matches, including for OpNotEqual.
func (f *Filter) Matches(m Map) bool {
	value, exists := m[f.Field]
	if !exists {
		return false
	}

	switch f.Operator {
	case OpEqual:
		return compareEqual(value, f.Value)
	case OpNotEqual:
		return !compareEqual(value, f.Value)
	case OpGreaterThan:
		return compareGreater(value, f.Value)
	case OpGreaterEqual:
		return compareGreater(value, f.Value) || compareEqual(value, f.Value)
	case OpLessThan:
		return compareLess(value, f.Value)
	case OpLessEqual:
		return compareLess(value, f.Value) || compareEqual(value, f.Value)
	case OpIn:
		return compareIn(value, f.Value)
	default:
		return false
	}
}

// Matches checks whether the attribute map satisfies every filter.
func (fs *FilterSet) Matches(m Map) bool {
	if fs == nil {
		return true
	}
	for i := range fs.Filters {
		if !fs.Filters[i].Matches(m) {
			return false
		}
	}
	return true
}

// Empty reports whether the set contains no filters.
func (fs *FilterSet) Empty() bool {
	return fs == nil || len(fs.Filters) == 0
}

// Validate checks the filters against a schema: every field must be
// declared, operators must fit the declared kind, and OpIn requires an
// array filter value.
func (fs *FilterSet) Validate(schema Schema) error {
	if fs == nil {
		return nil
	}
	for i := range fs.Filters {
		f := &fs.Filters[i]

		kind, ok := schema[f.Field]
		if !ok {
			return fmt.Errorf("filter on undeclared attribute %q", f.Field)
		}

		switch f.Operator {
		case OpEqual, OpNotEqual:
		case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
			if kind != KindInt && kind != KindFloat {
				return fmt.Errorf("range filter on non-numeric attribute %q (%s)", f.Field, kind)
			}
		case OpIn:
			if f.Value.Kind != KindArray {
				return fmt.Errorf("in filter on %q requires an array value", f.Field)
			}
		default:
			return fmt.Errorf("unknown filter operator %q", f.Operator)
		}
	}
	return nil
}

func compareEqual(a, b Value) bool {
	if a.Kind == KindNull && b.Kind == KindNull {
		return true
	}
	if a.Kind == KindNull || b.Kind == KindNull {
		return false
	}

	if isNumber(a) && isNumber(b) {
		// Prefer exact int compare when possible.
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return asFloat64(a) == asFloat64(b)
	}

	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindString:
		return a.S == b.S
	case KindBool:
		return a.B == b.B
	case KindArray:
		if len(a.A) != len(b.A) {
			return false
		}
		for i := range a.A {
			if !compareEqual(a.A[i], b.A[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareGreater(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	return asFloat64(a) > asFloat64(b)
}

func compareLess(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	return asFloat64(a) < asFloat64(b)
}

func compareIn(a, b Value) bool {
	if b.Kind != KindArray {
		return false
	}
	for _, item := range b.A {
		if compareEqual(a, item) {
			return true
		}
	}
	return false
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func asFloat64(v Value) float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I64)
	case KindFloat:
		return v.F64
	default:
		return 0
	}
}
