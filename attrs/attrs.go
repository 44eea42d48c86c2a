// Package attrs implements the typed attribute model attached to vector
// records: scalar values, per-namespace schemas and filter predicates.
//
// Attributes are deliberately restricted to typed scalars declared up front
// in the namespace schema. That keeps filter evaluation branch-predictable
// and gives the segment codec a stable binary layout.
package attrs

import (
	"encoding/json"
	"strconv"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindInt represents an int64 value.
	KindInt
	// KindFloat represents a float64 value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
	// KindArray represents an array value. Arrays appear only on the filter
	// side (membership lists); stored attributes are always scalars.
	KindArray
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindArray:
		return "Array"
	default:
		return "Invalid"
	}
}

// Value is a small typed value used for record attributes and filters.
//
// The representation avoids reflection and fmt-based stringification so that
// filtering stays fast. It is also the persisted form; keep it stable.
type Value struct {
	Kind Kind    `json:"k"`
	I64  int64   `json:"i,omitempty"`
	F64  float64 `json:"f,omitempty"`
	S    string  `json:"s,omitempty"`
	B    bool    `json:"b,omitempty"`
	A    []Value `json:"a,omitempty"`
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, S: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// Array returns an array Value for use in membership filters.
func Array(v ...Value) Value { return Value{Kind: KindArray, A: v} }

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the float64 value if Kind is KindFloat.
func (v Value) AsFloat64() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.F64, true
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// GoString renders the value for logs and error messages.
func (v Value) GoString() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.S)
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindArray:
		b, _ := json.Marshal(v.A)
		return string(b)
	default:
		return "invalid"
	}
}

// Map is an attribute document: field name to typed scalar.
type Map map[string]Value

// Clone creates a deep copy of the attribute map.
//
// This is the safe default to prevent external mutation after Insert.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	clone := make(Map, len(m))
	for k, v := range m {
		clone[k] = v.clone()
	}
	return clone
}

func (v Value) clone() Value {
	if v.Kind != KindArray || len(v.A) == 0 {
		return v
	}
	a := make([]Value, len(v.A))
	for i := range v.A {
		a[i] = v.A[i].clone()
	}
	v.A = a
	return v
}

// CloneIfNeeded clones m only if it is non-empty. Returns nil for empty
// input, which is the common case.
func CloneIfNeeded(m Map) Map {
	if len(m) == 0 {
		return nil
	}
	return m.Clone()
}
