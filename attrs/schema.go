package attrs

import "fmt"

// Schema declares the attributes a namespace accepts: field name to scalar
// kind. It is fixed at namespace creation and persisted in the manifest.
type Schema map[string]Kind

// Validate checks that every field in the attribute map is declared and
// carries the declared kind. Null is accepted for any declared field; an
// int is accepted where a float is declared.
func (s Schema) Validate(m Map) error {
	for field, v := range m {
		declared, ok := s[field]
		if !ok {
			return fmt.Errorf("undeclared attribute %q", field)
		}
		if !kindMatches(v.Kind, declared) {
			return fmt.Errorf("attribute %q has kind %s, schema declares %s", field, v.Kind, declared)
		}
	}
	return nil
}

// ValidateSelf checks that the schema itself declares only storable kinds.
func (s Schema) ValidateSelf() error {
	for field, kind := range s {
		if field == "" {
			return fmt.Errorf("schema declares an empty field name")
		}
		switch kind {
		case KindInt, KindFloat, KindString, KindBool:
		default:
			return fmt.Errorf("attribute %q declares non-scalar kind %s", field, kind)
		}
	}
	return nil
}

// Clone returns a copy of the schema.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	clone := make(Schema, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

func kindMatches(got, declared Kind) bool {
	if got == KindNull {
		return true
	}
	switch declared {
	case KindInt:
		return got == KindInt
	case KindFloat:
		// Allow upgrading Int to Float.
		return got == KindFloat || got == KindInt
	case KindString:
		return got == KindString
	case KindBool:
		return got == KindBool
	default:
		return false
	}
}
