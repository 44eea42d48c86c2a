package attrs

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// Binary layout, stable across versions:
//
//	Map:    [count uvarint] then per field [len uvarint][name][value]
//	Value:  [kind byte] followed by a kind-specific payload
//	Schema: [count uvarint] then per field [len uvarint][name][kind byte],
//	        fields sorted by name for deterministic output

var errShortBuffer = errors.New("attrs: short buffer")

// AppendBinary appends the encoded map to buf and returns the extended
// buffer. Field order is not significant and not preserved.
func (m Map) AppendBinary(buf []byte) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(len(m)))
	for k, v := range m {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)

		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Map) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, 4+len(m)*16))
}

// ParseMap decodes one map from data and returns the remaining bytes.
func ParseMap(data []byte) (Map, []byte, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errors.New("attrs: invalid map length")
	}
	data = data[n:]

	if count == 0 {
		return nil, data, nil
	}

	m := make(Map, count)
	for range count {
		kLen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, errors.New("attrs: invalid field name length")
		}
		data = data[n:]
		if uint64(len(data)) < kLen {
			return nil, nil, errShortBuffer
		}
		key := string(data[:kLen])
		data = data[kLen:]

		val, rest, err := parseValue(data)
		if err != nil {
			return nil, nil, err
		}
		m[key] = val
		data = rest
	}
	return m, data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Map) UnmarshalBinary(data []byte) error {
	parsed, rest, err := ParseMap(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errors.New("attrs: trailing bytes after map")
	}
	if parsed == nil {
		parsed = make(Map)
	}
	*m = parsed
	return nil
}

// AppendBinary appends the encoded schema to buf. Fields are written in
// sorted order so equal schemas encode to equal bytes.
func (s Schema) AppendBinary(buf []byte) []byte {
	fields := make([]string, 0, len(s))
	for k := range s {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	buf = binary.AppendUvarint(buf, uint64(len(fields)))
	for _, k := range fields {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		buf = append(buf, byte(s[k]))
	}
	return buf
}

// ParseSchema decodes one schema from data and returns the remaining bytes.
func ParseSchema(data []byte) (Schema, []byte, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errors.New("attrs: invalid schema length")
	}
	data = data[n:]

	s := make(Schema, count)
	for range count {
		kLen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, errors.New("attrs: invalid schema field length")
		}
		data = data[n:]
		if uint64(len(data)) < kLen+1 {
			return nil, nil, errShortBuffer
		}
		key := string(data[:kLen])
		s[key] = Kind(data[kLen])
		data = data[kLen+1:]
	}
	return s, data, nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.Kind))

	switch v.Kind {
	case KindNull:
		// No payload.
	case KindInt:
		buf = binary.AppendVarint(buf, v.I64)
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
	case KindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.S)))
		buf = append(buf, v.S...)
	case KindBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindArray:
		buf = binary.AppendUvarint(buf, uint64(len(v.A)))
		for _, item := range v.A {
			var err error
			buf, err = appendValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.New("attrs: unknown value kind")
	}
	return buf, nil
}

func parseValue(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, errShortBuffer
	}
	v := Value{Kind: Kind(data[0])}
	data = data[1:]

	switch v.Kind {
	case KindNull:
		// No payload.
	case KindInt:
		i, n := binary.Varint(data)
		if n <= 0 {
			return v, nil, errors.New("attrs: invalid int value")
		}
		v.I64 = i
		data = data[n:]
	case KindFloat:
		if len(data) < 8 {
			return v, nil, errShortBuffer
		}
		v.F64 = math.Float64frombits(binary.LittleEndian.Uint64(data))
		data = data[8:]
	case KindString:
		sLen, n := binary.Uvarint(data)
		if n <= 0 {
			return v, nil, errors.New("attrs: invalid string length")
		}
		data = data[n:]
		if uint64(len(data)) < sLen {
			return v, nil, errShortBuffer
		}
		v.S = string(data[:sLen])
		data = data[sLen:]
	case KindBool:
		if len(data) == 0 {
			return v, nil, errShortBuffer
		}
		v.B = data[0] != 0
		data = data[1:]
	case KindArray:
		aLen, n := binary.Uvarint(data)
		if n <= 0 {
			return v, nil, errors.New("attrs: invalid array length")
		}
		data = data[n:]
		v.A = make([]Value, aLen)
		for i := range v.A {
			item, rest, err := parseValue(data)
			if err != nil {
				return v, nil, err
			}
			v.A[i] = item
			data = rest
		}
	default:
		return v, nil, errors.New("attrs: unknown value kind")
	}
	return v, data, nil
}
