package datamodel

import (
	"math"

	"github.com/embermesh/matter/pkg/tlv"
)

// Value is a decoded attribute value: bool, uint64, int64, string,
// []byte, or nil for null. Raw TLV subtrees for struct- and
// array-typed attributes are carried as RawTLV.
type Value any

// RawTLV is a pre-encoded TLV element carried opaquely.
type RawTLV []byte

// bits returns the effective base-type width, defaulting to 64.
func (a *AttributeSchema) bits() int {
	if a.Bits == 0 {
		return 64
	}
	return a.Bits
}

// EncodeValue writes v under tag according to the attribute schema.
func EncodeValue(w *tlv.Writer, tag tlv.Tag, schema *AttributeSchema, v Value) error {
	if v == nil {
		if !schema.Quality.Nullable {
			return ErrNotNullable
		}
		return w.PutNull(tag)
	}
	switch schema.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return ErrInvalidDataType
		}
		return w.PutBool(tag, b)
	case KindUint, KindEnum, KindBitmap:
		u, ok := toUint(v)
		if !ok {
			return ErrInvalidDataType
		}
		return w.PutUint(tag, u)
	case KindInt:
		i, ok := toInt(v)
		if !ok {
			return ErrInvalidDataType
		}
		return w.PutInt(tag, i)
	case KindString:
		s, ok := v.(string)
		if !ok {
			return ErrInvalidDataType
		}
		return w.PutString(tag, s)
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return ErrInvalidDataType
		}
		return w.PutBytes(tag, b)
	case KindStruct, KindArray:
		raw, ok := v.(RawTLV)
		if !ok {
			return ErrInvalidDataType
		}
		return w.PutRaw(raw)
	}
	return ErrInvalidDataType
}

// DecodeValue reads the current reader element as a value of the
// attribute's kind. For nullable numerics, the base-type boundary
// sentinel decodes as null.
func DecodeValue(r *tlv.Reader, schema *AttributeSchema) (Value, error) {
	if r.IsNull() {
		if !schema.Quality.Nullable {
			return nil, ErrNotNullable
		}
		return nil, nil
	}
	switch schema.Kind {
	case KindBool:
		b, err := r.Bool()
		if err != nil {
			return nil, ErrInvalidDataType
		}
		return b, nil
	case KindUint, KindEnum, KindBitmap:
		u, err := r.Uint()
		if err != nil {
			return nil, ErrInvalidDataType
		}
		if schema.Quality.Nullable && u == maxUint(schema.bits()) {
			return nil, nil
		}
		return u, nil
	case KindInt:
		i, err := r.Int()
		if err != nil {
			return nil, ErrInvalidDataType
		}
		if schema.Quality.Nullable && i == minInt(schema.bits()) {
			return nil, nil
		}
		return i, nil
	case KindString:
		s, err := r.String()
		if err != nil {
			return nil, ErrInvalidDataType
		}
		return s, nil
	case KindBytes:
		b, err := r.Bytes()
		if err != nil {
			return nil, ErrInvalidDataType
		}
		return append([]byte(nil), b...), nil
	case KindStruct, KindArray:
		raw, err := r.Raw()
		if err != nil {
			return nil, ErrInvalidDataType
		}
		return RawTLV(append([]byte(nil), raw...)), nil
	}
	return nil, ErrInvalidDataType
}

func minInt(bits int) int64 {
	return -(1 << uint(bits-1))
}

func maxInt(bits int) int64 {
	return 1<<uint(bits-1) - 1
}

func maxUint(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(bits) - 1
}

func toUint(v Value) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func toInt(v Value) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}

// Validate checks a candidate value against the attribute schema: base
// type, nullability, base range, and constraint.
func (a *AttributeSchema) Validate(v Value) error {
	if v == nil {
		if !a.Quality.Nullable {
			return ErrNotNullable
		}
		return nil
	}
	bits := a.bits()
	switch a.Kind {
	case KindBool:
		if _, ok := v.(bool); !ok {
			return ErrInvalidDataType
		}
	case KindUint, KindEnum, KindBitmap:
		u, ok := toUint(v)
		if !ok {
			return ErrInvalidDataType
		}
		limit := maxUint(bits)
		if a.Quality.Nullable {
			limit-- // the sentinel is reserved for null
		}
		if u > limit {
			return ErrOutOfRange
		}
		if a.HasRange && (int64(u) < a.Min || int64(u) > a.Max) {
			return ErrConstraint
		}
	case KindInt:
		i, ok := toInt(v)
		if !ok {
			return ErrInvalidDataType
		}
		lo := minInt(bits)
		if a.Quality.Nullable {
			lo++ // the sentinel is reserved for null
		}
		if i < lo || i > maxInt(bits) {
			return ErrOutOfRange
		}
		if a.HasRange && (i < a.Min || i > a.Max) {
			return ErrConstraint
		}
	case KindString:
		s, ok := v.(string)
		if !ok {
			return ErrInvalidDataType
		}
		if a.MaxLength > 0 && len(s) > a.MaxLength {
			return ErrConstraint
		}
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return ErrInvalidDataType
		}
		if a.MaxLength > 0 && len(b) > a.MaxLength {
			return ErrConstraint
		}
	case KindStruct, KindArray:
		if _, ok := v.(RawTLV); !ok {
			return ErrInvalidDataType
		}
	default:
		return ErrInvalidDataType
	}
	return nil
}
