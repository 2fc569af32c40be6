package tlv

import (
	"encoding/binary"
	"math"
)

// maxDepth bounds container nesting for both reader and writer.
const maxDepth = 24

// Writer appends TLV elements to an internal buffer. Integer values are
// emitted in the smallest width that represents them, per spec A.7.
type Writer struct {
	buf   []byte
	depth []Type
	err   error
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded output. The slice aliases the writer's
// buffer and is valid until the next Put call.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes so far.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the error of the most recent failed StartStruct,
// StartArray, StartList or EndContainer call, if any. ErrStringTooLong
// is returned by PutString and PutBytes but not recorded here.
func (w *Writer) Err() error { return w.err }

// Reset discards all written data.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.depth = w.depth[:0]
	w.err = nil
}

func (w *Writer) control(t Type, tag Tag) {
	w.buf = append(w.buf, joinControl(t, tag.form))
	w.buf = tag.appendTo(w.buf)
}

// PutUint writes an unsigned integer in minimal width.
func (w *Writer) PutUint(tag Tag, v uint64) error {
	switch {
	case v <= math.MaxUint8:
		w.control(TypeUint8, tag)
		w.buf = append(w.buf, byte(v))
	case v <= math.MaxUint16:
		w.control(TypeUint16, tag)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
	case v <= math.MaxUint32:
		w.control(TypeUint32, tag)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
	default:
		w.control(TypeUint64, tag)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
	return nil
}

// PutInt writes a signed integer in minimal width.
func (w *Writer) PutInt(tag Tag, v int64) error {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		w.control(TypeInt8, tag)
		w.buf = append(w.buf, byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		w.control(TypeInt16, tag)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(int16(v)))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		w.control(TypeInt32, tag)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(int32(v)))
	default:
		w.control(TypeInt64, tag)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
	}
	return nil
}

// PutBool writes a boolean.
func (w *Writer) PutBool(tag Tag, v bool) error {
	t := TypeFalse
	if v {
		t = TypeTrue
	}
	w.control(t, tag)
	return nil
}

// PutFloat writes a 64-bit float.
func (w *Writer) PutFloat(tag Tag, v float64) error {
	w.control(TypeFloat64, tag)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
	return nil
}

// PutNull writes a null element.
func (w *Writer) PutNull(tag Tag) error {
	w.control(TypeNull, tag)
	return nil
}

// PutString writes a UTF-8 string with a minimal-width length prefix.
func (w *Writer) PutString(tag Tag, s string) error {
	return w.putVar(tag, []byte(s), TypeUTF8x1)
}

// PutBytes writes an octet string with a minimal-width length prefix.
func (w *Writer) PutBytes(tag Tag, b []byte) error {
	return w.putVar(tag, b, TypeBytes1)
}

func (w *Writer) putVar(tag Tag, b []byte, base Type) error {
	n := uint64(len(b))
	switch {
	case n <= math.MaxUint8:
		w.control(base, tag)
		w.buf = append(w.buf, byte(n))
	case n <= math.MaxUint16:
		w.control(base+1, tag)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(n))
	case n <= math.MaxUint32:
		w.control(base+2, tag)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(n))
	default:
		return ErrStringTooLong
	}
	w.buf = append(w.buf, b...)
	return nil
}

// StartStruct opens a structure container.
func (w *Writer) StartStruct(tag Tag) error { return w.start(TypeStruct, tag) }

// StartArray opens an array container.
func (w *Writer) StartArray(tag Tag) error { return w.start(TypeArray, tag) }

// StartList opens a list container.
func (w *Writer) StartList(tag Tag) error { return w.start(TypeList, tag) }

func (w *Writer) start(t Type, tag Tag) error {
	if len(w.depth) >= maxDepth {
		w.err = ErrContainerDepth
		return w.err
	}
	w.control(t, tag)
	w.depth = append(w.depth, t)
	return nil
}

// EndContainer closes the most recently opened container.
func (w *Writer) EndContainer() error {
	if len(w.depth) == 0 {
		w.err = ErrUnbalanced
		return w.err
	}
	w.depth = w.depth[:len(w.depth)-1]
	w.buf = append(w.buf, byte(TypeEnd))
	return nil
}

// PutRaw appends pre-encoded TLV verbatim. The caller is responsible
// for the fragment being a whole element.
func (w *Writer) PutRaw(raw []byte) error {
	w.buf = append(w.buf, raw...)
	return nil
}
