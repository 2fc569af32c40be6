package tlv

import (
	"encoding/binary"
	"math"
)

// Reader is a cursor over an encoded TLV byte slice. Next positions the
// cursor on an element; the typed accessors then decode its value.
type Reader struct {
	buf   []byte
	pos   int
	depth int

	// current element
	typ     Type
	tag     Tag
	valOff  int // offset of the value field
	valLen  int // length of the value field (strings/fixed)
	started bool
}

// NewReader returns a Reader over data. The slice is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Next advances to the next element at the current nesting level.
// It returns ErrEnd at end of input or at an end-of-container marker.
func (r *Reader) Next() error {
	if r.started {
		if err := r.skipValue(); err != nil {
			return err
		}
	}
	if r.pos >= len(r.buf) {
		r.started = false
		return ErrEnd
	}
	t, f := splitControl(r.buf[r.pos])
	if t > TypeEnd {
		return ErrUnknownType
	}
	if t == TypeEnd {
		// Leave the cursor on the marker; ExitContainer consumes it.
		r.started = false
		return ErrEnd
	}
	r.pos++
	tag, err := parseTag(f, r.buf[r.pos:])
	if err != nil {
		return err
	}
	r.pos += f.size()
	r.typ = t
	r.tag = tag
	r.valOff = r.pos
	if n := t.lenSize(); n > 0 {
		if r.pos+n > len(r.buf) {
			return ErrTruncated
		}
		var l uint64
		switch n {
		case 1:
			l = uint64(r.buf[r.pos])
		case 2:
			l = uint64(binary.LittleEndian.Uint16(r.buf[r.pos:]))
		case 4:
			l = uint64(binary.LittleEndian.Uint32(r.buf[r.pos:]))
		case 8:
			l = binary.LittleEndian.Uint64(r.buf[r.pos:])
		}
		r.valOff = r.pos + n
		if l > uint64(len(r.buf)-r.valOff) {
			return ErrTruncated
		}
		r.valLen = int(l)
	} else {
		r.valLen = t.fixedSize()
		if r.valOff+r.valLen > len(r.buf) {
			return ErrTruncated
		}
	}
	r.started = true
	return nil
}

// skipValue moves the cursor past the current element's value,
// including a whole container subtree.
func (r *Reader) skipValue() error {
	if r.typ.IsContainer() {
		level := 1
		r.pos = r.valOff
		for level > 0 {
			if r.pos >= len(r.buf) {
				return ErrTruncated
			}
			t, f := splitControl(r.buf[r.pos])
			r.pos++
			if t == TypeEnd {
				level--
				continue
			}
			if t > TypeEnd {
				return ErrUnknownType
			}
			r.pos += f.size()
			if n := t.lenSize(); n > 0 {
				if r.pos+n > len(r.buf) {
					return ErrTruncated
				}
				var l uint64
				switch n {
				case 1:
					l = uint64(r.buf[r.pos])
				case 2:
					l = uint64(binary.LittleEndian.Uint16(r.buf[r.pos:]))
				case 4:
					l = uint64(binary.LittleEndian.Uint32(r.buf[r.pos:]))
				case 8:
					l = binary.LittleEndian.Uint64(r.buf[r.pos:])
				}
				r.pos += n + int(l)
			} else {
				r.pos += t.fixedSize()
				if t.IsContainer() {
					level++
				}
			}
		}
		r.started = false
		return nil
	}
	r.pos = r.valOff + r.valLen
	r.started = false
	return nil
}

// Type returns the type of the current element.
func (r *Reader) Type() Type { return r.typ }

// Tag returns the tag of the current element.
func (r *Reader) Tag() Tag { return r.tag }

// Uint decodes the current element as an unsigned integer.
func (r *Reader) Uint() (uint64, error) {
	if !r.typ.IsUnsignedInt() {
		return 0, ErrWrongType
	}
	return r.rawUint(), nil
}

func (r *Reader) rawUint() uint64 {
	v := r.buf[r.valOff : r.valOff+r.valLen]
	switch r.valLen {
	case 1:
		return uint64(v[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(v))
	case 4:
		return uint64(binary.LittleEndian.Uint32(v))
	case 8:
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

// Int decodes the current element as a signed integer.
func (r *Reader) Int() (int64, error) {
	if !r.typ.IsSignedInt() {
		return 0, ErrWrongType
	}
	u := r.rawUint()
	switch r.valLen {
	case 1:
		return int64(int8(u)), nil
	case 2:
		return int64(int16(u)), nil
	case 4:
		return int64(int32(u)), nil
	}
	return int64(u), nil
}

// Bool decodes the current element as a boolean.
func (r *Reader) Bool() (bool, error) {
	if !r.typ.IsBool() {
		return false, ErrWrongType
	}
	return r.typ == TypeTrue, nil
}

// Float decodes the current element as a float of either width.
func (r *Reader) Float() (float64, error) {
	switch r.typ {
	case TypeFloat32:
		return float64(math.Float32frombits(uint32(r.rawUint()))), nil
	case TypeFloat64:
		return math.Float64frombits(r.rawUint()), nil
	}
	return 0, ErrWrongType
}

// IsNull reports whether the current element is null.
func (r *Reader) IsNull() bool { return r.typ == TypeNull }

// String decodes the current element as a UTF-8 string.
func (r *Reader) String() (string, error) {
	if !r.typ.IsUTF8() {
		return "", ErrWrongType
	}
	return string(r.buf[r.valOff : r.valOff+r.valLen]), nil
}

// Bytes decodes the current element as an octet string. The returned
// slice aliases the reader's input.
func (r *Reader) Bytes() ([]byte, error) {
	if !r.typ.IsBytes() {
		return nil, ErrWrongType
	}
	return r.buf[r.valOff : r.valOff+r.valLen], nil
}

// EnterContainer descends into the current container element.
func (r *Reader) EnterContainer() error {
	if !r.typ.IsContainer() {
		return ErrWrongType
	}
	if r.depth >= maxDepth {
		return ErrContainerDepth
	}
	r.pos = r.valOff
	r.depth++
	r.started = false
	return nil
}

// ExitContainer skips remaining elements and consumes the
// end-of-container marker.
func (r *Reader) ExitContainer() error {
	if r.depth == 0 {
		return ErrNotInContainer
	}
	for {
		err := r.Next()
		if err == ErrEnd {
			break
		}
		if err != nil {
			return err
		}
	}
	if r.pos >= len(r.buf) || Type(r.buf[r.pos]&typeMask) != TypeEnd {
		return ErrTruncated
	}
	r.pos++
	r.depth--
	r.started = false
	return nil
}

// Raw returns the full encoding of the current element, control octet
// through value (or whole subtree for containers).
func (r *Reader) Raw() ([]byte, error) {
	start := r.valOff - r.tag.form.size() - 1
	if n := r.typ.lenSize(); n > 0 {
		start -= n
	}
	save := *r
	if err := r.skipValue(); err != nil {
		return nil, err
	}
	end := r.pos
	*r = save
	return r.buf[start:end], nil
}
