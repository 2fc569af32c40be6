package tlv

import "encoding/binary"

// tagForm is the tag encoding selected by the upper 3 bits of the
// control octet.
type tagForm uint8

const (
	formAnonymous tagForm = 0
	formContext   tagForm = 1
	formCommon2   tagForm = 2
	formCommon4   tagForm = 3
	formImplicit2 tagForm = 4
	formImplicit4 tagForm = 5
	formFull6     tagForm = 6
	formFull8     tagForm = 7
)

func (f tagForm) size() int {
	switch f {
	case formContext:
		return 1
	case formCommon2, formImplicit2:
		return 2
	case formCommon4, formImplicit4:
		return 4
	case formFull6:
		return 6
	case formFull8:
		return 8
	}
	return 0
}

// Tag identifies a TLV element. Tags are anonymous, context-specific
// (one octet, scoped to the enclosing structure) or profile-qualified.
type Tag struct {
	form    tagForm
	vendor  uint16
	profile uint16
	number  uint32
}

// Anonymous returns the anonymous tag.
func Anonymous() Tag { return Tag{} }

// ContextTag returns a context-specific tag with number n.
func ContextTag(n uint8) Tag {
	return Tag{form: formContext, number: uint32(n)}
}

// CommonTag returns a common-profile tag with number n.
func CommonTag(n uint32) Tag {
	f := formCommon2
	if n > 0xFFFF {
		f = formCommon4
	}
	return Tag{form: f, number: n}
}

// ImplicitTag returns an implicit-profile tag with number n.
func ImplicitTag(n uint32) Tag {
	f := formImplicit2
	if n > 0xFFFF {
		f = formImplicit4
	}
	return Tag{form: f, number: n}
}

// FullTag returns a fully-qualified tag for the given vendor/profile.
func FullTag(vendor, profile uint16, n uint32) Tag {
	f := formFull6
	if n > 0xFFFF {
		f = formFull8
	}
	return Tag{form: f, vendor: vendor, profile: profile, number: n}
}

// IsAnonymous reports whether t carries no tag octets.
func (t Tag) IsAnonymous() bool { return t.form == formAnonymous }

// IsContext reports whether t is context-specific.
func (t Tag) IsContext() bool { return t.form == formContext }

// Number returns the tag number (0-255 for context tags).
func (t Tag) Number() uint32 { return t.number }

// Vendor returns the vendor id of a fully-qualified tag, else 0.
func (t Tag) Vendor() uint16 { return t.vendor }

// Profile returns the profile number of a fully-qualified tag, else 0.
func (t Tag) Profile() uint16 { return t.profile }

// appendTo appends the little-endian tag octets for t.
func (t Tag) appendTo(dst []byte) []byte {
	switch t.form {
	case formContext:
		return append(dst, byte(t.number))
	case formCommon2, formImplicit2:
		return binary.LittleEndian.AppendUint16(dst, uint16(t.number))
	case formCommon4, formImplicit4:
		return binary.LittleEndian.AppendUint32(dst, t.number)
	case formFull6:
		dst = binary.LittleEndian.AppendUint16(dst, t.vendor)
		dst = binary.LittleEndian.AppendUint16(dst, t.profile)
		return binary.LittleEndian.AppendUint16(dst, uint16(t.number))
	case formFull8:
		dst = binary.LittleEndian.AppendUint16(dst, t.vendor)
		dst = binary.LittleEndian.AppendUint16(dst, t.profile)
		return binary.LittleEndian.AppendUint32(dst, t.number)
	}
	return dst
}

// parseTag decodes the tag octets for form f from buf.
func parseTag(f tagForm, buf []byte) (Tag, error) {
	if len(buf) < f.size() {
		return Tag{}, ErrTruncated
	}
	t := Tag{form: f}
	switch f {
	case formContext:
		t.number = uint32(buf[0])
	case formCommon2, formImplicit2:
		t.number = uint32(binary.LittleEndian.Uint16(buf))
	case formCommon4, formImplicit4:
		t.number = binary.LittleEndian.Uint32(buf)
	case formFull6:
		t.vendor = binary.LittleEndian.Uint16(buf)
		t.profile = binary.LittleEndian.Uint16(buf[2:])
		t.number = uint32(binary.LittleEndian.Uint16(buf[4:]))
	case formFull8:
		t.vendor = binary.LittleEndian.Uint16(buf)
		t.profile = binary.LittleEndian.Uint16(buf[2:])
		t.number = binary.LittleEndian.Uint32(buf[4:])
	}
	return t, nil
}
