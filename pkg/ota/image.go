// Package ota implements the Matter OTA image file format: a fixed
// magic and size prefix, a TLV header describing the payload, then the
// payload itself.
package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/embermesh/matter/pkg/tlv"
)

// Magic is the 4-byte file prefix, little-endian on disk.
const Magic uint32 = 0x1BEEF11E

// DigestTypeSHA256 is the IANA hash id for SHA-256.
const DigestTypeSHA256 = 1

var (
	// ErrBadMagic indicates the file does not start with the OTA
	// magic.
	ErrBadMagic = errors.New("ota: bad magic")

	// ErrTruncated indicates the file is shorter than its declared
	// size.
	ErrTruncated = errors.New("ota: truncated image")

	// ErrBadHeader indicates an undecodable or incomplete header.
	ErrBadHeader = errors.New("ota: malformed header")

	// ErrDigestMismatch indicates the payload does not match the
	// declared digest.
	ErrDigestMismatch = errors.New("ota: payload digest mismatch")

	// ErrBadVersionString indicates a version string outside 1..64
	// characters.
	ErrBadVersionString = errors.New("ota: invalid software version string")
)

// Header is the TLV image header.
type Header struct {
	VendorID              uint16
	ProductID             uint16
	SoftwareVersion       uint32
	SoftwareVersionString string
	PayloadSize           uint64

	MinApplicableVersion *uint32
	MaxApplicableVersion *uint32
	ReleaseNotesURL      string

	ImageDigestType uint8
	ImageDigest     []byte
}

// Header field tags.
const (
	tagVendorID        = 0
	tagProductID       = 1
	tagSoftwareVersion = 2
	tagVersionString   = 3
	tagPayloadSize     = 4
	tagMinApplicable   = 5
	tagMaxApplicable   = 6
	tagReleaseNotes    = 7
	tagDigestType      = 8
	tagDigest          = 9
)

// Encode builds the complete image file: magic, total size, TLV
// header, payload. The digest fields are filled from the payload when
// unset.
func Encode(h *Header, payload []byte) ([]byte, error) {
	if len(h.SoftwareVersionString) < 1 || len(h.SoftwareVersionString) > 64 {
		return nil, ErrBadVersionString
	}
	if h.ImageDigestType == 0 {
		h.ImageDigestType = DigestTypeSHA256
	}
	if len(h.ImageDigest) == 0 {
		sum := sha256.Sum256(payload)
		h.ImageDigest = sum[:]
	}
	if len(h.ImageDigest) > 64 {
		return nil, ErrBadHeader
	}
	h.PayloadSize = uint64(len(payload))

	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(tagVendorID), uint64(h.VendorID))
	w.PutUint(tlv.ContextTag(tagProductID), uint64(h.ProductID))
	w.PutUint(tlv.ContextTag(tagSoftwareVersion), uint64(h.SoftwareVersion))
	w.PutString(tlv.ContextTag(tagVersionString), h.SoftwareVersionString)
	w.PutUint(tlv.ContextTag(tagPayloadSize), h.PayloadSize)
	if h.MinApplicableVersion != nil {
		w.PutUint(tlv.ContextTag(tagMinApplicable), uint64(*h.MinApplicableVersion))
	}
	if h.MaxApplicableVersion != nil {
		w.PutUint(tlv.ContextTag(tagMaxApplicable), uint64(*h.MaxApplicableVersion))
	}
	if h.ReleaseNotesURL != "" {
		w.PutString(tlv.ContextTag(tagReleaseNotes), h.ReleaseNotesURL)
	}
	w.PutUint(tlv.ContextTag(tagDigestType), uint64(h.ImageDigestType))
	w.PutBytes(tlv.ContextTag(tagDigest), h.ImageDigest)
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	header := w.Bytes()

	total := uint64(4 + 8 + len(header) + len(payload))
	out := binary.LittleEndian.AppendUint32(nil, Magic)
	out = binary.LittleEndian.AppendUint64(out, total)
	out = append(out, header...)
	return append(out, payload...), nil
}

// Decode parses an image file, verifying the magic, the total size and
// the payload digest.
func Decode(data []byte) (*Header, []byte, error) {
	if len(data) < 12 {
		return nil, nil, ErrTruncated
	}
	if binary.LittleEndian.Uint32(data) != Magic {
		return nil, nil, ErrBadMagic
	}
	total := binary.LittleEndian.Uint64(data[4:12])
	if total > uint64(len(data)) {
		return nil, nil, ErrTruncated
	}
	data = data[:total]

	r := tlv.NewReader(data[12:])
	if err := r.Next(); err != nil {
		return nil, nil, ErrBadHeader
	}
	headerRaw, err := r.Raw()
	if err != nil {
		return nil, nil, ErrBadHeader
	}
	payload := data[12+len(headerRaw):]

	h := &Header{}
	if err := r.EnterContainer(); err != nil {
		return nil, nil, ErrBadHeader
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, nil, ErrBadHeader
		}
		switch r.Tag().Number() {
		case tagVendorID:
			v, _ := r.Uint()
			h.VendorID = uint16(v)
		case tagProductID:
			v, _ := r.Uint()
			h.ProductID = uint16(v)
		case tagSoftwareVersion:
			v, _ := r.Uint()
			h.SoftwareVersion = uint32(v)
		case tagVersionString:
			h.SoftwareVersionString, _ = r.String()
		case tagPayloadSize:
			h.PayloadSize, _ = r.Uint()
		case tagMinApplicable:
			v, _ := r.Uint()
			u := uint32(v)
			h.MinApplicableVersion = &u
		case tagMaxApplicable:
			v, _ := r.Uint()
			u := uint32(v)
			h.MaxApplicableVersion = &u
		case tagReleaseNotes:
			h.ReleaseNotesURL, _ = r.String()
		case tagDigestType:
			v, _ := r.Uint()
			h.ImageDigestType = uint8(v)
		case tagDigest:
			b, _ := r.Bytes()
			h.ImageDigest = append([]byte(nil), b...)
		}
	}
	if len(h.SoftwareVersionString) < 1 || len(h.SoftwareVersionString) > 64 {
		return nil, nil, ErrBadHeader
	}
	if h.PayloadSize != uint64(len(payload)) {
		return nil, nil, ErrTruncated
	}
	if h.ImageDigestType == DigestTypeSHA256 {
		sum := sha256.Sum256(payload)
		if !bytes.Equal(sum[:], h.ImageDigest) {
			return nil, nil, ErrDigestMismatch
		}
	}
	return h, payload, nil
}
