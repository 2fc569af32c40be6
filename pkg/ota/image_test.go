package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

func TestImage_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 256)
	in := &Header{
		VendorID:              0xFFF1,
		ProductID:             0x8000,
		SoftwareVersion:       15,
		SoftwareVersionString: "1.5.0",
	}
	file, err := Encode(in, payload)
	if err != nil {
		t.Fatal(err)
	}

	// Prefix layout: magic LE then total size LE.
	if binary.LittleEndian.Uint32(file) != 0x1BEEF11E {
		t.Errorf("magic = %08X", binary.LittleEndian.Uint32(file))
	}
	if binary.LittleEndian.Uint64(file[4:]) != uint64(len(file)) {
		t.Error("total size prefix mismatch")
	}

	h, got, err := Decode(file)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
	if h.VendorID != 0xFFF1 || h.ProductID != 0x8000 || h.SoftwareVersion != 15 {
		t.Errorf("header = %+v", h)
	}
	if h.SoftwareVersionString != "1.5.0" {
		t.Errorf("version string = %q", h.SoftwareVersionString)
	}
	if h.PayloadSize != 256 {
		t.Errorf("payload size = %d", h.PayloadSize)
	}

	want := sha256.Sum256(payload)
	if !bytes.Equal(h.ImageDigest, want[:]) {
		t.Error("digest does not match SHA-256 of payload")
	}
}

func TestImage_OptionalFields(t *testing.T) {
	minV, maxV := uint32(10), uint32(20)
	in := &Header{
		VendorID: 1, ProductID: 2, SoftwareVersion: 3,
		SoftwareVersionString: "3.0",
		MinApplicableVersion:  &minV,
		MaxApplicableVersion:  &maxV,
		ReleaseNotesURL:       "https://example.com/notes",
	}
	file, err := Encode(in, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := Decode(file)
	if err != nil {
		t.Fatal(err)
	}
	if h.MinApplicableVersion == nil || *h.MinApplicableVersion != 10 {
		t.Error("min applicable lost")
	}
	if h.MaxApplicableVersion == nil || *h.MaxApplicableVersion != 20 {
		t.Error("max applicable lost")
	}
	if h.ReleaseNotesURL != "https://example.com/notes" {
		t.Errorf("notes url = %q", h.ReleaseNotesURL)
	}
}

func TestImage_RejectsTamper(t *testing.T) {
	file, _ := Encode(&Header{VendorID: 1, ProductID: 1, SoftwareVersion: 1, SoftwareVersionString: "1"}, bytes.Repeat([]byte{7}, 32))

	file[len(file)-1] ^= 0xFF
	if _, _, err := Decode(file); err != ErrDigestMismatch {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}
}

func TestImage_RejectsBadMagic(t *testing.T) {
	file, _ := Encode(&Header{VendorID: 1, ProductID: 1, SoftwareVersion: 1, SoftwareVersionString: "1"}, nil)
	file[0] = 0
	if _, _, err := Decode(file); err != ErrBadMagic {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestImage_RejectsTruncation(t *testing.T) {
	file, _ := Encode(&Header{VendorID: 1, ProductID: 1, SoftwareVersion: 1, SoftwareVersionString: "1"}, bytes.Repeat([]byte{7}, 32))
	if _, _, err := Decode(file[:len(file)-8]); err != ErrTruncated {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestImage_VersionStringBounds(t *testing.T) {
	if _, err := Encode(&Header{SoftwareVersionString: ""}, nil); err != ErrBadVersionString {
		t.Errorf("empty: err = %v", err)
	}
	long := string(bytes.Repeat([]byte{'a'}, 65))
	if _, err := Encode(&Header{SoftwareVersionString: long}, nil); err != ErrBadVersionString {
		t.Errorf("long: err = %v", err)
	}
}
