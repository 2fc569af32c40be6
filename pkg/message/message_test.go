package message

import (
	"bytes"
	"testing"
)

func TestHeader_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		h    Header
	}{
		{"bare", Header{SessionID: 1, MessageCounter: 100}},
		{"source", Header{SessionID: 2, MessageCounter: 7, SourcePresent: true, SourceNodeID: 0xDEADBEEF}},
		{"dest node", Header{Destination: DestinationNode, DestNodeID: 0x1234}},
		{"group", Header{SessionType: SessionTypeGroup, Destination: DestinationGroup, DestGroupID: 0x42, SourcePresent: true, SourceNodeID: 9}},
		{"control", Header{Control: true, MessageCounter: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := tc.h.Encode(nil)
			if len(enc) != tc.h.Size() {
				t.Fatalf("encoded len = %d, Size() = %d", len(enc), tc.h.Size())
			}
			got, n, err := DecodeHeader(enc)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(enc) {
				t.Errorf("consumed %d of %d bytes", n, len(enc))
			}
			if *got != tc.h {
				t.Errorf("decoded = %+v, want %+v", got, tc.h)
			}
		})
	}
}

func TestHeader_RejectsVersion(t *testing.T) {
	enc := (&Header{}).Encode(nil)
	enc[0] |= 0x10
	if _, _, err := DecodeHeader(enc); err != ErrBadVersion {
		t.Errorf("err = %v, want ErrBadVersion", err)
	}
}

func TestProtocolHeader_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		p    ProtocolHeader
	}{
		{"plain", ProtocolHeader{ExchangeID: 10, ProtocolID: ProtocolSecureChannel, Opcode: 0x20, Initiator: true}},
		{"ack", ProtocolHeader{ExchangeID: 11, ProtocolID: ProtocolInteractionModel, Opcode: 0x02, AckPresent: true, AckCounter: 999, NeedsAck: true}},
		{"vendor", ProtocolHeader{ExchangeID: 12, ProtocolID: ProtocolBDX, VendorID: 0xFFF1, Opcode: 0x40}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := tc.p.Encode(nil)
			if len(enc) != tc.p.Size() {
				t.Fatalf("encoded len = %d, Size() = %d", len(enc), tc.p.Size())
			}
			got, n, err := DecodeProtocolHeader(enc)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(enc) {
				t.Errorf("consumed %d of %d bytes", n, len(enc))
			}
			if *got != tc.p {
				t.Errorf("decoded = %+v, want %+v", got, tc.p)
			}
		})
	}
}

func TestDecodeProtocolHeader_Truncated(t *testing.T) {
	p := ProtocolHeader{ExchangeID: 1, AckPresent: true, AckCounter: 5}
	enc := p.Encode(nil)
	if _, _, err := DecodeProtocolHeader(enc[:len(enc)-1]); err != ErrShortHeader {
		t.Errorf("err = %v, want ErrShortHeader", err)
	}
}

func TestHeader_EncodeIsAAD(t *testing.T) {
	h := Header{SessionID: 5, MessageCounter: 9, SourcePresent: true, SourceNodeID: 3}
	a := h.Encode(nil)
	b := h.Encode(nil)
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}
}

func TestReplayFilter(t *testing.T) {
	f := NewReplayFilter()

	if err := f.Check(100); err != nil {
		t.Fatal(err)
	}
	if err := f.Check(100); err != ErrCounterReplay {
		t.Errorf("duplicate: err = %v, want ErrCounterReplay", err)
	}
	if err := f.Check(101); err != nil {
		t.Fatal(err)
	}
	// Out of order within the window is accepted once.
	if err := f.Check(99); err != nil {
		t.Errorf("in-window: err = %v", err)
	}
	if err := f.Check(99); err != ErrCounterReplay {
		t.Errorf("in-window dup: err = %v, want ErrCounterReplay", err)
	}
	// Far behind the window.
	if err := f.Check(10); err != ErrCounterStale {
		t.Errorf("stale: err = %v, want ErrCounterStale", err)
	}
	// Big jump clears the window.
	if err := f.Check(1000); err != nil {
		t.Fatal(err)
	}
	if err := f.Check(999); err != nil {
		t.Errorf("post-jump in-window: err = %v", err)
	}
}

func TestCounter_Advances(t *testing.T) {
	c := NewCounterAt(41)
	if got := c.Next(); got != 42 {
		t.Errorf("Next() = %d, want 42", got)
	}
	if got := c.Value(); got != 42 {
		t.Errorf("Value() = %d, want 42", got)
	}
}
