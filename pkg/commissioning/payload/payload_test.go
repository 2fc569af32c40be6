package payload

import "testing"

func TestVerhoeff_KnownVectors(t *testing.T) {
	// 236 -> check digit 3 is the canonical example.
	check, err := ChecksumDigit("236")
	if err != nil {
		t.Fatal(err)
	}
	if check != '3' {
		t.Errorf("check = %c, want 3", check)
	}
	if !ChecksumValid("2363") {
		t.Error("valid string rejected")
	}
	if ChecksumValid("2364") {
		t.Error("invalid string accepted")
	}
	// Adjacent transposition must be caught.
	if ChecksumValid("3263") {
		t.Error("transposition not detected")
	}
}

func TestBase38_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xFF},
		{0x01, 0x02},
		{0x01, 0x02, 0x03},
		{0xDE, 0xAD, 0xBE, 0xEF},
		{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB},
	}
	for _, in := range cases {
		enc := base38Encode(in)
		out, err := base38Decode(enc)
		if err != nil {
			t.Fatalf("decode(%q): %v", enc, err)
		}
		if len(out) != len(in) {
			t.Fatalf("len mismatch for %x: got %x", in, out)
		}
		for i := range in {
			if in[i] != out[i] {
				t.Fatalf("round trip mismatch: %x -> %q -> %x", in, enc, out)
			}
		}
	}
}

func TestBase38_RejectsBadInput(t *testing.T) {
	if _, err := base38Decode("abc"); err != ErrBase38Length {
		t.Errorf("bad length err = %v", err)
	}
	if _, err := base38Decode("$$"); err != ErrBase38Char {
		t.Errorf("bad char err = %v", err)
	}
}

func TestManualCode_RoundTripShort(t *testing.T) {
	in := &SetupPayload{Discriminator: 3840, Passcode: 20202021}
	code, err := EncodeManualCode(in, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 11 {
		t.Fatalf("code = %q, want 11 digits", code)
	}

	out, err := DecodeManualCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if out.Passcode != 20202021 {
		t.Errorf("passcode = %d", out.Passcode)
	}
	// The manual code carries only the 4-bit short discriminator.
	if out.ShortDiscriminator() != in.ShortDiscriminator() {
		t.Errorf("short discriminator = %d, want %d", out.ShortDiscriminator(), in.ShortDiscriminator())
	}
}

func TestManualCode_RoundTripLong(t *testing.T) {
	in := &SetupPayload{
		Discriminator: 2748,
		Passcode:      34567890,
		VendorID:      0xFFF1,
		ProductID:     0x8000,
	}
	code, err := EncodeManualCode(in, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 21 {
		t.Fatalf("code = %q, want 21 digits", code)
	}
	out, err := DecodeManualCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if out.VendorID != 0xFFF1 || out.ProductID != 0x8000 {
		t.Errorf("VP = %v/%04X", out.VendorID, out.ProductID)
	}
	if out.Passcode != 34567890 {
		t.Errorf("passcode = %d", out.Passcode)
	}
}

func TestManualCode_IgnoresFormatting(t *testing.T) {
	in := &SetupPayload{Discriminator: 3840, Passcode: 20202021}
	code, _ := EncodeManualCode(in, false)
	pretty := code[:4] + "-" + code[4:7] + " " + code[7:]
	if _, err := DecodeManualCode(pretty); err != nil {
		t.Errorf("formatted code rejected: %v", err)
	}
}

func TestManualCode_RejectsBadChecksum(t *testing.T) {
	in := &SetupPayload{Discriminator: 3840, Passcode: 20202021}
	code, _ := EncodeManualCode(in, false)
	tampered := code[:10] + string('0'+(code[10]-'0'+1)%10)
	if _, err := DecodeManualCode(tampered); err != ErrBadChecksum {
		t.Errorf("err = %v, want ErrBadChecksum", err)
	}
}

func TestQRCode_RoundTrip(t *testing.T) {
	in := &SetupPayload{
		Version:       0,
		VendorID:      0xFFF1,
		ProductID:     0x8000,
		Flow:          FlowStandard,
		Discovery:     DiscoveryOnIP | DiscoveryBLE,
		Discriminator: 3840,
		Passcode:      20202021,
	}
	code, err := EncodeQRCode(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) < 4 || code[:3] != "MT:" {
		t.Fatalf("code = %q", code)
	}

	out, err := DecodeQRCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("decoded = %+v, want %+v", out, in)
	}
}

func TestQRCode_RejectsBadPrefix(t *testing.T) {
	if _, err := DecodeQRCode("XX:ABCD"); err != ErrBadQRCode {
		t.Errorf("err = %v, want ErrBadQRCode", err)
	}
}

func TestPayload_Validate(t *testing.T) {
	if err := (&SetupPayload{Passcode: 0, Discriminator: 1}).Validate(); err != ErrBadPasscode {
		t.Errorf("zero passcode err = %v", err)
	}
	if err := (&SetupPayload{Passcode: 1 << 27, Discriminator: 1}).Validate(); err != ErrBadPasscode {
		t.Errorf("oversized passcode err = %v", err)
	}
	if err := (&SetupPayload{Passcode: 1, Discriminator: 0x1000}).Validate(); err != ErrBadDiscriminator {
		t.Errorf("oversized discriminator err = %v", err)
	}
}
