package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/message"
	"github.com/embermesh/matter/pkg/storage"
)

func sessionPair(t *testing.T) (*Secure, *Secure) {
	t.Helper()
	i2r := bytes.Repeat([]byte{0xA1}, 16)
	r2i := bytes.Repeat([]byte{0xB2}, 16)

	initiator, err := NewSecure(SecureConfig{
		Type:           TypePASE,
		Role:           RoleInitiator,
		LocalSessionID: 10,
		PeerSessionID:  20,
		I2RKey:         i2r,
		R2IKey:         r2i,
	})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewSecure(SecureConfig{
		Type:           TypePASE,
		Role:           RoleResponder,
		LocalSessionID: 20,
		PeerSessionID:  10,
		I2RKey:         i2r,
		R2IKey:         r2i,
	})
	if err != nil {
		t.Fatal(err)
	}
	return initiator, responder
}

func TestSecure_EncryptDecrypt(t *testing.T) {
	initiator, responder := sessionPair(t)

	ph := &message.ProtocolHeader{
		ExchangeID: 42,
		ProtocolID: message.ProtocolInteractionModel,
		Opcode:     0x02,
		Initiator:  true,
		NeedsAck:   true,
	}
	payload := []byte("read request body")

	wire, err := initiator.Encrypt(ph, payload)
	if err != nil {
		t.Fatal(err)
	}

	hdr, n, err := message.DecodeHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SessionID != 20 {
		t.Errorf("wire session id = %d, want peer id 20", hdr.SessionID)
	}

	gotPH, gotPayload, err := responder.Decrypt(hdr, wire, n)
	if err != nil {
		t.Fatal(err)
	}
	if gotPH.ExchangeID != 42 || gotPH.Opcode != 0x02 || !gotPH.Initiator {
		t.Errorf("protocol header = %+v", gotPH)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q", gotPayload)
	}
}

func TestSecure_ReplayRejected(t *testing.T) {
	initiator, responder := sessionPair(t)

	ph := &message.ProtocolHeader{ExchangeID: 1, ProtocolID: message.ProtocolSecureChannel}
	wire, _ := initiator.Encrypt(ph, []byte("x"))
	hdr, n, _ := message.DecodeHeader(wire)

	if _, _, err := responder.Decrypt(hdr, wire, n); err != nil {
		t.Fatal(err)
	}
	if _, _, err := responder.Decrypt(hdr, wire, n); err != message.ErrCounterReplay {
		t.Errorf("err = %v, want ErrCounterReplay", err)
	}
}

func TestSecure_TamperRejected(t *testing.T) {
	initiator, responder := sessionPair(t)

	ph := &message.ProtocolHeader{ExchangeID: 1}
	wire, _ := initiator.Encrypt(ph, []byte("payload"))
	hdr, n, _ := message.DecodeHeader(wire)

	wire[len(wire)-1] ^= 0xFF
	if _, _, err := responder.Decrypt(hdr, wire, n); err == nil {
		t.Error("tampered message accepted")
	}
}

func TestSecure_ClosedRefuses(t *testing.T) {
	initiator, _ := sessionPair(t)
	initiator.Close()
	if _, err := initiator.Encrypt(&message.ProtocolHeader{}, nil); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSecure_PeerActive(t *testing.T) {
	initiator, responder := sessionPair(t)
	if responder.PeerActive() {
		t.Error("fresh session reports active peer")
	}
	wire, _ := initiator.Encrypt(&message.ProtocolHeader{ExchangeID: 1}, nil)
	hdr, n, _ := message.DecodeHeader(wire)
	if _, _, err := responder.Decrypt(hdr, wire, n); err != nil {
		t.Fatal(err)
	}
	if !responder.PeerActive() {
		t.Error("peer not active right after receive")
	}
}

func TestManager_Lifecycle(t *testing.T) {
	var closed []uint16
	m := NewManager(ManagerConfig{
		OnSessionClosed: func(s *Secure) { closed = append(closed, s.LocalID()) },
	})

	id, err := m.NextLocalID()
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("allocated the unsecured session id")
	}

	s, _ := NewSecure(SecureConfig{
		Type:           TypeCASE,
		LocalSessionID: id,
		PeerSessionID:  9,
		I2RKey:         make([]byte, 16),
		R2IKey:         make([]byte, 16),
		FabricIndex:    1,
		PeerNodeID:     0x42,
	})
	m.Add(s)

	got, err := m.Get(id)
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if m.FindCASE(1, 0x42) != s {
		t.Error("FindCASE missed the session")
	}
	if m.FindCASE(2, 0x42) != nil {
		t.Error("FindCASE matched wrong fabric")
	}

	m.Remove(id)
	if _, err := m.Get(id); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if len(closed) != 1 || closed[0] != id {
		t.Errorf("closed callbacks = %v", closed)
	}
	if !s.Closed() {
		t.Error("session not marked closed")
	}
}

func TestManager_RemoveFabricCascades(t *testing.T) {
	m := NewManager(ManagerConfig{})
	for i, fi := range []uint8{1, 1, 2} {
		s, _ := NewSecure(SecureConfig{
			Type:           TypeCASE,
			LocalSessionID: uint16(i + 1),
			I2RKey:         make([]byte, 16),
			R2IKey:         make([]byte, 16),
			FabricIndex:    fabric.Index(fi),
		})
		m.Add(s)
	}
	m.RemoveFabric(1)
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
}

func TestManager_Resumption(t *testing.T) {
	store := storage.NewMemory()
	m := NewManager(ManagerConfig{
		Resumption: storage.NewContext(store, storage.ContextResumption),
	})

	s, _ := NewSecure(SecureConfig{
		Type:           TypeCASE,
		LocalSessionID: 5,
		I2RKey:         make([]byte, 16),
		R2IKey:         make([]byte, 16),
		SharedSecret:   bytes.Repeat([]byte{0x33}, 32),
		PeerNodeID:     0x77,
	})
	if err := m.SaveResumption(s); err != nil {
		t.Fatal(err)
	}

	id, secret, ok := m.LoadResumption(0x77)
	if !ok {
		t.Fatal("resumption record missing")
	}
	if !bytes.Equal(id, s.ResumptionID()) {
		t.Error("resumption id mismatch")
	}
	if !bytes.Equal(secret, s.SharedSecret()) {
		t.Error("shared secret mismatch")
	}
	if _, _, ok := m.LoadResumption(0x78); ok {
		t.Error("unknown peer resolved")
	}
}

func TestParams_Defaults(t *testing.T) {
	p := Params{}.WithDefaults()
	if p.IdleInterval != DefaultIdleInterval || p.ActiveInterval != DefaultActiveInterval {
		t.Errorf("defaults = %+v", p)
	}
	if !p.Valid() {
		t.Error("defaults invalid")
	}
	bad := Params{IdleInterval: time.Hour * 2, ActiveInterval: time.Second, ActiveThreshold: time.Second}
	if bad.Valid() {
		t.Error("oversized idle interval accepted")
	}
}
