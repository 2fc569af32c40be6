package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/message"
)

// Type classifies how a session was established.
type Type uint8

const (
	TypeUnsecured Type = iota
	TypePASE
	TypeCASE
)

func (t Type) String() string {
	switch t {
	case TypePASE:
		return "PASE"
	case TypeCASE:
		return "CASE"
	}
	return "unsecured"
}

// Role records which side initiated establishment.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// ResumptionIDSize is the CASE resumption id width.
const ResumptionIDSize = 16

// Secure is one established encryption context (Spec 4.13.3.1). A PASE
// session is a temporary administrative context until CASE replaces it.
type Secure struct {
	typ  Type
	role Role

	localID uint16
	peerID  uint16

	sendAEAD *crypto.AEAD
	recvAEAD *crypto.AEAD

	counter *message.Counter
	replay  *message.ReplayFilter

	fabricIndex  fabric.Index
	localNodeID  fabric.NodeID
	peerNodeID   fabric.NodeID
	resumptionID [ResumptionIDSize]byte
	sharedSecret []byte

	params Params

	mu         sync.RWMutex
	lastUsed   time.Time
	lastHeard  time.Time
	closed     bool
}

// SecureConfig carries the outputs of a PASE/CASE handshake.
type SecureConfig struct {
	Type           Type
	Role           Role
	LocalSessionID uint16
	PeerSessionID  uint16

	// I2RKey and R2IKey are the 16-byte directional keys; the send
	// direction is chosen from Role.
	I2RKey []byte
	R2IKey []byte

	// SharedSecret enables CASE resumption; nil for PASE.
	SharedSecret []byte

	FabricIndex fabric.Index
	LocalNodeID fabric.NodeID
	PeerNodeID  fabric.NodeID

	// ResumptionID is assigned by the responder; zero means generate.
	ResumptionID []byte

	Params Params
}

// NewSecure builds a session context from handshake outputs.
func NewSecure(cfg SecureConfig) (*Secure, error) {
	if len(cfg.I2RKey) != crypto.SymmetricKeySize || len(cfg.R2IKey) != crypto.SymmetricKeySize {
		return nil, ErrBadKeys
	}
	i2r, err := crypto.NewAEAD(cfg.I2RKey)
	if err != nil {
		return nil, err
	}
	r2i, err := crypto.NewAEAD(cfg.R2IKey)
	if err != nil {
		return nil, err
	}
	s := &Secure{
		typ:          cfg.Type,
		role:         cfg.Role,
		localID:      cfg.LocalSessionID,
		peerID:       cfg.PeerSessionID,
		counter:      message.NewCounter(),
		replay:       message.NewReplayFilter(),
		fabricIndex:  cfg.FabricIndex,
		localNodeID:  cfg.LocalNodeID,
		peerNodeID:   cfg.PeerNodeID,
		sharedSecret: append([]byte(nil), cfg.SharedSecret...),
		params:       cfg.Params.WithDefaults(),
		lastUsed:     time.Now(),
	}
	if cfg.Role == RoleInitiator {
		s.sendAEAD, s.recvAEAD = i2r, r2i
	} else {
		s.sendAEAD, s.recvAEAD = r2i, i2r
	}
	if len(cfg.ResumptionID) == ResumptionIDSize {
		copy(s.resumptionID[:], cfg.ResumptionID)
	} else {
		rand.Read(s.resumptionID[:])
	}
	return s, nil
}

// Type returns the establishment protocol.
func (s *Secure) Type() Type { return s.typ }

// Role returns which side this context played.
func (s *Secure) Role() Role { return s.role }

// LocalID returns the local session id inbound messages carry.
func (s *Secure) LocalID() uint16 { return s.localID }

// PeerID returns the session id to put on outbound messages.
func (s *Secure) PeerID() uint16 { return s.peerID }

// FabricIndex returns the bound fabric, or 0 for PASE.
func (s *Secure) FabricIndex() fabric.Index { return s.fabricIndex }

// PeerNodeID returns the authenticated peer node, or 0 for PASE.
func (s *Secure) PeerNodeID() fabric.NodeID { return s.peerNodeID }

// LocalNodeID returns our operational node id on the bound fabric.
func (s *Secure) LocalNodeID() fabric.NodeID { return s.localNodeID }

// ResumptionID returns the CASE resumption id.
func (s *Secure) ResumptionID() []byte {
	out := make([]byte, ResumptionIDSize)
	copy(out, s.resumptionID[:])
	return out
}

// SharedSecret returns the CASE shared secret for resumption, nil for
// PASE sessions.
func (s *Secure) SharedSecret() []byte {
	return append([]byte(nil), s.sharedSecret...)
}

// Params returns the peer's session parameters.
func (s *Secure) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SetParams replaces the peer's advertised parameters.
func (s *Secure) SetParams(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p.WithDefaults()
}

// PeerActive reports whether the peer transmitted within its active
// threshold, selecting which MRP interval applies.
func (s *Secure) PeerActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastHeard.IsZero() && time.Since(s.lastHeard) < s.params.ActiveThreshold
}

// Closed reports whether Close ran.
func (s *Secure) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close marks the session unusable.
func (s *Secure) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Encrypt frames and seals one outbound message, returning the wire
// bytes.
func (s *Secure) Encrypt(ph *message.ProtocolHeader, payload []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.lastUsed = time.Now()
	s.mu.Unlock()

	hdr := &message.Header{
		SessionID:      s.peerID,
		MessageCounter: s.counter.Next(),
	}
	aad := hdr.Encode(nil)

	plain := ph.Encode(nil)
	plain = append(plain, payload...)

	// The nonce source node id is zero for PASE (no node identity yet).
	var src uint64
	if s.typ == TypeCASE {
		src = uint64(s.localNodeID)
	}
	nonce := crypto.BuildNonce(hdr.SecurityFlags(), hdr.MessageCounter, src)
	sealed, err := s.sendAEAD.Seal(nonce, plain, aad)
	if err != nil {
		return nil, err
	}
	return append(aad, sealed...), nil
}

// Decrypt authenticates one inbound message given its decoded header
// and raw wire bytes, returning the protocol header and application
// payload.
func (s *Secure) Decrypt(hdr *message.Header, raw []byte, headerLen int) (*message.ProtocolHeader, []byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	s.mu.Unlock()

	var src uint64
	if s.typ == TypeCASE {
		src = uint64(s.peerNodeID)
	}
	if hdr.SourcePresent {
		src = uint64(hdr.SourceNodeID)
	}
	nonce := crypto.BuildNonce(hdr.SecurityFlags(), hdr.MessageCounter, src)
	plain, err := s.recvAEAD.Open(nonce, raw[headerLen:], raw[:headerLen])
	if err != nil {
		return nil, nil, err
	}
	if err := s.replay.Check(hdr.MessageCounter); err != nil {
		return nil, nil, err
	}

	ph, n, err := message.DecodeProtocolHeader(plain)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.lastUsed = time.Now()
	s.lastHeard = time.Now()
	s.mu.Unlock()
	return ph, plain[n:], nil
}
