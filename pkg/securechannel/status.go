package securechannel

import (
	"encoding/binary"

	"github.com/embermesh/matter/pkg/message"
)

// GeneralCode is the protocol-independent status class (Spec 4.11.4).
type GeneralCode uint16

const (
	GeneralSuccess        GeneralCode = 0
	GeneralFailure        GeneralCode = 1
	GeneralBadPrecondition GeneralCode = 2
	GeneralBusy           GeneralCode = 4
)

// ProtocolCode values for the Secure Channel protocol.
const (
	StatusSessionEstablished uint16 = 0x0000
	StatusNoSharedTrustRoots uint16 = 0x0001
	StatusInvalidParameter   uint16 = 0x0002
	StatusCloseSession       uint16 = 0x0003
	StatusBusy               uint16 = 0x0004
)

// StatusReport is the fixed-layout Secure Channel status message.
type StatusReport struct {
	General      GeneralCode
	ProtocolID   message.ProtocolID
	ProtocolCode uint16
}

// Encode serializes the report: u16 general, u32 protocol id, u16
// protocol code, all little-endian.
func (s *StatusReport) Encode() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint16(out[0:], uint16(s.General))
	binary.LittleEndian.PutUint32(out[2:], uint32(s.ProtocolID))
	binary.LittleEndian.PutUint16(out[6:], s.ProtocolCode)
	return out
}

// DecodeStatusReport parses a status report payload.
func DecodeStatusReport(data []byte) (*StatusReport, error) {
	if len(data) < 8 {
		return nil, ErrMalformedMessage
	}
	return &StatusReport{
		General:      GeneralCode(binary.LittleEndian.Uint16(data[0:])),
		ProtocolID:   message.ProtocolID(binary.LittleEndian.Uint32(data[2:])),
		ProtocolCode: binary.LittleEndian.Uint16(data[6:]),
	}, nil
}

// IsSuccess reports session-establishment success.
func (s *StatusReport) IsSuccess() bool {
	return s.General == GeneralSuccess && s.ProtocolCode == StatusSessionEstablished
}

func successReport() []byte {
	return (&StatusReport{ProtocolID: ProtocolID, ProtocolCode: StatusSessionEstablished}).Encode()
}

func failureReport(code uint16) []byte {
	return (&StatusReport{General: GeneralFailure, ProtocolID: ProtocolID, ProtocolCode: code}).Encode()
}
