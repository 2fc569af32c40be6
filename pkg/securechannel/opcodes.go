// Package securechannel implements the Matter Secure Channel protocol
// (Spec 4.11): PASE and CASE session establishment and status
// reporting over unsecured exchanges.
package securechannel

import "github.com/embermesh/matter/pkg/message"

// ProtocolID is the Secure Channel protocol id.
const ProtocolID = message.ProtocolSecureChannel

// Opcode is a Secure Channel message type (Spec Table 18).
type Opcode uint8

const (
	OpcodeMsgCounterSyncReq Opcode = 0x00
	OpcodeMsgCounterSyncRsp Opcode = 0x01

	OpcodeStandaloneAck Opcode = 0x10

	OpcodePBKDFParamRequest  Opcode = 0x20
	OpcodePBKDFParamResponse Opcode = 0x21
	OpcodePake1              Opcode = 0x22
	OpcodePake2              Opcode = 0x23
	OpcodePake3              Opcode = 0x24

	OpcodeSigma1       Opcode = 0x30
	OpcodeSigma2       Opcode = 0x31
	OpcodeSigma3       Opcode = 0x32
	OpcodeSigma2Resume Opcode = 0x33

	OpcodeStatusReport Opcode = 0x40
)

func (o Opcode) String() string {
	switch o {
	case OpcodeMsgCounterSyncReq:
		return "MsgCounterSyncReq"
	case OpcodeMsgCounterSyncRsp:
		return "MsgCounterSyncRsp"
	case OpcodeStandaloneAck:
		return "StandaloneAck"
	case OpcodePBKDFParamRequest:
		return "PBKDFParamRequest"
	case OpcodePBKDFParamResponse:
		return "PBKDFParamResponse"
	case OpcodePake1:
		return "Pake1"
	case OpcodePake2:
		return "Pake2"
	case OpcodePake3:
		return "Pake3"
	case OpcodeSigma1:
		return "Sigma1"
	case OpcodeSigma2:
		return "Sigma2"
	case OpcodeSigma3:
		return "Sigma3"
	case OpcodeSigma2Resume:
		return "Sigma2Resume"
	case OpcodeStatusReport:
		return "StatusReport"
	}
	return "Unknown"
}
