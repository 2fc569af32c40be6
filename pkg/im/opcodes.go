// Package im implements the Matter Interaction Model (Spec chapter 8):
// read, subscribe, write, invoke and timed interactions, report
// chunking and data-version filtering, plus the client side used by
// controllers.
package im

import "github.com/embermesh/matter/pkg/message"

// ProtocolID is the Interaction Model protocol id.
const ProtocolID = message.ProtocolInteractionModel

// Opcode is an Interaction Model message type (Spec 10.2.1).
type Opcode uint8

const (
	OpcodeStatusResponse    Opcode = 0x01
	OpcodeReadRequest       Opcode = 0x02
	OpcodeSubscribeRequest  Opcode = 0x03
	OpcodeSubscribeResponse Opcode = 0x04
	OpcodeReportData        Opcode = 0x05
	OpcodeWriteRequest      Opcode = 0x06
	OpcodeWriteResponse     Opcode = 0x07
	OpcodeInvokeRequest     Opcode = 0x08
	OpcodeInvokeResponse    Opcode = 0x09
	OpcodeTimedRequest      Opcode = 0x0A
)

func (o Opcode) String() string {
	switch o {
	case OpcodeStatusResponse:
		return "StatusResponse"
	case OpcodeReadRequest:
		return "ReadRequest"
	case OpcodeSubscribeRequest:
		return "SubscribeRequest"
	case OpcodeSubscribeResponse:
		return "SubscribeResponse"
	case OpcodeReportData:
		return "ReportData"
	case OpcodeWriteRequest:
		return "WriteRequest"
	case OpcodeWriteResponse:
		return "WriteResponse"
	case OpcodeInvokeRequest:
		return "InvokeRequest"
	case OpcodeInvokeResponse:
		return "InvokeResponse"
	case OpcodeTimedRequest:
		return "TimedRequest"
	}
	return "Unknown"
}
