// Package bdx implements the Bulk Data eXchange protocol (Spec
// chapter 11.22 / BDX spec): windowed block transfer over a reliable
// exchange, used for OTA images.
package bdx

import (
	"encoding/binary"
	"errors"

	"github.com/embermesh/matter/pkg/message"
)

// ProtocolID is the BDX protocol id on Matter frames.
const ProtocolID = message.ProtocolBDX

// Opcode is a BDX message type.
type Opcode uint8

const (
	OpcodeSendInit      Opcode = 0x01
	OpcodeSendAccept    Opcode = 0x02
	OpcodeReceiveInit   Opcode = 0x04
	OpcodeReceiveAccept Opcode = 0x05
	OpcodeBlockQuery    Opcode = 0x10
	OpcodeBlock         Opcode = 0x11
	OpcodeBlockEOF      Opcode = 0x12
	OpcodeBlockAck      Opcode = 0x13
	OpcodeBlockAckEOF   Opcode = 0x14
	OpcodeStatusReport  Opcode = 0x40
)

func (o Opcode) String() string {
	switch o {
	case OpcodeSendInit:
		return "SendInit"
	case OpcodeSendAccept:
		return "SendAccept"
	case OpcodeReceiveInit:
		return "ReceiveInit"
	case OpcodeReceiveAccept:
		return "ReceiveAccept"
	case OpcodeBlockQuery:
		return "BlockQuery"
	case OpcodeBlock:
		return "Block"
	case OpcodeBlockEOF:
		return "BlockEOF"
	case OpcodeBlockAck:
		return "BlockAck"
	case OpcodeBlockAckEOF:
		return "BlockAckEOF"
	case OpcodeStatusReport:
		return "StatusReport"
	}
	return "Unknown"
}

// StatusCode is a BdxStatusCode carried in a BDX status report.
type StatusCode uint16

const (
	StatusOverflow               StatusCode = 0x0011
	StatusLengthTooLarge         StatusCode = 0x0012
	StatusLengthTooShort         StatusCode = 0x0013
	StatusLengthMismatch         StatusCode = 0x0014
	StatusLengthRequired         StatusCode = 0x0015
	StatusBadMessageContents     StatusCode = 0x0016
	StatusBadBlockCounter        StatusCode = 0x0017
	StatusUnexpectedMessage      StatusCode = 0x0018
	StatusTransferFailedUnknown  StatusCode = 0x001F
	StatusMethodNotSupported     StatusCode = 0x0050
	StatusFileDesignatorUnknown  StatusCode = 0x0051
	StatusStartOffsetUnsupported StatusCode = 0x0052
	StatusVersionNotSupported    StatusCode = 0x0053
	StatusAborted                StatusCode = 0x005F
)

// DriverMode selects who paces the transfer.
type DriverMode uint8

const (
	SenderDrive DriverMode = iota
	ReceiverDrive
)

func (m DriverMode) String() string {
	if m == ReceiverDrive {
		return "receiver-drive"
	}
	return "sender-drive"
}

// ProtocolVersion is the supported BDX version.
const ProtocolVersion = 1

// Transfer control flags.
const (
	tcVersionMask   = 0x0F
	tcSenderDrive   = 0x10
	tcReceiverDrive = 0x20
	tcAsync         = 0x40
)

// Range control flags.
const (
	rcStartOffset = 0x01
	rcMaxLength   = 0x02
)

// errShort is an internal truncation sentinel.
var errShort = errors.New("bdx: truncated message")

// Init is a SendInit or ReceiveInit message.
type Init struct {
	Version        uint8
	SenderDrive    bool
	ReceiverDrive  bool
	Async          bool
	MaxBlockSize   uint16
	StartOffset    uint64
	MaxLength      uint64
	FileDesignator string
}

// Encode serializes an Init.
func (i *Init) Encode() []byte {
	tc := i.Version & tcVersionMask
	if i.SenderDrive {
		tc |= tcSenderDrive
	}
	if i.ReceiverDrive {
		tc |= tcReceiverDrive
	}
	if i.Async {
		tc |= tcAsync
	}
	var rc byte
	if i.StartOffset > 0 {
		rc |= rcStartOffset
	}
	if i.MaxLength > 0 {
		rc |= rcMaxLength
	}
	out := []byte{tc, rc}
	out = binary.LittleEndian.AppendUint16(out, i.MaxBlockSize)
	if i.StartOffset > 0 {
		out = binary.LittleEndian.AppendUint64(out, i.StartOffset)
	}
	if i.MaxLength > 0 {
		out = binary.LittleEndian.AppendUint64(out, i.MaxLength)
	}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(i.FileDesignator)))
	return append(out, i.FileDesignator...)
}

// DecodeInit parses an Init.
func DecodeInit(data []byte) (*Init, error) {
	if len(data) < 6 {
		return nil, errShort
	}
	i := &Init{
		Version:       data[0] & tcVersionMask,
		SenderDrive:   data[0]&tcSenderDrive != 0,
		ReceiverDrive: data[0]&tcReceiverDrive != 0,
		Async:         data[0]&tcAsync != 0,
	}
	rc := data[1]
	i.MaxBlockSize = binary.LittleEndian.Uint16(data[2:4])
	off := 4
	if rc&rcStartOffset != 0 {
		if len(data) < off+8 {
			return nil, errShort
		}
		i.StartOffset = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	if rc&rcMaxLength != 0 {
		if len(data) < off+8 {
			return nil, errShort
		}
		i.MaxLength = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	if len(data) < off+2 {
		return nil, errShort
	}
	fdLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+fdLen {
		return nil, errShort
	}
	i.FileDesignator = string(data[off : off+fdLen])
	return i, nil
}

// Accept is a SendAccept or ReceiveAccept message.
type Accept struct {
	Version      uint8
	Mode         DriverMode
	MaxBlockSize uint16
	Length       uint64
	HasLength    bool
}

// Encode serializes an Accept.
func (a *Accept) Encode() []byte {
	tc := a.Version & tcVersionMask
	if a.Mode == SenderDrive {
		tc |= tcSenderDrive
	} else {
		tc |= tcReceiverDrive
	}
	var rc byte
	if a.HasLength {
		rc |= rcMaxLength
	}
	out := []byte{tc, rc}
	out = binary.LittleEndian.AppendUint16(out, a.MaxBlockSize)
	if a.HasLength {
		out = binary.LittleEndian.AppendUint64(out, a.Length)
	}
	return out
}

// DecodeAccept parses an Accept.
func DecodeAccept(data []byte) (*Accept, error) {
	if len(data) < 4 {
		return nil, errShort
	}
	a := &Accept{Version: data[0] & tcVersionMask}
	if data[0]&tcReceiverDrive != 0 {
		a.Mode = ReceiverDrive
	}
	a.MaxBlockSize = binary.LittleEndian.Uint16(data[2:4])
	if data[1]&rcMaxLength != 0 {
		if len(data) < 12 {
			return nil, errShort
		}
		a.Length = binary.LittleEndian.Uint64(data[4:12])
		a.HasLength = true
	}
	return a, nil
}

// EncodeBlock serializes a Block/BlockEOF payload.
func EncodeBlock(counter uint32, data []byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, counter)
	return append(out, data...)
}

// DecodeBlock parses a Block payload into counter and data.
func DecodeBlock(payload []byte) (uint32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, errShort
	}
	return binary.LittleEndian.Uint32(payload), payload[4:], nil
}

// EncodeCounter serializes a BlockQuery/BlockAck/BlockAckEOF payload.
func EncodeCounter(counter uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, counter)
}

// DecodeCounter parses a counter-only payload.
func DecodeCounter(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errShort
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// EncodeStatus serializes a BDX status report (general code failure,
// BDX protocol, the given status).
func EncodeStatus(code StatusCode) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint16(out[0:], 1) // general failure
	binary.LittleEndian.PutUint32(out[2:], uint32(ProtocolID))
	binary.LittleEndian.PutUint16(out[6:], uint16(code))
	return out
}

// DecodeStatus parses a BDX status report payload.
func DecodeStatus(payload []byte) (StatusCode, error) {
	if len(payload) < 8 {
		return 0, errShort
	}
	return StatusCode(binary.LittleEndian.Uint16(payload[6:])), nil
}
