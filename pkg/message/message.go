// Package message implements the Matter message framing layer:
// packet and payload headers (Spec 4.4) and message counters.
package message

// NodeID is a 64-bit Matter node identifier.
type NodeID uint64

// GroupID is a 16-bit Matter group identifier.
type GroupID uint16

// ProtocolID identifies the protocol a payload belongs to (Spec 4.4.3.3).
type ProtocolID uint16

// Protocol ids carried on Matter frames.
const (
	ProtocolSecureChannel    ProtocolID = 0x0000
	ProtocolInteractionModel ProtocolID = 0x0001
	ProtocolBDX              ProtocolID = 0x0003
	ProtocolUserDirected     ProtocolID = 0x0004
)

// SessionType distinguishes unicast and group sessions (security flags
// bits 0-1).
type SessionType uint8

const (
	SessionTypeUnicast SessionType = 0
	SessionTypeGroup   SessionType = 1
)

// DestinationKind describes the DSIZ field of the message flags.
type DestinationKind uint8

const (
	DestinationNone  DestinationKind = 0
	DestinationNode  DestinationKind = 1
	DestinationGroup DestinationKind = 2
)

func (d DestinationKind) size() int {
	switch d {
	case DestinationNode:
		return 8
	case DestinationGroup:
		return 2
	}
	return 0
}

// Wire sizes.
const (
	minHeaderSize  = 8 // flags + session id + security flags + counter
	nodeIDSize     = 8
	minPayloadSize = 6 // exchange flags + opcode + exchange id + protocol id

	// DefaultMaxPayload is the conservative UDP payload budget
	// (Spec 4.4.4: 1280-byte IPv6 MTU minus headers).
	DefaultMaxPayload = 1209
)

// Message flag bits (Spec 4.4.1.1).
const (
	flagVersionShift  = 4
	flagSourcePresent = 0x04
	flagDSIZMask      = 0x03
)

// Security flag bits (Spec 4.4.1.3).
const (
	secFlagPrivacy     = 0x80
	secFlagControl     = 0x40
	secFlagExtensions  = 0x20
	secFlagSessionMask = 0x03
)

// Exchange flag bits of the payload header (Spec 4.4.3.1).
const (
	exFlagInitiator   = 0x01
	exFlagAck         = 0x02
	exFlagReliability = 0x04
	exFlagSecuredExt  = 0x08
	exFlagVendor      = 0x10
)
