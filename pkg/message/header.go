package message

import "encoding/binary"

// Header is the unencrypted Matter packet header (Spec 4.4.1). All
// multi-byte fields are little-endian on the wire. The encoded header
// doubles as the AAD for payload encryption.
type Header struct {
	SessionID      uint16
	MessageCounter uint32
	SessionType    SessionType

	SourcePresent bool
	SourceNodeID  NodeID

	Destination DestinationKind
	DestNodeID  NodeID
	DestGroupID GroupID

	Privacy    bool
	Control    bool
	Extensions bool
}

// Size returns the encoded header length.
func (h *Header) Size() int {
	n := minHeaderSize
	if h.SourcePresent {
		n += nodeIDSize
	}
	return n + h.Destination.size()
}

// SecurityFlags returns the security flags octet, which also feeds the
// AEAD nonce.
func (h *Header) SecurityFlags() byte {
	var f byte
	if h.Privacy {
		f |= secFlagPrivacy
	}
	if h.Control {
		f |= secFlagControl
	}
	if h.Extensions {
		f |= secFlagExtensions
	}
	return f | byte(h.SessionType)&secFlagSessionMask
}

// Encode appends the wire form of h to dst and returns the result.
func (h *Header) Encode(dst []byte) []byte {
	flags := byte(h.Destination) & flagDSIZMask
	if h.SourcePresent {
		flags |= flagSourcePresent
	}
	dst = append(dst, flags)
	dst = binary.LittleEndian.AppendUint16(dst, h.SessionID)
	dst = append(dst, h.SecurityFlags())
	dst = binary.LittleEndian.AppendUint32(dst, h.MessageCounter)
	if h.SourcePresent {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(h.SourceNodeID))
	}
	switch h.Destination {
	case DestinationNode:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(h.DestNodeID))
	case DestinationGroup:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(h.DestGroupID))
	}
	return dst
}

// DecodeHeader parses a packet header, returning it and the number of
// bytes consumed.
func DecodeHeader(data []byte) (*Header, int, error) {
	if len(data) < minHeaderSize {
		return nil, 0, ErrShortHeader
	}
	flags := data[0]
	if flags>>flagVersionShift != 0 {
		return nil, 0, ErrBadVersion
	}
	h := &Header{
		SessionID:     binary.LittleEndian.Uint16(data[1:3]),
		SourcePresent: flags&flagSourcePresent != 0,
		Destination:   DestinationKind(flags & flagDSIZMask),
	}
	if h.Destination > DestinationGroup {
		return nil, 0, ErrBadDestination
	}
	sec := data[3]
	h.Privacy = sec&secFlagPrivacy != 0
	h.Control = sec&secFlagControl != 0
	h.Extensions = sec&secFlagExtensions != 0
	h.SessionType = SessionType(sec & secFlagSessionMask)
	h.MessageCounter = binary.LittleEndian.Uint32(data[4:8])

	off := minHeaderSize
	if h.SourcePresent {
		if len(data) < off+nodeIDSize {
			return nil, 0, ErrShortHeader
		}
		h.SourceNodeID = NodeID(binary.LittleEndian.Uint64(data[off:]))
		off += nodeIDSize
	}
	switch h.Destination {
	case DestinationNode:
		if len(data) < off+nodeIDSize {
			return nil, 0, ErrShortHeader
		}
		h.DestNodeID = NodeID(binary.LittleEndian.Uint64(data[off:]))
		off += nodeIDSize
	case DestinationGroup:
		if len(data) < off+2 {
			return nil, 0, ErrShortHeader
		}
		h.DestGroupID = GroupID(binary.LittleEndian.Uint16(data[off:]))
		off += 2
	}
	return h, off, nil
}

// ProtocolHeader is the payload (protocol) header carried inside the
// encrypted portion of a message (Spec 4.4.3).
type ProtocolHeader struct {
	ExchangeID uint16
	ProtocolID ProtocolID
	VendorID   uint16
	Opcode     uint8

	Initiator    bool
	NeedsAck     bool
	AckPresent   bool
	AckCounter   uint32
	SecuredExt   bool
}

// Size returns the encoded payload header length.
func (p *ProtocolHeader) Size() int {
	n := minPayloadSize
	if p.VendorID != 0 {
		n += 2
	}
	if p.AckPresent {
		n += 4
	}
	return n
}

// Encode appends the wire form of p to dst and returns the result.
func (p *ProtocolHeader) Encode(dst []byte) []byte {
	var flags byte
	if p.Initiator {
		flags |= exFlagInitiator
	}
	if p.AckPresent {
		flags |= exFlagAck
	}
	if p.NeedsAck {
		flags |= exFlagReliability
	}
	if p.SecuredExt {
		flags |= exFlagSecuredExt
	}
	if p.VendorID != 0 {
		flags |= exFlagVendor
	}
	dst = append(dst, flags, p.Opcode)
	dst = binary.LittleEndian.AppendUint16(dst, p.ExchangeID)
	if p.VendorID != 0 {
		dst = binary.LittleEndian.AppendUint16(dst, p.VendorID)
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.ProtocolID))
	if p.AckPresent {
		dst = binary.LittleEndian.AppendUint32(dst, p.AckCounter)
	}
	return dst
}

// DecodeProtocolHeader parses a payload header, returning it and the
// number of bytes consumed.
func DecodeProtocolHeader(data []byte) (*ProtocolHeader, int, error) {
	if len(data) < minPayloadSize {
		return nil, 0, ErrShortHeader
	}
	flags := data[0]
	p := &ProtocolHeader{
		Opcode:     data[1],
		ExchangeID: binary.LittleEndian.Uint16(data[2:4]),
		Initiator:  flags&exFlagInitiator != 0,
		AckPresent: flags&exFlagAck != 0,
		NeedsAck:   flags&exFlagReliability != 0,
		SecuredExt: flags&exFlagSecuredExt != 0,
	}
	off := 4
	if flags&exFlagVendor != 0 {
		if len(data) < off+4 {
			return nil, 0, ErrShortHeader
		}
		p.VendorID = binary.LittleEndian.Uint16(data[off:])
		off += 2
	}
	if len(data) < off+2 {
		return nil, 0, ErrShortHeader
	}
	p.ProtocolID = ProtocolID(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if p.AckPresent {
		if len(data) < off+4 {
			return nil, 0, ErrShortHeader
		}
		p.AckCounter = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return p, off, nil
}
