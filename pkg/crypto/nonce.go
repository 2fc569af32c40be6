package crypto

import "encoding/binary"

// BuildNonce assembles the 13-byte AEAD nonce from Spec 4.9.1.2:
// security flags octet, 32-bit message counter and 64-bit source node
// id, all little-endian.
func BuildNonce(securityFlags byte, messageCounter uint32, sourceNodeID uint64) []byte {
	nonce := make([]byte, AEADNonceSize)
	nonce[0] = securityFlags
	binary.LittleEndian.PutUint32(nonce[1:5], messageCounter)
	binary.LittleEndian.PutUint64(nonce[5:13], sourceNodeID)
	return nonce
}
