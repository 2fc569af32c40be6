package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// AEAD parameters from Spec 3.6: AES-128-CCM with a 13-byte nonce and a
// 16-byte MIC, which fixes the CCM length field at 2 bytes.
const (
	AEADNonceSize = 13
	AEADTagSize   = 16

	ccmLenSize = 2
	blockSize  = 16
)

var (
	ErrAEADKeySize   = errors.New("crypto: aead key must be 16 bytes")
	ErrAEADNonceSize = errors.New("crypto: aead nonce must be 13 bytes")
	ErrAEADTooLong   = errors.New("crypto: aead plaintext too long")
	ErrAEADTooShort  = errors.New("crypto: aead ciphertext shorter than tag")
	ErrAEADAuth      = errors.New("crypto: aead authentication failed")
)

// AEAD is an AES-128-CCM cipher with Matter parameters
// (Crypto_AEAD_GenerateEncrypt / Crypto_AEAD_DecryptVerify).
type AEAD struct {
	block cipher.Block
}

// NewAEAD returns an AEAD for the given 128-bit key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrAEADKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{block: block}, nil
}

// Seal encrypts and authenticates plaintext with associated data aad,
// returning ciphertext || tag.
func (a *AEAD) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrAEADNonceSize
	}
	if len(plaintext) >= 1<<(8*ccmLenSize) {
		return nil, ErrAEADTooLong
	}

	tag := a.cbcMAC(nonce, plaintext, aad)

	out := make([]byte, len(plaintext)+AEADTagSize)
	a.ctr(nonce, 1, plaintext, out)

	// Tag is masked with the first keystream block S0.
	var s0 [blockSize]byte
	a.ctr(nonce, 0, tag, s0[:])
	copy(out[len(plaintext):], s0[:])
	return out, nil
}

// Open verifies and decrypts ciphertext || tag produced by Seal.
func (a *AEAD) Open(nonce, sealed, aad []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrAEADNonceSize
	}
	if len(sealed) < AEADTagSize {
		return nil, ErrAEADTooShort
	}
	ct := sealed[:len(sealed)-AEADTagSize]
	gotTag := sealed[len(sealed)-AEADTagSize:]

	plaintext := make([]byte, len(ct))
	a.ctr(nonce, 1, ct, plaintext)

	wantTag := a.cbcMAC(nonce, plaintext, aad)
	var masked [blockSize]byte
	a.ctr(nonce, 0, wantTag, masked[:])

	if subtle.ConstantTimeCompare(masked[:], gotTag) != 1 {
		return nil, ErrAEADAuth
	}
	return plaintext, nil
}

// cbcMAC computes the unmasked CCM tag over B0, the AAD blocks and the
// padded payload (NIST 800-38C section 6.1).
func (a *AEAD) cbcMAC(nonce, plaintext, aad []byte) []byte {
	var x [blockSize]byte

	// B0: flags || nonce || message length.
	b0 := x
	b0[0] = byte(ccmLenSize - 1)
	b0[0] |= byte((AEADTagSize - 2) / 2 << 3)
	if len(aad) > 0 {
		b0[0] |= 0x40
	}
	copy(b0[1:1+AEADNonceSize], nonce)
	binary.BigEndian.PutUint16(b0[blockSize-ccmLenSize:], uint16(len(plaintext)))
	a.block.Encrypt(x[:], b0[:])

	if len(aad) > 0 {
		// Short-form AAD length prefix; Matter headers never reach the
		// 0xFEFF threshold.
		var pre [2]byte
		binary.BigEndian.PutUint16(pre[:], uint16(len(aad)))
		a.macChain(&x, append(pre[:], aad...))
	}
	a.macChain(&x, plaintext)

	tag := make([]byte, AEADTagSize)
	copy(tag, x[:])
	return tag
}

// macChain absorbs data into the CBC-MAC state, zero-padding the last
// block.
func (a *AEAD) macChain(x *[blockSize]byte, data []byte) {
	for len(data) > 0 {
		n := len(data)
		if n > blockSize {
			n = blockSize
		}
		for i := 0; i < n; i++ {
			x[i] ^= data[i]
		}
		a.block.Encrypt(x[:], x[:])
		data = data[n:]
	}
}

// ctr applies CCM counter-mode keystream starting at the given counter.
func (a *AEAD) ctr(nonce []byte, counter uint16, in, out []byte) {
	var ablock, ks [blockSize]byte
	ablock[0] = byte(ccmLenSize - 1)
	copy(ablock[1:1+AEADNonceSize], nonce)
	for off := 0; off < len(in); off += blockSize {
		binary.BigEndian.PutUint16(ablock[blockSize-ccmLenSize:], counter)
		a.block.Encrypt(ks[:], ablock[:])
		n := len(in) - off
		if n > blockSize {
			n = blockSize
		}
		for i := 0; i < n; i++ {
			out[off+i] = in[off+i] ^ ks[i]
		}
		counter++
	}
}
