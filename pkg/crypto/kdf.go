// Package crypto provides the Matter crypto primitives (Spec chapter 3):
// SHA-256 hashing, HKDF/PBKDF2 key derivation, AES-128-CCM AEAD and
// P-256 operational keys.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Symmetric sizes mandated by Spec 3.6.
const (
	SymmetricKeySize = 16
	HashSize         = 32
)

// PBKDF2 iteration bounds from Spec 3.9.
const (
	PBKDF2IterationsMin = 1000
	PBKDF2IterationsMax = 100000
)

// Hash returns SHA-256 of data (Crypto_Hash).
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HMAC returns HMAC-SHA256 of data under key (Crypto_HMAC).
func HMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// HMACVerify checks mac against HMAC(key, data) in constant time.
func HMACVerify(key, data, mac []byte) bool {
	return hmac.Equal(HMAC(key, data), mac)
}

// KDF derives length bytes with HKDF-SHA256 (Crypto_KDF, RFC 5869).
func KDF(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// PBKDF derives keyLen bytes from a password with PBKDF2-HMAC-SHA256
// (Crypto_PBKDF, NIST 800-132).
func PBKDF(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}
