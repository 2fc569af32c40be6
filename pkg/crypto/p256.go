package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
)

// P-256 sizes from Spec 3.5.
const (
	P256PointSize     = 65 // uncompressed 0x04 || X || Y
	P256ScalarSize    = 32
	P256SignatureSize = 64 // raw r || s
)

var (
	ErrP256BadPoint     = errors.New("crypto: invalid P-256 public key")
	ErrP256BadSignature = errors.New("crypto: invalid P-256 signature")
)

// Keypair is a P-256 operational keypair (Crypto_Sign / Crypto_ECDH).
type Keypair struct {
	priv *ecdsa.PrivateKey
}

// GenerateKeypair creates a fresh random P-256 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromScalar restores a keypair from a raw 32-byte private scalar.
func KeypairFromScalar(scalar []byte) (*Keypair, error) {
	if len(scalar) != P256ScalarSize {
		return nil, ErrP256BadPoint
	}
	d := new(big.Int).SetBytes(scalar)
	curve := elliptic.P256()
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, ErrP256BadPoint
	}
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return &Keypair{priv: priv}, nil
}

// PublicKey returns the uncompressed 65-byte public point.
func (k *Keypair) PublicKey() []byte {
	out := make([]byte, P256PointSize)
	out[0] = 0x04
	k.priv.X.FillBytes(out[1:33])
	k.priv.Y.FillBytes(out[33:65])
	return out
}

// PrivateScalar returns the raw 32-byte private scalar.
func (k *Keypair) PrivateScalar() []byte {
	out := make([]byte, P256ScalarSize)
	k.priv.D.FillBytes(out)
	return out
}

// Sign produces a raw r||s ECDSA-SHA256 signature over msg.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, P256SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// ECDH computes the shared secret with an uncompressed peer point,
// returning the X coordinate (Spec 3.5.3).
func (k *Keypair) ECDH(peerPublic []byte) ([]byte, error) {
	x, y, err := decodeP256Point(peerPublic)
	if err != nil {
		return nil, err
	}
	sx, _ := k.priv.Curve.ScalarMult(x, y, k.priv.D.Bytes())
	out := make([]byte, P256ScalarSize)
	sx.FillBytes(out)
	return out, nil
}

// Verify checks a raw r||s signature over msg with an uncompressed
// 65-byte public point.
func Verify(publicKey, msg, sig []byte) error {
	if len(sig) != P256SignatureSize {
		return ErrP256BadSignature
	}
	x, y, err := decodeP256Point(publicKey)
	if err != nil {
		return err
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrP256BadSignature
	}
	return nil
}

func decodeP256Point(data []byte) (*big.Int, *big.Int, error) {
	if len(data) != P256PointSize || data[0] != 0x04 {
		return nil, nil, ErrP256BadPoint
	}
	x := new(big.Int).SetBytes(data[1:33])
	y := new(big.Int).SetBytes(data[33:65])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, nil, ErrP256BadPoint
	}
	return x, y, nil
}
