// Package spake2p implements the SPAKE2+ password-authenticated key
// exchange (RFC 9383) with the P256-SHA256-HKDF-HMAC ciphersuite
// required by Matter Spec 3.10.
//
// The commissioner acts as Prover (it knows the passcode); the
// commissionee acts as Verifier (it stores the w0/L registration
// record produced at commissioning-window open).
package spake2p

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/embermesh/matter/pkg/crypto"
)

const (
	scalarSize = 32
	pointSize  = 65

	// wsSize is the per-secret PBKDF2 output width; the 8 extra bytes
	// reduce mod-n bias (Spec 3.10.3).
	wsSize = 40
)

var (
	ErrBadRecord       = errors.New("spake2p: malformed w0/w1/L input")
	ErrBadShare        = errors.New("spake2p: peer share is not a valid curve point")
	ErrBadConfirmation = errors.New("spake2p: key confirmation failed")
	ErrState           = errors.New("spake2p: operation out of order")
)

var curve = elliptic.P256()

// M and N are the protocol generator points for P-256 (RFC 9383 §4),
// stored uncompressed.
var (
	mBytes = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	nBytes = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}
	pointM = mustPoint(mBytes)
	pointN = mustPoint(nBytes)
)

// Record is the verifier-side registration record: w0 and L = w1*P.
type Record struct {
	W0 []byte // 32-byte scalar
	L  []byte // 65-byte uncompressed point
}

// DeriveSecrets computes w0 and w1 from a passcode, per Spec 3.10.3:
// PBKDF2 over the little-endian passcode yields w0s || w1s, each
// reduced mod the group order.
func DeriveSecrets(passcode uint32, salt []byte, iterations uint32) (w0, w1 []byte) {
	var pw [4]byte
	binary.LittleEndian.PutUint32(pw[:], passcode)
	ws := crypto.PBKDF(pw[:], salt, int(iterations), 2*wsSize)
	n := curve.Params().N
	w0 = make([]byte, scalarSize)
	w1 = make([]byte, scalarSize)
	new(big.Int).Mod(new(big.Int).SetBytes(ws[:wsSize]), n).FillBytes(w0)
	new(big.Int).Mod(new(big.Int).SetBytes(ws[wsSize:]), n).FillBytes(w1)
	return w0, w1
}

// GenerateRecord derives the verifier registration record for a
// passcode. The device computes this when a commissioning window
// opens; only w0 and L are retained.
func GenerateRecord(passcode uint32, salt []byte, iterations uint32) (*Record, error) {
	w0, w1 := DeriveSecrets(passcode, salt, iterations)
	lx, ly := curve.ScalarBaseMult(w1)
	return &Record{W0: w0, L: encodePoint(lx, ly)}, nil
}

// engine holds the state common to both roles.
type engine struct {
	context []byte
	w0      *big.Int

	random    *big.Int
	myShare   []byte
	peerShare []byte

	ke, kcA, kcB []byte
	rand         io.Reader
}

// Prover is the passcode-holding side (commissioner).
type Prover struct {
	engine
	w1 *big.Int
}

// Verifier is the record-holding side (commissionee).
type Verifier struct {
	engine
	lx, ly *big.Int
}

// NewProver creates the prover side. context binds the PBKDF parameter
// hash; w0 and w1 come from DeriveSecrets.
func NewProver(context, w0, w1 []byte) (*Prover, error) {
	if len(w0) != scalarSize || len(w1) != scalarSize {
		return nil, ErrBadRecord
	}
	return &Prover{
		engine: engine{
			context: append([]byte(nil), context...),
			w0:      new(big.Int).SetBytes(w0),
			rand:    rand.Reader,
		},
		w1: new(big.Int).SetBytes(w1),
	}, nil
}

// NewVerifier creates the verifier side from a registration record.
func NewVerifier(context []byte, rec *Record) (*Verifier, error) {
	if rec == nil || len(rec.W0) != scalarSize {
		return nil, ErrBadRecord
	}
	lx, ly, err := decodePoint(rec.L)
	if err != nil {
		return nil, ErrBadRecord
	}
	return &Verifier{
		engine: engine{
			context: append([]byte(nil), context...),
			w0:      new(big.Int).SetBytes(rec.W0),
			rand:    rand.Reader,
		},
		lx: lx,
		ly: ly,
	}, nil
}

// Share computes the prover share X = x*P + w0*M.
func (p *Prover) Share() ([]byte, error) {
	return p.share(pointM)
}

// Share computes the verifier share Y = y*P + w0*N.
func (v *Verifier) Share() ([]byte, error) {
	return v.share(pointN)
}

func (e *engine) share(gen *ecPoint) ([]byte, error) {
	if e.myShare != nil {
		return nil, ErrState
	}
	k, err := randomScalar(e.rand)
	if err != nil {
		return nil, err
	}
	e.random = k
	bx, by := curve.ScalarBaseMult(k.Bytes())
	gx, gy := curve.ScalarMult(gen.x, gen.y, e.w0.Bytes())
	sx, sy := curve.Add(bx, by, gx, gy)
	e.myShare = encodePoint(sx, sy)
	return e.myShare, nil
}

// Complete consumes the verifier share Y and derives the session keys.
// Z = x*(Y - w0*N), V = w1*(Y - w0*N).
func (p *Prover) Complete(peerShare []byte) error {
	if p.myShare == nil || p.peerShare != nil {
		return ErrState
	}
	yx, yy, err := decodePoint(peerShare)
	if err != nil {
		return err
	}
	bx, by := subW0(yx, yy, pointN, p.w0)
	zx, zy := curve.ScalarMult(bx, by, p.random.Bytes())
	vx, vy := curve.ScalarMult(bx, by, p.w1.Bytes())
	p.peerShare = append([]byte(nil), peerShare...)
	p.deriveKeys(p.myShare, p.peerShare, encodePoint(zx, zy), encodePoint(vx, vy))
	return nil
}

// Complete consumes the prover share X and derives the session keys.
// Z = y*(X - w0*M), V = y*L.
func (v *Verifier) Complete(peerShare []byte) error {
	if v.myShare == nil || v.peerShare != nil {
		return ErrState
	}
	xx, xy, err := decodePoint(peerShare)
	if err != nil {
		return err
	}
	bx, by := subW0(xx, xy, pointM, v.w0)
	zx, zy := curve.ScalarMult(bx, by, v.random.Bytes())
	vx, vy := curve.ScalarMult(v.lx, v.ly, v.random.Bytes())
	v.peerShare = append([]byte(nil), peerShare...)
	v.deriveKeys(v.peerShare, v.myShare, encodePoint(zx, zy), encodePoint(vx, vy))
	return nil
}

// deriveKeys hashes the protocol transcript into Ka/Ke and expands the
// confirmation keys. x and y are the prover and verifier shares.
func (e *engine) deriveKeys(x, y, z, v []byte) {
	w0 := make([]byte, scalarSize)
	e.w0.FillBytes(w0)

	var tt []byte
	for _, part := range [][]byte{e.context, nil, nil, mBytes, nBytes, x, y, z, v, w0} {
		tt = binary.LittleEndian.AppendUint64(tt, uint64(len(part)))
		tt = append(tt, part...)
	}
	kae := sha256.Sum256(tt)
	ka := kae[:16]
	e.ke = append([]byte(nil), kae[16:]...)

	kc, _ := crypto.KDF(ka, nil, []byte("ConfirmationKeys"), 32)
	e.kcA = kc[:16]
	e.kcB = kc[16:]
}

// Confirmation returns this side's confirmation MAC over the peer's
// share (cA = MAC(KcA, Y); cB = MAC(KcB, X)).
func (p *Prover) Confirmation() ([]byte, error) {
	if p.ke == nil {
		return nil, ErrState
	}
	return crypto.HMAC(p.kcA, p.peerShare), nil
}

func (v *Verifier) Confirmation() ([]byte, error) {
	if v.ke == nil {
		return nil, ErrState
	}
	return crypto.HMAC(v.kcB, v.peerShare), nil
}

// VerifyConfirmation checks the peer's confirmation MAC.
func (p *Prover) VerifyConfirmation(mac []byte) error {
	if p.ke == nil {
		return ErrState
	}
	if !hmac.Equal(crypto.HMAC(p.kcB, p.myShare), mac) {
		return ErrBadConfirmation
	}
	return nil
}

func (v *Verifier) VerifyConfirmation(mac []byte) error {
	if v.ke == nil {
		return ErrState
	}
	if !hmac.Equal(crypto.HMAC(v.kcA, v.myShare), mac) {
		return ErrBadConfirmation
	}
	return nil
}

// SessionSecret returns the shared secret Ke.
func (e *engine) SessionSecret() []byte {
	return append([]byte(nil), e.ke...)
}

// setRandom overrides the entropy source; tests only.
func (e *engine) setRandom(r io.Reader) { e.rand = r }

type ecPoint struct{ x, y *big.Int }

func mustPoint(data []byte) *ecPoint {
	x, y, err := decodePoint(data)
	if err != nil {
		panic(err)
	}
	return &ecPoint{x: x, y: y}
}

func decodePoint(data []byte) (*big.Int, *big.Int, error) {
	if len(data) != pointSize || data[0] != 0x04 {
		return nil, nil, ErrBadShare
	}
	x := new(big.Int).SetBytes(data[1:33])
	y := new(big.Int).SetBytes(data[33:65])
	if !curve.IsOnCurve(x, y) {
		return nil, nil, ErrBadShare
	}
	return x, y, nil
}

func encodePoint(x, y *big.Int) []byte {
	out := make([]byte, pointSize)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:65])
	return out
}

// subW0 computes P - w0*G for generator G.
func subW0(px, py *big.Int, gen *ecPoint, w0 *big.Int) (*big.Int, *big.Int) {
	gx, gy := curve.ScalarMult(gen.x, gen.y, w0.Bytes())
	negY := new(big.Int).Neg(gy)
	negY.Mod(negY, curve.Params().P)
	return curve.Add(px, py, gx, negY)
}

func randomScalar(r io.Reader) (*big.Int, error) {
	n := curve.Params().N
	buf := make([]byte, scalarSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}
