// Package credentials implements the Matter operational certificate
// encoding (Spec 6.5): TLV-encoded certificates carrying P-256 keys,
// chained RCAC → (optional ICAC) → NOC.
package credentials

import (
	"bytes"
	"errors"
	"time"

	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/tlv"
)

var (
	ErrMalformed    = errors.New("credentials: malformed certificate")
	ErrBadSignature = errors.New("credentials: signature verification failed")
	ErrWrongSubject = errors.New("credentials: unexpected certificate subject")
	ErrChainBroken  = errors.New("credentials: chain does not verify to root")
)

// CertType distinguishes the three operational certificate kinds.
type CertType uint8

const (
	TypeRoot CertType = iota // RCAC
	TypeICA                  // ICAC
	TypeNode                 // NOC
)

// Certificate is a Matter operational certificate. NodeID and FabricID
// are set for NOCs, SubjectCAID for RCAC/ICAC rows.
type Certificate struct {
	Type         CertType
	SerialNumber uint64
	IssuerCAID   uint64
	SubjectCAID  uint64
	NodeID       fabric.NodeID
	FabricID     fabric.ID
	NotBefore    uint32 // Matter epoch seconds
	NotAfter     uint32 // 0 = no expiry
	PublicKey    []byte // uncompressed P-256 point
	Signature    []byte // raw r||s over the TBS encoding
}

// Certificate TLV context tags (Spec 6.5.2).
const (
	tagSerial      = 1
	tagType        = 2
	tagIssuerCA    = 3
	tagNotBefore   = 4
	tagNotAfter    = 5
	tagSubjectCA   = 6
	tagNodeID      = 7
	tagFabricID    = 8
	tagPublicKey   = 9
	tagSignature   = 11
)

// encodeTBS writes the to-be-signed portion.
func (c *Certificate) encodeTBS(w *tlv.Writer) error {
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(tagSerial), c.SerialNumber)
	w.PutUint(tlv.ContextTag(tagType), uint64(c.Type))
	w.PutUint(tlv.ContextTag(tagIssuerCA), c.IssuerCAID)
	w.PutUint(tlv.ContextTag(tagNotBefore), uint64(c.NotBefore))
	w.PutUint(tlv.ContextTag(tagNotAfter), uint64(c.NotAfter))
	if c.Type == TypeNode {
		w.PutUint(tlv.ContextTag(tagNodeID), uint64(c.NodeID))
		w.PutUint(tlv.ContextTag(tagFabricID), uint64(c.FabricID))
	} else {
		w.PutUint(tlv.ContextTag(tagSubjectCA), c.SubjectCAID)
	}
	w.PutBytes(tlv.ContextTag(tagPublicKey), c.PublicKey)
	return nil
}

// tbsBytes returns the signed portion of the encoding.
func (c *Certificate) tbsBytes() ([]byte, error) {
	w := tlv.NewWriter()
	if err := c.encodeTBS(w); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return append([]byte(nil), w.Bytes()...), nil
}

// Encode serializes the full certificate.
func (c *Certificate) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := c.encodeTBS(w); err != nil {
		return nil, err
	}
	w.PutBytes(tlv.ContextTag(tagSignature), c.Signature)
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return append([]byte(nil), w.Bytes()...), nil
}

// Decode parses a certificate written by Encode.
func Decode(data []byte) (*Certificate, error) {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, ErrMalformed
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrMalformed
	}
	c := &Certificate{}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, ErrMalformed
		}
		switch r.Tag().Number() {
		case tagSerial:
			c.SerialNumber, _ = r.Uint()
		case tagType:
			v, _ := r.Uint()
			c.Type = CertType(v)
		case tagIssuerCA:
			c.IssuerCAID, _ = r.Uint()
		case tagNotBefore:
			v, _ := r.Uint()
			c.NotBefore = uint32(v)
		case tagNotAfter:
			v, _ := r.Uint()
			c.NotAfter = uint32(v)
		case tagSubjectCA:
			c.SubjectCAID, _ = r.Uint()
		case tagNodeID:
			v, _ := r.Uint()
			c.NodeID = fabric.NodeID(v)
		case tagFabricID:
			v, _ := r.Uint()
			c.FabricID = fabric.ID(v)
		case tagPublicKey:
			b, err := r.Bytes()
			if err != nil {
				return nil, ErrMalformed
			}
			c.PublicKey = append([]byte(nil), b...)
		case tagSignature:
			b, err := r.Bytes()
			if err != nil {
				return nil, ErrMalformed
			}
			c.Signature = append([]byte(nil), b...)
		}
	}
	if len(c.PublicKey) != crypto.P256PointSize || len(c.Signature) == 0 {
		return nil, ErrMalformed
	}
	return c, nil
}

// sign computes the signature with the issuer keypair.
func (c *Certificate) sign(issuer *crypto.Keypair) error {
	tbs, err := c.tbsBytes()
	if err != nil {
		return err
	}
	sig, err := issuer.Sign(tbs)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// VerifySignature checks the certificate against the issuer's public
// key.
func (c *Certificate) VerifySignature(issuerPublicKey []byte) error {
	tbs, err := c.tbsBytes()
	if err != nil {
		return err
	}
	if err := crypto.Verify(issuerPublicKey, tbs, c.Signature); err != nil {
		return ErrBadSignature
	}
	return nil
}

// matterEpoch is 2000-01-01T00:00:00Z, the Matter time origin.
var matterEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func nowMatter() uint32 {
	return uint32(time.Since(matterEpoch) / time.Second)
}

// NewRootCertificate builds a self-signed RCAC.
func NewRootCertificate(keys *crypto.Keypair, caID uint64) (*Certificate, error) {
	c := &Certificate{
		Type:         TypeRoot,
		SerialNumber: caID,
		IssuerCAID:   caID,
		SubjectCAID:  caID,
		NotBefore:    nowMatter(),
		PublicKey:    keys.PublicKey(),
	}
	if err := c.sign(keys); err != nil {
		return nil, err
	}
	return c, nil
}

// NewNodeCertificate builds a NOC for the subject public key, signed by
// the issuing CA.
func NewNodeCertificate(issuer *crypto.Keypair, issuerCAID uint64, nodeID fabric.NodeID, fabricID fabric.ID, subjectPublicKey []byte, serial uint64) (*Certificate, error) {
	c := &Certificate{
		Type:         TypeNode,
		SerialNumber: serial,
		IssuerCAID:   issuerCAID,
		NodeID:       nodeID,
		FabricID:     fabricID,
		NotBefore:    nowMatter(),
		PublicKey:    append([]byte(nil), subjectPublicKey...),
	}
	if err := c.sign(issuer); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyChain validates nocData (and optional icacData) up to
// rootData, checking the signatures and that the NOC carries an
// operational node id and a valid fabric id. It returns the parsed NOC.
func VerifyChain(nocData, icacData, rootData []byte) (*Certificate, error) {
	root, err := Decode(rootData)
	if err != nil {
		return nil, err
	}
	if root.Type != TypeRoot {
		return nil, ErrWrongSubject
	}
	if err := root.VerifySignature(root.PublicKey); err != nil {
		return nil, ErrChainBroken
	}

	signerKey := root.PublicKey
	if len(icacData) > 0 {
		ica, err := Decode(icacData)
		if err != nil {
			return nil, err
		}
		if ica.Type != TypeICA {
			return nil, ErrWrongSubject
		}
		if err := ica.VerifySignature(root.PublicKey); err != nil {
			return nil, ErrChainBroken
		}
		signerKey = ica.PublicKey
	}

	noc, err := Decode(nocData)
	if err != nil {
		return nil, err
	}
	if noc.Type != TypeNode {
		return nil, ErrWrongSubject
	}
	if err := noc.VerifySignature(signerKey); err != nil {
		return nil, ErrChainBroken
	}
	if !noc.NodeID.IsOperational() || !noc.FabricID.IsValid() {
		return nil, ErrMalformed
	}
	return noc, nil
}

// Equal reports byte equality of two encoded certificates.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
