package fabric

import (
	"fmt"

	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/tlv"
)

// Info is one fabric table row: the credentials and identity that bind
// this node into one fabric.
type Info struct {
	Index        Index
	FabricID     ID
	NodeID       NodeID
	VendorID     VendorID
	Label        string
	CompressedID CompressedID

	// Certificate chain, Matter TLV encoded.
	RootCert []byte // RCAC
	ICACert  []byte // optional intermediate
	NOCert   []byte // node operational certificate

	// Keys holds the node operational keypair.
	Keys *crypto.Keypair

	// IPK is the identity-protection key for this fabric's epoch.
	IPK []byte
}

// Validate checks the row is complete enough to operate.
func (i *Info) Validate() error {
	if !i.Index.IsValid() || !i.FabricID.IsValid() || !i.NodeID.IsOperational() {
		return ErrBadInfo
	}
	if len(i.RootCert) == 0 || len(i.NOCert) == 0 || i.Keys == nil {
		return ErrBadInfo
	}
	return nil
}

// Clone returns a copy of the row; the keypair is shared.
func (i *Info) Clone() *Info {
	c := *i
	c.RootCert = append([]byte(nil), i.RootCert...)
	c.ICACert = append([]byte(nil), i.ICACert...)
	c.NOCert = append([]byte(nil), i.NOCert...)
	c.IPK = append([]byte(nil), i.IPK...)
	return &c
}

func (i *Info) String() string {
	return fmt.Sprintf("%s id=0x%016X node=0x%016X label=%q",
		i.Index, uint64(i.FabricID), uint64(i.NodeID), i.Label)
}

// Persistence tags for the encoded fabric row.
const (
	tagIndex = iota
	tagFabricID
	tagNodeID
	tagVendorID
	tagLabel
	tagRootCert
	tagICACert
	tagNOCert
	tagKeyScalar
	tagIPK
	tagCompressedID
)

// Encode serializes the row (including the private key scalar) for the
// fabrics storage context.
func (i *Info) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(tagIndex), uint64(i.Index))
	w.PutUint(tlv.ContextTag(tagFabricID), uint64(i.FabricID))
	w.PutUint(tlv.ContextTag(tagNodeID), uint64(i.NodeID))
	w.PutUint(tlv.ContextTag(tagVendorID), uint64(i.VendorID))
	w.PutString(tlv.ContextTag(tagLabel), i.Label)
	w.PutBytes(tlv.ContextTag(tagRootCert), i.RootCert)
	if len(i.ICACert) > 0 {
		w.PutBytes(tlv.ContextTag(tagICACert), i.ICACert)
	}
	w.PutBytes(tlv.ContextTag(tagNOCert), i.NOCert)
	if i.Keys != nil {
		w.PutBytes(tlv.ContextTag(tagKeyScalar), i.Keys.PrivateScalar())
	}
	w.PutBytes(tlv.ContextTag(tagIPK), i.IPK)
	w.PutUint(tlv.ContextTag(tagCompressedID), uint64(i.CompressedID))
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return append([]byte(nil), w.Bytes()...), nil
}

// DecodeInfo restores a row written by Encode.
func DecodeInfo(data []byte) (*Info, error) {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	info := &Info{}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag().Number() {
		case tagIndex:
			v, _ := r.Uint()
			info.Index = Index(v)
		case tagFabricID:
			v, _ := r.Uint()
			info.FabricID = ID(v)
		case tagNodeID:
			v, _ := r.Uint()
			info.NodeID = NodeID(v)
		case tagVendorID:
			v, _ := r.Uint()
			info.VendorID = VendorID(v)
		case tagLabel:
			info.Label, _ = r.String()
		case tagRootCert:
			b, _ := r.Bytes()
			info.RootCert = append([]byte(nil), b...)
		case tagICACert:
			b, _ := r.Bytes()
			info.ICACert = append([]byte(nil), b...)
		case tagNOCert:
			b, _ := r.Bytes()
			info.NOCert = append([]byte(nil), b...)
		case tagKeyScalar:
			b, _ := r.Bytes()
			kp, err := crypto.KeypairFromScalar(b)
			if err != nil {
				return nil, err
			}
			info.Keys = kp
		case tagIPK:
			b, _ := r.Bytes()
			info.IPK = append([]byte(nil), b...)
		case tagCompressedID:
			v, _ := r.Uint()
			info.CompressedID = CompressedID(v)
		}
	}
	return info, nil
}
