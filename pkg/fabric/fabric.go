// Package fabric manages the fabric table: the set of administrative
// domains a node is commissioned into. A fabric is identified by its
// root CA public key and 64-bit fabric id, and referenced locally by a
// small FabricIndex (Spec 2.5.1, 7.5.2, 11.18).
package fabric

import (
	"encoding/binary"
	"fmt"

	"github.com/embermesh/matter/pkg/crypto"
)

// Index is the 8-bit local fabric reference. 0 is unassigned; valid
// indices are 1-254.
type Index uint8

const (
	IndexInvalid Index = 0
	IndexMin     Index = 1
	IndexMax     Index = 254
)

// IsValid reports whether i is an assignable fabric index.
func (i Index) IsValid() bool { return i >= IndexMin && i <= IndexMax }

func (i Index) String() string { return fmt.Sprintf("fabric#%d", uint8(i)) }

// ID is the 64-bit fabric identifier; 0 is reserved.
type ID uint64

// IsValid reports whether the fabric id is non-reserved.
func (f ID) IsValid() bool { return f != 0 }

// NodeID is the 64-bit operational node identifier scoped to a fabric.
type NodeID uint64

// Operational node id range (Spec 2.5.5.1).
const (
	NodeIDMinOperational NodeID = 0x0000_0000_0000_0001
	NodeIDMaxOperational NodeID = 0xFFFF_FFFE_FFFF_FFFD
)

// IsOperational reports whether n is in the operational range.
func (n NodeID) IsOperational() bool {
	return n >= NodeIDMinOperational && n <= NodeIDMaxOperational
}

// String formats the node id as 16 uppercase hex digits, the form used
// in operational service instance names and storage keys.
func (n NodeID) String() string { return fmt.Sprintf("%016X", uint64(n)) }

// VendorID is the 16-bit CSA-assigned vendor identifier.
type VendorID uint16

// Test vendor ids reserved for development.
const (
	VendorIDTest1 VendorID = 0xFFF1
	VendorIDTest2 VendorID = 0xFFF2
)

// CompressedID is the 64-bit compressed fabric identifier used in
// operational DNS-SD instance names (Spec 4.3.2.2).
type CompressedID uint64

// CompressID derives the compressed fabric id from the root public key
// (uncompressed, 65 bytes) and fabric id.
func CompressID(rootPublicKey []byte, fabricID ID) (CompressedID, error) {
	if len(rootPublicKey) != crypto.P256PointSize {
		return 0, ErrBadRootKey
	}
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(fabricID))
	// The key material is the raw point without the 0x04 prefix.
	out, err := crypto.KDF(rootPublicKey[1:], salt, []byte("CompressedFabric"), 8)
	if err != nil {
		return 0, err
	}
	return CompressedID(binary.BigEndian.Uint64(out)), nil
}

// String formats the compressed id as 16 uppercase hex digits, the form
// used in operational service instance names.
func (c CompressedID) String() string {
	return fmt.Sprintf("%016X", uint64(c))
}
