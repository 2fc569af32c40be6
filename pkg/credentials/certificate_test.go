package credentials

import (
	"testing"

	"github.com/embermesh/matter/pkg/crypto"
)

func TestCertificate_RootRoundTrip(t *testing.T) {
	keys, _ := crypto.GenerateKeypair()
	root, err := NewRootCertificate(keys, 1)
	if err != nil {
		t.Fatal(err)
	}

	data, err := root.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeRoot || got.SubjectCAID != 1 {
		t.Errorf("decoded = %+v", got)
	}
	if err := got.VerifySignature(keys.PublicKey()); err != nil {
		t.Errorf("self signature: %v", err)
	}
}

func TestVerifyChain(t *testing.T) {
	rootKeys, _ := crypto.GenerateKeypair()
	nodeKeys, _ := crypto.GenerateKeypair()

	root, _ := NewRootCertificate(rootKeys, 1)
	rootData, _ := root.Encode()

	noc, err := NewNodeCertificate(rootKeys, 1, 0x1122, 0x2906C908D115D362, nodeKeys.PublicKey(), 7)
	if err != nil {
		t.Fatal(err)
	}
	nocData, _ := noc.Encode()

	got, err := VerifyChain(nocData, nil, rootData)
	if err != nil {
		t.Fatal(err)
	}
	if got.NodeID != 0x1122 || got.FabricID != 0x2906C908D115D362 {
		t.Errorf("noc subject = %+v", got)
	}
}

func TestVerifyChain_RejectsWrongRoot(t *testing.T) {
	rootKeys, _ := crypto.GenerateKeypair()
	otherKeys, _ := crypto.GenerateKeypair()
	nodeKeys, _ := crypto.GenerateKeypair()

	root, _ := NewRootCertificate(rootKeys, 1)
	rootData, _ := root.Encode()
	other, _ := NewRootCertificate(otherKeys, 2)
	otherData, _ := other.Encode()

	noc, _ := NewNodeCertificate(rootKeys, 1, 0x1122, 0xAB, nodeKeys.PublicKey(), 1)
	nocData, _ := noc.Encode()

	if _, err := VerifyChain(nocData, nil, otherData); err != ErrChainBroken {
		t.Errorf("err = %v, want ErrChainBroken", err)
	}
	if _, err := VerifyChain(nocData, nil, rootData); err != nil {
		t.Errorf("valid chain rejected: %v", err)
	}
}

func TestVerifyChain_RejectsTamperedNOC(t *testing.T) {
	rootKeys, _ := crypto.GenerateKeypair()
	nodeKeys, _ := crypto.GenerateKeypair()
	root, _ := NewRootCertificate(rootKeys, 1)
	rootData, _ := root.Encode()

	noc, _ := NewNodeCertificate(rootKeys, 1, 0x55, 0xAB, nodeKeys.PublicKey(), 1)
	noc.NodeID = 0x56 // forged subject after signing
	nocData, _ := noc.Encode()

	if _, err := VerifyChain(nocData, nil, rootData); err != ErrChainBroken {
		t.Errorf("err = %v, want ErrChainBroken", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02}); err != ErrMalformed {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}
