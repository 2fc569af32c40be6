package commissioning

import (
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/acl"
	"github.com/embermesh/matter/pkg/credentials"
	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/tlv"
)

func TestFailsafe_ArmCheckCommit(t *testing.T) {
	f := NewFailsafe(FailsafeConfig{})

	if err := f.CheckArmed(1); err != ErrFailsafeRequired {
		t.Errorf("unarmed err = %v", err)
	}
	if err := f.Arm(1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.CheckArmed(1); err != nil {
		t.Errorf("armed err = %v", err)
	}
	if err := f.CheckArmed(2); err != ErrFailsafeBusy {
		t.Errorf("other owner err = %v", err)
	}
	if err := f.Arm(2, time.Minute); err != ErrFailsafeBusy {
		t.Errorf("other arm err = %v", err)
	}

	var rolledBack bool
	f.AddRollback(func() { rolledBack = true })
	if err := f.Commit(1); err != nil {
		t.Fatal(err)
	}
	if rolledBack {
		t.Error("commit ran the rollback journal")
	}
	if armed, _ := f.Armed(); armed {
		t.Error("still armed after commit")
	}
}

func TestFailsafe_ExpiryRollsBackInReverse(t *testing.T) {
	done := make(chan struct{})
	f := NewFailsafe(FailsafeConfig{OnExpired: func() { close(done) }})

	var order []int
	f.Arm(1, 30*time.Millisecond)
	f.AddRollback(func() { order = append(order, 1) })
	f.AddRollback(func() { order = append(order, 2) })
	f.SetBreadcrumb(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failsafe never expired")
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("rollback order = %v, want reverse", order)
	}
	if f.Breadcrumb() != 0 {
		t.Errorf("breadcrumb = %d, want 0 after expiry", f.Breadcrumb())
	}
}

func TestFailsafe_CumulativeCap(t *testing.T) {
	f := NewFailsafe(FailsafeConfig{MaxCumulative: 100 * time.Second})
	if err := f.Arm(1, 90*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := f.Arm(1, 20*time.Second); err != ErrCumulativeExceeded {
		t.Errorf("err = %v, want ErrCumulativeExceeded", err)
	}
	if err := f.Arm(1, 10*time.Second); err != nil {
		t.Errorf("within cap err = %v", err)
	}
}

func newTestDevice(t *testing.T) (*Device, *fabric.Table) {
	t.Helper()
	table, err := fabric.NewTable(fabric.TableConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return NewDevice(DeviceConfig{Fabrics: table, ACLs: acl.NewManager()}), table
}

// runAddNOC drives the staged flow up to AddNOC against a device.
func runAddNOC(t *testing.T, d *Device, owner uint64) fabric.Index {
	t.Helper()
	caKeys, _ := crypto.GenerateKeypair()
	root, _ := credentials.NewRootCertificate(caKeys, 1)
	rootData, _ := root.Encode()

	if err := d.ArmFailSafe(owner, time.Minute, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.SetRegulatoryConfig(owner, RegulatoryConfig{CountryCode: "SE"}, 2); err != nil {
		t.Fatal(err)
	}
	elements, sig, err := d.CSRRequest(owner, []byte("nonce-nonce-nonce-nonce-nonce-12"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) == 0 || len(elements) == 0 {
		t.Fatal("empty CSR")
	}
	if err := d.AddTrustedRootCertificate(owner, rootData); err != nil {
		t.Fatal(err)
	}

	// Issue a NOC for the device's pending key.
	pub, err := publicKeyFromCSR(wrapCSRFields(t, elements, sig))
	if err != nil {
		t.Fatal(err)
	}
	noc, _ := credentials.NewNodeCertificate(caKeys, 1, 0x4242, 0xAB, pub, 7)
	nocData, _ := noc.Encode()

	index, err := d.AddNOC(owner, nocData, nil, make([]byte, 16), 0x1B669, fabric.VendorIDTest1)
	if err != nil {
		t.Fatal(err)
	}
	return index
}

// wrapCSRFields builds CSRResponse fields in the shape the
// commissioner parses: {0: csrElements, 1: signature}.
func wrapCSRFields(t *testing.T, elements, sig []byte) []byte {
	t.Helper()
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(0), elements)
	w.PutBytes(tlv.ContextTag(1), sig)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

func TestDevice_FullFlowCommits(t *testing.T) {
	d, table := newTestDevice(t)
	var commissioned []fabric.Index
	d.callbacks.OnCommissioned = func(i fabric.Index) { commissioned = append(commissioned, i) }

	index := runAddNOC(t, d, 1)
	if table.Count() != 1 {
		t.Fatalf("fabric count = %d", table.Count())
	}
	if err := d.CommissioningComplete(1); err != nil {
		t.Fatal(err)
	}
	if table.Count() != 1 {
		t.Error("fabric lost on commit")
	}
	if len(commissioned) != 1 || commissioned[0] != index {
		t.Errorf("commissioned = %v", commissioned)
	}
	if d.Regulatory().CountryCode != "SE" {
		t.Error("regulatory config lost on commit")
	}
}

func TestDevice_FailsafeExpiryRollsBackEverything(t *testing.T) {
	d, table := newTestDevice(t)
	owner := uint64(1)

	caKeys, _ := crypto.GenerateKeypair()
	root, _ := credentials.NewRootCertificate(caKeys, 1)
	rootData, _ := root.Encode()

	expired := make(chan struct{})
	d.callbacks.OnFailsafeExpired = func() { close(expired) }

	rootsBefore := len(d.TrustedRoots())
	if err := d.ArmFailSafe(owner, 50*time.Millisecond, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.AddTrustedRootCertificate(owner, rootData); err != nil {
		t.Fatal(err)
	}
	// No AddNOC: let the failsafe expire.
	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("failsafe never expired")
	}

	if got := len(d.TrustedRoots()); got != rootsBefore {
		t.Errorf("trusted roots = %d, want pre-arm state %d", got, rootsBefore)
	}
	if table.Count() != 0 {
		t.Error("fabric added without AddNOC")
	}
	if d.Failsafe().Breadcrumb() != 0 {
		t.Errorf("breadcrumb = %d, want 0", d.Failsafe().Breadcrumb())
	}
}

func TestDevice_AddNOCRollsBackOnExpiry(t *testing.T) {
	d, table := newTestDevice(t)
	d.ArmFailSafe(1, 60*time.Millisecond, 1)

	// Shorten the flow: reuse runAddNOC pieces inline with the short
	// failsafe.
	caKeys, _ := crypto.GenerateKeypair()
	root, _ := credentials.NewRootCertificate(caKeys, 1)
	rootData, _ := root.Encode()
	elements, sig, err := d.CSRRequest(1, make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	d.AddTrustedRootCertificate(1, rootData)
	pub, _ := publicKeyFromCSR(wrapCSRFields(t, elements, sig))
	noc, _ := credentials.NewNodeCertificate(caKeys, 1, 0x4242, 0xAB, pub, 7)
	nocData, _ := noc.Encode()
	if _, err := d.AddNOC(1, nocData, nil, make([]byte, 16), 1, fabric.VendorIDTest1); err != nil {
		t.Fatal(err)
	}
	if table.Count() != 1 {
		t.Fatal("fabric not staged")
	}

	time.Sleep(200 * time.Millisecond)
	if table.Count() != 0 {
		t.Error("fabric survived failsafe expiry")
	}
}

func TestDevice_Window(t *testing.T) {
	d, _ := newTestDevice(t)
	if d.Verifier() != nil {
		t.Error("verifier before window open")
	}
	w, err := d.OpenWindow(20202021, 3840, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w.Discriminator != 3840 {
		t.Errorf("discriminator = %d", w.Discriminator)
	}
	if d.Verifier() == nil {
		t.Error("no verifier while window open")
	}
	if _, err := d.OpenWindow(20202021, 3840, time.Minute); err != ErrWindowOpen {
		t.Errorf("second open err = %v", err)
	}
	d.CloseWindow()
	if d.Verifier() != nil {
		t.Error("verifier after close")
	}
}

func TestDevice_RejectsForbiddenPasscode(t *testing.T) {
	d, _ := newTestDevice(t)
	if _, err := d.OpenWindow(11111111, 3840, time.Minute); err == nil {
		t.Fatal("forbidden passcode accepted")
	}
}
