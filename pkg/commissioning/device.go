package commissioning

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/acl"
	"github.com/embermesh/matter/pkg/credentials"
	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/securechannel"
	"github.com/embermesh/matter/pkg/tlv"
	"github.com/pion/logging"
)

var (
	// ErrNoWindow indicates commissioning without an open window.
	ErrNoWindow = errors.New("commissioning: no window open")

	// ErrNoPendingKey indicates AddNOC before CSRRequest.
	ErrNoPendingKey = errors.New("commissioning: AddNOC before CSRRequest")

	// ErrNoTrustedRoot indicates AddNOC before
	// AddTrustedRootCertificate.
	ErrNoTrustedRoot = errors.New("commissioning: AddNOC before AddTrustedRootCertificate")

	// ErrWindowOpen indicates opening an already open window.
	ErrWindowOpen = errors.New("commissioning: window already open")
)

// DefaultWindowTimeout is the default commissioning window duration.
const DefaultWindowTimeout = 3 * time.Minute

// RegulatoryConfig is the staged regulatory setting.
type RegulatoryConfig struct {
	Location    uint8
	CountryCode string
}

// DeviceCallbacks notify the node of commissioning milestones.
type DeviceCallbacks struct {
	// OnCommissioned fires after CommissioningComplete committed a
	// fabric.
	OnCommissioned func(index fabric.Index)

	// OnFailsafeExpired fires after a rollback completed.
	OnFailsafeExpired func()

	// ClosePASE tears down PASE sessions (end of commissioning).
	ClosePASE func()
}

// Device is the commissionee-side commissioning state: the failsafe
// with its journal, the staged credentials, and the window. A single
// mutex serialises commissioning state transitions.
type Device struct {
	mu sync.Mutex // singleton commissioning mutex

	failsafe  *Failsafe
	fabrics   *fabric.Table
	acls      *acl.Manager
	callbacks DeviceCallbacks
	log       logging.LeveledLogger

	// Staged under the failsafe.
	trustedRoots [][]byte
	pendingRoots int // count added during the current failsafe
	pendingKey   *crypto.Keypair
	regulatory   RegulatoryConfig

	window *Window
}

// DeviceConfig configures the device commissioning state.
type DeviceConfig struct {
	Fabrics       *fabric.Table
	ACLs          *acl.Manager
	MaxCumulative time.Duration
	Callbacks     DeviceCallbacks
	LoggerFactory logging.LoggerFactory
}

// NewDevice creates the commissioning state.
func NewDevice(config DeviceConfig) *Device {
	d := &Device{
		fabrics:   config.Fabrics,
		acls:      config.ACLs,
		callbacks: config.Callbacks,
	}
	d.failsafe = NewFailsafe(FailsafeConfig{
		MaxCumulative: config.MaxCumulative,
		OnExpired: func() {
			if d.callbacks.ClosePASE != nil {
				d.callbacks.ClosePASE()
			}
			if d.callbacks.OnFailsafeExpired != nil {
				d.callbacks.OnFailsafeExpired()
			}
		},
	})
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("commissioning")
	}
	return d
}

// Failsafe exposes the failsafe for gating checks.
func (d *Device) Failsafe() *Failsafe { return d.failsafe }

// TrustedRoots returns the current trusted root list.
func (d *Device) TrustedRoots() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.trustedRoots))
	copy(out, d.trustedRoots)
	return out
}

// ArmFailSafe stage 1: arm the rollback timer. Expiry zero expires
// the failsafe immediately; the rollback journal may re-enter the
// device state, so the mutex is not held for it.
func (d *Device) ArmFailSafe(owner uint64, expiry time.Duration, breadcrumb uint64) error {
	if expiry == 0 {
		return d.failsafe.Arm(owner, 0)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failsafe.Arm(owner, expiry); err != nil {
		return err
	}
	d.failsafe.SetBreadcrumb(breadcrumb)
	return nil
}

// SetRegulatoryConfig stage 2.
func (d *Device) SetRegulatoryConfig(owner uint64, cfg RegulatoryConfig, breadcrumb uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failsafe.CheckArmed(owner); err != nil {
		return err
	}
	prev := d.regulatory
	d.regulatory = cfg
	d.failsafe.AddRollback(func() {
		d.mu.Lock()
		d.regulatory = prev
		d.mu.Unlock()
	})
	d.failsafe.SetBreadcrumb(breadcrumb)
	return nil
}

// Regulatory returns the active regulatory configuration.
func (d *Device) Regulatory() RegulatoryConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regulatory
}

// CSRRequest stage 3: generate the operational keypair and return the
// certificate-signing request elements: a TLV struct binding the nonce
// and public key, signed by the new key.
func (d *Device) CSRRequest(owner uint64, nonce []byte) (csrElements, signature []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failsafe.CheckArmed(owner); err != nil {
		return nil, nil, err
	}
	key, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	d.pendingKey = key
	d.failsafe.AddRollback(func() {
		d.mu.Lock()
		d.pendingKey = nil
		d.mu.Unlock()
	})

	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(1), nonce)
	w.PutBytes(tlv.ContextTag(2), key.PublicKey())
	w.EndContainer()
	elements := append([]byte(nil), w.Bytes()...)
	sig, err := key.Sign(elements)
	if err != nil {
		return nil, nil, err
	}
	return elements, sig, nil
}

// AddTrustedRootCertificate stage 4.
func (d *Device) AddTrustedRootCertificate(owner uint64, rootCert []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failsafe.CheckArmed(owner); err != nil {
		return err
	}
	if _, err := credentials.Decode(rootCert); err != nil {
		return err
	}
	for _, existing := range d.trustedRoots {
		if bytes.Equal(existing, rootCert) {
			return nil
		}
	}
	d.trustedRoots = append(d.trustedRoots, append([]byte(nil), rootCert...))
	d.pendingRoots++
	d.failsafe.AddRollback(func() {
		d.mu.Lock()
		if n := len(d.trustedRoots); n > 0 {
			d.trustedRoots = d.trustedRoots[:n-1]
		}
		d.pendingRoots = 0
		d.mu.Unlock()
	})
	return nil
}

// AddNOC stage 5: verify the chain against a staged root, install the
// fabric row and the admin ACL entry. The fabric is journaled for
// rollback until CommissioningComplete.
func (d *Device) AddNOC(owner uint64, noc, icac, ipk []byte, caseAdminSubject fabric.NodeID, adminVendorID fabric.VendorID) (fabric.Index, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failsafe.CheckArmed(owner); err != nil {
		return 0, err
	}
	if d.pendingKey == nil {
		return 0, ErrNoPendingKey
	}

	var rootCert []byte
	var parsed *credentials.Certificate
	for _, candidate := range d.trustedRoots {
		if cert, err := credentials.VerifyChain(noc, icac, candidate); err == nil {
			rootCert = candidate
			parsed = cert
			break
		}
	}
	if rootCert == nil {
		return 0, ErrNoTrustedRoot
	}

	rootParsed, err := credentials.Decode(rootCert)
	if err != nil {
		return 0, err
	}
	compressed, err := fabric.CompressID(rootParsed.PublicKey, parsed.FabricID)
	if err != nil {
		return 0, err
	}
	index, err := d.fabrics.NextIndex()
	if err != nil {
		return 0, err
	}
	info := &fabric.Info{
		Index:        index,
		FabricID:     parsed.FabricID,
		NodeID:       parsed.NodeID,
		VendorID:     adminVendorID,
		RootCert:     append([]byte(nil), rootCert...),
		ICACert:      append([]byte(nil), icac...),
		NOCert:       append([]byte(nil), noc...),
		Keys:         d.pendingKey,
		IPK:          append([]byte(nil), ipk...),
		CompressedID: compressed,
	}
	if err := d.fabrics.Add(info); err != nil {
		return 0, err
	}
	if d.acls != nil {
		d.acls.Add(acl.Entry{
			FabricIndex: index,
			Privilege:   datamodel.PrivilegeAdminister,
			AuthMode:    acl.AuthModeCASE,
			Subjects:    []fabric.NodeID{caseAdminSubject},
		})
	}
	d.pendingKey = nil
	d.failsafe.AddRollback(func() {
		d.fabrics.Remove(index)
		if d.acls != nil {
			d.acls.RemoveFabric(index)
		}
	})
	if d.log != nil {
		d.log.Infof("AddNOC: fabric %s node 0x%X", index, uint64(parsed.NodeID))
	}
	return index, nil
}

// CommissioningComplete stage 7: commit the failsafe, close PASE, and
// report the commissioned fabric.
func (d *Device) CommissioningComplete(owner uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failsafe.Commit(owner); err != nil {
		return err
	}
	d.failsafe.SetBreadcrumb(0)
	d.pendingRoots = 0
	d.CloseWindowLocked()
	if d.callbacks.ClosePASE != nil {
		d.callbacks.ClosePASE()
	}
	if d.callbacks.OnCommissioned != nil {
		// The newest fabric row is the one just committed.
		var newest fabric.Index
		d.fabrics.ForEach(func(info *fabric.Info) error {
			if info.Index > newest {
				newest = info.Index
			}
			return nil
		})
		d.callbacks.OnCommissioned(newest)
	}
	return nil
}

// Window is an open commissioning window.
type Window struct {
	Verifier      *securechannel.PaseVerifier
	Discriminator uint16
	timer         *time.Timer
}

// OpenWindow opens a commissioning window with a passcode-derived
// verifier.
func (d *Device) OpenWindow(passcode uint32, discriminator uint16, timeout time.Duration) (*Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window != nil {
		return nil, ErrWindowOpen
	}
	verifier, err := securechannel.NewPaseVerifier(passcode, minPBKDFIterations())
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultWindowTimeout
	}
	w := &Window{Verifier: verifier, Discriminator: discriminator}
	w.timer = time.AfterFunc(timeout, func() {
		d.mu.Lock()
		if d.window == w {
			d.window = nil
		}
		d.mu.Unlock()
	})
	d.window = w
	return w, nil
}

// Verifier returns the active window's PASE verifier, nil when closed.
func (d *Device) Verifier() *securechannel.PaseVerifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window == nil {
		return nil
	}
	return d.window.Verifier
}

// CloseWindow closes the commissioning window.
func (d *Device) CloseWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseWindowLocked()
}

// CloseWindowLocked closes the window; caller holds the mutex.
func (d *Device) CloseWindowLocked() {
	if d.window != nil {
		if d.window.timer != nil {
			d.window.timer.Stop()
		}
		d.window = nil
	}
}

func minPBKDFIterations() uint32 {
	return crypto.PBKDF2IterationsMin
}
