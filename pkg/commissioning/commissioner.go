package commissioning

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/credentials"
	"github.com/embermesh/matter/pkg/crypto"
	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/discovery"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/im"
	"github.com/embermesh/matter/pkg/securechannel"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/tlv"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/pion/logging"
)

var (
	// ErrDiscovery indicates no commissionable device matched within
	// the timeout.
	ErrDiscovery = errors.New("commissioning: discovery failed")

	// ErrPASEExhausted indicates PASE failed on every candidate
	// address.
	ErrPASEExhausted = errors.New("commissioning: PASE failed on all candidates")

	// ErrCommandFailed indicates a commissioning command returned a
	// failure status.
	ErrCommandFailed = errors.New("commissioning: command failed")
)

// Cluster and command ids used by the staged flow.
const (
	clusterGeneralCommissioning datamodel.ClusterID = 0x0030
	clusterOperationalCreds     datamodel.ClusterID = 0x003E

	cmdArmFailSafe           datamodel.CommandID = 0x00
	cmdSetRegulatoryConfig   datamodel.CommandID = 0x02
	cmdCommissioningComplete datamodel.CommandID = 0x04

	cmdCSRRequest      datamodel.CommandID = 0x04
	cmdAddNOC          datamodel.CommandID = 0x06
	cmdAddTrustedRoot  datamodel.CommandID = 0x0B
)

// Peer is one commissioned (or discovered) remote node in the
// controller's registry.
type Peer struct {
	NodeID      fabric.NodeID
	FabricIndex fabric.Index
	Address     transport.Peer
	Session     *session.Secure
}

// CommissionerConfig wires the commissioner into the stack.
type CommissionerConfig struct {
	Scanner       *discovery.Scanner
	SecureChannel *securechannel.Manager
	IMClient      *im.Client
	Fabrics       *fabric.Table

	// VendorID is the commissioner's admin vendor id.
	VendorID fabric.VendorID

	// AdminNodeID is the controller's operational node id on its own
	// fabric.
	AdminNodeID fabric.NodeID

	// FabricID is the administrative domain to commission devices
	// into.
	FabricID fabric.ID

	LoggerFactory logging.LoggerFactory
}

// Commissioner drives device onboarding: discovery, PASE, the staged
// command flow, then CASE. It owns a local CA for issuing NOCs.
type Commissioner struct {
	config  CommissionerConfig
	scanner *discovery.Scanner
	sc      *securechannel.Manager
	client  *im.Client
	fabrics *fabric.Table
	log     logging.LeveledLogger

	mu         sync.Mutex
	caKeys     *crypto.Keypair
	rootCert   []byte
	ipk        []byte
	ownFabric  *fabric.Info
	nextNodeID fabric.NodeID
	nextSerial uint64
	peers      map[fabric.NodeID]*Peer
}

// NewCommissioner creates a commissioner, establishing its CA and own
// fabric row at construction.
func NewCommissioner(config CommissionerConfig) (*Commissioner, error) {
	if config.FabricID == 0 {
		config.FabricID = fabric.ID(0x2906C908D115D362)
	}
	if config.AdminNodeID == 0 {
		config.AdminNodeID = 0x000000000001B669
	}
	c := &Commissioner{
		config:     config,
		scanner:    config.Scanner,
		sc:         config.SecureChannel,
		client:     config.IMClient,
		fabrics:    config.Fabrics,
		nextNodeID: 0x1000,
		nextSerial: 1,
		peers:      make(map[fabric.NodeID]*Peer),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("commissioner")
	}
	if err := c.initCA(); err != nil {
		return nil, err
	}
	return c, nil
}

// initCA creates the commissioner's root CA and its own fabric row.
func (c *Commissioner) initCA() error {
	caKeys, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	root, err := credentials.NewRootCertificate(caKeys, 1)
	if err != nil {
		return err
	}
	rootData, err := root.Encode()
	if err != nil {
		return err
	}
	ipk := make([]byte, crypto.SymmetricKeySize)
	if _, err := rand.Read(ipk); err != nil {
		return err
	}

	adminKeys, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	adminNOC, err := credentials.NewNodeCertificate(caKeys, 1, c.config.AdminNodeID, c.config.FabricID, adminKeys.PublicKey(), c.takeSerial())
	if err != nil {
		return err
	}
	adminNOCData, err := adminNOC.Encode()
	if err != nil {
		return err
	}
	compressed, err := fabric.CompressID(caKeys.PublicKey(), c.config.FabricID)
	if err != nil {
		return err
	}
	index, err := c.fabrics.NextIndex()
	if err != nil {
		return err
	}
	own := &fabric.Info{
		Index:        index,
		FabricID:     c.config.FabricID,
		NodeID:       c.config.AdminNodeID,
		VendorID:     c.config.VendorID,
		RootCert:     rootData,
		NOCert:       adminNOCData,
		Keys:         adminKeys,
		IPK:          ipk,
		CompressedID: compressed,
	}
	if err := c.fabrics.Add(own); err != nil {
		return err
	}

	c.mu.Lock()
	c.caKeys = caKeys
	c.rootCert = rootData
	c.ipk = ipk
	c.ownFabric = own
	c.mu.Unlock()
	return nil
}

// Fabric returns the commissioner's own fabric row.
func (c *Commissioner) Fabric() *fabric.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownFabric
}

// Peers returns the registry of commissioned nodes.
func (c *Commissioner) Peers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Commissioner) takeSerial() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	serial := c.nextSerial
	c.nextSerial++
	return serial
}

func (c *Commissioner) takeNodeID() fabric.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextNodeID
	c.nextNodeID++
	return id
}

// CommissionOptions parameterise one onboarding run.
type CommissionOptions struct {
	Passcode      uint32
	Discriminator uint16

	// Address skips discovery when set.
	Address *transport.Peer

	// DiscoveryTimeout bounds the scan; default 30 s.
	DiscoveryTimeout time.Duration

	// Regulatory defaults to indoor/"XX".
	Regulatory *RegulatoryConfig
}

// Commission runs the full staged flow against one device and returns
// the registered peer.
func (c *Commissioner) Commission(ctx context.Context, opts CommissionOptions) (*Peer, error) {
	candidates, err := c.locate(ctx, opts)
	if err != nil {
		return nil, err
	}

	// PASE is attempted across candidates in order.
	var paseSess *session.Secure
	var address transport.Peer
	for _, candidate := range candidates {
		sess, err := c.sc.EstablishPASE(ctx, candidate, opts.Passcode)
		if err == nil {
			paseSess = sess
			address = candidate
			break
		}
		if c.log != nil {
			c.log.Warnf("PASE to %s failed: %v", candidate, err)
		}
	}
	if paseSess == nil {
		return nil, ErrPASEExhausted
	}

	peer, err := c.runStages(ctx, paseSess, address, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peers[peer.NodeID] = peer
	c.mu.Unlock()
	if c.log != nil {
		c.log.Infof("commissioned node 0x%X at %s", uint64(peer.NodeID), address)
	}
	return peer, nil
}

// locate resolves the candidate address pool.
func (c *Commissioner) locate(ctx context.Context, opts CommissionOptions) ([]transport.Peer, error) {
	if opts.Address != nil {
		return []transport.Peer{*opts.Address}, nil
	}
	timeout := opts.DiscoveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	device, err := c.scanner.DiscoverFirst(ctx, discovery.Filter{
		LongDiscriminator: opts.Discriminator,
		HasLong:           true,
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	peers := append([]transport.Peer(nil), device.Addresses...)
	discovery.SortCandidates(peers)
	if len(peers) == 0 {
		return nil, ErrDiscovery
	}
	return peers, nil
}

// runStages executes the command sequence over the PASE session.
func (c *Commissioner) runStages(ctx context.Context, sess *session.Secure, address transport.Peer, opts CommissionOptions) (*Peer, error) {
	// 1. ArmFailSafe(60s, breadcrumb 1).
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(0), 60)
	w.PutUint(tlv.ContextTag(1), 1)
	w.EndContainer()
	if err := c.invokeOK(ctx, sess, address, clusterGeneralCommissioning, cmdArmFailSafe, w.Bytes()); err != nil {
		return nil, fmt.Errorf("ArmFailSafe: %w", err)
	}

	// 2. SetRegulatoryConfig(location, country, breadcrumb 2).
	reg := RegulatoryConfig{Location: 0, CountryCode: "XX"}
	if opts.Regulatory != nil {
		reg = *opts.Regulatory
	}
	w = tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(0), uint64(reg.Location))
	w.PutString(tlv.ContextTag(1), reg.CountryCode)
	w.PutUint(tlv.ContextTag(2), 2)
	w.EndContainer()
	if err := c.invokeOK(ctx, sess, address, clusterGeneralCommissioning, cmdSetRegulatoryConfig, w.Bytes()); err != nil {
		return nil, fmt.Errorf("SetRegulatoryConfig: %w", err)
	}

	// 3. CSRRequest(nonce).
	nonce := make([]byte, 32)
	rand.Read(nonce)
	w = tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(0), nonce)
	w.PutBool(tlv.ContextTag(1), false) // isForUpdateNOC
	w.EndContainer()
	fields, err := c.invokeData(ctx, sess, address, clusterOperationalCreds, cmdCSRRequest, w.Bytes())
	if err != nil {
		return nil, fmt.Errorf("CSRRequest: %w", err)
	}
	devicePub, err := publicKeyFromCSR(fields)
	if err != nil {
		return nil, err
	}

	// 4. AddTrustedRootCertificate(rootCert).
	w = tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(0), c.rootCert)
	w.EndContainer()
	if err := c.invokeOK(ctx, sess, address, clusterOperationalCreds, cmdAddTrustedRoot, w.Bytes()); err != nil {
		return nil, fmt.Errorf("AddTrustedRootCertificate: %w", err)
	}

	// 5. AddNOC(noc, ipk, caseAdminSubject, adminVendorId).
	nodeID := c.takeNodeID()
	noc, err := credentials.NewNodeCertificate(c.caKeys, 1, nodeID, c.config.FabricID, devicePub, c.takeSerial())
	if err != nil {
		return nil, err
	}
	nocData, err := noc.Encode()
	if err != nil {
		return nil, err
	}
	w = tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBytes(tlv.ContextTag(0), nocData)
	w.PutBytes(tlv.ContextTag(2), c.ipk)
	w.PutUint(tlv.ContextTag(3), uint64(c.config.AdminNodeID))
	w.PutUint(tlv.ContextTag(4), uint64(c.config.VendorID))
	w.EndContainer()
	nocFields, err := c.invokeData(ctx, sess, address, clusterOperationalCreds, cmdAddNOC, w.Bytes())
	if err != nil {
		return nil, fmt.Errorf("AddNOC: %w", err)
	}
	fabricIndex, err := fabricIndexFromNOCResponse(nocFields)
	if err != nil {
		return nil, err
	}

	// 6. CommissioningComplete.
	w = tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.EndContainer()
	if err := c.invokeOK(ctx, sess, address, clusterGeneralCommissioning, cmdCommissioningComplete, w.Bytes()); err != nil {
		return nil, fmt.Errorf("CommissioningComplete: %w", err)
	}

	// 7. Transition to operational: CASE over the same address.
	caseSess, err := c.sc.EstablishCASE(ctx, address, c.ownFabric, nodeID)
	if err != nil {
		return nil, fmt.Errorf("CASE: %w", err)
	}
	return &Peer{
		NodeID:      nodeID,
		FabricIndex: fabricIndex,
		Address:     address,
		Session:     caseSess,
	}, nil
}

// invokeOK invokes a command expecting plain success (or a success
// response payload).
func (c *Commissioner) invokeOK(ctx context.Context, sess *session.Secure, address transport.Peer, cluster datamodel.ClusterID, cmd datamodel.CommandID, fields []byte) error {
	_, err := c.invokeData(ctx, sess, address, cluster, cmd, fields)
	return err
}

// invokeData invokes a command on endpoint 0 and returns the typed
// response fields, if any.
func (c *Commissioner) invokeData(ctx context.Context, sess *session.Secure, address transport.Peer, cluster datamodel.ClusterID, cmd datamodel.CommandID, fields []byte) ([]byte, error) {
	resp, err := c.client.Invoke(ctx, sess, address, []im.InvokeItem{{
		Path:   datamodel.ConcreteCommandPath{Endpoint: 0, Cluster: cluster, Command: cmd},
		Fields: append([]byte(nil), fields...),
	}}, 0)
	if err != nil {
		return nil, err
	}
	if len(resp.Responses) != 1 {
		return nil, ErrCommandFailed
	}
	item := resp.Responses[0]
	if item.IsData {
		return item.Fields, nil
	}
	if item.Status != im.StatusSuccess {
		return nil, fmt.Errorf("%w: %s", ErrCommandFailed, item.Status)
	}
	return nil, nil
}

// publicKeyFromCSR pulls the device operational public key out of the
// CSRResponse fields: {0: csrElements, 1: signature}, csrElements
// being {1: nonce, 2: publicKey} signed by the new key.
func publicKeyFromCSR(fields []byte) ([]byte, error) {
	r := tlv.NewReader(fields)
	if err := r.Next(); err != nil {
		return nil, ErrCommandFailed
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrCommandFailed
	}
	var elements, signature []byte
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, ErrCommandFailed
		}
		b, err := r.Bytes()
		if err != nil {
			continue
		}
		switch r.Tag().Number() {
		case 0:
			elements = append([]byte(nil), b...)
		case 1:
			signature = append([]byte(nil), b...)
		}
	}
	if elements == nil {
		return nil, ErrCommandFailed
	}

	er := tlv.NewReader(elements)
	if err := er.Next(); err != nil {
		return nil, ErrCommandFailed
	}
	if err := er.EnterContainer(); err != nil {
		return nil, ErrCommandFailed
	}
	var pub []byte
	for {
		err := er.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, ErrCommandFailed
		}
		if er.Tag().Number() == 2 {
			b, err := er.Bytes()
			if err != nil {
				return nil, ErrCommandFailed
			}
			pub = append([]byte(nil), b...)
		}
	}
	if len(pub) != crypto.P256PointSize {
		return nil, ErrCommandFailed
	}
	// The CSR is self-signed by the new operational key.
	if signature != nil {
		if err := crypto.Verify(pub, elements, signature); err != nil {
			return nil, err
		}
	}
	return pub, nil
}

// fabricIndexFromNOCResponse parses NOCResponse {0: status, 1:
// fabricIndex}.
func fabricIndexFromNOCResponse(fields []byte) (fabric.Index, error) {
	r := tlv.NewReader(fields)
	if err := r.Next(); err != nil {
		return 0, ErrCommandFailed
	}
	if err := r.EnterContainer(); err != nil {
		return 0, ErrCommandFailed
	}
	var status uint64 = 1
	var index uint64
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return 0, ErrCommandFailed
		}
		v, verr := r.Uint()
		if verr != nil {
			continue
		}
		switch r.Tag().Number() {
		case 0:
			status = v
		case 1:
			index = v
		}
	}
	if status != 0 {
		return 0, ErrCommandFailed
	}
	return fabric.Index(index), nil
}
