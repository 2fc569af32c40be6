// Package operationalcredentials implements the Node Operational
// Credentials cluster (0x003E): CSR generation, trusted roots, NOC
// installation and fabric management, backed by the device
// commissioning state.
package operationalcredentials

import (
	"context"
	"errors"

	"github.com/embermesh/matter/pkg/commissioning"
	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/tlv"
)

// ClusterID is the Operational Credentials cluster id.
const ClusterID datamodel.ClusterID = 0x003E

// Attribute ids.
const (
	AttrNOCs                 datamodel.AttributeID = 0x0000
	AttrFabrics              datamodel.AttributeID = 0x0001
	AttrSupportedFabrics     datamodel.AttributeID = 0x0002
	AttrCommissionedFabrics  datamodel.AttributeID = 0x0003
	AttrTrustedRootCerts     datamodel.AttributeID = 0x0004
	AttrCurrentFabricIndex   datamodel.AttributeID = 0x0005
)

// Command ids.
const (
	CmdCSRRequest          datamodel.CommandID = 0x04
	CmdCSRResponse         datamodel.CommandID = 0x05
	CmdAddNOC              datamodel.CommandID = 0x06
	CmdUpdateNOC           datamodel.CommandID = 0x07
	CmdNOCResponse         datamodel.CommandID = 0x08
	CmdUpdateFabricLabel   datamodel.CommandID = 0x09
	CmdRemoveFabric        datamodel.CommandID = 0x0A
	CmdAddTrustedRootCert  datamodel.CommandID = 0x0B
)

// NOCResponse status codes (Spec 11.18.6.7).
const (
	nocStatusOK            uint64 = 0
	nocStatusInvalidNOC    uint64 = 2
	nocStatusMissingCsr    uint64 = 4
	nocStatusTableFull     uint64 = 5
	nocStatusRootMissing   uint64 = 8
	nocStatusInvalidFabric uint64 = 11
)

// Schema returns the cluster metadata.
func Schema() *datamodel.ClusterSchema {
	csrResp := CmdCSRResponse
	nocResp := CmdNOCResponse
	return &datamodel.ClusterSchema{
		ID: ClusterID, Name: "OperationalCredentials", Revision: 1,
		Attributes: []datamodel.AttributeSchema{
			{
				ID: AttrSupportedFabrics, Name: "supportedFabrics", Kind: datamodel.KindUint, Bits: 8,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     uint64(fabric.DefaultMaxFabrics), Quality: datamodel.Quality{Fixed: true},
			},
			{
				ID: AttrCommissionedFabrics, Name: "commissionedFabrics", Kind: datamodel.KindUint, Bits: 8,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     uint64(0),
			},
			{
				ID: AttrCurrentFabricIndex, Name: "currentFabricIndex", Kind: datamodel.KindUint, Bits: 8,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     uint64(0),
			},
		},
		Commands: []datamodel.CommandSchema{
			{ID: CmdCSRRequest, Name: "CSRRequest", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &csrResp},
			{ID: CmdAddNOC, Name: "AddNOC", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &nocResp},
			{ID: CmdUpdateFabricLabel, Name: "UpdateFabricLabel", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &nocResp},
			{ID: CmdRemoveFabric, Name: "RemoveFabric", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &nocResp},
			{ID: CmdAddTrustedRootCert, Name: "AddTrustedRootCertificate", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}},
		},
	}
}

// Behavior is the Operational Credentials server.
type Behavior struct {
	state   *datamodel.ClusterState
	device  *commissioning.Device
	fabrics *fabric.Table

	// OnFabricRemoved cascades fabric-scoped teardown (sessions,
	// subscriptions) outside the cluster.
	OnFabricRemoved func(fabric.Index)
}

// New creates the behavior; it lives on the root endpoint.
func New(device *commissioning.Device, fabrics *fabric.Table) (*Behavior, error) {
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{
		Schema:   Schema(),
		Endpoint: datamodel.RootEndpointID,
	})
	if err != nil {
		return nil, err
	}
	return &Behavior{state: cs, device: device, fabrics: fabrics}, nil
}

// State returns the datasource.
func (b *Behavior) State() *datamodel.ClusterState { return b.state }

// Init seeds the fabric counters.
func (b *Behavior) Init(context.Context, *node.Endpoint) error {
	b.syncCounters()
	return nil
}

func (b *Behavior) syncCounters() {
	tx := datamodel.NewTransaction()
	tx.WriteInternal(b.state, AttrCommissionedFabrics, uint64(b.fabrics.Count()))
	tx.Commit()
}

func owner(auth *datamodel.Auth) uint64 {
	if auth == nil {
		return 0
	}
	return uint64(auth.SubjectNode)
}

// nocResponse writes NOCResponse {0: status, 1: fabricIndex}.
func nocResponse(inv *node.Invocation, status uint64, index fabric.Index) error {
	inv.Response.StartStruct(tlv.Anonymous())
	inv.Response.PutUint(tlv.ContextTag(0), status)
	if index != 0 {
		inv.Response.PutUint(tlv.ContextTag(1), uint64(index))
	}
	if err := inv.Response.EndContainer(); err != nil {
		return err
	}
	resp := CmdNOCResponse
	inv.ResponseID = &resp
	return nil
}

// Invoke dispatches the credential commands.
func (b *Behavior) Invoke(_ context.Context, inv *node.Invocation) error {
	switch inv.Command {
	case CmdCSRRequest:
		return b.csrRequest(inv)
	case CmdAddTrustedRootCert:
		return b.addTrustedRoot(inv)
	case CmdAddNOC:
		return b.addNOC(inv)
	case CmdUpdateFabricLabel:
		return b.updateLabel(inv)
	case CmdRemoveFabric:
		return b.removeFabric(inv)
	}
	return datamodel.ErrUnsupportedCommand
}

func fieldsMap(inv *node.Invocation) map[uint32][]byte {
	out := make(map[uint32][]byte)
	if inv.Fields == nil {
		return out
	}
	r := inv.Fields
	if err := r.EnterContainer(); err != nil {
		return out
	}
	for r.Next() == nil {
		if b, err := r.Bytes(); err == nil {
			out[r.Tag().Number()] = append([]byte(nil), b...)
			continue
		}
		if u, err := r.Uint(); err == nil {
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(u >> (8 * i))
			}
			out[r.Tag().Number()] = buf[:]
			continue
		}
		if s, err := r.String(); err == nil {
			out[r.Tag().Number()] = []byte(s)
		}
	}
	return out
}

func uintField(m map[uint32][]byte, tag uint32) uint64 {
	b := m[tag]
	var out uint64
	for i := 0; i < len(b) && i < 8; i++ {
		out |= uint64(b[i]) << (8 * i)
	}
	return out
}

func (b *Behavior) csrRequest(inv *node.Invocation) error {
	m := fieldsMap(inv)
	nonce := m[0]
	elements, sig, err := b.device.CSRRequest(owner(inv.Auth), nonce)
	if err != nil {
		return err
	}
	inv.Response.StartStruct(tlv.Anonymous())
	inv.Response.PutBytes(tlv.ContextTag(0), elements)
	inv.Response.PutBytes(tlv.ContextTag(1), sig)
	if err := inv.Response.EndContainer(); err != nil {
		return err
	}
	resp := CmdCSRResponse
	inv.ResponseID = &resp
	return nil
}

func (b *Behavior) addTrustedRoot(inv *node.Invocation) error {
	m := fieldsMap(inv)
	return b.device.AddTrustedRootCertificate(owner(inv.Auth), m[0])
}

func (b *Behavior) addNOC(inv *node.Invocation) error {
	m := fieldsMap(inv)
	noc := m[0]
	icac := m[1]
	ipk := m[2]
	adminSubject := fabric.NodeID(uintField(m, 3))
	adminVendor := fabric.VendorID(uintField(m, 4))

	index, err := b.device.AddNOC(owner(inv.Auth), noc, icac, ipk, adminSubject, adminVendor)
	switch {
	case err == nil:
		b.syncCounters()
		return nocResponse(inv, nocStatusOK, index)
	case errors.Is(err, commissioning.ErrNoPendingKey):
		return nocResponse(inv, nocStatusMissingCsr, 0)
	case errors.Is(err, commissioning.ErrNoTrustedRoot):
		return nocResponse(inv, nocStatusRootMissing, 0)
	case errors.Is(err, fabric.ErrTableFull):
		return nocResponse(inv, nocStatusTableFull, 0)
	case errors.Is(err, commissioning.ErrFailsafeRequired):
		return err
	}
	return nocResponse(inv, nocStatusInvalidNOC, 0)
}

func (b *Behavior) updateLabel(inv *node.Invocation) error {
	m := fieldsMap(inv)
	label := string(m[0])
	index := fabric.Index(0)
	if inv.Auth != nil {
		index = inv.Auth.FabricIndex
	}
	if err := b.fabrics.SetLabel(index, label); err != nil {
		return nocResponse(inv, nocStatusInvalidFabric, 0)
	}
	return nocResponse(inv, nocStatusOK, index)
}

func (b *Behavior) removeFabric(inv *node.Invocation) error {
	m := fieldsMap(inv)
	index := fabric.Index(uintField(m, 0))
	if err := b.fabrics.Remove(index); err != nil {
		return nocResponse(inv, nocStatusInvalidFabric, 0)
	}
	if b.OnFabricRemoved != nil {
		b.OnFabricRemoved(index)
	}
	b.syncCounters()
	return nocResponse(inv, nocStatusOK, index)
}
