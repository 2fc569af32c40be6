// Package descriptor implements the Descriptor cluster (0x001D): the
// per-endpoint device type, server and parts lists derived from the
// live endpoint tree.
package descriptor

import (
	"context"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/tlv"
)

// ClusterID is the Descriptor cluster id.
const ClusterID datamodel.ClusterID = 0x001D

// Attribute ids.
const (
	AttrDeviceTypeList datamodel.AttributeID = 0x0000
	AttrServerList     datamodel.AttributeID = 0x0001
	AttrClientList     datamodel.AttributeID = 0x0002
	AttrPartsList      datamodel.AttributeID = 0x0003
)

// Schema returns the cluster metadata; the behavior fills the list
// attributes from the endpoint tree at Init and on structure changes.
func Schema() *datamodel.ClusterSchema {
	listAttr := func(id datamodel.AttributeID, name string) datamodel.AttributeSchema {
		return datamodel.AttributeSchema{
			ID: id, Name: name, Kind: datamodel.KindArray,
			Conformance: datamodel.ConformanceMandatory,
			Access:      datamodel.Access{Read: datamodel.PrivilegeView},
			Default:     datamodel.RawTLV{0x16, 0x18}, // empty array
		}
	}
	return &datamodel.ClusterSchema{
		ID: ClusterID, Name: "Descriptor", Revision: 2,
		Attributes: []datamodel.AttributeSchema{
			listAttr(AttrDeviceTypeList, "deviceTypeList"),
			listAttr(AttrServerList, "serverList"),
			listAttr(AttrClientList, "clientList"),
			listAttr(AttrPartsList, "partsList"),
		},
	}
}

// Behavior is the Descriptor server. It refreshes its lists whenever
// the endpoint tree changes.
type Behavior struct {
	state *datamodel.ClusterState
	ep    *node.Endpoint
}

// New creates the behavior for one endpoint.
func New(endpoint datamodel.EndpointID) (*Behavior, error) {
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{
		Schema:   Schema(),
		Endpoint: endpoint,
	})
	if err != nil {
		return nil, err
	}
	return &Behavior{state: cs}, nil
}

// State returns the datasource.
func (b *Behavior) State() *datamodel.ClusterState { return b.state }

// Init captures the endpoint and refreshes on structure changes.
func (b *Behavior) Init(_ context.Context, ep *node.Endpoint) error {
	b.ep = ep
	b.refresh()
	if n := ep.Node(); n != nil {
		n.OnStructureChanged(b.refresh)
	}
	return nil
}

// refresh recomputes the list attributes from the live tree.
func (b *Behavior) refresh() {
	if b.ep == nil {
		return
	}
	tx := datamodel.NewTransaction()

	w := tlv.NewWriter()
	w.StartArray(tlv.Anonymous())
	for _, dt := range b.ep.DeviceTypes() {
		w.StartStruct(tlv.Anonymous())
		w.PutUint(tlv.ContextTag(0), uint64(dt.ID))
		w.PutUint(tlv.ContextTag(1), uint64(dt.Revision))
		w.EndContainer()
	}
	w.EndContainer()
	tx.WriteInternal(b.state, AttrDeviceTypeList, datamodel.RawTLV(append([]byte(nil), w.Bytes()...)))

	w = tlv.NewWriter()
	w.StartArray(tlv.Anonymous())
	for _, id := range b.ep.ClusterIDs() {
		w.PutUint(tlv.Anonymous(), uint64(id))
	}
	w.EndContainer()
	tx.WriteInternal(b.state, AttrServerList, datamodel.RawTLV(append([]byte(nil), w.Bytes()...)))

	w = tlv.NewWriter()
	w.StartArray(tlv.Anonymous())
	if b.ep.Number() == datamodel.RootEndpointID {
		if n := b.ep.Node(); n != nil {
			for _, id := range n.EndpointIDs() {
				if id != datamodel.RootEndpointID {
					w.PutUint(tlv.Anonymous(), uint64(id))
				}
			}
		}
	} else {
		for _, part := range b.ep.Parts() {
			w.PutUint(tlv.Anonymous(), uint64(part.Number()))
		}
	}
	w.EndContainer()
	tx.WriteInternal(b.state, AttrPartsList, datamodel.RawTLV(append([]byte(nil), w.Bytes()...)))

	tx.Commit()
}

// Invoke: the Descriptor cluster has no commands.
func (b *Behavior) Invoke(context.Context, *node.Invocation) error {
	return datamodel.ErrUnsupportedCommand
}
