// Package basicinformation implements the Basic Information cluster
// (0x0028): fixed vendor/product identity plus the node label.
package basicinformation

import (
	"context"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/storage"
)

// ClusterID is the Basic Information cluster id.
const ClusterID datamodel.ClusterID = 0x0028

// Attribute ids.
const (
	AttrDataModelRevision datamodel.AttributeID = 0x0000
	AttrVendorName        datamodel.AttributeID = 0x0001
	AttrVendorID          datamodel.AttributeID = 0x0002
	AttrProductName       datamodel.AttributeID = 0x0003
	AttrProductID         datamodel.AttributeID = 0x0004
	AttrNodeLabel         datamodel.AttributeID = 0x0005
	AttrHardwareVersion   datamodel.AttributeID = 0x0007
	AttrSoftwareVersion   datamodel.AttributeID = 0x0009
	AttrSerialNumber      datamodel.AttributeID = 0x000F
)

// EventStartUp fires on node start.
const EventStartUp datamodel.EventID = 0x00

// Info is the static device identity baked into the schema defaults.
type Info struct {
	VendorName      string
	VendorID        fabric.VendorID
	ProductName     string
	ProductID       uint16
	HardwareVersion uint16
	SoftwareVersion uint32
	SerialNumber    string
}

// Schema returns the cluster metadata with the identity as fixed
// defaults.
func Schema(info Info) *datamodel.ClusterSchema {
	fixedString := func(id datamodel.AttributeID, name, value string) datamodel.AttributeSchema {
		return datamodel.AttributeSchema{
			ID: id, Name: name, Kind: datamodel.KindString,
			Conformance: datamodel.ConformanceMandatory,
			Access:      datamodel.Access{Read: datamodel.PrivilegeView},
			Default:     value, Quality: datamodel.Quality{Fixed: true},
		}
	}
	fixedUint := func(id datamodel.AttributeID, name string, value uint64, bits int) datamodel.AttributeSchema {
		return datamodel.AttributeSchema{
			ID: id, Name: name, Kind: datamodel.KindUint, Bits: bits,
			Conformance: datamodel.ConformanceMandatory,
			Access:      datamodel.Access{Read: datamodel.PrivilegeView},
			Default:     value, Quality: datamodel.Quality{Fixed: true},
		}
	}
	return &datamodel.ClusterSchema{
		ID: ClusterID, Name: "BasicInformation", Revision: 3,
		Attributes: []datamodel.AttributeSchema{
			fixedUint(AttrDataModelRevision, "dataModelRevision", 17, 16),
			fixedString(AttrVendorName, "vendorName", info.VendorName),
			fixedUint(AttrVendorID, "vendorId", uint64(info.VendorID), 16),
			fixedString(AttrProductName, "productName", info.ProductName),
			fixedUint(AttrProductID, "productId", uint64(info.ProductID), 16),
			{
				ID: AttrNodeLabel, Name: "nodeLabel", Kind: datamodel.KindString, MaxLength: 32,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeManage},
				Default:     "", Quality: datamodel.Quality{Nonvolatile: true},
			},
			fixedUint(AttrHardwareVersion, "hardwareVersion", uint64(info.HardwareVersion), 16),
			fixedUint(AttrSoftwareVersion, "softwareVersion", uint64(info.SoftwareVersion), 32),
			fixedString(AttrSerialNumber, "serialNumber", info.SerialNumber),
		},
		Events: []datamodel.EventSchema{
			{ID: EventStartUp, Name: "StartUp", Priority: datamodel.PriorityCritical},
		},
	}
}

// Behavior is the Basic Information server.
type Behavior struct {
	state *datamodel.ClusterState
}

// New creates the behavior; it lives on the root endpoint.
func New(info Info, store *storage.Context) (*Behavior, error) {
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{
		Schema:   Schema(info),
		Endpoint: datamodel.RootEndpointID,
		Storage:  store,
	})
	if err != nil {
		return nil, err
	}
	return &Behavior{state: cs}, nil
}

// State returns the datasource.
func (b *Behavior) State() *datamodel.ClusterState { return b.state }

// Init emits the StartUp event.
func (b *Behavior) Init(_ context.Context, ep *node.Endpoint) error {
	if n := ep.Node(); n != nil {
		n.Events().Append(datamodel.ConcreteEventPath{
			Endpoint: datamodel.RootEndpointID, Cluster: ClusterID, Event: EventStartUp,
		}, datamodel.PriorityCritical, 0, nil)
	}
	return nil
}

// Invoke: the cluster has no accepted commands.
func (b *Behavior) Invoke(context.Context, *node.Invocation) error {
	return datamodel.ErrUnsupportedCommand
}
