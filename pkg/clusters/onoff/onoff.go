// Package onoff implements the On/Off cluster (0x0006).
package onoff

import (
	"context"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/storage"
)

// ClusterID is the On/Off cluster id.
const ClusterID datamodel.ClusterID = 0x0006

// Attribute ids.
const (
	AttrOnOff        datamodel.AttributeID = 0x0000
	AttrStartUpOnOff datamodel.AttributeID = 0x4003
)

// Command ids.
const (
	CmdOff    datamodel.CommandID = 0x00
	CmdOn     datamodel.CommandID = 0x01
	CmdToggle datamodel.CommandID = 0x02
)

// EventStateChange is emitted on every on/off transition.
const EventStateChange datamodel.EventID = 0x00

// Schema returns the cluster metadata.
func Schema() *datamodel.ClusterSchema {
	return &datamodel.ClusterSchema{
		ID: ClusterID, Name: "OnOff", Revision: 6,
		Attributes: []datamodel.AttributeSchema{
			{
				ID: AttrOnOff, Name: "onOff", Kind: datamodel.KindBool,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     false,
				Quality:     datamodel.Quality{Nonvolatile: true},
			},
			{
				ID: AttrStartUpOnOff, Name: "startUpOnOff", Kind: datamodel.KindEnum, Bits: 8,
				Conformance: datamodel.ConformanceOptional,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeOperate},
				Default:     uint64(0), HasRange: true, Min: 0, Max: 2,
				Quality: datamodel.Quality{Nullable: true, Nonvolatile: true},
			},
		},
		Commands: []datamodel.CommandSchema{
			{ID: CmdOff, Name: "Off", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
			{ID: CmdOn, Name: "On", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
			{ID: CmdToggle, Name: "Toggle", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
		},
		Events: []datamodel.EventSchema{
			{ID: EventStateChange, Name: "StateChange", Priority: datamodel.PriorityInfo},
		},
	}
}

// Behavior is the On/Off server.
type Behavior struct {
	state *datamodel.ClusterState
	ep    *node.Endpoint
}

// New creates the behavior for one endpoint. Storage may be nil for
// volatile state.
func New(endpoint datamodel.EndpointID, store *storage.Context) (*Behavior, error) {
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{
		Schema:   Schema(),
		Endpoint: endpoint,
		Storage:  store,
	})
	if err != nil {
		return nil, err
	}
	return &Behavior{state: cs}, nil
}

// State returns the datasource.
func (b *Behavior) State() *datamodel.ClusterState { return b.state }

// Init applies the start-up on/off policy.
func (b *Behavior) Init(_ context.Context, ep *node.Endpoint) error {
	b.ep = ep
	startup, err := b.state.Get(AttrStartUpOnOff)
	if err != nil || startup == nil {
		return nil
	}
	var want bool
	switch startup.(uint64) {
	case 0:
		want = false
	case 1:
		want = true
	case 2:
		cur, _ := b.state.Get(AttrOnOff)
		want = !cur.(bool)
	}
	return b.set(want)
}

// OnOff returns the current state.
func (b *Behavior) OnOff() bool {
	v, err := b.state.Get(AttrOnOff)
	if err != nil {
		return false
	}
	return v.(bool)
}

func (b *Behavior) set(on bool) error {
	cur, _ := b.state.Get(AttrOnOff)
	if cur == on {
		return nil
	}
	tx := datamodel.NewTransaction()
	if err := tx.WriteInternal(b.state, AttrOnOff, on); err != nil {
		return err
	}
	tx.Commit()
	if b.ep != nil && b.ep.Node() != nil {
		b.ep.Node().Events().Append(datamodel.ConcreteEventPath{
			Endpoint: b.state.Endpoint(), Cluster: ClusterID, Event: EventStateChange,
		}, datamodel.PriorityInfo, 0, nil)
	}
	return nil
}

// Invoke executes Off/On/Toggle.
func (b *Behavior) Invoke(_ context.Context, inv *node.Invocation) error {
	switch inv.Command {
	case CmdOff:
		return b.set(false)
	case CmdOn:
		return b.set(true)
	case CmdToggle:
		return b.set(!b.OnOff())
	}
	return datamodel.ErrUnsupportedCommand
}
