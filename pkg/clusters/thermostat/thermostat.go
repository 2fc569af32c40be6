// Package thermostat implements the subset of the Thermostat cluster
// (0x0201) that exercises atomic writes: presets and schedules commit
// together through the AtomicRequest command.
package thermostat

import (
	"context"
	"errors"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/tlv"
)

// ClusterID is the Thermostat cluster id.
const ClusterID datamodel.ClusterID = 0x0201

// Attribute ids.
const (
	AttrLocalTemperature datamodel.AttributeID = 0x0000
	AttrOccupiedHeating  datamodel.AttributeID = 0x0012
	AttrPresets          datamodel.AttributeID = 0x0050
	AttrSchedules        datamodel.AttributeID = 0x0051
)

// Command ids.
const (
	CmdSetpointRaiseLower  datamodel.CommandID = 0x00
	CmdAtomicRequest       datamodel.CommandID = 0xFE
	CmdAtomicResponse      datamodel.CommandID = 0xFD
)

// Schema returns the cluster metadata.
func Schema() *datamodel.ClusterSchema {
	atomicResp := CmdAtomicResponse
	return &datamodel.ClusterSchema{
		ID: ClusterID, Name: "Thermostat", Revision: 7,
		Attributes: []datamodel.AttributeSchema{
			{
				ID: AttrLocalTemperature, Name: "localTemperature", Kind: datamodel.KindInt, Bits: 16,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     int64(2000), Quality: datamodel.Quality{Nullable: true, Quieter: true},
			},
			{
				ID: AttrOccupiedHeating, Name: "occupiedHeatingSetpoint", Kind: datamodel.KindInt, Bits: 16,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeOperate},
				Default:     int64(2000), HasRange: true, Min: 700, Max: 3000,
				Quality: datamodel.Quality{Nonvolatile: true},
			},
			{
				ID: AttrPresets, Name: "presets", Kind: datamodel.KindBytes,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeManage},
				Default:     []byte{}, Quality: datamodel.Quality{Atomic: true, Nonvolatile: true},
			},
			{
				ID: AttrSchedules, Name: "schedules", Kind: datamodel.KindBytes,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeManage},
				Default:     []byte{}, Quality: datamodel.Quality{Atomic: true, Nonvolatile: true},
			},
		},
		Commands: []datamodel.CommandSchema{
			{ID: CmdSetpointRaiseLower, Name: "SetpointRaiseLower", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
			{ID: CmdAtomicRequest, Name: "AtomicRequest", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeManage}, Timed: true, Response: &atomicResp},
		},
	}
}

// Behavior is the Thermostat server.
type Behavior struct {
	state *datamodel.ClusterState
	coord *datamodel.AtomicCoordinator
}

// New creates the behavior for one endpoint.
func New(endpoint datamodel.EndpointID, store *storage.Context) (*Behavior, error) {
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{
		Schema:   Schema(),
		Endpoint: endpoint,
		Storage:  store,
	})
	if err != nil {
		return nil, err
	}
	b := &Behavior{state: cs}
	b.coord = datamodel.NewAtomicCoordinator(cs, datamodel.AtomicHooks{
		Changing: b.validateAtomic,
	})
	return b, nil
}

// State returns the datasource.
func (b *Behavior) State() *datamodel.ClusterState { return b.state }

// AtomicCoordinator exposes the coordinator to the IM engine.
func (b *Behavior) AtomicCoordinator() *datamodel.AtomicCoordinator { return b.coord }

// validateAtomic is the cluster-specific staged-value check.
func (b *Behavior) validateAtomic(attr datamodel.AttributeID, v datamodel.Value) error {
	data, ok := v.([]byte)
	if !ok {
		return datamodel.ErrInvalidDataType
	}
	// Preset and schedule blobs are bounded.
	if len(data) > 1024 {
		return datamodel.ErrConstraint
	}
	return nil
}

// Invoke dispatches thermostat commands.
func (b *Behavior) Invoke(_ context.Context, inv *node.Invocation) error {
	switch inv.Command {
	case CmdSetpointRaiseLower:
		return b.setpointRaiseLower(inv)
	case CmdAtomicRequest:
		return b.atomicRequest(inv)
	}
	return datamodel.ErrUnsupportedCommand
}

func (b *Behavior) setpointRaiseLower(inv *node.Invocation) error {
	var amount int64
	if inv.Fields != nil {
		r := inv.Fields
		if err := r.EnterContainer(); err == nil {
			for r.Next() == nil {
				if r.Tag().Number() == 1 {
					amount, _ = r.Int()
				}
			}
		}
	}
	cur, err := b.state.Get(AttrOccupiedHeating)
	if err != nil {
		return err
	}
	next := cur.(int64) + amount*10 // amount is in 0.1 C steps
	tx := datamodel.NewTransaction()
	if err := tx.WriteInternal(b.state, AttrOccupiedHeating, next); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// atomicRequest handles AtomicRequest {0: requestType, 1:
// attributeRequests[], 2: timeout ms}.
func (b *Behavior) atomicRequest(inv *node.Invocation) error {
	var reqType uint64
	var attrs []datamodel.AttributeID
	var timeout time.Duration
	if inv.Fields != nil {
		r := inv.Fields
		if err := r.EnterContainer(); err == nil {
			for {
				err := r.Next()
				if err != nil {
					break
				}
				switch r.Tag().Number() {
				case 0:
					reqType, _ = r.Uint()
				case 1:
					if r.EnterContainer() == nil {
						for r.Next() == nil {
							if v, err := r.Uint(); err == nil {
								attrs = append(attrs, datamodel.AttributeID(v))
							}
						}
						r.ExitContainer()
					}
				case 2:
					v, _ := r.Uint()
					timeout = time.Duration(v) * time.Millisecond
				}
			}
		}
	}

	peer := datamodel.AtomicPeer{}
	if inv.Auth != nil {
		peer.FabricIndex = inv.Auth.FabricIndex
		peer.NodeID = inv.Auth.SubjectNode
	}

	var statuses []datamodel.AtomicStatus
	var err error
	switch datamodel.AtomicRequestType(reqType) {
	case datamodel.AtomicBegin:
		statuses, err = b.coord.Begin(peer, attrs, timeout, inv.Auth)
	case datamodel.AtomicCommit:
		statuses, err = b.coord.Commit(peer)
	case datamodel.AtomicRollback:
		err = b.coord.Rollback(peer)
	default:
		return datamodel.ErrInvalidInState
	}

	// AtomicResponse {0: overallStatus, 1: [{0: attr, 1: status}],
	// 2: timeout}.
	inv.Response.StartStruct(tlv.Anonymous())
	inv.Response.PutUint(tlv.ContextTag(0), uint64(atomicStatusCode(err)))
	if len(statuses) > 0 {
		inv.Response.StartArray(tlv.ContextTag(1))
		for _, s := range statuses {
			inv.Response.StartStruct(tlv.Anonymous())
			inv.Response.PutUint(tlv.ContextTag(0), uint64(s.Attribute))
			inv.Response.PutUint(tlv.ContextTag(1), uint64(atomicStatusCode(s.Err)))
			inv.Response.EndContainer()
		}
		inv.Response.EndContainer()
	}
	if e := inv.Response.EndContainer(); e != nil {
		return e
	}
	resp := CmdAtomicResponse
	inv.ResponseID = &resp
	return nil
}

// atomicStatusCode maps coordinator errors to IM status values, the
// strictest surviving the mapping.
func atomicStatusCode(err error) uint8 {
	switch {
	case err == nil:
		return 0x00 // success
	case errors.Is(err, datamodel.ErrConstraint):
		return 0x87 // constraint error
	case errors.Is(err, datamodel.ErrBusy):
		return 0x9C // busy
	case errors.Is(err, datamodel.ErrInvalidInState):
		return 0xCB // invalid in state
	case errors.Is(err, datamodel.ErrUnsupportedAttribute):
		return 0x86
	case errors.Is(err, datamodel.ErrAccessDenied):
		return 0x7E
	}
	return 0x01 // failure
}
