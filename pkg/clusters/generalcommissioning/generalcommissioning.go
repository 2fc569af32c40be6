// Package generalcommissioning implements the General Commissioning
// cluster (0x0030): failsafe arming, regulatory configuration and
// commissioning completion, backed by the device commissioning state.
package generalcommissioning

import (
	"context"
	"errors"
	"time"

	"github.com/embermesh/matter/pkg/commissioning"
	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/tlv"
)

// ClusterID is the General Commissioning cluster id.
const ClusterID datamodel.ClusterID = 0x0030

// Attribute ids.
const (
	AttrBreadcrumb              datamodel.AttributeID = 0x0000
	AttrBasicCommissioningInfo  datamodel.AttributeID = 0x0001
	AttrRegulatoryConfig        datamodel.AttributeID = 0x0002
	AttrLocationCapability      datamodel.AttributeID = 0x0003
	AttrSupportsConcurrentConn  datamodel.AttributeID = 0x0004
)

// Command ids.
const (
	CmdArmFailSafe               datamodel.CommandID = 0x00
	CmdArmFailSafeResponse       datamodel.CommandID = 0x01
	CmdSetRegulatoryConfig       datamodel.CommandID = 0x02
	CmdSetRegulatoryResponse     datamodel.CommandID = 0x03
	CmdCommissioningComplete     datamodel.CommandID = 0x04
	CmdCommissioningCompleteResp datamodel.CommandID = 0x05
)

// Commissioning error codes carried in the responses (Spec 11.10.6).
const (
	errOK                uint64 = 0
	errValueOutsideRange uint64 = 1
	errBusyWithOtherAdmin uint64 = 4
)

// Schema returns the cluster metadata.
func Schema() *datamodel.ClusterSchema {
	respArm := CmdArmFailSafeResponse
	respReg := CmdSetRegulatoryResponse
	respDone := CmdCommissioningCompleteResp
	return &datamodel.ClusterSchema{
		ID: ClusterID, Name: "GeneralCommissioning", Revision: 2,
		Attributes: []datamodel.AttributeSchema{
			{
				ID: AttrBreadcrumb, Name: "breadcrumb", Kind: datamodel.KindUint, Bits: 64,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeAdminister},
				Default:     uint64(0),
			},
			{
				ID: AttrRegulatoryConfig, Name: "regulatoryConfig", Kind: datamodel.KindEnum, Bits: 8,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     uint64(0),
			},
			{
				ID: AttrLocationCapability, Name: "locationCapability", Kind: datamodel.KindEnum, Bits: 8,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     uint64(2), Quality: datamodel.Quality{Fixed: true},
			},
			{
				ID: AttrSupportsConcurrentConn, Name: "supportsConcurrentConnection", Kind: datamodel.KindBool,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView},
				Default:     true, Quality: datamodel.Quality{Fixed: true},
			},
		},
		Commands: []datamodel.CommandSchema{
			{ID: CmdArmFailSafe, Name: "ArmFailSafe", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &respArm},
			{ID: CmdSetRegulatoryConfig, Name: "SetRegulatoryConfig", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &respReg},
			{ID: CmdCommissioningComplete, Name: "CommissioningComplete", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeAdminister}, Response: &respDone},
		},
	}
}

// Behavior is the General Commissioning server.
type Behavior struct {
	state  *datamodel.ClusterState
	device *commissioning.Device
}

// New creates the behavior over the device commissioning state; it
// lives on the root endpoint.
func New(device *commissioning.Device) (*Behavior, error) {
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{
		Schema:   Schema(),
		Endpoint: datamodel.RootEndpointID,
	})
	if err != nil {
		return nil, err
	}
	return &Behavior{state: cs, device: device}, nil
}

// State returns the datasource.
func (b *Behavior) State() *datamodel.ClusterState { return b.state }

func owner(auth *datamodel.Auth) uint64 {
	if auth == nil {
		return 0
	}
	return uint64(auth.SubjectNode)
}

// respond writes the standard {errorCode, debugText} response.
func respond(inv *node.Invocation, responseID datamodel.CommandID, code uint64, debug string) error {
	inv.Response.StartStruct(tlv.Anonymous())
	inv.Response.PutUint(tlv.ContextTag(0), code)
	inv.Response.PutString(tlv.ContextTag(1), debug)
	if err := inv.Response.EndContainer(); err != nil {
		return err
	}
	inv.ResponseID = &responseID
	return nil
}

// Invoke executes the staged commissioning commands.
func (b *Behavior) Invoke(_ context.Context, inv *node.Invocation) error {
	switch inv.Command {
	case CmdArmFailSafe:
		return b.armFailSafe(inv)
	case CmdSetRegulatoryConfig:
		return b.setRegulatory(inv)
	case CmdCommissioningComplete:
		return b.complete(inv)
	}
	return datamodel.ErrUnsupportedCommand
}

func (b *Behavior) armFailSafe(inv *node.Invocation) error {
	var expirySeconds, breadcrumb uint64
	if inv.Fields != nil {
		r := inv.Fields
		if err := r.EnterContainer(); err == nil {
			for r.Next() == nil {
				v, err := r.Uint()
				if err != nil {
					continue
				}
				switch r.Tag().Number() {
				case 0:
					expirySeconds = v
				case 1:
					breadcrumb = v
				}
			}
		}
	}
	err := b.device.ArmFailSafe(owner(inv.Auth), time.Duration(expirySeconds)*time.Second, breadcrumb)
	code := errOK
	if errors.Is(err, commissioning.ErrFailsafeBusy) {
		code = errBusyWithOtherAdmin
	} else if err != nil {
		code = errValueOutsideRange
	}
	if code == errOK {
		b.syncBreadcrumb()
	}
	return respond(inv, CmdArmFailSafeResponse, code, "")
}

func (b *Behavior) setRegulatory(inv *node.Invocation) error {
	var location uint64
	var country string
	var breadcrumb uint64
	if inv.Fields != nil {
		r := inv.Fields
		if err := r.EnterContainer(); err == nil {
			for r.Next() == nil {
				switch r.Tag().Number() {
				case 0:
					location, _ = r.Uint()
				case 1:
					country, _ = r.String()
				case 2:
					breadcrumb, _ = r.Uint()
				}
			}
		}
	}
	err := b.device.SetRegulatoryConfig(owner(inv.Auth), commissioning.RegulatoryConfig{
		Location:    uint8(location),
		CountryCode: country,
	}, breadcrumb)
	code := errOK
	if err != nil {
		code = errValueOutsideRange
	} else {
		tx := datamodel.NewTransaction()
		// regulatoryConfig mirrors the staged location.
		tx.WriteInternal(b.state, AttrRegulatoryConfig, location)
		tx.Commit()
		b.syncBreadcrumb()
	}
	return respond(inv, CmdSetRegulatoryResponse, code, "")
}

func (b *Behavior) complete(inv *node.Invocation) error {
	err := b.device.CommissioningComplete(owner(inv.Auth))
	code := errOK
	if err != nil {
		code = errValueOutsideRange
	} else {
		b.syncBreadcrumb()
	}
	return respond(inv, CmdCommissioningCompleteResp, code, "")
}

// syncBreadcrumb mirrors the failsafe breadcrumb into the attribute.
func (b *Behavior) syncBreadcrumb() {
	tx := datamodel.NewTransaction()
	if err := tx.Write(b.state, AttrBreadcrumb, b.device.Failsafe().Breadcrumb()); err == nil {
		tx.Commit()
	}
}
