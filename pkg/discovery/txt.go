// Package discovery implements Matter DNS-SD: commissionable and
// operational advertisement over mDNS, commissioner-side scanning, and
// the responder answer policies (duplicate suppression, unicast
// replies, truncated-query reassembly).
package discovery

import (
	"fmt"
	"strconv"
	"time"

	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/session"
)

// Service types (Spec 4.3).
const (
	ServiceCommissionable = "_matterc._udp"
	ServiceOperational    = "_matter._tcp"
	Domain                = "local."
)

// DefaultPort is the advertised Matter port.
const DefaultPort = 5540

// MaxDiscriminator bounds the 12-bit discriminator.
const MaxDiscriminator = 0xFFF

// CommissioningMode is the CM TXT value.
type CommissioningMode uint8

const (
	CommissioningModeDisabled CommissioningMode = 0
	CommissioningModeBasic    CommissioningMode = 1
	CommissioningModeEnhanced CommissioningMode = 2
)

// CommissionableTXT carries the _matterc._udp TXT keys (Spec 4.3.1.4).
type CommissionableTXT struct {
	Discriminator     uint16
	CommissioningMode CommissioningMode
	VendorID          fabric.VendorID
	ProductID         uint16
	DeviceType        uint32
	DeviceName        string
	SessionParams     session.Params
	SupportsTCP       bool
	ICDOperatingMode  *uint8
	PairingHint       uint32
	PairingInstr      string
}

// Validate checks the required fields.
func (t *CommissionableTXT) Validate() error {
	if t.Discriminator > MaxDiscriminator {
		return ErrBadDiscriminator
	}
	if len(t.DeviceName) > 32 {
		return ErrBadDeviceName
	}
	return nil
}

// Records renders the TXT key/value list.
func (t *CommissionableTXT) Records() []string {
	params := t.SessionParams.WithDefaults()
	out := []string{
		"D=" + strconv.Itoa(int(t.Discriminator)),
		"CM=" + strconv.Itoa(int(t.CommissioningMode)),
	}
	if t.VendorID != 0 {
		out = append(out, fmt.Sprintf("VP=%d+%d", uint16(t.VendorID), t.ProductID))
	}
	if t.DeviceType != 0 {
		out = append(out, "DT="+strconv.Itoa(int(t.DeviceType)))
	}
	if t.DeviceName != "" {
		out = append(out, "DN="+t.DeviceName)
	}
	out = append(out,
		"SII="+strconv.Itoa(int(params.IdleInterval/time.Millisecond)),
		"SAI="+strconv.Itoa(int(params.ActiveInterval/time.Millisecond)),
		"SAT="+strconv.Itoa(int(params.ActiveThreshold/time.Millisecond)),
	)
	if t.SupportsTCP {
		out = append(out, "T=1")
	} else {
		out = append(out, "T=0")
	}
	if t.ICDOperatingMode != nil {
		out = append(out, "ICD="+strconv.Itoa(int(*t.ICDOperatingMode)))
	}
	if t.PairingHint != 0 {
		out = append(out, "PH="+strconv.Itoa(int(t.PairingHint)))
	}
	if t.PairingInstr != "" {
		out = append(out, "PI="+t.PairingInstr)
	}
	return out
}

// OperationalTXT carries the _matter._tcp TXT keys (Spec 4.3.2.5).
type OperationalTXT struct {
	SessionParams session.Params
	SupportsTCP   bool
}

// Records renders the TXT key/value list.
func (t *OperationalTXT) Records() []string {
	params := t.SessionParams.WithDefaults()
	out := []string{
		"SII=" + strconv.Itoa(int(params.IdleInterval/time.Millisecond)),
		"SAI=" + strconv.Itoa(int(params.ActiveInterval/time.Millisecond)),
		"SAT=" + strconv.Itoa(int(params.ActiveThreshold/time.Millisecond)),
	}
	if t.SupportsTCP {
		out = append(out, "T=1")
	} else {
		out = append(out, "T=0")
	}
	return out
}

// OperationalInstance builds the operational service instance name
// <compressed-fabric-id>-<node-id>.
func OperationalInstance(compressed fabric.CompressedID, nodeID fabric.NodeID) string {
	return compressed.String() + "-" + nodeID.String()
}

// parseTXT splits "K=V" records into a map.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		for i := 0; i < len(rec); i++ {
			if rec[i] == '=' {
				out[rec[:i]] = rec[i+1:]
				break
			}
		}
	}
	return out
}
