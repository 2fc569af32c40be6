// Package matter assembles the protocol stack into runnable nodes: a
// Device (commissionable server) and a Controller (commissioner).
package matter

import (
	"net"

	"github.com/embermesh/matter/pkg/clusters/basicinformation"
	"github.com/embermesh/matter/pkg/discovery"
	"github.com/embermesh/matter/pkg/environment"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/pion/logging"
)

// DeviceConfig configures a commissionable device node.
type DeviceConfig struct {
	// Passcode is the setup passcode; validated against the forbidden
	// list at window open.
	Passcode uint32

	// Discriminator is the 12-bit long discriminator.
	Discriminator uint16

	// Port is the UDP listen port; 0 binds an ephemeral port.
	Port int

	// Info is the Basic Information identity.
	Info basicinformation.Info

	// Storage persists fabrics, attributes and resumption state; an
	// in-memory store is used when nil.
	Storage storage.Store

	// Environment supplies shared services; a fresh root when nil.
	Environment *environment.Environment

	// UDPConn injects a pre-opened socket (tests).
	UDPConn net.PacketConn

	// Registrar overrides the mDNS backend (tests).
	Registrar discovery.Registrar

	// DisableAdvertise skips DNS-SD (tests drive addresses directly).
	DisableAdvertise bool

	LoggerFactory logging.LoggerFactory
}

func (c *DeviceConfig) applyDefaults() {
	if c.Passcode == 0 {
		c.Passcode = 20202021
	}
	if c.Discriminator == 0 {
		c.Discriminator = 3840
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemory()
	}
	if c.Environment == nil {
		c.Environment = environment.New("device")
	}
	if c.Info.VendorID == 0 {
		c.Info.VendorID = fabric.VendorIDTest1
	}
}

// ControllerConfig configures a commissioning controller.
type ControllerConfig struct {
	// VendorID is the admin vendor id placed in AddNOC.
	VendorID fabric.VendorID

	// FabricID is the administrative domain to commission into.
	FabricID fabric.ID

	// Port is the UDP listen port; 0 binds an ephemeral port.
	Port int

	// Storage persists the controller fabric and resumption state.
	Storage storage.Store

	// UDPConn injects a pre-opened socket (tests).
	UDPConn net.PacketConn

	// Browser overrides the mDNS scanning backend (tests).
	Browser discovery.Browser

	LoggerFactory logging.LoggerFactory
}

func (c *ControllerConfig) applyDefaults() {
	if c.VendorID == 0 {
		c.VendorID = fabric.VendorIDTest1
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemory()
	}
}
