package matter

import (
	"context"
	"net"
	"time"

	"github.com/embermesh/matter/pkg/acl"
	"github.com/embermesh/matter/pkg/bdx"
	"github.com/embermesh/matter/pkg/clusters/basicinformation"
	"github.com/embermesh/matter/pkg/clusters/descriptor"
	"github.com/embermesh/matter/pkg/clusters/generalcommissioning"
	"github.com/embermesh/matter/pkg/clusters/operationalcredentials"
	"github.com/embermesh/matter/pkg/commissioning"
	"github.com/embermesh/matter/pkg/discovery"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/im"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/securechannel"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/statestream"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/pion/logging"
)

// Device is a running commissionable Matter node.
type Device struct {
	config DeviceConfig
	log    logging.LeveledLogger

	Fabrics    *fabric.Table
	Sessions   *session.Manager
	Exchanges  *exchange.Manager
	Transports *transport.Manager
	Engine     *im.Engine
	Model      *node.Node
	Comm       *commissioning.Device
	Advertiser *discovery.Advertiser
	Changes    *statestream.Service
	BDX        *bdx.Server
	ACLs       *acl.Manager
}

// NewDevice wires a device stack. Compose extra endpoints on Model
// before Start.
func NewDevice(config DeviceConfig) (*Device, error) {
	config.applyDefaults()
	d := &Device{config: config}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("matter")
	}

	var err error
	d.Fabrics, err = fabric.NewTable(fabric.TableConfig{
		Storage: storage.NewContext(config.Storage, storage.ContextFabrics),
	})
	if err != nil {
		return nil, err
	}
	d.ACLs = acl.NewManager()

	d.Sessions = session.NewManager(session.ManagerConfig{
		Resumption:    storage.NewContext(config.Storage, storage.ContextResumption),
		LoggerFactory: config.LoggerFactory,
	})

	d.Transports, err = transport.NewManager(transport.ManagerConfig{
		Port:          config.Port,
		UDPConn:       config.UDPConn,
		Handler:       func(in *transport.Inbound) { d.Exchanges.OnInbound(in) },
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	d.Exchanges = exchange.NewManager(exchange.ManagerConfig{
		SessionManager:   d.Sessions,
		TransportManager: d.Transports,
		LoggerFactory:    config.LoggerFactory,
	})

	d.Comm = commissioning.NewDevice(commissioning.DeviceConfig{
		Fabrics:       d.Fabrics,
		ACLs:          d.ACLs,
		LoggerFactory: config.LoggerFactory,
		Callbacks: commissioning.DeviceCallbacks{
			OnCommissioned:    d.onCommissioned,
			OnFailsafeExpired: func() { d.Sessions.RemovePASE() },
			// The CommissioningComplete response still rides the PASE
			// session; tear it down after the exchange drains.
			ClosePASE: func() {
				time.AfterFunc(500*time.Millisecond, d.Sessions.RemovePASE)
			},
		},
	})

	if _, err := securechannel.NewManager(securechannel.ManagerConfig{
		SessionManager:  d.Sessions,
		ExchangeManager: d.Exchanges,
		FabricTable:     d.Fabrics,
		PaseVerifier:    d.Comm.Verifier,
		LoggerFactory:   config.LoggerFactory,
	}); err != nil {
		return nil, err
	}

	// Root endpoint with the standard node clusters.
	d.Model = node.New(node.Config{LoggerFactory: config.LoggerFactory})
	root := d.Model.Root()

	basicInfo, err := basicinformation.New(config.Info,
		storage.NewContext(config.Storage, storage.ContextNodes, "0", "40"))
	if err != nil {
		return nil, err
	}
	root.AddBehavior(basicInfo, true)

	desc, err := descriptor.New(0)
	if err != nil {
		return nil, err
	}
	root.AddBehavior(desc, false)

	genComm, err := generalcommissioning.New(d.Comm)
	if err != nil {
		return nil, err
	}
	root.AddBehavior(genComm, false)

	opCreds, err := operationalcredentials.New(d.Comm, d.Fabrics)
	if err != nil {
		return nil, err
	}
	opCreds.OnFabricRemoved = func(index fabric.Index) {
		d.Sessions.RemoveFabric(index)
		d.ACLs.RemoveFabric(index)
	}
	root.AddBehavior(opCreds, false)

	d.Engine = im.NewEngine(im.EngineConfig{
		Model:         d.Model,
		Authorize:     d.authorize,
		LoggerFactory: config.LoggerFactory,
	})
	d.Engine.SetExchangeManager(d.Exchanges)
	if err := d.Exchanges.RegisterProtocol(im.ProtocolID, d.Engine); err != nil {
		return nil, err
	}

	d.BDX = bdx.NewServer(bdx.ServerConfig{
		Storage:       bdx.NewScopedStorage(config.Storage, "ota"),
		LoggerFactory: config.LoggerFactory,
	})
	if err := d.Exchanges.RegisterProtocol(bdx.ProtocolID, d.BDX); err != nil {
		return nil, err
	}

	d.Advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Port:          config.Port,
		Registrar:    config.Registrar,
		LoggerFactory: config.LoggerFactory,
	})

	d.Changes = statestream.NewService(statestream.ServiceConfig{LoggerFactory: config.LoggerFactory})
	d.Changes.AttachNode(d.Model)

	return d, nil
}

// authorize maps sessions to subjects: PASE gets temporary admin; CASE
// consults the ACL.
func (d *Device) authorize(sess *session.Secure) *datamodelAuth {
	return deviceAuthorize(d.ACLs, sess)
}

// Start activates the endpoint tree and begins advertising. An
// uncommissioned device opens its commissioning window.
func (d *Device) Start(ctx context.Context) error {
	if err := d.Model.ActivateRoot(ctx); err != nil {
		return err
	}

	if d.Fabrics.Count() == 0 {
		if _, err := d.Comm.OpenWindow(d.config.Passcode, d.config.Discriminator, 0); err != nil {
			return err
		}
		if !d.config.DisableAdvertise {
			err := d.Advertiser.StartCommissionable(&discovery.CommissionableTXT{
				Discriminator:     d.config.Discriminator,
				CommissioningMode: discovery.CommissioningModeBasic,
				VendorID:          d.config.Info.VendorID,
				ProductID:         d.config.Info.ProductID,
				DeviceName:        d.config.Info.ProductName,
			})
			if err != nil {
				return err
			}
		}
	} else {
		d.advertiseOperational()
	}
	if d.log != nil {
		d.log.Infof("device started on %s, commissioned=%v", d.Transports.LocalAddr(), d.Commissioned())
	}
	return nil
}

func (d *Device) onCommissioned(index fabric.Index) {
	if !d.config.DisableAdvertise {
		d.Advertiser.StopCommissionable()
	}
	d.advertiseOperational()
	d.Advertiser.QuietAfterConnection()
	if d.log != nil {
		d.log.Infof("commissioned into %s", index)
	}
}

func (d *Device) advertiseOperational() {
	if d.config.DisableAdvertise {
		return
	}
	d.Fabrics.ForEach(func(info *fabric.Info) error {
		d.Advertiser.StartOperational(info.CompressedID, info.NodeID, &discovery.OperationalTXT{})
		return nil
	})
}

// Commissioned reports whether at least one fabric is provisioned.
func (d *Device) Commissioned() bool { return d.Fabrics.Count() > 0 }

// LocalAddr returns the UDP listen address.
func (d *Device) LocalAddr() net.Addr { return d.Transports.LocalAddr() }

// Close tears the stack down: advertiser, engine, exchanges, sessions,
// transports, then the endpoint tree.
func (d *Device) Close() {
	d.Advertiser.Close()
	d.Engine.Close()
	d.Exchanges.Close()
	d.Sessions.Close()
	d.Transports.Close()
	d.Model.Close()
}
