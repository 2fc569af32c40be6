package matter

import (
	"context"
	"net"
	"time"

	"github.com/embermesh/matter/pkg/commissioning"
	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/discovery"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/im"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/securechannel"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/statestream"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/subscription"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/pion/logging"
)

// Controller is a commissioning controller node.
type Controller struct {
	config ControllerConfig
	log    logging.LeveledLogger

	Fabrics      *fabric.Table
	Sessions     *session.Manager
	Exchanges    *exchange.Manager
	Transports   *transport.Manager
	Scanner      *discovery.Scanner
	Secure       *securechannel.Manager
	Client       *im.Client
	Commissioner *commissioning.Commissioner
	Changes      *statestream.Service
}

// NewController wires a controller stack.
func NewController(config ControllerConfig) (*Controller, error) {
	config.applyDefaults()
	c := &Controller{config: config}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("controller")
	}

	var err error
	c.Fabrics, err = fabric.NewTable(fabric.TableConfig{
		Storage: storage.NewContext(config.Storage, storage.ContextFabrics),
	})
	if err != nil {
		return nil, err
	}

	c.Sessions = session.NewManager(session.ManagerConfig{
		Resumption:    storage.NewContext(config.Storage, storage.ContextResumption),
		LoggerFactory: config.LoggerFactory,
	})

	c.Transports, err = transport.NewManager(transport.ManagerConfig{
		Port:          config.Port,
		UDPConn:       config.UDPConn,
		Handler:       func(in *transport.Inbound) { c.Exchanges.OnInbound(in) },
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	c.Exchanges = exchange.NewManager(exchange.ManagerConfig{
		SessionManager:   c.Sessions,
		TransportManager: c.Transports,
		LoggerFactory:    config.LoggerFactory,
	})

	c.Secure, err = securechannel.NewManager(securechannel.ManagerConfig{
		SessionManager:  c.Sessions,
		ExchangeManager: c.Exchanges,
		FabricTable:     c.Fabrics,
		LoggerFactory:   config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	// A controller runs an IM engine too: it receives pushed reports
	// and can serve reads of its own (minimal) model.
	engine := im.NewEngine(im.EngineConfig{
		Model:         node.New(node.Config{}),
		LoggerFactory: config.LoggerFactory,
	})
	engine.SetExchangeManager(c.Exchanges)
	if err := c.Exchanges.RegisterProtocol(im.ProtocolID, engine); err != nil {
		return nil, err
	}
	c.Client = im.NewClient(engine, c.Exchanges)

	c.Scanner = discovery.NewScanner(discovery.ScannerConfig{
		Browser:       config.Browser,
		LoggerFactory: config.LoggerFactory,
	})

	c.Commissioner, err = commissioning.NewCommissioner(commissioning.CommissionerConfig{
		Scanner:       c.Scanner,
		SecureChannel: c.Secure,
		IMClient:      c.Client,
		Fabrics:       c.Fabrics,
		VendorID:      config.VendorID,
		FabricID:      config.FabricID,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	c.Changes = statestream.NewService(statestream.ServiceConfig{LoggerFactory: config.LoggerFactory})
	return c, nil
}

// Commission onboards one device and returns its peer registry entry.
func (c *Controller) Commission(ctx context.Context, opts commissioning.CommissionOptions) (*commissioning.Peer, error) {
	return c.Commissioner.Commission(ctx, opts)
}

// Peers returns the commissioned-node registry.
func (c *Controller) Peers() []*commissioning.Peer { return c.Commissioner.Peers() }

// Invoke runs a command on a commissioned peer.
func (c *Controller) Invoke(ctx context.Context, peer *commissioning.Peer, path datamodel.ConcreteCommandPath, fields []byte) (*im.InvokeResponse, error) {
	return c.Client.Invoke(ctx, peer.Session, peer.Address, []im.InvokeItem{{Path: path, Fields: fields}}, 0)
}

// Read reads attributes from a commissioned peer.
func (c *Controller) Read(ctx context.Context, peer *commissioning.Peer, paths ...datamodel.AttributePath) (*im.ReportData, error) {
	return c.Client.Read(ctx, peer.Session, peer.Address, &im.ReadRequest{Attributes: paths})
}

// Subscribe opens a wire subscription on a peer.
func (c *Controller) Subscribe(ctx context.Context, peer *commissioning.Peer, opts im.SubscribeOptions) (*im.ClientSubscription, *im.ReportData, error) {
	return c.Client.Subscribe(ctx, peer.Session, peer.Address, opts)
}

// SustainedSubscribe wraps Subscribe in automatic re-establishment:
// on loss, the peer is re-resolved by CASE and the subscription
// renewed with the same request.
func (c *Controller) SustainedSubscribe(ctx context.Context, peerNode fabric.NodeID, address transport.Peer, request *im.SubscribeRequest, onReport func(*im.ReportData)) *subscription.Sustained {
	sustained := subscription.New(subscription.Config{
		OnReport:      onReport,
		LoggerFactory: c.config.LoggerFactory,
		Establish: func(ctx context.Context, report func(*im.ReportData), onTimeout func()) (*im.ClientSubscription, error) {
			sess := c.Sessions.FindCASE(c.Commissioner.Fabric().Index, peerNode)
			if sess == nil {
				var err error
				sess, err = c.Secure.EstablishCASE(ctx, address, c.Commissioner.Fabric(), peerNode)
				if err != nil {
					return nil, err
				}
			}
			sub, _, err := c.Client.Subscribe(ctx, sess, address, im.SubscribeOptions{
				Request:   request,
				OnReport:  report,
				OnTimeout: onTimeout,
			})
			return sub, err
		},
	})
	sustained.Start(ctx)
	return sustained
}

// LocalAddr returns the UDP listen address.
func (c *Controller) LocalAddr() net.Addr { return c.Transports.LocalAddr() }

// Close tears the controller down.
func (c *Controller) Close() {
	c.Exchanges.Close()
	c.Sessions.Close()
	c.Transports.Close()
}

// WaitForPeerSession polls until an operational session to the peer
// exists or the timeout lapses (tests).
func (c *Controller) WaitForPeerSession(peerNode fabric.NodeID, timeout time.Duration) *session.Secure {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s := c.Sessions.FindCASE(c.Commissioner.Fabric().Index, peerNode); s != nil {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
