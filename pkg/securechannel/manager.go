package securechannel

import (
	"context"
	"time"

	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/pion/logging"
)

// establishTimeout bounds one full handshake.
const establishTimeout = 30 * time.Second

// Callbacks notify the node of session lifecycle events.
type Callbacks struct {
	OnSessionEstablished func(*session.Secure)
	OnSessionError       func(stage string, err error)
}

// Manager is the Secure Channel protocol handler: it answers inbound
// PASE/CASE handshakes and drives outbound ones, installing completed
// sessions into the session table.
type Manager struct {
	sessions  *session.Manager
	exchanges *exchange.Manager
	fabrics   *fabric.Table
	callbacks Callbacks

	// verifier supplies the PASE record while a commissioning window
	// is open; nil rejects PASE.
	verifier func() *PaseVerifier

	log logging.LeveledLogger
}

// ManagerConfig configures the secure channel manager.
type ManagerConfig struct {
	SessionManager  *session.Manager
	ExchangeManager *exchange.Manager
	FabricTable     *fabric.Table

	// PaseVerifier returns the active commissioning-window verifier,
	// or nil when no window is open.
	PaseVerifier func() *PaseVerifier

	Callbacks     Callbacks
	LoggerFactory logging.LoggerFactory
}

// NewManager creates the manager and registers it for the Secure
// Channel protocol.
func NewManager(config ManagerConfig) (*Manager, error) {
	m := &Manager{
		sessions:  config.SessionManager,
		exchanges: config.ExchangeManager,
		fabrics:   config.FabricTable,
		verifier:  config.PaseVerifier,
		callbacks: config.Callbacks,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("securechannel")
	}
	if err := config.ExchangeManager.RegisterProtocol(ProtocolID, m); err != nil {
		return nil, err
	}
	return m, nil
}

// HandleExchange serves one inbound secure channel exchange.
func (m *Manager) HandleExchange(ex *exchange.Exchange, first *exchange.Received) {
	defer ex.Close()
	ctx, cancel := context.WithTimeout(context.Background(), establishTimeout)
	defer cancel()

	switch Opcode(first.Header.Opcode) {
	case OpcodePBKDFParamRequest:
		m.respondPASE(ctx, ex, first)
	case OpcodeSigma1:
		m.respondCASE(ctx, ex, first)
	case OpcodeStatusReport:
		if report, err := DecodeStatusReport(first.Payload); err == nil &&
			report.ProtocolCode == StatusCloseSession && ex.Session() != nil {
			m.sessions.Remove(ex.Session().LocalID())
			m.exchanges.CloseSession(ex.Session().LocalID())
		}
	default:
		if m.log != nil {
			m.log.Debugf("unhandled secure channel opcode %s", Opcode(first.Header.Opcode))
		}
	}
}

func (m *Manager) respondPASE(ctx context.Context, ex *exchange.Exchange, first *exchange.Received) {
	var verifier *PaseVerifier
	if m.verifier != nil {
		verifier = m.verifier()
	}
	if verifier == nil {
		ex.Send(uint8(OpcodeStatusReport), failureReport(StatusBusy), true)
		m.fail("pase", ErrNoCommissioningWindow)
		return
	}
	localID, err := m.sessions.NextLocalID()
	if err != nil {
		m.fail("pase", err)
		return
	}
	result, err := PaseRespond(ctx, ex, first, verifier, localID)
	if err != nil {
		m.fail("pase", err)
		return
	}
	m.install(result, session.TypePASE, session.RoleResponder)
}

func (m *Manager) respondCASE(ctx context.Context, ex *exchange.Exchange, first *exchange.Received) {
	localID, err := m.sessions.NextLocalID()
	if err != nil {
		m.fail("case", err)
		return
	}
	result, err := CaseRespond(ctx, ex, first, m.fabrics, m.sessions.FindResumptionByID, localID)
	if err != nil {
		m.fail("case", err)
		return
	}
	m.install(result, session.TypeCASE, session.RoleResponder)
}

// install registers a completed handshake as a live session.
func (m *Manager) install(result *EstablishResult, typ session.Type, role session.Role) {
	fabIndex := fabric.Index(result.FabricIndex)
	var localNode fabric.NodeID
	if fab := m.fabrics.Get(fabIndex); fab != nil {
		localNode = fab.NodeID
	}
	sess, err := session.NewSecure(session.SecureConfig{
		Type:           typ,
		Role:           role,
		LocalSessionID: result.LocalSessionID,
		PeerSessionID:  result.PeerSessionID,
		I2RKey:         result.Keys.I2R,
		R2IKey:         result.Keys.R2I,
		SharedSecret:   result.SharedSecret,
		FabricIndex:    fabIndex,
		LocalNodeID:    localNode,
		PeerNodeID:     fabric.NodeID(result.PeerNodeID),
		ResumptionID:   result.ResumptionID,
		Params:         result.Params,
	})
	if err != nil {
		m.fail("install", err)
		return
	}
	m.sessions.Add(sess)
	if typ == session.TypeCASE {
		m.sessions.SaveResumption(sess)
	}
	if m.callbacks.OnSessionEstablished != nil {
		m.callbacks.OnSessionEstablished(sess)
	}
	if m.log != nil {
		m.log.Infof("%s session %d established", typ, sess.LocalID())
	}
}

func (m *Manager) fail(stage string, err error) {
	if m.log != nil {
		m.log.Warnf("%s establishment failed: %v", stage, err)
	}
	if m.callbacks.OnSessionError != nil {
		m.callbacks.OnSessionError(stage, err)
	}
}

// EstablishPASE drives the initiator side of PASE to the peer address
// and installs the resulting session.
func (m *Manager) EstablishPASE(ctx context.Context, peer transport.Peer, passcode uint32) (*session.Secure, error) {
	localID, err := m.sessions.NextLocalID()
	if err != nil {
		return nil, err
	}
	ex, err := m.exchanges.NewUnsecuredExchange(peer, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	result, err := PaseInitiate(ctx, ex, passcode, localID)
	if err != nil {
		m.fail("pase", err)
		return nil, err
	}
	m.install(result, session.TypePASE, session.RoleInitiator)
	return m.sessions.Get(result.LocalSessionID)
}

// EstablishCASE drives the initiator side of CASE to an operational
// peer and installs the resulting session, reusing stored resumption
// state when present.
func (m *Manager) EstablishCASE(ctx context.Context, peer transport.Peer, fab *fabric.Info, peerNodeID fabric.NodeID) (*session.Secure, error) {
	localID, err := m.sessions.NextLocalID()
	if err != nil {
		return nil, err
	}
	ex, err := m.exchanges.NewUnsecuredExchange(peer, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	resumptionID, resumptionSecret, _ := m.sessions.LoadResumption(peerNodeID)
	result, err := CaseInitiate(ctx, ex, fab, peerNodeID, localID, resumptionID, resumptionSecret)
	if err != nil {
		m.fail("case", err)
		return nil, err
	}
	m.install(result, session.TypeCASE, session.RoleInitiator)
	return m.sessions.Get(result.LocalSessionID)
}
