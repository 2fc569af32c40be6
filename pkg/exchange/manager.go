package exchange

import (
	"sync"

	"github.com/embermesh/matter/pkg/message"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/pion/logging"
)

// opcodeStandaloneAck is the Secure Channel MRP standalone
// acknowledgement opcode (Spec 4.12.9).
const opcodeStandaloneAck = 0x10

// recvBuffer is the per-exchange inbound queue depth.
const recvBuffer = 8

// Handler serves inbound exchanges for one protocol id. It runs on its
// own goroutine per exchange and owns the exchange until it returns.
type Handler interface {
	HandleExchange(ex *Exchange, first *Received)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ex *Exchange, first *Received)

func (f HandlerFunc) HandleExchange(ex *Exchange, first *Received) { f(ex, first) }

// Manager owns the exchange table: it allocates exchange ids, routes
// inbound messages to exchanges or protocol handlers, and runs MRP.
type Manager struct {
	sessions   *session.Manager
	transports *transport.Manager

	mu        sync.Mutex
	exchanges map[exchangeKey]*Exchange
	handlers  map[message.ProtocolID]Handler
	nextEID   uint16
	closed    bool

	retrans   *retransmitTable
	unsecured *message.Counter

	log logging.LeveledLogger
}

// ManagerConfig configures an exchange manager.
type ManagerConfig struct {
	SessionManager   *session.Manager
	TransportManager *transport.Manager
	LoggerFactory    logging.LoggerFactory
}

// NewManager creates an exchange manager. Wire its OnInbound to the
// transport handler.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		sessions:   config.SessionManager,
		transports: config.TransportManager,
		exchanges:  make(map[exchangeKey]*Exchange),
		handlers:   make(map[message.ProtocolID]Handler),
		nextEID:    1,
		retrans:    newRetransmitTable(),
		unsecured:  message.NewCounter(),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("exchange")
	}
	return m
}

// RegisterProtocol installs the handler for inbound exchanges of one
// protocol.
func (m *Manager) RegisterProtocol(id message.ProtocolID, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.handlers[id]; dup {
		return ErrDuplicateProtocol
	}
	m.handlers[id] = h
	return nil
}

// NewExchange opens an initiator exchange over a secure session.
func (m *Manager) NewExchange(sess *session.Secure, peer transport.Peer, protocol message.ProtocolID) (*Exchange, error) {
	return m.newExchange(sess, peer, protocol, 0, true)
}

// NewUnsecuredExchange opens an initiator exchange on the unsecured
// session (PASE/CASE establishment).
func (m *Manager) NewUnsecuredExchange(peer transport.Peer, protocol message.ProtocolID) (*Exchange, error) {
	return m.newExchange(nil, peer, protocol, 0, true)
}

func (m *Manager) newExchange(sess *session.Secure, peer transport.Peer, protocol message.ProtocolID, id uint16, initiator bool) (*Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if initiator {
		id = m.nextEID
		m.nextEID++
		if m.nextEID == 0 {
			m.nextEID = 1
		}
	}
	ex := &Exchange{
		id:        id,
		initiator: initiator,
		protocol:  protocol,
		sess:      sess,
		peer:      peer,
		mgr:       m,
		recvCh:    make(chan *Received, recvBuffer),
		closeCh:   make(chan struct{}),
	}
	ex.key = m.keyFor(sess, peer, id)
	m.exchanges[ex.key] = ex
	return ex, nil
}

func (m *Manager) keyFor(sess *session.Secure, peer transport.Peer, eid uint16) exchangeKey {
	if sess != nil {
		return exchangeKey{sessionID: sess.LocalID(), exchangeID: eid}
	}
	return exchangeKey{exchangeID: eid, peer: peer.String()}
}

// forget removes a closed exchange from the table.
func (m *Manager) forget(ex *Exchange) {
	m.retrans.drop(ex.key)
	m.mu.Lock()
	if m.exchanges[ex.key] == ex {
		delete(m.exchanges, ex.key)
	}
	m.mu.Unlock()
}

// send encodes, transmits, and (for reliable sends on unreliable
// channels) tracks one outbound message.
func (m *Manager) send(ex *Exchange, ph *message.ProtocolHeader, payload []byte) error {
	var wire []byte
	var counter uint32
	if ex.sess != nil {
		var err error
		wire, err = ex.sess.Encrypt(ph, payload)
		if err != nil {
			return err
		}
		hdr, _, err := message.DecodeHeader(wire)
		if err != nil {
			return err
		}
		counter = hdr.MessageCounter
	} else {
		hdr := &message.Header{MessageCounter: m.unsecured.Next()}
		counter = hdr.MessageCounter
		wire = hdr.Encode(nil)
		wire = ph.Encode(wire)
		wire = append(wire, payload...)
	}

	if ph.NeedsAck && ex.peer.Kind == transport.KindUDP {
		params := session.DefaultParams()
		if ex.sess != nil {
			params = ex.sess.Params()
		}
		interval := params.IdleInterval
		if ex.sess != nil && ex.sess.PeerActive() {
			interval = params.ActiveInterval
		}
		err := m.retrans.add(ex.key, counter, wire, ex.peer, interval,
			func(e *retransmitEntry) {
				if m.log != nil {
					m.log.Debugf("retransmit #%d counter=%d", e.attempts, e.counter)
				}
				m.transports.Send(e.wire, e.peer)
			},
			func(key exchangeKey) {
				m.failExchange(key, ErrNoResponseTimeout)
			})
		if err != nil {
			return err
		}
	}
	return m.transports.Send(wire, ex.peer)
}

// sendStandaloneAck emits a bare Secure Channel acknowledgement.
func (m *Manager) sendStandaloneAck(ex *Exchange, counter uint32) {
	ph := &message.ProtocolHeader{
		ExchangeID: ex.id,
		ProtocolID: message.ProtocolSecureChannel,
		Opcode:     opcodeStandaloneAck,
		Initiator:  ex.initiator,
		AckPresent: true,
		AckCounter: counter,
	}
	if err := m.send(ex, ph, nil); err != nil && m.log != nil {
		m.log.Warnf("standalone ack: %v", err)
	}
}

func (m *Manager) failExchange(key exchangeKey, err error) {
	m.mu.Lock()
	ex := m.exchanges[key]
	m.mu.Unlock()
	if ex != nil {
		ex.fail(err)
	}
}

// OnInbound is the transport handler: it decodes, decrypts and routes
// one datagram. Malformed messages are dropped (framing errors never
// crash the node).
func (m *Manager) OnInbound(in *transport.Inbound) {
	hdr, n, err := message.DecodeHeader(in.Data)
	if err != nil {
		if m.log != nil {
			m.log.Debugf("drop malformed header from %s: %v", in.From, err)
		}
		return
	}

	var (
		ph      *message.ProtocolHeader
		payload []byte
		sess    *session.Secure
	)
	if hdr.SessionID == 0 && hdr.SessionType == message.SessionTypeUnicast {
		var pn int
		ph, pn, err = message.DecodeProtocolHeader(in.Data[n:])
		if err != nil {
			return
		}
		payload = in.Data[n+pn:]
	} else {
		sess, err = m.sessions.Get(hdr.SessionID)
		if err != nil {
			if m.log != nil {
				m.log.Debugf("drop message for unknown session %d", hdr.SessionID)
			}
			return
		}
		ph, payload, err = sess.Decrypt(hdr, in.Data, n)
		if err != nil {
			if m.log != nil {
				m.log.Debugf("drop undecryptable message on session %d: %v", hdr.SessionID, err)
			}
			return
		}
	}

	if ph.AckPresent {
		m.retrans.ack(ph.AckCounter)
	}

	key := m.keyFor(sess, in.From, ph.ExchangeID)
	m.mu.Lock()
	ex, known := m.exchanges[key]
	m.mu.Unlock()

	standalone := ph.ProtocolID == message.ProtocolSecureChannel && ph.Opcode == opcodeStandaloneAck

	if !known {
		if standalone || !ph.Initiator {
			// An ack or a response for an exchange we no longer hold.
			return
		}
		m.mu.Lock()
		h := m.handlers[ph.ProtocolID]
		m.mu.Unlock()
		if h == nil {
			if m.log != nil {
				m.log.Debugf("no handler for protocol 0x%04X", uint16(ph.ProtocolID))
			}
			return
		}
		ex, err = m.newExchange(sess, in.From, ph.ProtocolID, ph.ExchangeID, false)
		if err != nil {
			return
		}
		if ph.NeedsAck && in.From.Kind == transport.KindUDP {
			ex.noteInboundAckable(hdr.MessageCounter)
		}
		go h.HandleExchange(ex, &Received{Header: ph, Payload: payload})
		return
	}

	if ph.NeedsAck && in.From.Kind == transport.KindUDP {
		ex.noteInboundAckable(hdr.MessageCounter)
	}
	if standalone {
		return
	}
	ex.deliver(&Received{Header: ph, Payload: payload})
}

// CloseSession tears down every exchange riding a session.
func (m *Manager) CloseSession(localSessionID uint16) {
	m.mu.Lock()
	var victims []*Exchange
	for key, ex := range m.exchanges {
		if key.sessionID == localSessionID && key.sessionID != 0 {
			victims = append(victims, ex)
		}
	}
	m.mu.Unlock()
	for _, ex := range victims {
		ex.Close()
	}
}

// Close tears down the manager and every exchange.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	victims := make([]*Exchange, 0, len(m.exchanges))
	for _, ex := range m.exchanges {
		victims = append(victims, ex)
	}
	m.mu.Unlock()
	for _, ex := range victims {
		ex.Close()
	}
	m.retrans.close()
}
