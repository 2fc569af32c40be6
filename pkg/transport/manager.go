package transport

import (
	"net"
	"strconv"
	"sync"

	"github.com/pion/logging"
)

// Manager routes sends to its UDP transport, the only one it opens,
// and funnels all received datagrams into one handler.
type Manager struct {
	udp     *UDP
	handler Handler

	mu     sync.RWMutex
	closed bool
}

// ManagerConfig configures a transport manager.
type ManagerConfig struct {
	// Port is the UDP listen port; 0 binds an ephemeral port.
	Port int

	// UDPConn optionally injects a pre-opened packet connection.
	UDPConn net.PacketConn

	// Handler receives every datagram from every transport. Required.
	Handler Handler

	LoggerFactory logging.LoggerFactory
}

// NewManager opens the configured transports.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}
	m := &Manager{handler: config.Handler}

	listen := ":0"
	if config.Port > 0 {
		listen = net.JoinHostPort("", strconv.Itoa(config.Port))
	}
	udp, err := NewUDP(UDPConfig{
		Conn:          config.UDPConn,
		ListenAddr:    listen,
		Handler:       m.dispatch,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	m.udp = udp
	return m, nil
}

func (m *Manager) dispatch(in *Inbound) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if !closed {
		m.handler(in)
	}
}

// Send routes a datagram to the transport for the peer's kind.
func (m *Manager) Send(data []byte, to Peer) error {
	switch to.Kind {
	case KindUDP:
		return m.udp.Send(data, to)
	default:
		return ErrUnsupportedKind
	}
}

// LocalAddr returns the UDP listen address.
func (m *Manager) LocalAddr() net.Addr { return m.udp.LocalAddr() }

// Close shuts down every transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.udp.Close()
}
