package transport

import (
	"net"
	"sync"

	"github.com/pion/logging"
)

// maxDatagram bounds a single received datagram.
const maxDatagram = 1500

// UDP is the connectionless Matter transport. It owns one PacketConn
// and delivers every received datagram to the handler.
type UDP struct {
	conn    net.PacketConn
	handler Handler
	log     logging.LeveledLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-opened packet connection (tests inject
	// pipes here). When nil, ListenAddr is bound.
	Conn net.PacketConn

	// ListenAddr defaults to ":5540"; use ":0" for an ephemeral port.
	ListenAddr string

	// Handler receives every datagram. Required.
	Handler Handler

	LoggerFactory logging.LoggerFactory
}

// NewUDP opens the socket and starts the read loop.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}
	u := &UDP{conn: config.Conn, handler: config.Handler}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport")
	}
	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":5540"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Send transmits one datagram to the peer.
func (u *UDP) Send(data []byte, to Peer) error {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := u.conn.WriteTo(data, to.Addr)
	return err
}

// Close stops the read loop and closes the socket.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFrom(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if !closed && u.log != nil {
				u.log.Warnf("udp read: %v", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		u.handler(&Inbound{Data: data, From: UDPPeer(from)})
	}
}
