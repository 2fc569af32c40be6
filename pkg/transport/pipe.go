package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Pipe is an in-memory packet pair for deterministic tests. It wraps a
// pion test bridge and pumps it from a background ticker, exposing the
// two ends as PacketConns that can be injected into UDPConfig.Conn.
type Pipe struct {
	bridge *test.Bridge
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	addr0, addr1 net.Addr
}

// NewPipe creates a pumping pipe. Close releases the pump goroutine.
func NewPipe() *Pipe {
	p := &Pipe{
		bridge: test.NewBridge(),
		stopCh: make(chan struct{}),
		addr0:  &net.UDPAddr{IP: net.IPv6loopback, Port: 5540},
		addr1:  &net.UDPAddr{IP: net.IPv6loopback, Port: 5541},
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
	return p
}

// Conn0 returns endpoint 0 as a PacketConn whose peer is Addr1.
func (p *Pipe) Conn0() net.PacketConn {
	return &pipeConn{conn: p.bridge.GetConn0(), local: p.addr0, remote: p.addr1}
}

// Conn1 returns endpoint 1 as a PacketConn whose peer is Addr0.
func (p *Pipe) Conn1() net.PacketConn {
	return &pipeConn{conn: p.bridge.GetConn1(), local: p.addr1, remote: p.addr0}
}

// Addr0 is the synthetic address of endpoint 0.
func (p *Pipe) Addr0() net.Addr { return p.addr0 }

// Addr1 is the synthetic address of endpoint 1.
func (p *Pipe) Addr1() net.Addr { return p.addr1 }

// Close stops the pump and closes both ends.
func (p *Pipe) Close() {
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.bridge.GetConn0().Close()
		p.bridge.GetConn1().Close()
	})
}

// pipeConn adapts the bridge's stream conn to net.PacketConn with
// fixed synthetic addresses.
type pipeConn struct {
	conn   net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.remote, err
}

func (c *pipeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.conn.Write(b)
}

func (c *pipeConn) Close() error                       { return c.conn.Close() }
func (c *pipeConn) LocalAddr() net.Addr                { return c.local }
func (c *pipeConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
