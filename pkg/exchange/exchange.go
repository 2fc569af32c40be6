// Package exchange implements the Matter exchange layer: short-lived
// request/response conversations multiplexed over sessions, with MRP
// reliability on unreliable channels (Spec 4.10, 4.12).
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/message"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/transport"
)

// Received is one inbound message delivered to an exchange.
type Received struct {
	Header  *message.ProtocolHeader
	Payload []byte
}

// exchangeKey identifies an exchange in the manager table. The peer
// string disambiguates unsecured exchanges, which all share session 0.
type exchangeKey struct {
	sessionID  uint16
	exchangeID uint16
	peer       string
}

// Exchange is one logical conversation. Messages within it are
// delivered in arrival order; closing it cancels pending receives.
type Exchange struct {
	id        uint16
	initiator bool
	protocol  message.ProtocolID

	sess *session.Secure // nil for unsecured exchanges
	peer transport.Peer
	mgr  *Manager
	key  exchangeKey

	recvCh  chan *Received
	closeCh chan struct{}
	once    sync.Once

	mu         sync.Mutex
	pendingAck uint32
	hasPending bool
	failErr    error
}

// ID returns the exchange id.
func (ex *Exchange) ID() uint16 { return ex.id }

// Initiator reports whether this side opened the exchange.
func (ex *Exchange) Initiator() bool { return ex.initiator }

// Session returns the underlying secure session, nil when unsecured.
func (ex *Exchange) Session() *session.Secure { return ex.sess }

// Peer returns the transport address of the remote side.
func (ex *Exchange) Peer() transport.Peer { return ex.peer }

// Protocol returns the protocol id this exchange speaks.
func (ex *Exchange) Protocol() message.ProtocolID { return ex.protocol }

// Send transmits one message on the exchange. When reliable is true
// and the channel is unreliable, the message is tracked by MRP until
// acknowledged.
func (ex *Exchange) Send(opcode uint8, payload []byte, reliable bool) error {
	select {
	case <-ex.closeCh:
		return ErrClosed
	default:
	}

	ph := &message.ProtocolHeader{
		ExchangeID: ex.id,
		ProtocolID: ex.protocol,
		Opcode:     opcode,
		Initiator:  ex.initiator,
		NeedsAck:   reliable,
	}
	ex.mu.Lock()
	if ex.hasPending {
		ph.AckPresent = true
		ph.AckCounter = ex.pendingAck
		ex.hasPending = false
	}
	ex.mu.Unlock()

	return ex.mgr.send(ex, ph, payload)
}

// Recv blocks until the next message arrives, the context is done, or
// the exchange closes.
func (ex *Exchange) Recv(ctx context.Context) (*Received, error) {
	select {
	case r, ok := <-ex.recvCh:
		if !ok {
			return nil, ex.closeErr()
		}
		return r, nil
	case <-ex.closeCh:
		return nil, ex.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ex *Exchange) closeErr() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.failErr != nil {
		return ex.failErr
	}
	return ErrClosed
}

// fail records a terminal error (e.g. MRP exhaustion) and closes the
// exchange; pending receives observe the error.
func (ex *Exchange) fail(err error) {
	ex.mu.Lock()
	if ex.failErr == nil {
		ex.failErr = err
	}
	ex.mu.Unlock()
	ex.Close()
}

// RecvTimeout is Recv with a deadline.
func (ex *Exchange) RecvTimeout(d time.Duration) (*Received, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return ex.Recv(ctx)
}

// Close tears the exchange down, cancelling pending receives and any
// outstanding retransmission.
func (ex *Exchange) Close() {
	ex.once.Do(func() {
		close(ex.closeCh)
		ex.mgr.forget(ex)
	})
}

// noteInboundAckable records that the peer asked for an ack; the next
// Send piggybacks it, or a standalone ack goes out after a short
// delay.
func (ex *Exchange) noteInboundAckable(counter uint32) {
	ex.mu.Lock()
	ex.pendingAck = counter
	ex.hasPending = true
	ex.mu.Unlock()

	time.AfterFunc(standaloneAckDelay, func() {
		ex.mu.Lock()
		pending := ex.hasPending && ex.pendingAck == counter
		ex.mu.Unlock()
		if !pending {
			return
		}
		select {
		case <-ex.closeCh:
			return
		default:
		}
		ex.mgr.sendStandaloneAck(ex, counter)
		ex.mu.Lock()
		if ex.hasPending && ex.pendingAck == counter {
			ex.hasPending = false
		}
		ex.mu.Unlock()
	})
}

// deliver hands an inbound message to the waiting reader. Slow readers
// exert backpressure through the buffered channel; messages for a
// closed exchange are dropped.
func (ex *Exchange) deliver(r *Received) {
	select {
	case ex.recvCh <- r:
	case <-ex.closeCh:
	}
}
