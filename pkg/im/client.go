package im

import (
	"context"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/transport"
)

// subscriptionGrace pads the client liveness window beyond
// maxInterval.
const subscriptionGrace = 2 * time.Second

// ClientSubscription is the client side of one live subscription.
type ClientSubscription struct {
	ID          uint32
	MaxInterval time.Duration

	onReport  func(*ReportData)
	onTimeout func()

	mu       sync.Mutex
	watchdog *time.Timer
	closed   bool
}

// Close cancels liveness tracking for the subscription.
func (s *ClientSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
}

func (s *ClientSubscription) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.watchdog == nil {
		return
	}
	s.watchdog.Reset(s.MaxInterval + subscriptionGrace)
}

// Client drives outbound Interaction Model operations for a
// controller and receives pushed subscription reports.
type Client struct {
	exchanges *exchange.Manager

	mu   sync.Mutex
	subs map[uint32]*ClientSubscription
}

// NewClient creates a client and installs it as the engine's report
// sink so pushed ReportData reaches subscriptions.
func NewClient(engine *Engine, exchanges *exchange.Manager) *Client {
	c := &Client{
		exchanges: exchanges,
		subs:      make(map[uint32]*ClientSubscription),
	}
	if engine != nil {
		engine.SetReportHandler(c.onReport)
	}
	return c
}

// onReport dispatches one pushed report to its subscription.
func (c *Client) onReport(rd *ReportData) bool {
	if !rd.HasSubscriptionID {
		return false
	}
	c.mu.Lock()
	sub := c.subs[rd.SubscriptionID]
	c.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.kick()
	if sub.onReport != nil {
		sub.onReport(rd)
	}
	return true
}

// readExchange drives one read-shaped exchange to completion,
// aggregating chunks.
func readExchange(ctx context.Context, ex *exchange.Exchange) (*ReportData, error) {
	total := &ReportData{}
	for {
		msg, err := ex.Recv(ctx)
		if err != nil {
			return nil, err
		}
		switch Opcode(msg.Header.Opcode) {
		case OpcodeStatusResponse:
			status, err := DecodeStatusResponse(msg.Payload)
			if err != nil {
				return nil, err
			}
			return nil, status.Err()
		case OpcodeReportData:
			rd, err := DecodeReportData(msg.Payload)
			if err != nil {
				return nil, err
			}
			total.Attributes = append(total.Attributes, rd.Attributes...)
			total.AttributeStatuses = append(total.AttributeStatuses, rd.AttributeStatuses...)
			total.Events = append(total.Events, rd.Events...)
			total.SubscriptionID = rd.SubscriptionID
			total.HasSubscriptionID = rd.HasSubscriptionID
			if !rd.SuppressResponse {
				if err := ex.Send(uint8(OpcodeStatusResponse), EncodeStatusResponse(StatusSuccess), true); err != nil {
					return nil, err
				}
			}
			if !rd.MoreChunks {
				return total, nil
			}
		default:
			return nil, StatusInvalidAction.Err()
		}
	}
}

// Read performs a read interaction.
func (c *Client) Read(ctx context.Context, sess *session.Secure, peer transport.Peer, req *ReadRequest) (*ReportData, error) {
	ex, err := c.exchanges.NewExchange(sess, peer, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer ex.Close()
	if err := ex.Send(uint8(OpcodeReadRequest), req.Encode(), true); err != nil {
		return nil, err
	}
	return readExchange(ctx, ex)
}

// sendTimed arms a timed interaction window on the exchange.
func sendTimed(ctx context.Context, ex *exchange.Exchange, timeout time.Duration) error {
	if err := ex.Send(uint8(OpcodeTimedRequest), EncodeTimedRequest(timeout), true); err != nil {
		return err
	}
	msg, err := ex.Recv(ctx)
	if err != nil {
		return err
	}
	if Opcode(msg.Header.Opcode) != OpcodeStatusResponse {
		return StatusInvalidAction.Err()
	}
	status, err := DecodeStatusResponse(msg.Payload)
	if err != nil {
		return err
	}
	return status.Err()
}

// Write performs a write interaction; a non-zero timed duration sends
// the TimedRequest preamble.
func (c *Client) Write(ctx context.Context, sess *session.Secure, peer transport.Peer, writes []WriteItem, timed time.Duration) ([]AttributeStatus, error) {
	ex, err := c.exchanges.NewExchange(sess, peer, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	if timed > 0 {
		if err := sendTimed(ctx, ex, timed); err != nil {
			return nil, err
		}
	}
	req := &WriteRequest{Writes: writes, TimedRequest: timed > 0}
	if err := ex.Send(uint8(OpcodeWriteRequest), req.Encode(), true); err != nil {
		return nil, err
	}
	msg, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	switch Opcode(msg.Header.Opcode) {
	case OpcodeWriteResponse:
		return DecodeWriteResponse(msg.Payload)
	case OpcodeStatusResponse:
		status, err := DecodeStatusResponse(msg.Payload)
		if err != nil {
			return nil, err
		}
		return nil, status.Err()
	}
	return nil, StatusInvalidAction.Err()
}

// Invoke performs an invoke interaction.
func (c *Client) Invoke(ctx context.Context, sess *session.Secure, peer transport.Peer, invokes []InvokeItem, timed time.Duration) (*InvokeResponse, error) {
	ex, err := c.exchanges.NewExchange(sess, peer, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	if timed > 0 {
		if err := sendTimed(ctx, ex, timed); err != nil {
			return nil, err
		}
	}
	req := &InvokeRequest{Invokes: invokes, TimedRequest: timed > 0}
	if err := ex.Send(uint8(OpcodeInvokeRequest), req.Encode(), true); err != nil {
		return nil, err
	}
	msg, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	switch Opcode(msg.Header.Opcode) {
	case OpcodeInvokeResponse:
		return DecodeInvokeResponse(msg.Payload)
	case OpcodeStatusResponse:
		status, err := DecodeStatusResponse(msg.Payload)
		if err != nil {
			return nil, err
		}
		return nil, status.Err()
	}
	return nil, StatusInvalidAction.Err()
}

// SubscribeOptions configures a client subscription.
type SubscribeOptions struct {
	Request  *SubscribeRequest
	OnReport func(*ReportData)

	// OnTimeout fires when no report or keepalive arrives within
	// maxInterval plus grace; the subscription is already removed.
	OnTimeout func()
}

// Subscribe establishes a subscription: request, SubscribeResponse,
// priming report. Pushed reports then arrive via the engine's report
// sink.
func (c *Client) Subscribe(ctx context.Context, sess *session.Secure, peer transport.Peer, opts SubscribeOptions) (*ClientSubscription, *ReportData, error) {
	ex, err := c.exchanges.NewExchange(sess, peer, ProtocolID)
	if err != nil {
		return nil, nil, err
	}
	defer ex.Close()

	if err := ex.Send(uint8(OpcodeSubscribeRequest), opts.Request.Encode(), true); err != nil {
		return nil, nil, err
	}
	msg, err := ex.Recv(ctx)
	if err != nil {
		return nil, nil, err
	}
	switch Opcode(msg.Header.Opcode) {
	case OpcodeSubscribeResponse:
	case OpcodeStatusResponse:
		status, derr := DecodeStatusResponse(msg.Payload)
		if derr != nil {
			return nil, nil, derr
		}
		return nil, nil, status.Err()
	default:
		return nil, nil, StatusInvalidAction.Err()
	}
	subID, maxInterval, err := DecodeSubscribeResponse(msg.Payload)
	if err != nil {
		return nil, nil, err
	}

	priming, err := readExchange(ctx, ex)
	if err != nil {
		return nil, nil, err
	}

	sub := &ClientSubscription{
		ID:          subID,
		MaxInterval: maxInterval,
		onReport:    opts.OnReport,
		onTimeout:   opts.OnTimeout,
	}
	sub.watchdog = time.AfterFunc(maxInterval+subscriptionGrace, func() {
		c.dropSubscription(sub.ID)
		if sub.onTimeout != nil {
			sub.onTimeout()
		}
	})

	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()
	return sub, priming, nil
}

func (c *Client) dropSubscription(id uint32) {
	c.mu.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Unsubscribe removes a subscription client-side.
func (c *Client) Unsubscribe(id uint32) {
	c.dropSubscription(id)
}
