package exchange

import "errors"

var (
	// ErrClosed indicates the exchange or manager was torn down.
	ErrClosed = errors.New("exchange: closed")

	// ErrNoResponseTimeout indicates MRP exhausted its attempts
	// without an acknowledgement.
	ErrNoResponseTimeout = errors.New("exchange: no response from peer")

	// ErrUnknownProtocol indicates no handler registered for the
	// protocol id.
	ErrUnknownProtocol = errors.New("exchange: unknown protocol")

	// ErrDuplicateProtocol indicates a second handler registration for
	// one protocol id.
	ErrDuplicateProtocol = errors.New("exchange: protocol already registered")

	// ErrPendingRetransmit indicates a reliable send while the
	// previous one is still unacknowledged (per-exchange flow
	// control).
	ErrPendingRetransmit = errors.New("exchange: retransmission pending")
)
