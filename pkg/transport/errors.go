package transport

import "errors"

var (
	// ErrNoHandler indicates a transport was built without a handler.
	ErrNoHandler = errors.New("transport: message handler required")

	// ErrClosed indicates a send on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrUnsupportedKind indicates a send to a peer kind this manager
	// has no transport for.
	ErrUnsupportedKind = errors.New("transport: unsupported channel kind")
)
