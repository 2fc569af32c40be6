package message

import "errors"

var (
	// ErrShortHeader indicates the buffer ended inside a header field.
	ErrShortHeader = errors.New("message: truncated header")

	// ErrBadVersion indicates an unsupported message version nibble.
	ErrBadVersion = errors.New("message: unsupported version")

	// ErrBadDestination indicates a reserved DSIZ value.
	ErrBadDestination = errors.New("message: invalid destination kind")

	// ErrCounterReplay indicates a message counter inside the replay
	// window that was already seen.
	ErrCounterReplay = errors.New("message: counter replay")

	// ErrCounterStale indicates a message counter older than the
	// replay window.
	ErrCounterStale = errors.New("message: counter too old")
)
