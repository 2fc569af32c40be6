package session

import "errors"

var (
	// ErrNoFreeSessionID indicates the local session id space is
	// exhausted.
	ErrNoFreeSessionID = errors.New("session: no free local session id")

	// ErrNotFound indicates no session with the given local id.
	ErrNotFound = errors.New("session: not found")

	// ErrClosed indicates use of a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrBadKeys indicates session keys of the wrong size.
	ErrBadKeys = errors.New("session: invalid key material")
)
