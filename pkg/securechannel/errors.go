package securechannel

import "errors"

var (
	// ErrMalformedMessage indicates an undecodable handshake message.
	ErrMalformedMessage = errors.New("securechannel: malformed message")

	// ErrUnexpectedMessage indicates a valid message in the wrong
	// handshake state.
	ErrUnexpectedMessage = errors.New("securechannel: unexpected message")

	// ErrEstablishmentFailed indicates the peer reported failure.
	ErrEstablishmentFailed = errors.New("securechannel: establishment failed")

	// ErrNoCommissioningWindow indicates PASE while no window is open.
	ErrNoCommissioningWindow = errors.New("securechannel: no commissioning window open")

	// ErrNoSharedTrustRoots indicates CASE found no fabric in common.
	ErrNoSharedTrustRoots = errors.New("securechannel: no shared trust roots")

	// ErrInvalidPasscode indicates a passcode from the forbidden list
	// or outside the valid range.
	ErrInvalidPasscode = errors.New("securechannel: invalid passcode")
)
