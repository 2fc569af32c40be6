package discovery

import "errors"

var (
	// ErrClosed indicates use of a closed advertiser or scanner.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyAdvertising indicates a duplicate Start for one
	// service type.
	ErrAlreadyAdvertising = errors.New("discovery: already advertising")

	// ErrBadDiscriminator indicates a discriminator above 12 bits.
	ErrBadDiscriminator = errors.New("discovery: discriminator out of range")

	// ErrBadDeviceName indicates a device name over 32 characters.
	ErrBadDeviceName = errors.New("discovery: device name too long")

	// ErrNotFound indicates discovery finished without a match.
	ErrNotFound = errors.New("discovery: no matching device found")
)
