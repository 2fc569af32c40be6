// Package session implements the secure session layer: symmetric
// encryption contexts established by PASE/CASE, the session table, and
// the MRP timing parameters peers advertise (Spec 4.12, 4.13).
package session

import "time"

// MRP timing defaults from Spec 4.12.8, used when the peer does not
// advertise its own parameters.
const (
	DefaultIdleInterval    = 500 * time.Millisecond
	DefaultActiveInterval  = 300 * time.Millisecond
	DefaultActiveThreshold = 4000 * time.Millisecond

	MaxIdleInterval    = time.Hour
	MaxActiveInterval  = time.Hour
	MaxActiveThreshold = 65535 * time.Millisecond
)

// Params are the session timing parameters exchanged during session
// establishment and advertised over DNS-SD (SII/SAI/SAT keys).
type Params struct {
	// IdleInterval is the MRP retry interval while the peer is idle.
	IdleInterval time.Duration

	// ActiveInterval is the MRP retry interval while the peer is
	// active.
	ActiveInterval time.Duration

	// ActiveThreshold is how long after its last transmission a peer
	// is still considered active.
	ActiveThreshold time.Duration
}

// DefaultParams returns the spec defaults.
func DefaultParams() Params {
	return Params{
		IdleInterval:    DefaultIdleInterval,
		ActiveInterval:  DefaultActiveInterval,
		ActiveThreshold: DefaultActiveThreshold,
	}
}

// WithDefaults fills zero fields from the spec defaults.
func (p Params) WithDefaults() Params {
	if p.IdleInterval == 0 {
		p.IdleInterval = DefaultIdleInterval
	}
	if p.ActiveInterval == 0 {
		p.ActiveInterval = DefaultActiveInterval
	}
	if p.ActiveThreshold == 0 {
		p.ActiveThreshold = DefaultActiveThreshold
	}
	return p
}

// Valid reports whether all parameters are inside the spec limits.
func (p Params) Valid() bool {
	return p.IdleInterval > 0 && p.IdleInterval <= MaxIdleInterval &&
		p.ActiveInterval > 0 && p.ActiveInterval <= MaxActiveInterval &&
		p.ActiveThreshold > 0 && p.ActiveThreshold <= MaxActiveThreshold
}
