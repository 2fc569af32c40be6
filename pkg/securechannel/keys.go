package securechannel

import "github.com/embermesh/matter/pkg/crypto"

// SessionKeys are the directional keys a completed handshake yields.
type SessionKeys struct {
	I2R                  []byte
	R2I                  []byte
	AttestationChallenge []byte
}

// deriveSessionKeys expands the handshake secret into the three
// 128-bit session keys (Spec 4.14.1.5 / 4.14.2.8).
func deriveSessionKeys(secret, salt []byte) (*SessionKeys, error) {
	out, err := crypto.KDF(secret, salt, []byte("SessionKeys"), 3*crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{
		I2R:                  out[0:16],
		R2I:                  out[16:32],
		AttestationChallenge: out[32:48],
	}, nil
}
