package fabric

import "errors"

var (
	// ErrTableFull indicates the supported-fabrics limit was reached.
	ErrTableFull = errors.New("fabric: table full")

	// ErrNotFound indicates no fabric with the given index.
	ErrNotFound = errors.New("fabric: not found")

	// ErrConflict indicates a fabric with the same root key and id
	// already exists.
	ErrConflict = errors.New("fabric: duplicate fabric")

	// ErrBadRootKey indicates a malformed root CA public key.
	ErrBadRootKey = errors.New("fabric: invalid root public key")

	// ErrBadInfo indicates an incomplete fabric record.
	ErrBadInfo = errors.New("fabric: incomplete fabric info")
)
