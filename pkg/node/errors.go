package node

import "errors"

var (
	// ErrEndpointExists indicates a duplicate endpoint number.
	ErrEndpointExists = errors.New("node: endpoint already exists")

	// ErrEndpointNotFound indicates no endpoint with that number.
	ErrEndpointNotFound = errors.New("node: endpoint not found")

	// ErrRootReserved indicates an attempt to add or remove endpoint 0.
	ErrRootReserved = errors.New("node: root endpoint is reserved")

	// ErrMissingRequiredCluster indicates a device type's required
	// server cluster is absent on the endpoint.
	ErrMissingRequiredCluster = errors.New("node: required cluster missing for device type")

	// ErrBehaviorCrashed indicates an interaction with a quarantined
	// behavior.
	ErrBehaviorCrashed = errors.New("node: behavior crashed")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("node: closed")
)
