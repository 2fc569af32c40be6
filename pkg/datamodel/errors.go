package datamodel

import "errors"

var (
	// ErrUnsupportedEndpoint indicates no such endpoint.
	ErrUnsupportedEndpoint = errors.New("datamodel: unsupported endpoint")

	// ErrUnsupportedCluster indicates no such cluster on the endpoint.
	ErrUnsupportedCluster = errors.New("datamodel: unsupported cluster")

	// ErrUnsupportedAttribute indicates no such attribute on the
	// cluster under the current feature map.
	ErrUnsupportedAttribute = errors.New("datamodel: unsupported attribute")

	// ErrUnsupportedCommand indicates no such command.
	ErrUnsupportedCommand = errors.New("datamodel: unsupported command")

	// ErrInvalidDataType indicates a value of the wrong TLV type.
	ErrInvalidDataType = errors.New("datamodel: invalid data type")

	// ErrConstraint indicates a value outside the schema constraint.
	ErrConstraint = errors.New("datamodel: constraint violation")

	// ErrOutOfRange indicates a value outside the base type range.
	ErrOutOfRange = errors.New("datamodel: value out of range")

	// ErrNotNullable indicates null written to a non-nullable
	// attribute.
	ErrNotNullable = errors.New("datamodel: attribute is not nullable")

	// ErrReadOnly indicates a write to a read-only or fixed attribute.
	ErrReadOnly = errors.New("datamodel: attribute is read-only")

	// ErrAccessDenied indicates insufficient privilege or a fabric
	// mismatch on a fabric-scoped element.
	ErrAccessDenied = errors.New("datamodel: access denied")

	// ErrNeedsTimedInteraction indicates a timed-only write or invoke
	// arrived outside a timed interaction.
	ErrNeedsTimedInteraction = errors.New("datamodel: needs timed interaction")

	// ErrBusy indicates the element is locked by another peer's
	// pending atomic write.
	ErrBusy = errors.New("datamodel: attribute busy")

	// ErrInvalidInState indicates an operation in the wrong state,
	// e.g. a plain write to an atomic attribute set or a commit with
	// no open atomic write.
	ErrInvalidInState = errors.New("datamodel: invalid in current state")
)
