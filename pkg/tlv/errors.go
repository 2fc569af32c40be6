package tlv

import "errors"

var (
	// ErrTruncated indicates the input ended inside an element.
	ErrTruncated = errors.New("tlv: truncated element")

	// ErrWrongType indicates the element is not of the requested type.
	ErrWrongType = errors.New("tlv: wrong element type")

	// ErrUnknownType indicates a reserved element type octet.
	ErrUnknownType = errors.New("tlv: unknown element type")

	// ErrContainerDepth indicates container nesting exceeded the limit.
	ErrContainerDepth = errors.New("tlv: container nesting too deep")

	// ErrNotInContainer indicates ExitContainer without EnterContainer.
	ErrNotInContainer = errors.New("tlv: not inside a container")

	// ErrUnbalanced indicates an end-of-container with no open container.
	ErrUnbalanced = errors.New("tlv: unbalanced end of container")

	// ErrEnd indicates no further elements at the current level.
	ErrEnd = errors.New("tlv: end of input")

	// ErrStringTooLong indicates a string exceeding the writer limit.
	ErrStringTooLong = errors.New("tlv: string too long")
)
