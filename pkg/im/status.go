package im

import (
	"errors"
	"fmt"

	"github.com/embermesh/matter/pkg/datamodel"
)

// StatusCode is a Matter Interaction Model status (Spec 8.10).
type StatusCode uint8

const (
	StatusSuccess               StatusCode = 0x00
	StatusFailure               StatusCode = 0x01
	StatusInvalidSubscription   StatusCode = 0x7D
	StatusUnsupportedAccess     StatusCode = 0x7E
	StatusUnsupportedEndpoint   StatusCode = 0x7F
	StatusInvalidAction         StatusCode = 0x80
	StatusUnsupportedCommand    StatusCode = 0x81
	StatusInvalidCommand        StatusCode = 0x85
	StatusUnsupportedAttribute  StatusCode = 0x86
	StatusConstraintError       StatusCode = 0x87
	StatusUnsupportedWrite      StatusCode = 0x88
	StatusResourceExhausted     StatusCode = 0x89
	StatusNotFound              StatusCode = 0x8B
	StatusUnreportableAttribute StatusCode = 0x8C
	StatusInvalidDataType       StatusCode = 0x8D
	StatusUnsupportedRead       StatusCode = 0x8F
	StatusDataVersionMismatch   StatusCode = 0x92
	StatusTimeout               StatusCode = 0x94
	StatusBusy                  StatusCode = 0x9C
	StatusUnsupportedCluster    StatusCode = 0xC3
	StatusNoUpstreamSubscription StatusCode = 0xC5
	StatusNeedsTimedInteraction StatusCode = 0xC6
	StatusUnsupportedEvent      StatusCode = 0xC7
	StatusPathsExhausted        StatusCode = 0xC8
	StatusTimedRequestMismatch  StatusCode = 0xC9
	StatusFailsafeRequired      StatusCode = 0xCA
	StatusInvalidInState        StatusCode = 0xCB
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusInvalidSubscription:
		return "InvalidSubscription"
	case StatusUnsupportedAccess:
		return "UnsupportedAccess"
	case StatusUnsupportedEndpoint:
		return "UnsupportedEndpoint"
	case StatusInvalidAction:
		return "InvalidAction"
	case StatusUnsupportedCommand:
		return "UnsupportedCommand"
	case StatusUnsupportedAttribute:
		return "UnsupportedAttribute"
	case StatusConstraintError:
		return "ConstraintError"
	case StatusUnsupportedWrite:
		return "UnsupportedWrite"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusInvalidDataType:
		return "InvalidDataType"
	case StatusUnsupportedCluster:
		return "UnsupportedCluster"
	case StatusNeedsTimedInteraction:
		return "NeedsTimedInteraction"
	case StatusTimedRequestMismatch:
		return "TimedRequestMismatch"
	case StatusFailsafeRequired:
		return "FailsafeRequired"
	case StatusInvalidInState:
		return "InvalidInState"
	case StatusBusy:
		return "Busy"
	}
	return fmt.Sprintf("Status(0x%02X)", uint8(s))
}

// IsSuccess reports whether s is the success status.
func (s StatusCode) IsSuccess() bool { return s == StatusSuccess }

// StatusError carries a wire status through Go error returns.
type StatusError struct {
	Status StatusCode
}

func (e *StatusError) Error() string {
	return "im: status " + e.Status.String()
}

// Err converts a status to an error, nil for success.
func (s StatusCode) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusFromError translates data-model and engine errors to wire
// statuses in one place.
func StatusFromError(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	switch {
	case errors.Is(err, datamodel.ErrUnsupportedEndpoint):
		return StatusUnsupportedEndpoint
	case errors.Is(err, datamodel.ErrUnsupportedCluster):
		return StatusUnsupportedCluster
	case errors.Is(err, datamodel.ErrUnsupportedAttribute):
		return StatusUnsupportedAttribute
	case errors.Is(err, datamodel.ErrUnsupportedCommand):
		return StatusUnsupportedCommand
	case errors.Is(err, datamodel.ErrInvalidDataType):
		return StatusInvalidDataType
	case errors.Is(err, datamodel.ErrConstraint), errors.Is(err, datamodel.ErrOutOfRange),
		errors.Is(err, datamodel.ErrNotNullable):
		return StatusConstraintError
	case errors.Is(err, datamodel.ErrReadOnly):
		return StatusUnsupportedWrite
	case errors.Is(err, datamodel.ErrAccessDenied):
		return StatusUnsupportedAccess
	case errors.Is(err, datamodel.ErrNeedsTimedInteraction):
		return StatusNeedsTimedInteraction
	case errors.Is(err, datamodel.ErrBusy):
		return StatusBusy
	case errors.Is(err, datamodel.ErrInvalidInState):
		return StatusInvalidInState
	}
	return StatusFailure
}
