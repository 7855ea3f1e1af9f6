package capability

import "github.com/nerrad567/gray-logic-mesh/internal/fault"

// Domain errors for the capability package.
var (
	// ErrDuplicate is returned when a set already holds the id.
	ErrDuplicate = fault.New(fault.ErrValidation, "capability: duplicate id")

	// ErrUnsupported is returned for an operation the capability or its
	// negotiated version does not offer.
	ErrUnsupported = fault.New(fault.ErrCapabilityMismatch, "capability: operation not supported")

	// ErrMalformed is returned for a report that cannot be decoded.
	ErrMalformed = fault.New(fault.ErrProtocol, "capability: malformed report")

	// ErrOutOfRange is returned when a value does not fit its encoding.
	ErrOutOfRange = fault.New(fault.ErrValidation, "capability: value out of range")

	// ErrUnknownKey is returned when a point key does not exist.
	ErrUnknownKey = fault.New(fault.ErrValidation, "capability: unknown point")
)
