package field

import "github.com/nerrad567/gray-logic-mesh/internal/fault"

// Domain errors for the field package.
var (
	// ErrUnknownField is returned for an id or name that is not registered.
	ErrUnknownField = fault.New(fault.ErrValidation, "field: unknown field")

	// ErrDuplicateField is returned when two definitions share a name.
	ErrDuplicateField = fault.New(fault.ErrValidation, "field: duplicate name")

	// ErrInvalidDef is returned when a definition is malformed.
	ErrInvalidDef = fault.New(fault.ErrValidation, "field: invalid definition")

	// ErrAccessViolation is returned when writing a read-only field.
	ErrAccessViolation = fault.New(fault.ErrAccessViolation, "field: access violation")

	// ErrKindMismatch is returned when a value's kind differs from the field's.
	ErrKindMismatch = fault.New(fault.ErrValidation, "field: value kind mismatch")

	// ErrOutOfLimits is returned when a value fails the field's limits.
	ErrOutOfLimits = fault.New(fault.ErrValidation, "field: value out of limits")

	// ErrNotReady is returned when the unit behind a field is not yet viable.
	ErrNotReady = fault.New(fault.ErrNotReady, "field: unit not ready")
)
