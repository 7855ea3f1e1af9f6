package unit

import "github.com/nerrad567/gray-logic-mesh/internal/fault"

// Domain errors for the unit package.
var (
	// ErrUnitNotFound is returned when a unit id is not in the registry.
	ErrUnitNotFound = fault.New(fault.ErrValidation, "unit: not found")

	// ErrInvalidID is returned for id 0 or an id above the network maximum.
	ErrInvalidID = fault.New(fault.ErrValidation, "unit: invalid id")

	// ErrDuplicateName is returned when another unit already has the name.
	ErrDuplicateName = fault.New(fault.ErrValidation, "unit: duplicate name")

	// ErrEmptyName is returned for a blank name.
	ErrEmptyName = fault.New(fault.ErrValidation, "unit: name is required")

	// ErrCapacity is returned when the registry is full.
	ErrCapacity = fault.New(fault.ErrValidation, "unit: network is full")

	// ErrInvalidTransition is returned for an out-of-order state change.
	ErrInvalidTransition = fault.New(fault.ErrValidation, "unit: invalid state transition")

	// ErrStaleState is returned when a unit is edited before it reached
	// GetInitVals, or changed state underneath an open edit.
	ErrStaleState = fault.New(fault.ErrNotReady, "unit: stale state, unit not editable")
)
