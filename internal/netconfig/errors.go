package netconfig

import (
	"errors"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

// Domain errors for the netconfig package.
var (
	// ErrGroupOutOfRange is returned for group id 0 or above the table size.
	ErrGroupOutOfRange = fault.New(fault.ErrValidation, "netconfig: group id out of range")

	// ErrDuplicateGroupName is returned when another slot already has the name.
	ErrDuplicateGroupName = fault.New(fault.ErrValidation, "netconfig: duplicate group name")

	// ErrGroupCountMismatch is returned when a snapshot's table size differs
	// from the store's fixed slot count.
	ErrGroupCountMismatch = fault.New(fault.ErrValidation, "netconfig: group count mismatch")

	// ErrUnsupportedFormat is returned when a persisted record carries an
	// unknown format version.
	ErrUnsupportedFormat = fault.New(fault.ErrValidation, "netconfig: unsupported format version")

	// ErrCorrupt is returned when a persisted record cannot be decoded.
	ErrCorrupt = fault.New(fault.ErrValidation, "netconfig: corrupt record")

	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = fault.New(fault.ErrValidation, "netconfig: invalid configuration")

	// ErrNotFound is returned when no configuration is stored for a driver.
	ErrNotFound = errors.New("netconfig: configuration not found")
)
