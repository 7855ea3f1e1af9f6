package hub

import (
	"errors"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

var (
	// ErrUnknownDriver is returned for a driver id the hub does not own.
	ErrUnknownDriver = fault.New(fault.ErrValidation, "hub: unknown driver")

	// ErrDuplicateDriver is returned by AddDriver for an id already added.
	ErrDuplicateDriver = fault.New(fault.ErrValidation, "hub: duplicate driver id")

	// ErrUnsupportedProtocol is returned by AddDriver for a protocol the hub
	// has no driver for.
	ErrUnsupportedProtocol = fault.New(fault.ErrValidation, "hub: unsupported protocol")

	// ErrNotStructural is returned by RunStructural for a command that does
	// not change the set of nodes.
	ErrNotStructural = fault.New(fault.ErrValidation, "hub: not a structural operation")

	// ErrRunning is returned when drivers are added after Run.
	ErrRunning = errors.New("hub: already running")
)
