package driver

import (
	"errors"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

// Domain errors for the driver package.
var (
	// ErrBusy is returned when the worker did not answer within the call
	// timeout. The request may still run.
	ErrBusy = fault.New(fault.ErrBusy, "driver: worker busy")

	// ErrNotConnected is returned for device operations while the driver
	// is not polling.
	ErrNotConnected = fault.New(fault.ErrNotReady, "driver: not connected")

	// ErrStopped is returned once the runner has shut down.
	ErrStopped = fault.New(fault.ErrNotReady, "driver: stopped")

	// ErrUnknownCommand is returned by drivers for an unknown backdoor command.
	ErrUnknownCommand = fault.New(fault.ErrValidation, "driver: unknown backdoor command")

	// ErrReconfigure is returned by a driver from Poll to force a reconnect
	// so that a changed field layout is registered.
	ErrReconfigure = errors.New("driver: field layout changed")
)
