package zwave

import (
	"errors"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

// Domain errors for the zwave package.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// to the controller but there is none.
	ErrNotConnected = fault.New(fault.ErrTransport, "zwave: not connected to controller")

	// ErrConnectionFailed is returned when dialling the controller fails.
	ErrConnectionFailed = fault.New(fault.ErrTransport, "zwave: connection to controller failed")

	// ErrConnectionLost is returned to requests pending when the connection
	// drops.
	ErrConnectionLost = fault.New(fault.ErrTransport, "zwave: connection lost")

	// ErrTimeout is returned when the controller does not answer a request.
	ErrTimeout = fault.New(fault.ErrTransport, "zwave: controller did not answer")

	// ErrInvalidFrame is returned for a malformed frame.
	ErrInvalidFrame = fault.New(fault.ErrProtocol, "zwave: invalid frame")

	// ErrChecksum is returned for a frame whose checksum does not match.
	ErrChecksum = fault.New(fault.ErrProtocol, "zwave: checksum mismatch")

	// ErrNotUnderstood is returned when the controller answers NAK or CAN.
	ErrNotUnderstood = fault.New(fault.ErrProtocol, "zwave: command not understood")

	// ErrNoAck is returned when a node did not acknowledge a frame.
	ErrNoAck = fault.New(fault.ErrDeviceUnreachable, "zwave: node did not acknowledge")

	// ErrNodeTimeout is returned when a node did not send the expected report.
	ErrNodeTimeout = fault.New(fault.ErrDeviceUnreachable, "zwave: node did not answer")

	// ErrDeviceAsleep is returned for a sleeping node the caller did not
	// assert awake.
	ErrDeviceAsleep = fault.New(fault.ErrDeviceUnreachable, "zwave: device asleep, retry when awake")

	// ErrGroupOutOfRange is returned for a group id above the unit's
	// advertised group count.
	ErrGroupOutOfRange = fault.New(fault.ErrValidation, "zwave: association group out of range")

	// ErrWidthMismatch is returned when a parameter width differs from the
	// template's declared width.
	ErrWidthMismatch = fault.New(fault.ErrValidation, "zwave: parameter width does not match template")

	// ErrParamOutOfRange is returned for a value outside the template's
	// min/max.
	ErrParamOutOfRange = fault.New(fault.ErrValidation, "zwave: parameter value out of range")

	// ErrUnknownParameter is returned for a parameter number the template
	// does not declare.
	ErrUnknownParameter = fault.New(fault.ErrValidation, "zwave: parameter not declared by template")

	// ErrInvalidTarget is returned for an association target outside the
	// node id range.
	ErrInvalidTarget = fault.New(fault.ErrValidation, "zwave: invalid association target")

	// ErrInvalidConnection is returned for a malformed connection URL.
	ErrInvalidConnection = fault.New(fault.ErrValidation, "zwave: invalid connection URL")

	// ErrUnknownCommand is returned for a backdoor command the driver does
	// not implement.
	ErrUnknownCommand = fault.New(fault.ErrValidation, "zwave: unknown command")

	// ErrOperationFailed is returned when the controller reports failure of
	// a network management operation.
	ErrOperationFailed = errors.New("zwave: network operation failed")
)
