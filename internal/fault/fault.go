// Package fault defines the error taxonomy shared by every component of the
// mesh core.
//
// Component packages declare their own sentinel errors (for example
// field.ErrAccessViolation) but build them with New so that each one also
// matches exactly one taxonomy class:
//
//	var ErrAccessViolation = fault.New(fault.ErrAccessViolation, "field: access violation")
//
//	if errors.Is(err, fault.ErrValidation) {
//	    // rejected before any device I/O
//	}
//
// Transport and Protocol errors are handled by the driver control loop
// (retry/backoff). Everything else is surfaced to the caller that triggered
// it; the API layer maps a class to an HTTP status with ClassOf.
package fault

import "errors"

// Taxonomy classes. Match with errors.Is.
var (
	// ErrTransport covers timeouts and unavailable resources. Always retryable.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is a malformed or "not understood" reply from a device.
	ErrProtocol = errors.New("protocol error")

	// ErrCapabilityMismatch means the node or its negotiated version does not
	// support the operation. Not retryable.
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrConflict is a stale serial number on a configuration submit.
	ErrConflict = errors.New("concurrency conflict")

	// ErrValidation covers duplicate names/ids, bad widths and out of range ids.
	ErrValidation = errors.New("validation error")

	// ErrDeviceUnreachable is returned for a sleeping node that is not awake.
	ErrDeviceUnreachable = errors.New("device unreachable, retry when awake")

	// ErrNotReady is returned while a unit or driver cannot accept the request.
	ErrNotReady = errors.New("not ready")

	// ErrBusy is returned when the driver worker did not answer in time.
	ErrBusy = errors.New("resource busy")

	// ErrAccessViolation is a write to a read-only field.
	ErrAccessViolation = errors.New("access violation")
)

// Class identifies a taxonomy bucket.
type Class string

// Class values returned by ClassOf.
const (
	ClassNone               Class = ""
	ClassTransport          Class = "transport"
	ClassProtocol           Class = "protocol"
	ClassCapabilityMismatch Class = "capability_mismatch"
	ClassConflict           Class = "conflict"
	ClassValidation         Class = "validation"
	ClassDeviceUnreachable  Class = "device_unreachable"
	ClassNotReady           Class = "not_ready"
	ClassBusy               Class = "busy"
	ClassAccessViolation    Class = "access_violation"
)

// classes is checked in order; the first match wins.
var classes = []struct {
	err   error
	class Class
}{
	{ErrConflict, ClassConflict},
	{ErrValidation, ClassValidation},
	{ErrAccessViolation, ClassAccessViolation},
	{ErrCapabilityMismatch, ClassCapabilityMismatch},
	{ErrDeviceUnreachable, ClassDeviceUnreachable},
	{ErrNotReady, ClassNotReady},
	{ErrBusy, ClassBusy},
	{ErrProtocol, ClassProtocol},
	{ErrTransport, ClassTransport},
}

// ClassOf returns the taxonomy class of err, or ClassNone.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassNone
}

// Retryable reports whether the error class is handled by retrying.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransport, ClassProtocol, ClassBusy:
		return true
	default:
		return false
	}
}

// classified is a sentinel with its own message that also matches a class.
type classified struct {
	msg   string
	class error
}

func (e *classified) Error() string { return e.msg }
func (e *classified) Unwrap() error { return e.class }

// New returns a sentinel error with message msg that matches class under
// errors.Is.
func New(class error, msg string) error {
	return &classified{msg: msg, class: class}
}
