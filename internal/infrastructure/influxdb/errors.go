package influxdb

import (
	"errors"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

var (
	// ErrNotConnected is returned by calls made after Close or before a
	// successful Connect.
	ErrNotConnected = fault.New(fault.ErrTransport, "influxdb: telemetry sink not connected")

	// ErrConnectionFailed wraps a failed ping or an unhealthy server at
	// startup.
	ErrConnectionFailed = fault.New(fault.ErrTransport, "influxdb: telemetry sink unreachable")

	// ErrDisabled means telemetry is switched off; callers run without it.
	ErrDisabled = errors.New("influxdb: telemetry disabled")
)
