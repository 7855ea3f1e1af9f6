package zwave

import (
	"time"
)

// HealthStatus represents the operational status of a mesh driver.
type HealthStatus string

const (
	// HealthHealthy indicates the driver is connected and polling.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the driver runs with issues (MQTT down,
	// failed nodes).
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the controller is not reachable.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline is the Last Will status published by the broker.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the driver is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the driver is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports a driver's operational status.
// Topic: graymesh/health/{driver}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Driver        string       `json:"driver"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// State is the control loop state (e.g. "polling").
	State string `json:"state,omitempty"`

	Connection *ConnectionStatus `json:"connection,omitempty"`
	Statistics *ClientStats      `json:"statistics,omitempty"`

	Units       int `json:"units"`
	FailedUnits int `json:"failed_units"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the controller connection.
type ConnectionStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// Address is the controller URL.
	Address string `json:"address"`

	// Firmware is the controller version string from the handshake.
	Firmware string `json:"firmware,omitempty"`
}

// HealthTopic returns the health topic of a driver.
func HealthTopic(driverID string) string {
	return "graymesh/health/" + driverID
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(driverID, version string, status HealthStatus, startTime time.Time) HealthMessage {
	return HealthMessage{
		Driver:        driverID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
	}
}

// NewLWTMessage creates the Last Will and Testament message published by the
// broker when the hub disconnects unexpectedly.
func NewLWTMessage(driverID string) HealthMessage {
	return HealthMessage{
		Driver:    driverID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}
