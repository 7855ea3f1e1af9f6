package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementFieldValues  = "field_values"
	MeasurementDriverHealth = "driver_health"
)

// FieldSample is one numeric field reading.
type FieldSample struct {
	DriverID string
	UnitID   uint16
	Field    string
	Semantic string
	Value    float64
	At       time.Time
}

// DriverSample is a snapshot of one driver's control loop.
type DriverSample struct {
	DriverID       string
	State          string
	Polls          uint64
	Reconnects     uint64
	ProtocolErrors uint64
	Commands       uint64
	At             time.Time
}

// WriteFieldValue queues a field_values point.
func (c *Client) WriteFieldValue(s FieldSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(fieldValuePoint(s))
}

// WriteDriverHealth queues a driver_health point.
func (c *Client) WriteDriverHealth(s DriverSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(driverHealthPoint(s))
}

func fieldValuePoint(s FieldSample) *write.Point {
	tags := map[string]string{
		"driver_id": s.DriverID,
		"field":     s.Field,
	}
	if s.UnitID != 0 {
		tags["unit_id"] = strconv.Itoa(int(s.UnitID))
	}
	if s.Semantic != "" {
		tags["semantic"] = s.Semantic
	}
	return write.NewPoint(MeasurementFieldValues, tags,
		map[string]any{"value": s.Value}, timestamp(s.At))
}

func driverHealthPoint(s DriverSample) *write.Point {
	return write.NewPoint(MeasurementDriverHealth,
		map[string]string{"driver_id": s.DriverID, "state": s.State},
		map[string]any{
			"polls":           s.Polls,
			"reconnects":      s.Reconnects,
			"protocol_errors": s.ProtocolErrors,
			"commands":        s.Commands,
		},
		timestamp(s.At))
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
