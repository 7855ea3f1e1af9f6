// Package influxdb records mesh field values as time series.
//
// Numeric field readings are written to the field_values measurement,
// tagged with driver, unit and field so a dashboard can chart one sensor
// or a whole network. Driver statistics go to driver_health.
//
// Writes are non-blocking: the InfluxDB write API batches points and
// delivers failures asynchronously to the SetOnError callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry is optional
//	}
//	client.WriteFieldValue(influxdb.FieldSample{DriverID: "zw1", UnitID: 3, Field: "node003_temperature", Value: 21.5})
package influxdb
