// Package hub owns the mesh driver instances of one site and exposes the
// operations presentation layers and remote editors use.
//
// Each configured driver becomes an Instance: a field store, a
// configuration store, the protocol controller, the control loop runner
// and the config sync service. Instances share nothing; Run starts them in
// parallel and returns once all have stopped.
//
// Around every instance the hub:
//
//   - restores persisted configuration before the control loop starts and
//     persists it periodically and after applied edits
//   - publishes field changes to MQTT (retained state topics) and numeric
//     values to InfluxDB
//   - accepts writes on MQTT command topics and acknowledges them
//   - publishes driver health
//   - brackets structural network operations (include, exclude, reset) so
//     sync sessions hold their notifications until the operation ends
package hub
