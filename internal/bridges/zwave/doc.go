// Package zwave drives a wireless mesh network through a serial API
// controller reached over TCP or a unix socket.
//
// The package has three layers:
//
//   - frame.go: the serial API framing (SOF LEN TYPE FUNC CALLBACK payload
//     CHECKSUM) and the ACK/NAK/CAN control bytes.
//   - Client: one connection to the controller. Responses are matched to
//     requests by callback id; application commands from nodes either
//     answer a pending Request or are queued as events.
//   - Controller: a driver.Driver. It reconciles the unit registry with the
//     controller's node list, interviews nodes (protocol info, capabilities
//     and versions, manufacturer signature, parameters and groups), polls
//     reachable nodes and manages associations and configuration
//     parameters.
//
// Battery nodes sleep most of the time. They are interviewed and polled
// only inside the wake window that follows their wake-up notification, and
// management calls require the caller to assert that the node is awake.
package zwave
