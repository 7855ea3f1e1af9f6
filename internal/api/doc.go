// Package api implements the HTTP REST API and WebSocket server of the
// mesh hub.
//
// This package provides:
//   - REST endpoints for driver status, field reads and writes, extension
//     commands and structural network operations
//   - Configuration download, submit and unit rename against a serial
//   - WebSocket sync sessions for remote configuration editors
//   - Bearer token authentication with per-role permissions and
//     single-use tickets for WebSocket upgrades
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Errors
//
// Domain errors are classified with fault.ClassOf and mapped to status
// codes: validation 400 (422 for values a field refuses), conflict 409,
// not ready and busy 503, a sleeping device 409 with code device_asleep,
// capability mismatch 422, access violation 403, transport and protocol
// failures 502.
//
// # Sync sessions
//
// GET /api/v1/ws?driver={id}&ticket={ticket} opens one configsync session
// for the lifetime of the connection. Notifications are pushed as events;
// download, submit and rename are request/response messages on the same
// connection.
package api
