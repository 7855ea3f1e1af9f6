// Package capability models what a node can do.
//
// A node declares a Set of Descriptors (command-class id, version, verbs).
// Each known id maps to a Handler in a closed registry; the handler turns a
// negotiated descriptor into data points (and so field definitions), builds
// get/set commands and decodes reports into field values.
//
// Command payloads are raw command-class bytes: [class, command, args...].
// Framing for a specific transport is the driver's concern.
//
// Ids without a handler, and every capability of a node with no device
// template, are exposed as a single raw string field ("raw_0xNN") carrying
// hex-encoded payloads, with no semantic typing.
package capability
