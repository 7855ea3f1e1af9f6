// Package netconfig provides the Configuration Store of one network: the
// unit registry plus the fixed table of named association groups.
//
// The store exposes a serial number that changes on every configuration
// mutation. Remote editors download a Snapshot together with its serial and
// submit edits against it (see package configsync).
//
// Snapshots persist as a versioned CBOR record. Decode reads the format
// version before anything else and rejects versions it does not know.
package netconfig
