// Package unit provides the Unit Registry: the live table of nodes on one
// network.
//
// A unit moves through the interview states in strict order:
//
//	Discovered -> IdentifyingCapabilities -> GetInitVals -> Ready
//
// Failed is reachable from any non-terminal state, and Reset returns a unit
// to Discovered after a protocol-level reset. Remote editors may change a
// unit (name, parameters, groups) only from GetInitVals on; earlier edits are
// rejected with ErrStaleState.
package unit
