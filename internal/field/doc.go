// Package field provides the Field Store: a typed, by-id cache of the values a
// driver exposes to presentation layers.
//
// Each field has an immutable definition (Def) registered once per successful
// driver connect, and a Reading holding the last value, a per-field serial
// number and an error flag. The error flag is set until the first good value
// is stored and whenever the device cannot currently supply one; the last good
// value is kept while flagged.
//
// # Ownership
//
// The Store is mutated only by the driver worker (RegisterFields, StoreValue,
// MarkError). Readers on other goroutines call ReadValue / Snapshot and always
// receive copies, so no caller ever holds a live reference into the store.
//
// # Limits
//
// A Def may carry a limits expression checked by CheckWrite before any device
// I/O. Supported forms:
//
//	range:5,30           numeric range, inclusive
//	enum:off,heat,cool   allowed values
//	value % 5 == 0       any boolean expression over "value"
//
// Expressions are compiled once at registration with github.com/antonmedv/expr.
package field
