// Package driver provides the generic driver control loop.
//
// A Runner owns one Driver and one field.Store and runs a single worker
// goroutine that performs all device I/O:
//
//	AwaitingConfig -> AwaitingCommRes -> Connecting -> Polling
//	                        ^                              |
//	                        +------ lost connection -------+
//
// Callers on other goroutines (presentation layer, remote editors) never
// touch the device directly. WriteField, Backdoor and Do queue a request
// with a oneshot reply slot and wait at most Config.CallTimeout for the
// worker to answer; a caller that gives up observes ErrBusy.
package driver
