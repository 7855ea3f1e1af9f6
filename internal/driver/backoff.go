package driver

import (
	"sync/atomic"
	"time"
)

// backoff is an exponential retry delay: initial, doubling, capped at max.
type backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	return &backoff{initial: initial, max: maxDelay}
}

// Next returns the delay to wait now and advances.
func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.initial
		return b.cur
	}
	b.cur = min(b.cur*2, b.max)
	return b.cur
}

// Reset returns to the initial delay.
func (b *backoff) Reset() { b.cur = 0 }

// ProtocolErrorCounter escalates consecutive protocol errors to connection
// loss. Single errors are tolerated; the threshold-th consecutive one trips.
type ProtocolErrorCounter struct {
	threshold   int32
	consecutive atomic.Int32
	total       atomic.Uint64
}

// NewProtocolErrorCounter creates a counter that trips at threshold
// consecutive errors. A non-positive threshold selects the default of 3.
func NewProtocolErrorCounter(threshold int) *ProtocolErrorCounter {
	if threshold <= 0 {
		threshold = DefaultProtocolErrorThreshold
	}
	return &ProtocolErrorCounter{threshold: int32(threshold)}
}

// Record counts one protocol error and reports whether the threshold has
// been reached. Reaching it resets the run.
func (c *ProtocolErrorCounter) Record() bool {
	c.total.Add(1)
	if c.consecutive.Add(1) >= c.threshold {
		c.consecutive.Store(0)
		return true
	}
	return false
}

// Reset clears the consecutive run after a good exchange.
func (c *ProtocolErrorCounter) Reset() { c.consecutive.Store(0) }

// Consecutive returns the current run length.
func (c *ProtocolErrorCounter) Consecutive() int { return int(c.consecutive.Load()) }

// Total returns the number of protocol errors ever recorded.
func (c *ProtocolErrorCounter) Total() uint64 { return c.total.Load() }
