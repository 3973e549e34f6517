package testutil

import (
	"errors"
	"sync"
)

// ErrClockFailed is returned by a ManualClock after Fail is called.
var ErrClockFailed = errors.New("manual clock failed")

// ManualClock is a wall clock for tests that only moves when told to.
//
// It satisfies clock.WallClock. Freezing time lets tests drive the hybrid
// logical clock's logical counter deterministically.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu     sync.Mutex
	now    int64
	failed bool
}

// NewManualClock creates a clock reading start milliseconds.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return 0, ErrClockFailed
	}
	return c.now, nil
}

// Advance moves the clock forward by ms and returns the new reading.
func (c *ManualClock) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}

// Set jumps to an absolute reading. Going backwards is allowed so tests can
// simulate wall clock skew.
func (c *ManualClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// Fail makes every subsequent Now call return ErrClockFailed.
func (c *ManualClock) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
}
