// Package clock implements causality tracking for replicas: a hybrid logical
// clock for totally ordered operation ids and version vectors summarizing
// which operations a replica has incorporated.
package clock

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ReplicaID identifies a replica (device). It is opaque and compared
// lexicographically to break timestamp ties.
type ReplicaID string

// Timestamp is a hybrid logical clock reading.
//
// Ordering is lexicographic over (Physical, Logical, Replica), which is
// total: two distinct replicas never produce equal timestamps.
type Timestamp struct {
	Physical int64     `json:"p"`
	Logical  uint32    `json:"l"`
	Replica  ReplicaID `json:"r"`
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	case t.Replica < o.Replica:
		return -1
	case t.Replica > o.Replica:
		return 1
	}
	return 0
}

// Less reports whether t orders before o.
func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

// String formats t as "physical.logical@replica".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Physical, t.Logical, t.Replica)
}

// WallClock supplies physical time in unix milliseconds.
type WallClock interface {
	Now() (int64, error)
}

// SystemClock reads the OS clock.
type SystemClock struct{}

// Now returns the current unix time in milliseconds.
func (SystemClock) Now() (int64, error) {
	return time.Now().UnixMilli(), nil
}

// Clock produces timestamps for one replica.
//
// Every value returned by Tick is strictly greater than every value this
// clock previously returned or observed. Safe for concurrent use; the lock
// is independent of any entity-level locking.
type Clock struct {
	mu      sync.Mutex
	replica ReplicaID
	wall    WallClock

	// high-water mark; Replica is ignored
	physical int64
	logical  uint32
}

// New creates a clock for replica reading from wall.
// A nil wall uses SystemClock.
func New(replica ReplicaID, wall WallClock) *Clock {
	if wall == nil {
		wall = SystemClock{}
	}
	return &Clock{replica: replica, wall: wall}
}

// Replica returns the replica this clock stamps for.
func (c *Clock) Replica() ReplicaID {
	return c.replica
}

// Tick returns a timestamp greater than any produced or observed so far.
//
// When the wall clock has advanced past the high-water mark the logical
// counter resets to 0; otherwise it increments. The only failure is an
// unusable wall clock, which is fatal for the replica.
func (c *Clock) Tick() (Timestamp, error) {
	now, err := c.wall.Now()
	if err != nil {
		return Timestamp{}, &Error{Err: err}
	}
	if now <= 0 {
		return Timestamp{}, &Error{Err: fmt.Errorf("wall clock returned %d", now)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.physical {
		c.physical = now
		c.logical = 0
	} else if c.logical == math.MaxUint32 {
		c.physical++
		c.logical = 0
	} else {
		c.logical++
	}
	return Timestamp{Physical: c.physical, Logical: c.logical, Replica: c.replica}, nil
}

// Observe folds a received timestamp into the high-water mark so that
// subsequent ticks order after it.
func (c *Clock) Observe(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote.Physical > c.physical ||
		(remote.Physical == c.physical && remote.Logical > c.logical) {
		c.physical = remote.Physical
		c.logical = remote.Logical
	}
}

// Restore seeds the clock from persisted state on load.
func (c *Clock) Restore(last Timestamp) {
	c.Observe(last)
}

// Last returns the current high-water mark stamped with this replica.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{Physical: c.physical, Logical: c.logical, Replica: c.replica}
}
