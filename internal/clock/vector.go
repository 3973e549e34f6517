package clock

import (
	"fmt"
	"slices"
)

// Dot names one operation: the originating replica and its per-replica
// counter. Dots are the idempotence key and double as OR-Set add tags.
type Dot struct {
	Replica ReplicaID `json:"replica"`
	Counter uint64    `json:"counter"`
}

// String formats the dot as "replica:counter".
func (d Dot) String() string {
	return fmt.Sprintf("%s:%d", d.Replica, d.Counter)
}

// Less orders dots by replica then counter.
func (d Dot) Less(o Dot) bool {
	if d.Replica != o.Replica {
		return d.Replica < o.Replica
	}
	return d.Counter < o.Counter
}

// VersionVector maps each replica to the highest operation counter from it
// that has been incorporated. Missing entries read as 0.
//
// Not safe for concurrent use; owners guard it.
type VersionVector map[ReplicaID]uint64

// Get returns the counter for replica, 0 if absent.
func (v VersionVector) Get(replica ReplicaID) uint64 {
	return v[replica]
}

// Advance raises the counter for replica to counter. It never lowers it.
func (v VersionVector) Advance(replica ReplicaID, counter uint64) {
	if counter > v[replica] {
		v[replica] = counter
	}
}

// Covers reports whether the operation (replica, counter) is summarized.
func (v VersionVector) Covers(d Dot) bool {
	return d.Counter <= v[d.Replica]
}

// Dominates reports whether v[r] >= other[r] for every replica.
func (v VersionVector) Dominates(other VersionVector) bool {
	for r, c := range other {
		if v[r] < c {
			return false
		}
	}
	return true
}

// Merge takes the pointwise maximum in place.
func (v VersionVector) Merge(other VersionVector) {
	for r, c := range other {
		v.Advance(r, c)
	}
}

// Clone returns an independent copy. A nil vector clones to an empty one.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for r, c := range v {
		out[r] = c
	}
	return out
}

// Equal reports pointwise equality, treating missing entries as 0.
func (v VersionVector) Equal(other VersionVector) bool {
	return v.Dominates(other) && other.Dominates(v)
}

// Replicas returns the replica ids with a non-zero counter, sorted.
func (v VersionVector) Replicas() []ReplicaID {
	out := make([]ReplicaID, 0, len(v))
	for r, c := range v {
		if c > 0 {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

// Sum returns the total number of operations summarized.
func (v VersionVector) Sum() uint64 {
	var n uint64
	for _, c := range v {
		n += c
	}
	return n
}
