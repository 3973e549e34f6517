package entity

import (
	"slices"
	"sort"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
)

// replicaLog holds one origin replica's records in local log order.
//
// Slices handed out by Tails share the backing array. Records are only ever
// appended past the current length; removals build a new slice, so readers
// holding an old view are never disturbed.
type replicaLog struct {
	recs []op.Record
	// inOrder is true while counters ascend with seq, enabling binary search.
	inOrder bool
}

func (l *replicaLog) append(rec op.Record) {
	if n := len(l.recs); n > 0 && l.recs[n-1].Op.Counter >= rec.Op.Counter {
		l.inOrder = false
	}
	if n := len(l.recs); n > 0 && l.recs[n-1].Seq > rec.Seq {
		// out of seq order only during restore of a foreign-ordered log
		recs := make([]op.Record, 0, n+1)
		recs = append(recs, l.recs...)
		i := sort.Search(n, func(i int) bool { return recs[i].Seq > rec.Seq })
		l.recs = slices.Insert(recs, i, rec)
		return
	}
	l.recs = append(l.recs, rec)
}

// after returns the records whose counter exceeds counter, in seq order.
func (l *replicaLog) after(counter uint64) []op.Record {
	if l.inOrder {
		i := sort.Search(len(l.recs), func(i int) bool { return l.recs[i].Op.Counter > counter })
		return l.recs[i:len(l.recs):len(l.recs)]
	}
	var out []op.Record
	for _, r := range l.recs {
		if r.Op.Counter > counter {
			out = append(out, r)
		}
	}
	return out
}

func (l *replicaLog) without(drop map[uint64]struct{}) *replicaLog {
	out := &replicaLog{recs: make([]op.Record, 0, len(l.recs)), inOrder: true}
	for _, r := range l.recs {
		if _, gone := drop[r.Seq]; !gone {
			out.append(r)
		}
	}
	return out
}

// Tails returns, per origin replica, the records the peer vector does not
// cover, each in local log order. Replicas are visited in sorted order.
func (s *Store) Tails(peer clock.VersionVector) [][]op.Record {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	replicas := make([]clock.ReplicaID, 0, len(s.byReplica))
	for r := range s.byReplica {
		replicas = append(replicas, r)
	}
	slices.Sort(replicas)

	var out [][]op.Record
	for _, r := range replicas {
		if tail := s.byReplica[r].after(peer.Get(r)); len(tail) > 0 {
			out = append(out, tail)
		}
	}
	return out
}

// History returns the records of one entity in log order.
func (s *Store) History(entityID string) []op.Record {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return slices.Clone(s.byEntity[entityID])
}

// LogLen returns the number of records in the log.
func (s *Store) LogLen() int {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.logLen
}

// Vector returns a copy of the replica's version vector.
func (s *Store) Vector() clock.VersionVector {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.vector.Clone()
}

// Tombstones returns the current tombstones sorted by entity id.
func (s *Store) Tombstones() []Tombstone {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	out := make([]Tombstone, 0, len(s.tombstones))
	for _, t := range s.tombstones {
		out = append(out, t.clone())
	}
	slices.SortFunc(out, func(a, b Tombstone) int {
		switch {
		case a.EntityID < b.EntityID:
			return -1
		case a.EntityID > b.EntityID:
			return 1
		}
		return 0
	})
	return out
}

// IsCollected reports whether the entity has been garbage collected.
func (s *Store) IsCollected(entityID string) bool {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	_, ok := s.collected[entityID]
	return ok
}

// appendLocked records an integrated operation. Caller holds logMu.
func (s *Store) appendLocked(rec op.Record) {
	rl, ok := s.byReplica[rec.Op.Replica]
	if !ok {
		rl = &replicaLog{inOrder: true}
		s.byReplica[rec.Op.Replica] = rl
	}
	rl.append(rec)
	s.byEntity[rec.Op.EntityID] = append(s.byEntity[rec.Op.EntityID], rec)
	s.seen[rec.Op.Dot()] = struct{}{}
	s.vector.Advance(rec.Op.Replica, rec.Op.Counter)
	if rec.Seq > s.lastSeq {
		s.lastSeq = rec.Seq
	}
	s.logLen++
}

// dropEntityLocked removes an entity's history from every index.
// Caller holds logMu.
func (s *Store) dropEntityLocked(entityID string, at clock.Timestamp) {
	recs := s.byEntity[entityID]
	delete(s.byEntity, entityID)

	bySeq := make(map[clock.ReplicaID]map[uint64]struct{})
	for _, r := range recs {
		delete(s.seen, r.Op.Dot())
		m, ok := bySeq[r.Op.Replica]
		if !ok {
			m = make(map[uint64]struct{})
			bySeq[r.Op.Replica] = m
		}
		m[r.Seq] = struct{}{}
	}
	for replica, drop := range bySeq {
		if rl, ok := s.byReplica[replica]; ok {
			s.byReplica[replica] = rl.without(drop)
		}
	}

	s.logLen -= len(recs)
	delete(s.tombstones, entityID)
	s.collected[entityID] = at
}
