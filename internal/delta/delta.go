// Package delta computes the operations a peer has not observed.
//
// The result is a pull-based stream: callers consume it incrementally and
// nothing beyond one head record per origin replica is materialized.
package delta

import (
	"container/heap"
	"iter"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
)

// Log is the view of the operation log the engine needs. Each tail holds
// one origin replica's uncovered records in local log order.
type Log interface {
	Tails(peer clock.VersionVector) [][]op.Record
}

// Stream yields uncovered operations in local log order. Because the local
// log only ever contains an operation after everything it depends on, an
// anchor is always emitted before operations that reference it.
//
// A Stream is single-use and not safe for concurrent use.
type Stream struct {
	peer  clock.VersionVector
	h     tailHeap
	total int
}

// Compute builds the delta for a peer that advertised peer.
func Compute(log Log, peer clock.VersionVector) *Stream {
	peer = peer.Clone()
	s := &Stream{peer: peer}
	for _, tail := range log.Tails(peer) {
		if len(tail) == 0 {
			continue
		}
		s.total += len(tail)
		s.h = append(s.h, tail)
	}
	heap.Init(&s.h)
	return s
}

// Next returns the next operation, or false when the stream is exhausted.
// Amortized O(log r) for r origin replicas.
func (s *Stream) Next() (op.Operation, bool) {
	for s.h.Len() > 0 {
		tail := s.h[0]
		rec := tail[0]
		if len(tail) == 1 {
			heap.Pop(&s.h)
		} else {
			s.h[0] = tail[1:]
			heap.Fix(&s.h, 0)
		}
		// tails are filtered by counter already; this guards logs that
		// cannot binary search and keeps minimality a local invariant
		if s.peer.Covers(rec.Op.Dot()) {
			continue
		}
		return rec.Op, true
	}
	return op.Operation{}, false
}

// All returns the remaining operations as an iterator.
func (s *Stream) All() iter.Seq[op.Operation] {
	return func(yield func(op.Operation) bool) {
		for {
			o, ok := s.Next()
			if !ok || !yield(o) {
				return
			}
		}
	}
}

// Len is the number of operations the stream started with.
func (s *Stream) Len() int {
	return s.total
}

// tailHeap orders tails by the seq of their head record.
type tailHeap [][]op.Record

func (h tailHeap) Len() int           { return len(h) }
func (h tailHeap) Less(i, j int) bool { return h[i][0].Seq < h[j][0].Seq }
func (h tailHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *tailHeap) Push(x any) {
	*h = append(*h, x.([]op.Record))
}

func (h *tailHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
