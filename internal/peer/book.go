// Package peer tracks paired replicas and drives sync sessions with them.
package peer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/driftsync/internal/clock"
)

// Record is what a replica remembers about one paired peer.
type Record struct {
	ID clock.ReplicaID
	// Addr is the last known sync address, e.g. "ws://host:7420/sync" or
	// "tcp://host:7421".
	Addr string
	// Vector is the latest vector the peer reported at the end of a
	// session. Empty until the first sync.
	Vector   clock.VersionVector
	PairedAt time.Time
	LastSeen time.Time
	LastSync time.Time
}

// SeenSince reports whether the peer was seen at or after t.
func (r Record) SeenSince(t time.Time) bool {
	return !r.LastSeen.Before(t)
}

// Book persists the set of paired peers. RecordSync makes any Book a
// session.Tracker.
type Book interface {
	// Pair adds id or updates its address. Re-pairing keeps the vector.
	Pair(ctx context.Context, id clock.ReplicaID, addr string, at time.Time) error
	Unpair(ctx context.Context, id clock.ReplicaID) error
	Get(ctx context.Context, id clock.ReplicaID) (Record, bool, error)
	// List returns all peers sorted by id.
	List(ctx context.Context) ([]Record, error)
	// Touch marks id as seen at t.
	Touch(ctx context.Context, id clock.ReplicaID, at time.Time) error
	// RecordSync merges vector into what is known for id and marks it
	// synced and seen at t. Unknown peers are added.
	RecordSync(ctx context.Context, id clock.ReplicaID, vector clock.VersionVector, at time.Time) error
}

// MemoryBook is an in-memory Book.
type MemoryBook struct {
	mu    sync.Mutex
	peers map[clock.ReplicaID]*Record
}

// NewMemoryBook creates an empty book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{peers: make(map[clock.ReplicaID]*Record)}
}

func (b *MemoryBook) Pair(_ context.Context, id clock.ReplicaID, addr string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("pair: empty replica id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.peers[id]; ok {
		if addr != "" {
			r.Addr = addr
		}
		return nil
	}
	b.peers[id] = &Record{ID: id, Addr: addr, Vector: clock.VersionVector{}, PairedAt: at}
	return nil
}

func (b *MemoryBook) Unpair(_ context.Context, id clock.ReplicaID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
	return nil
}

func (b *MemoryBook) Get(_ context.Context, id clock.ReplicaID) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.peers[id]
	if !ok {
		return Record{}, false, nil
	}
	return r.copy(), true, nil
}

func (b *MemoryBook) List(context.Context) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.peers))
	for _, r := range b.peers {
		out = append(out, r.copy())
	}
	slices.SortFunc(out, func(x, y Record) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (b *MemoryBook) Touch(_ context.Context, id clock.ReplicaID, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.peers[id]; ok && at.After(r.LastSeen) {
		r.LastSeen = at
	}
	return nil
}

func (b *MemoryBook) RecordSync(_ context.Context, id clock.ReplicaID, vector clock.VersionVector, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.peers[id]
	if !ok {
		r = &Record{ID: id, Vector: clock.VersionVector{}, PairedAt: at}
		b.peers[id] = r
	}
	r.Vector.Merge(vector)
	r.LastSync = at
	if at.After(r.LastSeen) {
		r.LastSeen = at
	}
	return nil
}

func (r *Record) copy() Record {
	out := *r
	out.Vector = r.Vector.Clone()
	return out
}
