package entity

import (
	"context"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/queue"
)

// Event is emitted once per successfully integrated operation.
type Event struct {
	EntityID   string
	EntityType string
	Field      string
	Outcome    Outcome
	Dot        clock.Dot
	Local      bool
}

// Subscription receives store events. Delivery never blocks the store;
// events queue until consumed.
type Subscription struct {
	q     *queue.Queue[Event]
	store *Store
}

// Subscribe registers a new subscription. Call Close when done.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{q: queue.New[Event](), store: s}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub
}

// Next blocks for the next event. It returns false once the subscription
// is closed and drained, or ctx is done.
func (sub *Subscription) Next(ctx context.Context) (Event, bool) {
	return sub.q.Dequeue(ctx)
}

// TryNext returns the next event without blocking.
func (sub *Subscription) TryNext() (Event, bool) {
	return sub.q.TryDequeue()
}

// Len returns the number of undelivered events.
func (sub *Subscription) Len() int {
	return sub.q.Len()
}

// Close unregisters the subscription.
func (sub *Subscription) Close() {
	sub.store.subsMu.Lock()
	delete(sub.store.subs, sub)
	sub.store.subsMu.Unlock()
	sub.q.Close()
}

func (s *Store) notify(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		sub.q.Enqueue(ev)
	}
}
