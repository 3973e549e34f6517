package entity

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/value"
)

// Get returns a snapshot of one entity.
func (s *Store) Get(entityID string) (Snapshot, bool) {
	s.slotsMu.Lock()
	sl, ok := s.slots[entityID]
	s.slotsMu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.entity == nil {
		return Snapshot{}, false
	}
	return sl.entity.snapshot(), true
}

// Entities returns the ids of all entities, tombstoned included, sorted.
func (s *Store) Entities() []string {
	s.slotsMu.Lock()
	ids := make([]string, 0, len(s.slots))
	slots := make([]*slot, 0, len(s.slots))
	for id, sl := range s.slots {
		ids = append(ids, id)
		slots = append(slots, sl)
	}
	s.slotsMu.Unlock()

	out := ids[:0]
	for i, sl := range slots {
		sl.mu.Lock()
		if sl.entity != nil {
			out = append(out, ids[i])
		}
		sl.mu.Unlock()
	}
	slices.Sort(out)
	return out
}

// Snapshot returns every entity's snapshot sorted by id.
func (s *Store) Snapshot() []Snapshot {
	ids := s.Entities()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Get(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// State returns the full internal state of every entity keyed by id.
// Two replicas that integrated the same operations return identical State.
func (s *Store) State() value.Object {
	out := value.Object{}
	for _, id := range s.Entities() {
		s.slotsMu.Lock()
		sl := s.slots[id]
		s.slotsMu.Unlock()
		if sl == nil {
			continue
		}
		sl.mu.Lock()
		if sl.entity != nil {
			out[id] = sl.entity.state()
		}
		sl.mu.Unlock()
	}
	return out
}

// Digest hashes State. Equal digests mean bit-identical replicated state.
func (s *Store) Digest() (string, error) {
	return value.Digest(value.DomainState, s.State())
}

// Collect physically removes a tombstoned entity and its operation history.
// The entity id is remembered so later operations for it are ignored.
//
// safe receives the highest counter per replica among every operation the
// entity has integrated, deletes included, and is evaluated while the
// entity is locked against further integration. Collect reports false and
// removes nothing when safe rejects it. A nil safe always collects.
func (s *Store) Collect(ctx context.Context, entityID string, safe func(required clock.VersionVector) bool) (bool, error) {
	s.slotsMu.Lock()
	sl, ok := s.slots[entityID]
	s.slotsMu.Unlock()
	if !ok {
		return false, &StoreError{Code: ErrCodeNotTombstoned, EntityID: entityID, Message: "entity not found"}
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.entity == nil || sl.entity.tombstone == nil {
		return false, &StoreError{Code: ErrCodeNotTombstoned, EntityID: entityID, Message: "entity is live"}
	}
	at := sl.entity.tombstone.CreatedAt

	if safe != nil && !safe(s.requiredLocked(sl.entity.tombstone)) {
		return false, nil
	}

	if s.persist != nil {
		if err := s.persist.Collect(ctx, entityID, at); err != nil {
			return false, &StoreError{
				Code:     ErrCodePersistence,
				EntityID: entityID,
				Message:  "persist collection",
				Err:      err,
			}
		}
	}

	s.logMu.Lock()
	removed := len(s.byEntity[entityID])
	s.dropEntityLocked(entityID, at)
	s.logMu.Unlock()

	sl.entity = nil
	s.slotsMu.Lock()
	delete(s.slots, entityID)
	s.slotsMu.Unlock()

	s.logger.Info("entity collected",
		zap.String("entity_id", entityID),
		zap.Int("ops_removed", removed))
	s.updateGauges()
	return true, nil
}

// requiredLocked is the vector a peer must cover before ts's entity can be
// forgotten. Caller holds the entity's slot lock.
func (s *Store) requiredLocked(ts *Tombstone) clock.VersionVector {
	v := clock.VersionVector{}
	for _, d := range ts.Deletes {
		v.Advance(d.Replica, d.Counter)
	}
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	for _, rec := range s.byEntity[ts.EntityID] {
		v.Advance(rec.Op.Replica, rec.Op.Counter)
	}
	return v
}

// String is a short description for logs.
func (s *Store) String() string {
	return fmt.Sprintf("store(%s, %d ops)", s.replica, s.LogLen())
}
