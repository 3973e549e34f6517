// Package entity implements the replicated entity store: the mapping from
// entity id to CRDT-composed entities, the append-only operation log, the
// version vector and tombstones.
//
// Local writes (MutateLocal) and remote operations (ApplyRemote) go through
// the same integration path. Operations on the same entity are serialized
// by a per-entity mutex; unrelated entities proceed in parallel.
//
// Lock order: localMu, then an entity slot, then pendingMu or logMu.
package entity

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/crdt"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/schema"
)

// DefaultMaxPending bounds operations held back waiting for dependencies.
const DefaultMaxPending = 10000

// Persister durably records integrated operations. Each call must be atomic:
// after a crash the operation is either fully recorded or absent.
type Persister interface {
	// AppendOp records rec, advances the stored vector for its origin and
	// stores last as the clock high-water mark.
	AppendOp(ctx context.Context, rec op.Record, last clock.Timestamp) error

	// Collect removes an entity's operations and remembers it as collected.
	Collect(ctx context.Context, entityID string, at clock.Timestamp) error
}

// RestoreState is what a persister loads on startup.
type RestoreState struct {
	Records   []op.Record
	Vector    clock.VersionVector
	Clock     clock.Timestamp
	Collected map[string]clock.Timestamp
}

// Options configures a Store.
type Options struct {
	Replica clock.ReplicaID
	// Clock defaults to a system-clock HLC for Replica.
	Clock *clock.Clock
	// Schemas defaults to schema.Default().
	Schemas *schema.Registry
	// Persister may be nil for an in-memory store.
	Persister  Persister
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	MaxPending int
}

type slot struct {
	mu     sync.Mutex
	entity *Entity
}

// Store is the replicated entity store. Safe for concurrent use.
type Store struct {
	replica    clock.ReplicaID
	clock      *clock.Clock
	schemas    *schema.Registry
	persist    Persister
	logger     *zap.Logger
	metrics    *metrics.Metrics
	maxPending int

	// serializes local mutations so local counters enter the log in order
	localMu sync.Mutex

	slotsMu sync.Mutex
	slots   map[string]*slot

	logMu      sync.RWMutex
	lastSeq    uint64
	vector     clock.VersionVector
	seen       map[clock.Dot]struct{}
	byReplica  map[clock.ReplicaID]*replicaLog
	byEntity   map[string][]op.Record
	tombstones map[string]*Tombstone
	collected  map[string]clock.Timestamp
	logLen     int

	pendingMu   sync.Mutex
	pending     map[clock.ReplicaID][]op.Operation // ascending counter
	pendingDots map[clock.Dot]struct{}
	drainMu     sync.Mutex

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// New creates an empty store.
func New(opts Options) (*Store, error) {
	if opts.Replica == "" {
		return nil, fmt.Errorf("entity store: replica id is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New(opts.Replica, nil)
	}
	if opts.Clock.Replica() != opts.Replica {
		return nil, fmt.Errorf("entity store: clock replica %q does not match %q", opts.Clock.Replica(), opts.Replica)
	}
	if opts.Schemas == nil {
		reg, err := schema.Default()
		if err != nil {
			return nil, fmt.Errorf("entity store: default schema: %w", err)
		}
		opts.Schemas = reg
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}

	return &Store{
		replica:     opts.Replica,
		clock:       opts.Clock,
		schemas:     opts.Schemas,
		persist:     opts.Persister,
		logger:      opts.Logger.With(zap.String("replica", string(opts.Replica))),
		metrics:     opts.Metrics,
		maxPending:  opts.MaxPending,
		slots:       make(map[string]*slot),
		vector:      clock.VersionVector{},
		seen:        make(map[clock.Dot]struct{}),
		byReplica:   make(map[clock.ReplicaID]*replicaLog),
		byEntity:    make(map[string][]op.Record),
		tombstones:  make(map[string]*Tombstone),
		collected:   make(map[string]clock.Timestamp),
		pending:     make(map[clock.ReplicaID][]op.Operation),
		pendingDots: make(map[clock.Dot]struct{}),
		subs:        make(map[*Subscription]struct{}),
	}, nil
}

// Replica returns the local replica id.
func (s *Store) Replica() clock.ReplicaID {
	return s.replica
}

// Clock returns the store's hybrid logical clock.
func (s *Store) Clock() *clock.Clock {
	return s.clock
}

// Schemas returns the entity type registry.
func (s *Store) Schemas() *schema.Registry {
	return s.schemas
}

// Restore replays persisted state into an empty store. Records are
// integrated in seq order without being persisted again.
func (s *Store) Restore(ctx context.Context, st RestoreState) error {
	s.clock.Restore(st.Clock)

	s.logMu.Lock()
	for id, at := range st.Collected {
		s.collected[id] = at
	}
	s.logMu.Unlock()

	recs := slices.Clone(st.Records)
	slices.SortFunc(recs, func(a, b op.Record) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		sl := s.slot(rec.Op.EntityID)
		sl.mu.Lock()
		outcome, err := s.integrate(ctx, sl, rec.Op, rec.Seq)
		sl.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restore op %s: %w", rec.Op.Dot(), err)
		}
		if outcome == OutcomeBuffered {
			return fmt.Errorf("restore op %s: dependency missing from log", rec.Op.Dot())
		}
	}

	s.logMu.Lock()
	// the stored vector also covers operations removed by collection
	s.vector.Merge(st.Vector)
	s.logMu.Unlock()

	s.logger.Info("store restored",
		zap.Int("records", len(recs)),
		zap.Int("collected", len(st.Collected)))
	s.updateGauges()
	return nil
}

// ApplyRemote integrates an operation received from a peer.
//
// A malformed operation yields a *crdt.MergeError and an unregistered type
// a *StoreError; in both cases nothing changes and the caller should drop
// the op and continue.
func (s *Store) ApplyRemote(ctx context.Context, o op.Operation) (Outcome, error) {
	start := time.Now()

	if err := o.Validate(); err != nil {
		s.metrics.RecordDrop("malformed")
		return OutcomeNoOp, &crdt.MergeError{
			Code:    crdt.ErrCodeMalformedPayload,
			Dot:     o.Dot(),
			Field:   o.Payload.Field,
			Message: err.Error(),
		}
	}
	if _, ok := s.schemas.Lookup(o.EntityType); !ok {
		s.metrics.RecordDrop("unknown_entity_type")
		return OutcomeNoOp, &StoreError{
			Code:     ErrCodeUnknownEntityType,
			EntityID: o.EntityID,
			Message:  fmt.Sprintf("entity type %q is not registered", o.EntityType),
		}
	}

	sl := s.slot(o.EntityID)
	sl.mu.Lock()
	outcome, redelivered, err := s.admit(ctx, sl, o)
	sl.mu.Unlock()

	if err != nil {
		s.metrics.RecordDrop(dropReason(err))
		return outcome, err
	}
	s.metrics.RecordApply("remote", outcome.String(), time.Since(start).Seconds())

	// redelivery of a pending op retries the buffer
	if outcome.Integrated() || redelivered {
		s.drain(ctx)
	}
	return outcome, nil
}

// admit buffers o behind earlier pending ops of its origin, or integrates
// it. redelivered reports that o was already buffered. Caller holds sl.mu.
func (s *Store) admit(ctx context.Context, sl *slot, o op.Operation) (outcome Outcome, redelivered bool, err error) {
	s.pendingMu.Lock()
	if _, dup := s.pendingDots[o.Dot()]; dup {
		s.pendingMu.Unlock()
		return OutcomeBuffered, true, nil
	}
	if q := s.pending[o.Replica]; len(q) > 0 && q[0].Counter < o.Counter {
		err := s.bufferLocked(o)
		s.pendingMu.Unlock()
		if err != nil {
			return OutcomeNoOp, false, err
		}
		return OutcomeBuffered, false, nil
	}
	s.pendingMu.Unlock()

	outcome, err = s.integrate(ctx, sl, o, 0)
	if err != nil || outcome != OutcomeBuffered {
		return outcome, false, err
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if err := s.bufferLocked(o); err != nil {
		return OutcomeNoOp, false, err
	}
	s.logger.Debug("op buffered", zap.Stringer("op", o))
	return OutcomeBuffered, false, nil
}

// MutateLocal is the only path for locally originated writes. It ticks the
// clock, resolves change against current state, integrates the resulting
// operation exactly as a remote one, and returns it for transmission.
func (s *Store) MutateLocal(ctx context.Context, entityType, entityID, field string, change Change) (op.Operation, error) {
	start := time.Now()

	et, ok := s.schemas.Lookup(entityType)
	if !ok {
		return op.Operation{}, &StoreError{
			Code:     ErrCodeUnknownEntityType,
			EntityID: entityID,
			Message:  fmt.Sprintf("entity type %q is not registered", entityType),
		}
	}
	if entityID == "" {
		return op.Operation{}, &StoreError{Code: ErrCodeInvalidChange, Message: "entity id is required"}
	}

	var fieldType crdt.Type
	if change.Kind() != op.KindEntityDelete {
		fieldType, ok = et.Fields[field]
		if !ok {
			return op.Operation{}, &StoreError{
				Code:     ErrCodeUnknownField,
				EntityID: entityID,
				Message:  fmt.Sprintf("%s has no field %q", entityType, field),
			}
		}
	}

	s.localMu.Lock()
	defer s.localMu.Unlock()

	sl := s.slot(entityID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if s.IsCollected(entityID) || (sl.entity != nil && sl.entity.tombstone != nil) {
		return op.Operation{}, &StoreError{
			Code:     ErrCodeEntityDeleted,
			EntityID: entityID,
			Message:  "entity has been deleted",
		}
	}
	if sl.entity == nil && change.Kind() == op.KindEntityDelete {
		return op.Operation{}, &StoreError{
			Code:     ErrCodeInvalidChange,
			EntityID: entityID,
			Message:  "entity does not exist",
		}
	}
	if sl.entity != nil && sl.entity.Type != entityType {
		return op.Operation{}, &StoreError{
			Code:     ErrCodeInvalidChange,
			EntityID: entityID,
			Message:  fmt.Sprintf("entity is a %s, not a %s", sl.entity.Type, entityType),
		}
	}

	ts, err := s.clock.Tick()
	if err != nil {
		return op.Operation{}, fmt.Errorf("mutate %s: %w", entityID, err)
	}

	var prim crdt.Primitive
	if change.Kind() != op.KindEntityDelete {
		if sl.entity != nil {
			prim = sl.entity.fields[field]
		}
		if prim == nil {
			prim, _ = crdt.New(fieldType)
		}
	}
	payload, deps, err := change.resolve(field, prim)
	if err != nil {
		return op.Operation{}, &StoreError{Code: ErrCodeInvalidChange, EntityID: entityID, Message: err.Error()}
	}

	s.logMu.RLock()
	counter := s.vector.Get(s.replica) + 1
	s.logMu.RUnlock()

	o := op.Operation{
		ID:         ts,
		Replica:    s.replica,
		Counter:    counter,
		EntityID:   entityID,
		EntityType: entityType,
		Payload:    payload,
		Deps:       deps,
	}
	if err := o.Validate(); err != nil {
		return op.Operation{}, &StoreError{Code: ErrCodeInvalidChange, EntityID: entityID, Message: err.Error()}
	}

	outcome, err := s.integrate(ctx, sl, o, 0)
	if err != nil {
		return op.Operation{}, err
	}
	s.metrics.RecordApply("local", outcome.String(), time.Since(start).Seconds())
	return o, nil
}

// integrate is the single application path. seq is zero for new operations
// and the stored seq on restore, which also skips persistence.
// Caller holds sl.mu.
func (s *Store) integrate(ctx context.Context, sl *slot, o op.Operation, seq uint64) (Outcome, error) {
	s.logMu.RLock()
	_, collected := s.collected[o.EntityID]
	_, seen := s.seen[o.Dot()]
	s.logMu.RUnlock()
	if collected || seen {
		return OutcomeNoOp, nil
	}

	ent := sl.entity
	if ent == nil {
		ent = newEntity(o.EntityID, o.EntityType)
	} else if ent.Type != o.EntityType {
		return OutcomeNoOp, &crdt.MergeError{
			Code:    crdt.ErrCodeMalformedPayload,
			Dot:     o.Dot(),
			Message: fmt.Sprintf("entity %s is a %s, op declares %s", o.EntityID, ent.Type, o.EntityType),
		}
	}

	var prim crdt.Primitive
	if o.Payload.Kind != op.KindEntityDelete {
		ft, ok := s.schemas.FieldType(o.EntityType, o.Payload.Field)
		if !ok {
			return OutcomeNoOp, &StoreError{
				Code:     ErrCodeUnknownField,
				EntityID: o.EntityID,
				Message:  fmt.Sprintf("%s has no field %q", o.EntityType, o.Payload.Field),
			}
		}
		prim = ent.fields[o.Payload.Field]
		if prim == nil {
			var err error
			if prim, err = crdt.New(ft); err != nil {
				return OutcomeNoOp, err
			}
		}
		if err := prim.Check(o); err != nil {
			return OutcomeNoOp, err
		}
		if !prim.Ready(o) {
			return OutcomeBuffered, nil
		}
	}

	s.clock.Observe(o.ID)

	replay := seq != 0
	if !replay {
		s.logMu.Lock()
		s.lastSeq++
		seq = s.lastSeq
		s.logMu.Unlock()
	}
	rec := op.Record{Seq: seq, Op: o}

	if !replay && s.persist != nil {
		if err := s.persist.AppendOp(ctx, rec, s.clock.Last()); err != nil {
			return OutcomeNoOp, &StoreError{
				Code:     ErrCodePersistence,
				EntityID: o.EntityID,
				Message:  fmt.Sprintf("persist op %s", o.Dot()),
				Err:      err,
			}
		}
	}

	outcome := OutcomeApplied
	if prim != nil {
		if err := prim.Apply(o); err != nil {
			// Check and Ready passed above; this is a primitive bug
			s.logger.Error("apply failed after check", zap.Stringer("op", o), zap.Error(err))
			return OutcomeNoOp, err
		}
		ent.fields[o.Payload.Field] = prim
	} else if ent.tombstone == nil {
		ent.tombstone = &Tombstone{
			EntityID:   o.EntityID,
			EntityType: o.EntityType,
			Deletes:    []clock.Dot{o.Dot()},
			CreatedAt:  o.ID,
		}
		outcome = OutcomeTombstoneCreated
	} else {
		ent.tombstone.Deletes = append(ent.tombstone.Deletes, o.Dot())
		if ent.tombstone.CreatedAt.Less(o.ID) {
			ent.tombstone.CreatedAt = o.ID
		}
	}
	sl.entity = ent

	s.logMu.Lock()
	s.appendLocked(rec)
	if ent.tombstone != nil {
		s.tombstones[ent.ID] = ent.tombstone
	}
	s.logMu.Unlock()

	if !replay {
		s.notify(Event{
			EntityID:   o.EntityID,
			EntityType: o.EntityType,
			Field:      o.Payload.Field,
			Outcome:    outcome,
			Dot:        o.Dot(),
			Local:      o.Replica == s.replica,
		})
		s.updateGauges()
	}
	return outcome, nil
}

// bufferLocked queues o in counter order. Caller holds pendingMu.
func (s *Store) bufferLocked(o op.Operation) error {
	if len(s.pendingDots) >= s.maxPending {
		return &StoreError{
			Code:     ErrCodePendingFull,
			EntityID: o.EntityID,
			Message:  fmt.Sprintf("%d ops already waiting on dependencies", len(s.pendingDots)),
		}
	}
	q := s.pending[o.Replica]
	i, _ := slices.BinarySearchFunc(q, o.Counter, func(e op.Operation, c uint64) int {
		switch {
		case e.Counter < c:
			return -1
		case e.Counter > c:
			return 1
		}
		return 0
	})
	s.pending[o.Replica] = slices.Insert(q, i, o)
	s.pendingDots[o.Dot()] = struct{}{}
	return nil
}

func (s *Store) unbuffer(o op.Operation) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, ok := s.pendingDots[o.Dot()]; !ok {
		return
	}
	delete(s.pendingDots, o.Dot())
	q := s.pending[o.Replica]
	if i := slices.IndexFunc(q, func(e op.Operation) bool { return e.Counter == o.Counter }); i >= 0 {
		q = slices.Delete(q, i, i+1)
	}
	if len(q) == 0 {
		delete(s.pending, o.Replica)
	} else {
		s.pending[o.Replica] = q
	}
}

func (s *Store) pendingHeads() []op.Operation {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	heads := make([]op.Operation, 0, len(s.pending))
	for _, q := range s.pending {
		heads = append(heads, q[0])
	}
	slices.SortFunc(heads, func(a, b op.Operation) int {
		switch {
		case a.Replica < b.Replica:
			return -1
		case a.Replica > b.Replica:
			return 1
		}
		return 0
	})
	return heads
}

// drain integrates buffered operations whose dependencies have arrived,
// repeating until no more progress is possible.
func (s *Store) drain(ctx context.Context) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	for {
		progress := false
		for _, o := range s.pendingHeads() {
			sl := s.slot(o.EntityID)
			sl.mu.Lock()
			outcome, err := s.integrate(ctx, sl, o, 0)
			sl.mu.Unlock()

			if err == nil && outcome == OutcomeBuffered {
				continue
			}
			if err != nil && !opScoped(err) {
				// stays at the head of its origin so later counters
				// cannot integrate past the gap
				s.logger.Warn("buffered op deferred", zap.Stringer("op", o), zap.Error(err))
				continue
			}
			s.unbuffer(o)
			progress = true
			if err != nil {
				s.metrics.RecordDrop(dropReason(err))
				s.logger.Warn("dropping buffered op", zap.Stringer("op", o), zap.Error(err))
				continue
			}
			s.logger.Debug("buffered op integrated", zap.Stringer("op", o))
		}
		if !progress {
			return
		}
	}
}

// Pending returns the number of operations waiting on dependencies.
func (s *Store) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingDots)
}

func (s *Store) slot(entityID string) *slot {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	sl, ok := s.slots[entityID]
	if !ok {
		sl = &slot{}
		s.slots[entityID] = sl
	}
	return sl
}

func (s *Store) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.slotsMu.Lock()
	entities := len(s.slots)
	s.slotsMu.Unlock()
	s.metrics.UpdateStoreSize(s.LogLen(), entities, s.Pending())
}

// opScoped reports whether err condemns the operation itself. Any other
// error, such as a failed write, may succeed on retry.
func opScoped(err error) bool {
	return crdt.IsMalformedPayload(err) || IsUnknownField(err) || IsUnknownEntityType(err)
}

func dropReason(err error) string {
	switch {
	case crdt.IsMalformedPayload(err):
		return "malformed"
	case IsUnknownEntityType(err):
		return "unknown_entity_type"
	case IsUnknownField(err):
		return "unknown_field"
	case IsPersistence(err):
		return "persistence"
	case IsPendingFull(err):
		return "pending_full"
	}
	return "other"
}
