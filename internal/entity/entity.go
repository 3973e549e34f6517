package entity

import (
	"slices"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/crdt"
	"github.com/roach88/driftsync/internal/value"
)

// Entity is a named aggregate of replicated fields.
// Guarded by its slot's mutex.
type Entity struct {
	ID        string
	Type      string
	fields    map[string]crdt.Primitive
	tombstone *Tombstone
}

func newEntity(id, typ string) *Entity {
	return &Entity{ID: id, Type: typ, fields: make(map[string]crdt.Primitive)}
}

// Tombstone marks a deleted entity. It keeps the entity's causal history
// until the collector proves every peer has seen it.
type Tombstone struct {
	EntityID   string
	EntityType string
	// Deletes lists every delete operation; concurrent deletes all count.
	Deletes []clock.Dot
	// CreatedAt is the latest delete's timestamp; retention runs from here.
	CreatedAt clock.Timestamp
}

func (t *Tombstone) clone() Tombstone {
	c := *t
	c.Deletes = slices.Clone(t.Deletes)
	return c
}

// Snapshot is a read-only view of an entity's user-visible values.
type Snapshot struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Deleted bool                   `json:"deleted"`
	Fields  map[string]value.Value `json:"fields"`
}

func (e *Entity) snapshot() Snapshot {
	s := Snapshot{
		ID:      e.ID,
		Type:    e.Type,
		Deleted: e.tombstone != nil,
		Fields:  make(map[string]value.Value, len(e.fields)),
	}
	for name, prim := range e.fields {
		if v := prim.Value(); v != nil {
			s.Fields[name] = v
		}
	}
	return s
}

// state is the full internal state used for convergence digests.
func (e *Entity) state() value.Value {
	fields := make(value.Object, len(e.fields))
	for name, prim := range e.fields {
		fields[name] = prim.State()
	}
	return value.Object{
		"type":    value.String(e.Type),
		"deleted": value.Bool(e.tombstone != nil),
		"fields":  fields,
	}
}
