// Package crdt implements the replicated field types an entity is composed
// of: last-writer-wins registers, observed-remove sets, observed-remove maps
// and a replicated growable array for ordered sequences.
//
// Every primitive consumes op.Operation values. Apply is idempotent per
// operation and commutative across concurrent operations, so replicas that
// integrate the same set of operations in any order reach identical State.
package crdt

import (
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

// Type names a primitive. Schemas refer to these names.
type Type string

const (
	TypeLWW   Type = "lww"
	TypeORSet Type = "orset"
	TypeORMap Type = "ormap"
	TypeRGA   Type = "rga"
)

// Valid reports whether t is a known primitive type.
func (t Type) Valid() bool {
	switch t {
	case TypeLWW, TypeORSet, TypeORMap, TypeRGA:
		return true
	}
	return false
}

// Primitive is the contract shared by all field types.
type Primitive interface {
	Type() Type

	// Check validates o against this primitive without mutating it.
	Check(o op.Operation) error

	// Ready reports whether every element o refers to is present.
	// Operations that are not ready must be held back by the caller.
	Ready(o op.Operation) bool

	// Apply integrates o. Reapplying an integrated operation is a no-op.
	Apply(o op.Operation) error

	// Value is the user-visible materialization, nil when empty.
	Value() value.Value

	// State is the full internal state including tombstones and tags.
	State() value.Value
}

// New returns an empty primitive of type t.
func New(t Type) (Primitive, error) {
	switch t {
	case TypeLWW:
		return NewLWWRegister(), nil
	case TypeORSet:
		return NewORSet(), nil
	case TypeORMap:
		return NewORMap(), nil
	case TypeRGA:
		return NewRGA(), nil
	}
	return nil, fmt.Errorf("unknown crdt type %q", t)
}

// TypeFor returns the primitive type a payload kind targets.
// entity.delete targets no field and reports false.
func TypeFor(k op.Kind) (Type, bool) {
	switch k {
	case op.KindRegisterSet:
		return TypeLWW, true
	case op.KindSetAdd, op.KindSetRemove:
		return TypeORSet, true
	case op.KindMapSet, op.KindMapDelete:
		return TypeORMap, true
	case op.KindSeqInsert, op.KindSeqRemove:
		return TypeRGA, true
	}
	return "", false
}

func checkKind(t Type, o op.Operation) error {
	got, ok := TypeFor(o.Payload.Kind)
	if !ok || got != t {
		return malformed(o, "kind %s does not apply to %s field", o.Payload.Kind, t)
	}
	return nil
}

// normalized returns o's value in canonical form, strings in NFC.
func normalized(o op.Operation) (value.Value, error) {
	v, err := value.Normalize(o.Payload.Value)
	if err != nil {
		return nil, malformed(o, "value: %v", err)
	}
	return v, nil
}

func timestampValue(ts clock.Timestamp) value.Value {
	return value.Object{
		"p": value.Int(ts.Physical),
		"l": value.Int(int64(ts.Logical)),
		"r": value.String(string(ts.Replica)),
	}
}

func dotValue(d clock.Dot) value.Value {
	return value.List{value.String(string(d.Replica)), value.Int(int64(d.Counter))}
}
