package entity

import (
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/crdt"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

// Change is a local write intent. It is resolved against current state into
// a concrete payload, e.g. a list index becomes an anchor id.
type Change struct {
	kind  op.Kind
	value value.Value
	key   string
	index int
}

// SetValue writes a register field.
func SetValue(v value.Value) Change {
	return Change{kind: op.KindRegisterSet, value: v}
}

// AddElement adds v to a set field.
func AddElement(v value.Value) Change {
	return Change{kind: op.KindSetAdd, value: v}
}

// RemoveElement removes every currently observed instance of v from a set.
func RemoveElement(v value.Value) Change {
	return Change{kind: op.KindSetRemove, value: v}
}

// PutKey sets key in a map field.
func PutKey(key string, v value.Value) Change {
	return Change{kind: op.KindMapSet, key: key, value: v}
}

// DeleteKey removes key from a map field.
func DeleteKey(key string) Change {
	return Change{kind: op.KindMapDelete, key: key}
}

// InsertAt inserts v so that it becomes the element at index in a sequence.
func InsertAt(index int, v value.Value) Change {
	return Change{kind: op.KindSeqInsert, index: index, value: v}
}

// RemoveAt removes the element at index from a sequence.
func RemoveAt(index int) Change {
	return Change{kind: op.KindSeqRemove, index: index}
}

// DeleteEntity deletes the whole entity.
func DeleteEntity() Change {
	return Change{kind: op.KindEntityDelete}
}

// Kind returns the payload kind this change produces.
func (c Change) Kind() op.Kind {
	return c.kind
}

// resolve builds the payload for field against prim, which may be an empty
// primitive when the field has never been written.
func (c Change) resolve(field string, prim crdt.Primitive) (op.Payload, []clock.Timestamp, error) {
	p := op.Payload{Kind: c.kind, Field: field, Key: c.key, Value: c.value}
	if c.kind == op.KindEntityDelete {
		p.Field = ""
		return p, nil, nil
	}

	switch c.kind {
	case op.KindSetRemove:
		set, ok := prim.(*crdt.ORSet)
		if !ok {
			return p, nil, fmt.Errorf("field %q is not a set", field)
		}
		tags := set.Tags(c.value)
		if len(tags) == 0 {
			return p, nil, fmt.Errorf("element not present in %q", field)
		}
		p.Observed = tags

	case op.KindSeqInsert:
		seq, ok := prim.(*crdt.RGA)
		if !ok {
			return p, nil, fmt.Errorf("field %q is not a sequence", field)
		}
		if c.index < 0 || c.index > seq.Len() {
			return p, nil, fmt.Errorf("insert index %d out of range [0,%d]", c.index, seq.Len())
		}
		if c.index > 0 {
			left, _ := seq.IDAt(c.index - 1)
			p.Left = &left
			return p, []clock.Timestamp{left}, nil
		}

	case op.KindSeqRemove:
		seq, ok := prim.(*crdt.RGA)
		if !ok {
			return p, nil, fmt.Errorf("field %q is not a sequence", field)
		}
		target, ok := seq.IDAt(c.index)
		if !ok {
			return p, nil, fmt.Errorf("remove index %d out of range [0,%d)", c.index, seq.Len())
		}
		p.Target = &target
		return p, []clock.Timestamp{target}, nil
	}
	return p, nil, nil
}
