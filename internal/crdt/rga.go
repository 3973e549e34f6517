package crdt

import (
	"slices"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

type rgaNode struct {
	id       clock.Timestamp
	left     *clock.Timestamp
	value    value.Value // nil once removed
	children []clock.Timestamp
}

// RGA is a replicated growable array.
//
// Elements form a tree: each element hangs off the anchor it was inserted
// after, and siblings are ordered by descending id. The sequence is the
// pre-order walk of that tree. Removal keeps the element as a tombstone so
// later inserts can still anchor to it.
type RGA struct {
	nodes map[clock.Timestamp]*rgaNode
	roots []clock.Timestamp

	order []clock.Timestamp // every element in sequence order, tombstones included
	dirty bool
}

// NewRGA returns an empty sequence.
func NewRGA() *RGA {
	return &RGA{nodes: make(map[clock.Timestamp]*rgaNode)}
}

func (r *RGA) Type() Type { return TypeRGA }

func (r *RGA) Check(o op.Operation) error {
	if err := checkKind(TypeRGA, o); err != nil {
		return err
	}
	switch o.Payload.Kind {
	case op.KindSeqInsert:
		if o.Payload.Value == nil {
			return malformed(o, "insert without value")
		}
		if _, err := normalized(o); err != nil {
			return err
		}
		if o.Payload.Left != nil && !o.Payload.Left.Less(o.ID) {
			return malformed(o, "anchor %s does not precede insert %s", o.Payload.Left, o.ID)
		}
	case op.KindSeqRemove:
		if o.Payload.Target == nil {
			return malformed(o, "remove without target")
		}
	}
	return nil
}

// Ready is false while the insert anchor or the remove target is unknown.
func (r *RGA) Ready(o op.Operation) bool {
	switch o.Payload.Kind {
	case op.KindSeqInsert:
		if o.Payload.Left == nil {
			return true
		}
		_, ok := r.nodes[*o.Payload.Left]
		return ok
	case op.KindSeqRemove:
		if o.Payload.Target == nil {
			return true
		}
		_, ok := r.nodes[*o.Payload.Target]
		return ok
	}
	return true
}

func (r *RGA) Apply(o op.Operation) error {
	if err := r.Check(o); err != nil {
		return err
	}
	if !r.Ready(o) {
		return &MergeError{
			Code:    ErrCodeMissingDependency,
			Dot:     o.Dot(),
			Field:   o.Payload.Field,
			Message: "sequence anchor not yet integrated",
		}
	}

	switch o.Payload.Kind {
	case op.KindSeqInsert:
		v, err := normalized(o)
		if err != nil {
			return err
		}
		r.insert(o, v)
	case op.KindSeqRemove:
		if n := r.nodes[*o.Payload.Target]; n.value != nil {
			n.value = nil
		}
	}
	return nil
}

func (r *RGA) insert(o op.Operation, v value.Value) {
	if _, exists := r.nodes[o.ID]; exists {
		return
	}
	n := &rgaNode{id: o.ID, value: v}
	siblings := &r.roots
	if o.Payload.Left != nil {
		left := *o.Payload.Left
		n.left = &left
		siblings = &r.nodes[left].children
	}
	r.nodes[o.ID] = n

	// descending by id
	pos, _ := slices.BinarySearchFunc(*siblings, o.ID, func(e, target clock.Timestamp) int {
		return target.Compare(e)
	})
	*siblings = slices.Insert(*siblings, pos, o.ID)
	r.dirty = true
}

func (r *RGA) linearize() []clock.Timestamp {
	if !r.dirty && r.order != nil {
		return r.order
	}
	order := make([]clock.Timestamp, 0, len(r.nodes))

	// iterative pre-order walk; long typing runs nest deeply
	stack := make([]clock.Timestamp, 0, 16)
	for i := len(r.roots) - 1; i >= 0; i-- {
		stack = append(stack, r.roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, id)

		kids := r.nodes[id].children
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	r.order = order
	r.dirty = false
	return order
}

// visible returns the ids of live elements in order.
func (r *RGA) visible() []clock.Timestamp {
	all := r.linearize()
	out := make([]clock.Timestamp, 0, len(all))
	for _, id := range all {
		if r.nodes[id].value != nil {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of live elements.
func (r *RGA) Len() int {
	return len(r.visible())
}

// IDAt returns the id of the live element at index.
func (r *RGA) IDAt(index int) (clock.Timestamp, bool) {
	vis := r.visible()
	if index < 0 || index >= len(vis) {
		return clock.Timestamp{}, false
	}
	return vis[index], true
}

// Contains reports whether id has been integrated, live or removed.
func (r *RGA) Contains(id clock.Timestamp) bool {
	_, ok := r.nodes[id]
	return ok
}

// Value returns live elements as a list.
func (r *RGA) Value() value.Value {
	vis := r.visible()
	if len(vis) == 0 {
		return nil
	}
	out := make(value.List, len(vis))
	for i, id := range vis {
		out[i] = r.nodes[id].value
	}
	return out
}

// State lists every element in sequence order with its anchor.
func (r *RGA) State() value.Value {
	all := r.linearize()
	out := make(value.List, len(all))
	for i, id := range all {
		n := r.nodes[id]
		e := value.Object{"id": timestampValue(n.id)}
		if n.left != nil {
			e["left"] = timestampValue(*n.left)
		}
		if n.value != nil {
			e["value"] = n.value
		}
		out[i] = e
	}
	return out
}
