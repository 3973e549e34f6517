package crdt

import (
	"slices"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

type orsetElem struct {
	value value.Value
	tags  map[clock.Dot]struct{}
}

// ORSet is an observed-remove set. Each add is tagged with its operation's
// dot; a remove cancels only the tags it observed, so an add concurrent with
// a remove survives.
//
// Removed tags are remembered. A remove delivered before the add it observed
// still cancels that add when it arrives.
type ORSet struct {
	elems   map[string]*orsetElem
	removed map[clock.Dot]struct{}
}

// NewORSet returns an empty set.
func NewORSet() *ORSet {
	return &ORSet{
		elems:   make(map[string]*orsetElem),
		removed: make(map[clock.Dot]struct{}),
	}
}

func (s *ORSet) Type() Type { return TypeORSet }

func (s *ORSet) Check(o op.Operation) error {
	if err := checkKind(TypeORSet, o); err != nil {
		return err
	}
	if o.Payload.Value == nil {
		return malformed(o, "set element missing")
	}
	if _, err := value.Key(o.Payload.Value); err != nil {
		return malformed(o, "set element: %v", err)
	}
	return nil
}

func (s *ORSet) Ready(op.Operation) bool { return true }

func (s *ORSet) Apply(o op.Operation) error {
	if err := s.Check(o); err != nil {
		return err
	}
	key, _ := value.Key(o.Payload.Value)

	switch o.Payload.Kind {
	case op.KindSetAdd:
		tag := o.Dot()
		if _, gone := s.removed[tag]; gone {
			return nil
		}
		e, ok := s.elems[key]
		if !ok {
			v, err := normalized(o)
			if err != nil {
				return err
			}
			e = &orsetElem{value: v, tags: make(map[clock.Dot]struct{})}
			s.elems[key] = e
		}
		e.tags[tag] = struct{}{}
	case op.KindSetRemove:
		e := s.elems[key]
		for _, tag := range o.Payload.Observed {
			s.removed[tag] = struct{}{}
			if e != nil {
				delete(e.tags, tag)
			}
		}
		if e != nil && len(e.tags) == 0 {
			delete(s.elems, key)
		}
	}
	return nil
}

// Contains reports whether v is present.
func (s *ORSet) Contains(v value.Value) bool {
	key, err := value.Key(v)
	if err != nil {
		return false
	}
	_, ok := s.elems[key]
	return ok
}

// Tags returns the live add tags for v, sorted. A local remove observes
// exactly these.
func (s *ORSet) Tags(v value.Value) []clock.Dot {
	key, err := value.Key(v)
	if err != nil {
		return nil
	}
	e, ok := s.elems[key]
	if !ok {
		return nil
	}
	return sortedDots(e.tags)
}

// Len returns the number of present elements.
func (s *ORSet) Len() int {
	return len(s.elems)
}

// Value returns present elements as a list in canonical order.
func (s *ORSet) Value() value.Value {
	if len(s.elems) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.elems))
	for k := range s.elems {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(value.List, len(keys))
	for i, k := range keys {
		out[i] = s.elems[k].value
	}
	return out
}

func (s *ORSet) State() value.Value {
	keys := make([]string, 0, len(s.elems))
	for k := range s.elems {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	elems := make(value.List, 0, len(keys))
	for _, k := range keys {
		e := s.elems[k]
		tags := make(value.List, 0, len(e.tags))
		for _, d := range sortedDots(e.tags) {
			tags = append(tags, dotValue(d))
		}
		elems = append(elems, value.Object{"value": e.value, "tags": tags})
	}

	removed := make(value.List, 0, len(s.removed))
	for _, d := range sortedDots(s.removed) {
		removed = append(removed, dotValue(d))
	}
	return value.Object{"elems": elems, "removed": removed}
}

func sortedDots(set map[clock.Dot]struct{}) []clock.Dot {
	out := make([]clock.Dot, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b clock.Dot) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}
