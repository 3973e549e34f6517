package crdt

import (
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

// ORMap maps string keys to last-writer-wins registers of optional values.
// A delete writes an empty value with a fresh timestamp, so a concurrent
// set with a greater timestamp revives the key.
type ORMap struct {
	entries map[string]*LWWRegister
}

// NewORMap returns an empty map.
func NewORMap() *ORMap {
	return &ORMap{entries: make(map[string]*LWWRegister)}
}

func (m *ORMap) Type() Type { return TypeORMap }

func (m *ORMap) Check(o op.Operation) error {
	if err := checkKind(TypeORMap, o); err != nil {
		return err
	}
	if o.Payload.Key == "" {
		return malformed(o, "map key missing")
	}
	if o.Payload.Kind == op.KindMapSet {
		if o.Payload.Value == nil {
			return malformed(o, "map set without value")
		}
		if _, err := normalized(o); err != nil {
			return err
		}
	}
	return nil
}

func (m *ORMap) Ready(op.Operation) bool { return true }

func (m *ORMap) Apply(o op.Operation) error {
	if err := m.Check(o); err != nil {
		return err
	}
	var v value.Value
	if o.Payload.Kind == op.KindMapSet {
		var err error
		if v, err = normalized(o); err != nil {
			return err
		}
	}

	key := norm.NFC.String(o.Payload.Key)
	reg, ok := m.entries[key]
	if !ok {
		reg = NewLWWRegister()
		m.entries[key] = reg
	}
	reg.write(v, o.ID)
	return nil
}

// Get returns the live value for key.
func (m *ORMap) Get(key string) (value.Value, bool) {
	reg, ok := m.entries[norm.NFC.String(key)]
	if !ok || reg.value == nil {
		return nil, false
	}
	return reg.value, true
}

// Value returns live entries as an object.
func (m *ORMap) Value() value.Value {
	out := value.Object{}
	for k, reg := range m.entries {
		if reg.value != nil {
			out[k] = reg.value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// State includes deleted keys with their deletion timestamp.
func (m *ORMap) State() value.Value {
	out := make(value.Object, len(m.entries))
	for k, reg := range m.entries {
		out[k] = reg.State()
	}
	return out
}
