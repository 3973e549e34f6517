package op

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/value"
)

// Kind discriminates payload variants. The set is closed.
type Kind string

const (
	KindRegisterSet  Kind = "register.set"
	KindSetAdd       Kind = "set.add"
	KindSetRemove    Kind = "set.remove"
	KindMapSet       Kind = "map.set"
	KindMapDelete    Kind = "map.delete"
	KindSeqInsert    Kind = "seq.insert"
	KindSeqRemove    Kind = "seq.remove"
	KindEntityDelete Kind = "entity.delete"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRegisterSet, KindSetAdd, KindSetRemove, KindMapSet, KindMapDelete,
		KindSeqInsert, KindSeqRemove, KindEntityDelete:
		return true
	}
	return false
}

// Payload is the CRDT-specific mutation carried by an operation.
//
// Which fields are meaningful depends on Kind:
//
//	register.set   Field, Value
//	set.add        Field, Value (the add tag is the operation's dot)
//	set.remove     Field, Value, Observed
//	map.set        Field, Key, Value
//	map.delete     Field, Key
//	seq.insert     Field, Value, Left (nil inserts at the head)
//	seq.remove     Field, Target
//	entity.delete  nothing
type Payload struct {
	Kind     Kind
	Field    string
	Key      string
	Value    value.Value
	Observed []clock.Dot
	Left     *clock.Timestamp
	Target   *clock.Timestamp
}

type payloadJSON struct {
	Kind     Kind             `json:"kind"`
	Field    string           `json:"field,omitempty"`
	Key      string           `json:"key,omitempty"`
	Value    json.RawMessage  `json:"value,omitempty"`
	Observed []clock.Dot      `json:"observed,omitempty"`
	Left     *clock.Timestamp `json:"left,omitempty"`
	Target   *clock.Timestamp `json:"target,omitempty"`
}

// MarshalJSON encodes Value canonically.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{
		Kind:     p.Kind,
		Field:    p.Field,
		Key:      p.Key,
		Observed: p.Observed,
		Left:     p.Left,
		Target:   p.Target,
	}
	if p.Value != nil {
		raw, err := value.Canonical(p.Value)
		if err != nil {
			return nil, fmt.Errorf("payload value: %w", err)
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes Value strictly (no floats, no null).
func (p *Payload) UnmarshalJSON(data []byte) error {
	var in payloadJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = Payload{
		Kind:     in.Kind,
		Field:    in.Field,
		Key:      in.Key,
		Observed: in.Observed,
		Left:     in.Left,
		Target:   in.Target,
	}
	if len(in.Value) > 0 {
		v, err := value.Decode(in.Value)
		if err != nil {
			return fmt.Errorf("payload value: %w", err)
		}
		p.Value = v
	}
	return nil
}

func (p Payload) validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown kind")
	}
	if p.Kind == KindEntityDelete {
		if p.Field != "" {
			return fmt.Errorf("entity delete carries no field")
		}
		return nil
	}
	if p.Field == "" {
		return fmt.Errorf("missing field")
	}

	switch p.Kind {
	case KindRegisterSet, KindSetAdd, KindSetRemove, KindSeqInsert:
		if p.Value == nil {
			return fmt.Errorf("missing value")
		}
	case KindMapSet:
		if p.Key == "" || p.Value == nil {
			return fmt.Errorf("map set needs key and value")
		}
	case KindMapDelete:
		if p.Key == "" {
			return fmt.Errorf("missing key")
		}
	case KindSeqRemove:
		if p.Target == nil {
			return fmt.Errorf("missing target")
		}
	}
	return nil
}
