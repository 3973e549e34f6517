package crdt

import (
	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/value"
)

// LWWRegister holds a single value; the write with the greatest timestamp
// wins. Timestamps embed the replica id, so there are no true ties.
type LWWRegister struct {
	value value.Value
	ts    clock.Timestamp
	set   bool
}

// NewLWWRegister returns an unset register.
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

func (r *LWWRegister) Type() Type { return TypeLWW }

func (r *LWWRegister) Check(o op.Operation) error {
	if err := checkKind(TypeLWW, o); err != nil {
		return err
	}
	if o.Payload.Value == nil {
		return malformed(o, "register set without value")
	}
	_, err := normalized(o)
	return err
}

func (r *LWWRegister) Ready(op.Operation) bool { return true }

func (r *LWWRegister) Apply(o op.Operation) error {
	if err := r.Check(o); err != nil {
		return err
	}
	v, err := normalized(o)
	if err != nil {
		return err
	}
	r.write(v, o.ID)
	return nil
}

func (r *LWWRegister) write(v value.Value, ts clock.Timestamp) {
	if r.set && !r.ts.Less(ts) {
		return
	}
	r.value = v
	r.ts = ts
	r.set = true
}

// Timestamp returns the winning write's timestamp and whether one exists.
func (r *LWWRegister) Timestamp() (clock.Timestamp, bool) {
	return r.ts, r.set
}

func (r *LWWRegister) Value() value.Value {
	return r.value
}

func (r *LWWRegister) State() value.Value {
	if !r.set {
		return value.Object{}
	}
	st := value.Object{"ts": timestampValue(r.ts)}
	if r.value != nil {
		st["value"] = r.value
	}
	return st
}
