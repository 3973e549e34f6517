// Package op defines the immutable operation record exchanged between
// replicas and appended to the local log.
package op

import (
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
)

// Operation is one replicated mutation. It is never modified after creation.
//
// ID orders the operation globally; (Replica, Counter) is its dot, the
// idempotence key and the unit the version vector summarizes.
type Operation struct {
	ID         clock.Timestamp   `json:"id"`
	Replica    clock.ReplicaID   `json:"replica"`
	Counter    uint64            `json:"counter"`
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	Payload    Payload           `json:"payload"`
	Deps       []clock.Timestamp `json:"deps,omitempty"`
}

// Dot returns the (replica, counter) pair identifying the operation.
func (o Operation) Dot() clock.Dot {
	return clock.Dot{Replica: o.Replica, Counter: o.Counter}
}

// Validate checks the envelope and the payload shape. It does not consult
// any schema; field typing is the entity store's job.
func (o Operation) Validate() error {
	if o.Replica == "" {
		return fmt.Errorf("operation has empty replica")
	}
	if o.ID.Replica != o.Replica {
		return fmt.Errorf("operation id replica %q does not match %q", o.ID.Replica, o.Replica)
	}
	if o.ID.Physical <= 0 {
		return fmt.Errorf("operation id has non-positive physical time %d", o.ID.Physical)
	}
	if o.Counter == 0 {
		return fmt.Errorf("operation counter must be positive")
	}
	if o.EntityID == "" {
		return fmt.Errorf("operation has empty entity_id")
	}
	if o.EntityType == "" {
		return fmt.Errorf("operation has empty entity_type")
	}
	if err := o.Payload.validate(); err != nil {
		return fmt.Errorf("payload %s: %w", o.Payload.Kind, err)
	}
	return nil
}

// String is a compact form for logs.
func (o Operation) String() string {
	return fmt.Sprintf("%s %s/%s %s", o.Dot(), o.EntityType, o.EntityID, o.Payload.Kind)
}

// Record is an operation with its position in the local log.
// Seq is assigned on append and is local to one replica.
type Record struct {
	Seq uint64
	Op  Operation
}
