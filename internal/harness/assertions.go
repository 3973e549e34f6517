package harness

import (
	"fmt"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/value"
)

func check(c *Cluster, a Assertion) error {
	if a.Type == AssertConverged {
		ids := make([]clock.ReplicaID, len(a.Replicas))
		for i, r := range a.Replicas {
			ids[i] = clock.ReplicaID(r)
		}
		return c.Converged(ids...)
	}

	r, err := c.Replica(clock.ReplicaID(a.Replica))
	if err != nil {
		return err
	}
	st := r.Store

	switch a.Type {
	case AssertField:
		snap, ok := st.Get(a.Entity)
		if !ok {
			return fmt.Errorf("entity %q not found on %s", a.Entity, a.Replica)
		}
		got, present := snap.Fields[a.Field]
		if a.Absent {
			if present {
				return fmt.Errorf("%s.%s = %s, want absent", a.Entity, a.Field, render(got))
			}
			return nil
		}
		want, err := value.FromAny(a.Expect)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("%s.%s absent, want %s", a.Entity, a.Field, render(want))
		}
		if !value.Equal(got, want) {
			return fmt.Errorf("%s.%s = %s, want %s", a.Entity, a.Field, render(got), render(want))
		}

	case AssertDeleted:
		snap, ok := st.Get(a.Entity)
		if !ok {
			if st.IsCollected(a.Entity) {
				return nil
			}
			return fmt.Errorf("entity %q not found on %s", a.Entity, a.Replica)
		}
		if !snap.Deleted {
			return fmt.Errorf("entity %q is live on %s", a.Entity, a.Replica)
		}

	case AssertVector:
		want := clock.VersionVector{}
		for id, n := range a.Vector {
			want.Advance(clock.ReplicaID(id), n)
		}
		if got := st.Vector(); !got.Equal(want) {
			return fmt.Errorf("vector %v, want %v", got, want)
		}

	case AssertEntityCount:
		if got := len(st.Entities()); got != *a.Count {
			return fmt.Errorf("%d entities, want %d", got, *a.Count)
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func render(v value.Value) string {
	b, err := value.Canonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
