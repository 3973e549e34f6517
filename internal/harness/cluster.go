package harness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/delta"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/session"
	"github.com/roach88/driftsync/internal/testutil"
	"github.com/roach88/driftsync/internal/transport"
	"github.com/roach88/driftsync/internal/value"
)

// DefaultStart is the wall clock reading every replica starts at.
const DefaultStart int64 = 1_700_000_000_000

// Replica is one member of a cluster.
type Replica struct {
	ID    clock.ReplicaID
	Store *entity.Store
	Clock *testutil.ManualClock
}

// Cluster is a set of in-memory replicas.
type Cluster struct {
	ids      []clock.ReplicaID
	replicas map[clock.ReplicaID]*Replica
	logger   *zap.Logger
}

// NewCluster creates replicas whose clocks all read start.
func NewCluster(start int64, ids ...clock.ReplicaID) (*Cluster, error) {
	c := &Cluster{replicas: make(map[clock.ReplicaID]*Replica), logger: zap.NewNop()}
	for _, id := range ids {
		if _, dup := c.replicas[id]; dup {
			return nil, fmt.Errorf("duplicate replica %q", id)
		}
		wall := testutil.NewManualClock(start)
		st, err := entity.New(entity.Options{
			Replica: id,
			Clock:   clock.New(id, wall),
			Logger:  c.logger,
		})
		if err != nil {
			return nil, err
		}
		c.ids = append(c.ids, id)
		c.replicas[id] = &Replica{ID: id, Store: st, Clock: wall}
	}
	return c, nil
}

// IDs returns replica ids in creation order.
func (c *Cluster) IDs() []clock.ReplicaID {
	return slices.Clone(c.ids)
}

// Replica returns the named replica.
func (c *Cluster) Replica(id clock.ReplicaID) (*Replica, error) {
	r, ok := c.replicas[id]
	if !ok {
		return nil, fmt.Errorf("unknown replica %q", id)
	}
	return r, nil
}

// Store returns the named replica's store, or nil.
func (c *Cluster) Store(id clock.ReplicaID) *entity.Store {
	if r, ok := c.replicas[id]; ok {
		return r.Store
	}
	return nil
}

// Mutate applies a local change on replica id.
func (c *Cluster) Mutate(ctx context.Context, id clock.ReplicaID, entityType, entityID, field string, ch entity.Change) (op.Operation, error) {
	r, err := c.Replica(id)
	if err != nil {
		return op.Operation{}, err
	}
	return r.Store.MutateLocal(ctx, entityType, entityID, field, ch)
}

// Sync runs one session between a and b over an in-memory pipe.
func (c *Cluster) Sync(ctx context.Context, a, b clock.ReplicaID) (session.Result, session.Result, error) {
	ra, err := c.Replica(a)
	if err != nil {
		return session.Result{}, session.Result{}, err
	}
	rb, err := c.Replica(b)
	if err != nil {
		return session.Result{}, session.Result{}, err
	}

	connA, connB := transport.Pipe()
	sa, err := session.New(connA, session.Options{Store: ra.Store, Logger: c.logger, ExpectedPeer: b})
	if err != nil {
		return session.Result{}, session.Result{}, err
	}
	sb, err := session.New(connB, session.Options{Store: rb.Store, Logger: c.logger, ExpectedPeer: a})
	if err != nil {
		return session.Result{}, session.Result{}, err
	}

	var resA, resB session.Result
	var g errgroup.Group
	g.Go(func() error {
		var err error
		resA, err = sa.Run(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		resB, err = sb.Run(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return resA, resB, fmt.Errorf("sync %s<->%s: %w", a, b, err)
	}
	return resA, resB, nil
}

// Order controls how Deliver sequences operations.
type Order struct {
	Reverse bool
	// Seed shuffles when non-zero.
	Seed uint64
	// Duplicate delivers every operation twice.
	Duplicate bool
}

// Missing returns the operations the from replicas hold that to has not
// incorporated, in log order per source.
func (c *Cluster) Missing(to clock.ReplicaID, from ...clock.ReplicaID) ([]op.Operation, error) {
	target, err := c.Replica(to)
	if err != nil {
		return nil, err
	}
	have := target.Store.Vector()
	seen := make(map[clock.Dot]struct{})
	var ops []op.Operation
	for _, id := range from {
		src, err := c.Replica(id)
		if err != nil {
			return nil, err
		}
		for o := range delta.Compute(src.Store, have).All() {
			if _, dup := seen[o.Dot()]; dup {
				continue
			}
			seen[o.Dot()] = struct{}{}
			ops = append(ops, o)
		}
	}
	return ops, nil
}

// Deliver applies the operations to is missing from the from replicas,
// bypassing sessions.
func (c *Cluster) Deliver(ctx context.Context, to clock.ReplicaID, order Order, from ...clock.ReplicaID) (int, error) {
	ops, err := c.Missing(to, from...)
	if err != nil {
		return 0, err
	}
	if order.Reverse {
		slices.Reverse(ops)
	}
	if order.Seed != 0 {
		rng := rand.New(rand.NewPCG(order.Seed, order.Seed>>1|1))
		rng.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })
	}
	if order.Duplicate {
		ops = append(ops, ops...)
	}
	return c.Apply(ctx, to, ops)
}

// Apply feeds ops to replica to in the given order and returns how many
// became part of its state, including buffered ones released on the way.
func (c *Cluster) Apply(ctx context.Context, to clock.ReplicaID, ops []op.Operation) (int, error) {
	target, err := c.Replica(to)
	if err != nil {
		return 0, err
	}
	before := target.Store.Vector().Sum()
	for _, o := range ops {
		if _, err := target.Store.ApplyRemote(ctx, o); err != nil {
			return int(target.Store.Vector().Sum() - before), fmt.Errorf("deliver %s to %s: %w", o.Dot(), to, err)
		}
	}
	return int(target.Store.Vector().Sum() - before), nil
}

// Converged reports an error unless the named replicas, or all of them
// when none are named, hold equal vectors and equal state digests.
func (c *Cluster) Converged(ids ...clock.ReplicaID) error {
	if len(ids) == 0 {
		ids = c.ids
	}
	if len(ids) < 2 {
		return nil
	}
	first, err := c.Replica(ids[0])
	if err != nil {
		return err
	}
	want, err := first.Store.Digest()
	if err != nil {
		return err
	}
	for _, id := range ids[1:] {
		r, err := c.Replica(id)
		if err != nil {
			return err
		}
		if !r.Store.Vector().Equal(first.Store.Vector()) {
			return fmt.Errorf("replica %s vector %v differs from %s vector %v",
				id, r.Store.Vector(), first.ID, first.Store.Vector())
		}
		got, err := r.Store.Digest()
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("replica %s digest %s differs from %s digest %s", id, got, first.ID, want)
		}
		if p := r.Store.Pending(); p > 0 {
			return fmt.Errorf("replica %s still buffers %d operations", id, p)
		}
	}
	return nil
}

// Snapshot returns each replica's vector and user-visible entities.
func (c *Cluster) Snapshot() value.Object {
	out := value.Object{}
	for _, id := range c.ids {
		st := c.replicas[id].Store
		vector := value.Object{}
		v := st.Vector()
		for _, r := range v.Replicas() {
			vector[string(r)] = value.Int(int64(v[r]))
		}
		entities := value.Object{}
		for _, snap := range st.Snapshot() {
			fields := value.Object{}
			for name, fv := range snap.Fields {
				fields[name] = fv
			}
			entities[snap.ID] = value.Object{
				"type":    value.String(snap.Type),
				"deleted": value.Bool(snap.Deleted),
				"fields":  fields,
			}
		}
		out[string(id)] = value.Object{"vector": vector, "entities": entities}
	}
	return out
}
