package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/crdt"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/testutil"
	"github.com/roach88/driftsync/internal/value"
)

func newTestStore(t *testing.T, replica clock.ReplicaID, start int64) (*Store, *testutil.ManualClock) {
	t.Helper()
	wall := testutil.NewManualClock(start)
	s, err := New(Options{Replica: replica, Clock: clock.New(replica, wall)})
	require.NoError(t, err)
	return s, wall
}

func mutate(t *testing.T, s *Store, typ, id, field string, c Change) op.Operation {
	t.Helper()
	o, err := s.MutateLocal(context.Background(), typ, id, field, c)
	require.NoError(t, err)
	return o
}

func apply(t *testing.T, s *Store, o op.Operation) Outcome {
	t.Helper()
	out, err := s.ApplyRemote(context.Background(), o)
	require.NoError(t, err)
	return out
}

// failingPersister fails every write while fail is set, and the failOn-th
// write attempt when failOn is positive.
type failingPersister struct {
	mu     sync.Mutex
	fail   bool
	failOn int
	calls  int
	count  int
}

func (p *failingPersister) AppendOp(context.Context, op.Record, clock.Timestamp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail || p.calls == p.failOn {
		return errors.New("database is locked")
	}
	p.count++
	return nil
}

func (p *failingPersister) Collect(context.Context, string, clock.Timestamp) error {
	return nil
}

func TestNew_RequiresReplica(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Replica: "A", Clock: clock.New("B", nil)})
	assert.Error(t, err)
}

func TestMutateLocal_AllChangeKinds(t *testing.T) {
	s, _ := newTestStore(t, "A", 1000)

	mutate(t, s, "document", "d1", "title", SetValue(value.String("Plan")))
	mutate(t, s, "document", "d1", "tags", AddElement(value.String("work")))
	mutate(t, s, "document", "d1", "tags", AddElement(value.String("q3")))
	mutate(t, s, "document", "d1", "tags", RemoveElement(value.String("q3")))
	mutate(t, s, "document", "d1", "attachments", PutKey("brief.pdf", value.ArtifactRef([]byte("pdf bytes"))))
	mutate(t, s, "document", "d1", "attachments", PutKey("old.txt", value.String("x")))
	mutate(t, s, "document", "d1", "attachments", DeleteKey("old.txt"))
	mutate(t, s, "document", "d1", "body", InsertAt(0, value.String("b")))
	mutate(t, s, "document", "d1", "body", InsertAt(0, value.String("a")))
	mutate(t, s, "document", "d1", "body", InsertAt(2, value.String("c")))
	mutate(t, s, "document", "d1", "body", RemoveAt(1))

	snap, ok := s.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "document", snap.Type)
	assert.False(t, snap.Deleted)
	assert.Equal(t, value.String("Plan"), snap.Fields["title"])
	assert.Equal(t, value.List{value.String("work")}, snap.Fields["tags"])
	assert.Equal(t, value.List{value.String("a"), value.String("c")}, snap.Fields["body"])

	attachments, ok := snap.Fields["attachments"].(value.Object)
	require.True(t, ok)
	assert.Len(t, attachments, 1)
	assert.True(t, value.IsArtifactRef(attachments["brief.pdf"]))

	assert.Equal(t, 11, s.LogLen())
	assert.Equal(t, uint64(11), s.Vector().Get("A"))
}

func TestMutateLocal_TicksClockFirst(t *testing.T) {
	s, wall := newTestStore(t, "A", 1000)

	o1 := mutate(t, s, "task", "t1", "title", SetValue(value.String("one")))
	o2 := mutate(t, s, "task", "t1", "title", SetValue(value.String("two")))
	wall.Advance(10)
	o3 := mutate(t, s, "task", "t1", "title", SetValue(value.String("three")))

	assert.Equal(t, clock.Timestamp{Physical: 1000, Logical: 0, Replica: "A"}, o1.ID)
	assert.Equal(t, clock.Timestamp{Physical: 1000, Logical: 1, Replica: "A"}, o2.ID)
	assert.Equal(t, clock.Timestamp{Physical: 1010, Logical: 0, Replica: "A"}, o3.ID)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{o1.Counter, o2.Counter, o3.Counter})
}

func TestMutateLocal_Errors(t *testing.T) {
	s, _ := newTestStore(t, "A", 1000)
	ctx := context.Background()

	_, err := s.MutateLocal(ctx, "invoice", "i1", "title", SetValue(value.String("x")))
	assert.True(t, IsUnknownEntityType(err))

	_, err = s.MutateLocal(ctx, "task", "t1", "priority", SetValue(value.Int(1)))
	assert.True(t, IsUnknownField(err))

	_, err = s.MutateLocal(ctx, "task", "t1", "checklist", RemoveAt(0))
	assert.True(t, IsInvalidChange(err))

	_, err = s.MutateLocal(ctx, "task", "t1", "tags", RemoveElement(value.String("nope")))
	assert.True(t, IsInvalidChange(err))

	_, err = s.MutateLocal(ctx, "task", "t1", "title", AddElement(value.String("x")))
	assert.True(t, crdt.IsMalformedPayload(err), "kind must match the field's crdt type")

	_, err = s.MutateLocal(ctx, "task", "ghost", "", DeleteEntity())
	assert.True(t, IsInvalidChange(err))

	assert.Equal(t, 0, s.LogLen())
	assert.Equal(t, uint64(0), s.Vector().Get("A"), "failed changes consume no counter")
}

func TestMutateLocal_ClockFailureIsFatal(t *testing.T) {
	s, wall := newTestStore(t, "A", 1000)
	wall.Fail()

	_, err := s.MutateLocal(context.Background(), "task", "t1", "title", SetValue(value.String("x")))
	assert.True(t, clock.IsClockError(err))
}

func TestApplyRemote_IdempotentByDot(t *testing.T) {
	a, _ := newTestStore(t, "A", 1000)
	b, _ := newTestStore(t, "B", 2000)

	o := mutate(t, a, "task", "t1", "title", SetValue(value.String("Draft")))

	assert.Equal(t, OutcomeApplied, apply(t, b, o))
	before, err := b.Digest()
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoOp, apply(t, b, o))
	after, err := b.Digest()
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, 1, b.LogLen())
	assert.Equal(t, uint64(1), b.Vector().Get("A"))
}

func TestApplyRemote_ObservesClock(t *testing.T) {
	a, _ := newTestStore(t, "A", 5000)
	b, _ := newTestStore(t, "B", 1000)

	remote := mutate(t, a, "task", "t1", "title", SetValue(value.String("x")))
	apply(t, b, remote)

	local := mutate(t, b, "task", "t1", "title", SetValue(value.String("y")))
	assert.True(t, remote.ID.Less(local.ID))

	snap, _ := b.Get("t1")
	assert.Equal(t, value.String("y"), snap.Fields["title"])
}

func TestApplyRemote_ConcurrentLWWScenario(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)

	oa := mutate(t, a, "task", "t1", "title", SetValue(value.String("Draft")))
	ob := mutate(t, b, "task", "t1", "title", SetValue(value.String("Final")))
	require.Equal(t, oa.ID.Physical, ob.ID.Physical)

	apply(t, a, ob)
	apply(t, b, oa)

	for _, s := range []*Store{a, b} {
		snap, ok := s.Get("t1")
		require.True(t, ok)
		assert.Equal(t, value.String("Final"), snap.Fields["title"])
	}

	da, _ := a.Digest()
	db, _ := b.Digest()
	assert.Equal(t, da, db)
}

func TestApplyRemote_ORSetAddWinsScenario(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)

	// both start with the same tag so B has something to remove
	first := mutate(t, a, "task", "t1", "tags", AddElement(value.String("urgent")))
	apply(t, b, first)

	// concurrently: A re-adds, B removes what it observed
	readd := mutate(t, a, "task", "t1", "tags", AddElement(value.String("urgent")))
	remove := mutate(t, b, "task", "t1", "tags", RemoveElement(value.String("urgent")))
	assert.Equal(t, []clock.Dot{first.Dot()}, remove.Payload.Observed)

	apply(t, a, remove)
	apply(t, b, readd)

	for _, s := range []*Store{a, b} {
		snap, _ := s.Get("t1")
		assert.Equal(t, value.List{value.String("urgent")}, snap.Fields["tags"])
	}
}

func TestApplyRemote_Rejections(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)
	ctx := context.Background()

	good := mutate(t, a, "task", "t1", "title", SetValue(value.String("x")))

	unknownType := good
	unknownType.EntityType = "invoice"
	_, err := b.ApplyRemote(ctx, unknownType)
	assert.True(t, IsUnknownEntityType(err))

	wrongKind := good
	wrongKind.Payload.Kind = op.KindSetAdd
	_, err = b.ApplyRemote(ctx, wrongKind)
	assert.True(t, crdt.IsMalformedPayload(err))

	invalid := good
	invalid.Counter = 0
	_, err = b.ApplyRemote(ctx, invalid)
	assert.True(t, crdt.IsMalformedPayload(err))

	unknownField := good
	unknownField.Payload.Field = "priority"
	_, err = b.ApplyRemote(ctx, unknownField)
	assert.True(t, IsUnknownField(err))

	assert.Equal(t, 0, b.LogLen())

	// the store keeps working after dropped ops
	assert.Equal(t, OutcomeApplied, apply(t, b, good))
}

func TestApplyRemote_BuffersUntilAnchorArrives(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)

	o1 := mutate(t, a, "document", "d1", "body", InsertAt(0, value.String("X")))
	o2 := mutate(t, a, "document", "d1", "body", InsertAt(1, value.String("Y")))
	o3 := mutate(t, a, "document", "d2", "title", SetValue(value.String("other")))

	assert.Equal(t, OutcomeBuffered, apply(t, b, o2))
	assert.Equal(t, OutcomeBuffered, apply(t, b, o3), "later ops from the same replica queue behind")
	assert.Equal(t, OutcomeBuffered, apply(t, b, o2), "redelivery of a buffered op")
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, uint64(0), b.Vector().Get("A"), "buffered ops are not in the vector")

	assert.Equal(t, OutcomeApplied, apply(t, b, o1))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, uint64(3), b.Vector().Get("A"))

	snap, _ := b.Get("d1")
	assert.Equal(t, value.List{value.String("X"), value.String("Y")}, snap.Fields["body"])

	tails := b.Tails(clock.VersionVector{})
	require.Len(t, tails, 1)
	var counters []uint64
	for _, r := range tails[0] {
		counters = append(counters, r.Op.Counter)
	}
	assert.Equal(t, []uint64{1, 2, 3}, counters)
}

func TestDrain_WriteFailureKeepsBufferedOp(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	p := &failingPersister{failOn: 2}
	b, err := New(Options{Replica: "B", Clock: clock.New("B", testutil.NewManualClock(100)), Persister: p})
	require.NoError(t, err)

	o1 := mutate(t, a, "document", "d1", "body", InsertAt(0, value.String("X")))
	o2 := mutate(t, a, "document", "d1", "body", InsertAt(1, value.String("Y")))
	o3 := mutate(t, a, "task", "t1", "title", SetValue(value.String("later")))

	assert.Equal(t, OutcomeBuffered, apply(t, b, o2))
	assert.Equal(t, OutcomeBuffered, apply(t, b, o3))

	// o1 persists; draining o2 hits the failing write
	assert.Equal(t, OutcomeApplied, apply(t, b, o1))
	assert.Equal(t, 2, b.Pending(), "o2 stays buffered and o3 stays behind it")
	assert.Equal(t, uint64(1), b.Vector().Get("A"), "the vector never skips the failed op")
	assert.Len(t, b.History("d1"), 1)
	_, ok := b.Get("t1")
	assert.False(t, ok)

	resend := a.Tails(b.Vector())
	require.Len(t, resend, 1)
	assert.Len(t, resend[0], 2, "the origin still owes o2 and o3")

	// redelivery retries the buffer once the store can write again
	assert.Equal(t, OutcomeBuffered, apply(t, b, o2))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, uint64(3), b.Vector().Get("A"))
	assert.Equal(t, OutcomeNoOp, apply(t, b, o3))

	snap, _ := b.Get("d1")
	assert.Equal(t, value.List{value.String("X"), value.String("Y")}, snap.Fields["body"])
	da, _ := a.Digest()
	db, _ := b.Digest()
	assert.Equal(t, da, db)
}

func TestDelete_TombstoneLifecycle(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)
	ctx := context.Background()

	create := mutate(t, a, "task", "t1", "title", SetValue(value.String("x")))
	apply(t, b, create)

	del := mutate(t, a, "task", "t1", "", DeleteEntity())
	concurrentEdit := mutate(t, b, "task", "t1", "done", SetValue(value.Bool(true)))

	assert.Equal(t, OutcomeTombstoneCreated, apply(t, b, del))
	assert.Equal(t, OutcomeApplied, apply(t, a, concurrentEdit), "field ops still merge into a tombstone")

	for _, s := range []*Store{a, b} {
		snap, ok := s.Get("t1")
		require.True(t, ok)
		assert.True(t, snap.Deleted)

		tombs := s.Tombstones()
		require.Len(t, tombs, 1)
		assert.Equal(t, []clock.Dot{del.Dot()}, tombs[0].Deletes)
		assert.Equal(t, del.ID, tombs[0].CreatedAt)
	}

	_, err := a.MutateLocal(ctx, "task", "t1", "title", SetValue(value.String("again")))
	assert.True(t, IsEntityDeleted(err), "deletion is permanent")

	da, _ := a.Digest()
	db, _ := b.Digest()
	assert.Equal(t, da, db)
}

func TestCollect_RejectedBySafetyCheckKeepsEverything(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)
	ctx := context.Background()

	mutate(t, a, "task", "t1", "title", SetValue(value.String("x")))
	mutate(t, a, "task", "t1", "", DeleteEntity())
	apply(t, a, mutate(t, b, "task", "t1", "title", SetValue(value.String("concurrent"))))

	var seen clock.VersionVector
	collected, err := a.Collect(ctx, "t1", func(required clock.VersionVector) bool {
		seen = required
		return false
	})
	require.NoError(t, err)
	assert.False(t, collected)
	assert.Equal(t, clock.VersionVector{"A": 2, "B": 1}, seen)
	assert.False(t, a.IsCollected("t1"))
	assert.Len(t, a.History("t1"), 3)
	assert.Len(t, a.Tombstones(), 1)
}

func TestCollect_RemovesHistoryAndIgnoresLateOps(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)
	ctx := context.Background()

	keep := mutate(t, a, "task", "t2", "title", SetValue(value.String("keep")))
	mutate(t, a, "task", "t1", "title", SetValue(value.String("x")))
	mutate(t, a, "task", "t1", "", DeleteEntity())
	late := mutate(t, b, "task", "t1", "title", SetValue(value.String("late")))

	_, err := a.Collect(ctx, "t2", nil)
	assert.Error(t, err, "live entities cannot be collected")

	collected, err := a.Collect(ctx, "t1", func(required clock.VersionVector) bool {
		return required.Equal(clock.VersionVector{"A": 3})
	})
	require.NoError(t, err)
	assert.True(t, collected)
	assert.True(t, a.IsCollected("t1"))
	assert.Empty(t, a.History("t1"))
	assert.Empty(t, a.Tombstones())
	assert.Equal(t, 1, a.LogLen())
	assert.Equal(t, uint64(3), a.Vector().Get("A"), "vector is not lowered by collection")

	_, ok := a.Get("t1")
	assert.False(t, ok)
	assert.Equal(t, OutcomeNoOp, apply(t, a, late), "collected entities are never resurrected")
	_, ok = a.Get("t1")
	assert.False(t, ok)

	tails := a.Tails(clock.VersionVector{})
	require.Len(t, tails, 1)
	require.Len(t, tails[0], 1)
	assert.Equal(t, keep.Dot(), tails[0][0].Op.Dot())
}

func TestTails_ExcludesCoveredOps(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)

	for i := 0; i < 5; i++ {
		mutate(t, a, "task", "t1", "title", SetValue(value.Int(int64(i))))
	}
	ob := mutate(t, b, "tag", "g1", "name", SetValue(value.String("red")))
	apply(t, a, ob)

	tails := a.Tails(clock.VersionVector{"A": 3, "B": 1})
	require.Len(t, tails, 1)
	require.Len(t, tails[0], 2)
	assert.Equal(t, uint64(4), tails[0][0].Op.Counter)
	assert.Equal(t, uint64(5), tails[0][1].Op.Counter)

	assert.Empty(t, a.Tails(a.Vector()))
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	p := &failingPersister{}
	s, err := New(Options{Replica: "A", Clock: clock.New("A", testutil.NewManualClock(100)), Persister: p})
	require.NoError(t, err)

	mutate(t, s, "task", "t1", "title", SetValue(value.String("saved")))
	p.fail = true

	_, err = s.MutateLocal(context.Background(), "task", "t1", "title", SetValue(value.String("lost")))
	assert.True(t, IsPersistence(err))

	snap, _ := s.Get("t1")
	assert.Equal(t, value.String("saved"), snap.Fields["title"])
	assert.Equal(t, 1, s.LogLen())
	assert.Equal(t, uint64(1), s.Vector().Get("A"))
	assert.Equal(t, 1, p.count)
}

func TestRestore_ReproducesState(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	mutate(t, a, "document", "d1", "body", InsertAt(0, value.String("x")))
	mutate(t, a, "document", "d1", "body", InsertAt(1, value.String("y")))
	mutate(t, a, "document", "d1", "tags", AddElement(value.String("t")))
	mutate(t, a, "task", "t1", "title", SetValue(value.String("gone")))
	mutate(t, a, "task", "t1", "", DeleteEntity())

	var records []op.Record
	for _, tail := range a.Tails(clock.VersionVector{}) {
		records = append(records, tail...)
	}

	restored, _ := newTestStore(t, "A", 50)
	require.NoError(t, restored.Restore(context.Background(), RestoreState{
		Records: records,
		Vector:  clock.VersionVector{"A": 5, "C": 7},
		Clock:   a.Clock().Last(),
	}))

	want, _ := a.Digest()
	got, _ := restored.Digest()
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(7), restored.Vector().Get("C"))
	assert.Len(t, restored.Tombstones(), 1)

	next := mutate(t, restored, "task", "t2", "title", SetValue(value.String("n")))
	assert.Equal(t, uint64(6), next.Counter)
	assert.True(t, a.Clock().Last().Less(next.ID))
}

func TestSubscribe_OneEventPerIntegratedOp(t *testing.T) {
	a, _ := newTestStore(t, "A", 100)
	b, _ := newTestStore(t, "B", 100)

	sub := b.Subscribe()
	defer sub.Close()

	o := mutate(t, a, "task", "t1", "title", SetValue(value.String("x")))
	apply(t, b, o)
	apply(t, b, o)
	mutate(t, b, "task", "t1", "", DeleteEntity())

	require.Equal(t, 2, sub.Len())

	ev, ok := sub.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, Event{EntityID: "t1", EntityType: "task", Field: "title", Outcome: OutcomeApplied, Dot: o.Dot()}, ev)

	ev, ok = sub.TryNext()
	require.True(t, ok)
	assert.Equal(t, OutcomeTombstoneCreated, ev.Outcome)
	assert.True(t, ev.Local)
}

func TestConcurrentMutationsAcrossEntities(t *testing.T) {
	s, _ := newTestStore(t, "A", 100)
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", w)
			for i := 0; i < perWorker; i++ {
				if _, err := s.MutateLocal(context.Background(), "task", id, "checklist", InsertAt(i, value.Int(int64(i)))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, s.LogLen())
	assert.Equal(t, uint64(workers*perWorker), s.Vector().Get("A"))
	assert.Len(t, s.Entities(), workers)

	tails := s.Tails(clock.VersionVector{})
	require.Len(t, tails, 1)
	for i, r := range tails[0] {
		assert.Equal(t, uint64(i+1), r.Op.Counter, "local counters enter the log in order")
	}
}
