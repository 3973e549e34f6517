package gc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/op"
	"github.com/roach88/driftsync/internal/peer"
	"github.com/roach88/driftsync/internal/testutil"
	"github.com/roach88/driftsync/internal/value"
)

const (
	start     = int64(1_700_000_000_000)
	retention = time.Hour
)

type fixture struct {
	store *entity.Store
	wall  *testutil.ManualClock
	book  *peer.MemoryBook
	now   time.Time
	gc    *Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wall := testutil.NewManualClock(start)
	s, err := entity.New(entity.Options{Replica: "A", Clock: clock.New("A", wall)})
	require.NoError(t, err)

	f := &fixture{store: s, wall: wall, book: peer.NewMemoryBook()}
	f.now = time.UnixMilli(start)
	f.gc, err = New(Options{
		Store:     s,
		Peers:     f.book,
		Retention: retention,
		Now:       func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return f
}

// deleteTag creates and deletes a tag, returning the delete op.
func (f *fixture) deleteTag(t *testing.T, id string) op.Operation {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.MutateLocal(ctx, "tag", id, "name", entity.SetValue(value.String(id)))
	require.NoError(t, err)
	del, err := f.store.MutateLocal(ctx, "tag", id, "", entity.DeleteEntity())
	require.NoError(t, err)
	return del
}

func (f *fixture) age(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestSweep_KeepsYoungTombstones(t *testing.T) {
	f := newFixture(t)
	f.deleteTag(t, "t1")
	f.age(retention / 2)

	report, err := f.gc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Empty(t, report.Collected)
	assert.Equal(t, 1, report.Blocked[ReasonRetention])
	assert.Len(t, f.store.Tombstones(), 1)
}

func TestSweep_NoPeersCollectsAfterRetention(t *testing.T) {
	f := newFixture(t)
	f.deleteTag(t, "t1")
	f.age(retention + time.Minute)

	report, err := f.gc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, report.Collected)
	assert.Empty(t, f.store.Tombstones())
	assert.True(t, f.store.IsCollected("t1"))
	assert.Empty(t, f.store.History("t1"))
}

func TestSweep_WaitsForEveryPeerToCatchUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deleteTag(t, "t1")
	require.NoError(t, f.book.Pair(ctx, "B", "", f.now))
	require.NoError(t, f.book.Pair(ctx, "C", "", f.now))
	f.age(retention + time.Minute)

	require.NoError(t, f.book.RecordSync(ctx, "B", clock.VersionVector{"A": 2}, f.now))
	require.NoError(t, f.book.RecordSync(ctx, "C", clock.VersionVector{"A": 1}, f.now))

	report, err := f.gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked[ReasonPeerBehind])
	assert.Empty(t, report.Collected)

	require.NoError(t, f.book.RecordSync(ctx, "C", clock.VersionVector{"A": 2}, f.now))
	report, err = f.gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, report.Collected)
}

func TestSweep_StalePeerBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deleteTag(t, "t1")
	require.NoError(t, f.book.RecordSync(ctx, "B", clock.VersionVector{"A": 2}, f.now))

	// B has everything but has not been seen for longer than retention
	f.age(retention + time.Minute)
	report, err := f.gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked[ReasonPeerStale])

	require.NoError(t, f.book.Touch(ctx, "B", f.now))
	report, err = f.gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, report.Collected)
}

func TestSweep_RequiresWholeHistoryNotJustDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deleteTag(t, "t1")

	// a concurrent remote edit from C merged into the tombstone
	remote := op.Operation{
		ID:         clock.Timestamp{Physical: start - 10, Replica: "C"},
		Replica:    "C",
		Counter:    1,
		EntityID:   "t1",
		EntityType: "tag",
		Payload:    op.Payload{Kind: op.KindRegisterSet, Field: "color", Value: value.String("red")},
	}
	_, err := f.store.ApplyRemote(ctx, remote)
	require.NoError(t, err)

	f.age(retention + time.Minute)
	require.NoError(t, f.book.RecordSync(ctx, "B", clock.VersionVector{"A": 2}, f.now))

	report, err := f.gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked[ReasonPeerBehind])

	require.NoError(t, f.book.RecordSync(ctx, "B", clock.VersionVector{"C": 1}, f.now))
	report, err = f.gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, report.Collected)

	// late ops for the collected entity are ignored
	late := remote
	late.Counter = 2
	late.ID.Logical = 1
	outcome, err := f.store.ApplyRemote(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeNoOp, outcome)
	_, ok := f.store.Get("t1")
	assert.False(t, ok)
}

type failingBook struct {
	*peer.MemoryBook
}

func (failingBook) List(context.Context) ([]peer.Record, error) {
	return nil, errors.New("database is locked")
}

func TestSweep_PeerBookErrorKeepsTombstone(t *testing.T) {
	f := newFixture(t)
	f.deleteTag(t, "t1")
	f.age(retention + time.Minute)

	gc, err := New(Options{
		Store:     f.store,
		Peers:     failingBook{peer.NewMemoryBook()},
		Retention: retention,
		Now:       func() time.Time { return f.now },
	})
	require.NoError(t, err)

	report, err := gc.Sweep(context.Background())
	require.Error(t, err)
	assert.True(t, IsGCError(err))
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, f.store.Tombstones(), 1)
}

// integratingBook applies an operation each time the peers are listed,
// standing in for a session that lands between the peer read and the
// collection.
type integratingBook struct {
	*peer.MemoryBook
	store *entity.Store
	ops   []op.Operation
}

func (b *integratingBook) List(ctx context.Context) ([]peer.Record, error) {
	peers, err := b.MemoryBook.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range b.ops {
		if _, err := b.store.ApplyRemote(ctx, o); err != nil {
			return nil, err
		}
	}
	b.ops = nil
	return peers, nil
}

func TestSweep_OpIntegratedDuringSweepBlocksCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deleteTag(t, "t1")

	book := &integratingBook{
		MemoryBook: f.book,
		store:      f.store,
		ops: []op.Operation{{
			ID:         clock.Timestamp{Physical: start + 5, Replica: "C"},
			Replica:    "C",
			Counter:    1,
			EntityID:   "t1",
			EntityType: "tag",
			Payload:    op.Payload{Kind: op.KindRegisterSet, Field: "color", Value: value.String("red")},
		}},
	}
	f.age(retention + time.Minute)
	require.NoError(t, f.book.RecordSync(ctx, "B", clock.VersionVector{"A": 2}, f.now))

	gc, err := New(Options{
		Store:     f.store,
		Peers:     book,
		Retention: retention,
		Now:       func() time.Time { return f.now },
	})
	require.NoError(t, err)

	report, err := gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Collected)
	assert.Equal(t, 1, report.Blocked[ReasonPeerBehind])
	assert.False(t, f.store.IsCollected("t1"))
	require.Len(t, f.store.History("t1"), 3)

	require.NoError(t, f.book.RecordSync(ctx, "B", clock.VersionVector{"A": 2, "C": 1}, f.now))
	report, err = gc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, report.Collected)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	f := newFixture(t)
	f.deleteTag(t, "t1")
	f.age(retention + time.Minute)

	gc, err := New(Options{
		Store:     f.store,
		Peers:     f.book,
		Retention: retention,
		Interval:  10 * time.Millisecond,
		Now:       func() time.Time { return f.now },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gc.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.store.IsCollected("t1") }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
