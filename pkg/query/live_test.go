package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/query"
	"github.com/cuemby/sink/pkg/value"
)

func publishRevision(bus *notify.Bus, rev uint64) {
	bus.Publish(notify.Notification{Type: notify.TypeRevisionUpdate, Revision: rev})
}

func awaitUpdate(t *testing.T, sub *query.Subscription) query.Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live-query update")
		return query.Update{}
	}
}

func TestSubscribeEmitsAddedWhenNewEntityMatches(t *testing.T) {
	eng, es, db := newTestEngine(t)
	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	sub, err := query.Subscribe(eng, db, bus, query.Query{
		Type:    taskType,
		Filters: map[string]query.Filter{"status": {Comparator: query.Equals, Value: value.String("open")}},
	})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)

	created := mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("new"), "status": value.String("open")})
	publishRevision(bus, created.Revision)

	u := awaitUpdate(t, sub)
	require.Equal(t, query.Added, u.Kind)
	require.Equal(t, created.ID, u.ID)
}

func TestSubscribeEmitsRemovedWhenEntityStopsMatching(t *testing.T) {
	eng, es, db := newTestEngine(t)
	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	seed := mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("x"), "status": value.String("open")})

	sub, err := query.Subscribe(eng, db, bus, query.Query{
		Type:    taskType,
		Filters: map[string]query.Filter{"status": {Comparator: query.Equals, Value: value.String("open")}},
	})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	modified, err := es.Modify(wt, taskType, seed.ID, entity.Properties{"status": value.String("done")}, false)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())
	publishRevision(bus, modified.Revision)

	u := awaitUpdate(t, sub)
	require.Equal(t, query.Removed, u.Kind)
	require.Equal(t, seed.ID, u.ID)
}

func TestSubscribeWithReduceUsesFullRequeryDiff(t *testing.T) {
	eng, es, db := newTestEngine(t)
	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("a"), "status": value.String("open")})

	sub, err := query.Subscribe(eng, db, bus, query.Query{
		Type: taskType,
		Reduce: &query.Reduce{
			Property:   "status",
			Selector:   query.SelectMax,
			Aggregates: []query.Aggregate{{Kind: query.AggregateCount}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)

	created := mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("b"), "status": value.String("done")})
	publishRevision(bus, created.Revision)

	// The requery also reports the existing "open" group as Modified, and
	// the two events arrive in result order, so look at both.
	var added *query.Update
	for i := 0; i < 2 && added == nil; i++ {
		if u := awaitUpdate(t, sub); u.Kind == query.Added {
			added = &u
		}
	}
	require.NotNil(t, added, "a new status group should surface as Added on full requery")
	require.Equal(t, created.ID, added.ID)
}

func TestCancelStopsDeliveryAndClearsPinnedRevision(t *testing.T) {
	eng, _, db := newTestEngine(t)
	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	sub, err := query.Subscribe(eng, db, bus, query.Query{Type: taskType})
	require.NoError(t, err)

	require.NotZero(t, sub.MinPinnedRevision())
	sub.Cancel()
	require.Zero(t, sub.MinPinnedRevision())

	_, ok := <-sub.Updates()
	require.False(t, ok, "updates channel should be closed after Cancel")
}

func TestSnapshotRegistryReportsLowestPinnedFloor(t *testing.T) {
	eng, es, db := newTestEngine(t)
	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	registry := query.NewSnapshotRegistry()
	require.Zero(t, registry.MinPinnedRevision())

	subA, err := query.Subscribe(eng, db, bus, query.Query{Type: taskType})
	require.NoError(t, err)
	t.Cleanup(subA.Cancel)
	registry.Register(subA)

	created := mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("a"), "status": value.String("open")})
	publishRevision(bus, created.Revision)
	_ = awaitUpdate(t, subA)

	subB, err := query.Subscribe(eng, db, bus, query.Query{Type: taskType})
	require.NoError(t, err)
	t.Cleanup(subB.Cancel)
	registry.Register(subB)

	require.Equal(t, subB.MinPinnedRevision(), registry.MinPinnedRevision())

	registry.Unregister(subB)
	require.Equal(t, subA.MinPinnedRevision(), registry.MinPinnedRevision())
}
