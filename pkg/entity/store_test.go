package entity_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

const taskType = "task.item"

func newTestStore(t *testing.T) (*entity.Store, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "entitystore.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema := value.NewRegistry()
	schema.Register(&value.TypeSchema{
		Type: taskType,
		Properties: map[string]value.PropertySchema{
			"title":  {Kind: value.KindString, Indexed: false},
			"status": {Kind: value.KindString, Indexed: true},
			"tags":   {Kind: value.KindList, Indexed: true},
		},
	})

	caps := entity.NewCapabilityRegistry()
	caps.Register(taskType, entity.Capabilities{
		Adaptor: entity.JSONAdaptor{Type: taskType, Schema: schema},
	})

	es := entity.NewStore(db, schema, caps)
	require.NoError(t, es.Bootstrap())
	return es, db
}

func TestAddReadLatest(t *testing.T) {
	es, db := newTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, taskType, entity.Properties{
		"title":  value.String("write the spec"),
		"status": value.String("open"),
	}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Revision)
	require.NoError(t, wt.Commit())

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	got, err := es.ReadLatest(rt, taskType, e.ID)
	require.NoError(t, err)
	require.False(t, got.Deleted)
	s, ok := got.Properties["status"].AsString()
	require.True(t, ok)
	require.Equal(t, "open", s)
}

func TestModifyUpdatesIndexAndRevision(t *testing.T) {
	es, db := newTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, taskType, entity.Properties{
		"title":  value.String("write the spec"),
		"status": value.String("open"),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	wt2, err := db.BeginWrite()
	require.NoError(t, err)
	modified, err := es.Modify(wt2, taskType, e.ID, entity.Properties{
		"status": value.String("done"),
	}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), modified.Revision)
	require.Equal(t, []string{"status"}, modified.Changed)
	require.NoError(t, wt2.Commit())

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	ids, err := es.IndexLookup(rt, taskType, "status", value.String("done"))
	require.NoError(t, err)
	require.Contains(t, ids, e.ID)

	ids, err = es.IndexLookup(rt, taskType, "status", value.String("open"))
	require.NoError(t, err)
	require.NotContains(t, ids, e.ID)
}

func TestRemoveTombstonesAndDropsIndex(t *testing.T) {
	es, db := newTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, taskType, entity.Properties{
		"title":  value.String("throwaway"),
		"status": value.String("open"),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	wt2, err := db.BeginWrite()
	require.NoError(t, err)
	removed, err := es.Remove(wt2, taskType, e.ID, true)
	require.NoError(t, err)
	require.True(t, removed.Deleted)
	require.NoError(t, wt2.Commit())

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	got, err := es.ReadLatest(rt, taskType, e.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	ids, err := es.IndexLookup(rt, taskType, "status", value.String("open"))
	require.NoError(t, err)
	require.NotContains(t, ids, e.ID)

	// Removing an already-deleted entity is rejected.
	wt3, err := db.BeginWrite()
	require.NoError(t, err)
	defer wt3.Rollback()
	_, err = es.Remove(wt3, taskType, e.ID, true)
	require.ErrorIs(t, err, entity.ErrAlreadyDeleted)
}

func TestCleanupRevisionsKeepsLatestAndPinned(t *testing.T) {
	es, db := newTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, taskType, entity.Properties{
		"title":  value.String("v1"),
		"status": value.String("open"),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	for i := 0; i < 3; i++ {
		wt, err = db.BeginWrite()
		require.NoError(t, err)
		_, err = es.Modify(wt, taskType, e.ID, entity.Properties{
			"title": value.String("v" + string(rune('2'+i))),
		}, true)
		require.NoError(t, err)
		require.NoError(t, wt.Commit())
	}

	rt, err := db.BeginRead()
	require.NoError(t, err)
	maxRev, err := es.MaxRevision(rt)
	require.NoError(t, err)
	require.Equal(t, uint64(4), maxRev)
	rt.Rollback()

	wt, err = db.BeginWrite()
	require.NoError(t, err)
	pruned, err := es.CleanupRevisions(wt, maxRev, 3) // pin revision 3: cutoff clamps to 2
	require.NoError(t, err)
	require.Equal(t, 2, pruned) // revisions 1 and 2 are both superseded and <= cutoff
	require.NoError(t, wt.Commit())

	rt2, err := db.BeginRead()
	require.NoError(t, err)
	defer rt2.Rollback()

	_, err = es.ReadRevision(rt2, taskType, 1)
	require.ErrorIs(t, err, entity.ErrNotFound)

	got, err := es.ReadRevision(rt2, taskType, 4)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
}

func TestMoveCopiesToRemoteAndDeletesSource(t *testing.T) {
	es, db := newTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, taskType, entity.Properties{
		"title":  value.String("cross-resource"),
		"status": value.String("open"),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	fake := &fakeRemote{}
	wt2, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, es.Move(wt2, taskType, e.ID, fake, true))
	require.NoError(t, wt2.Commit())

	require.Len(t, fake.created, 1)
	require.Equal(t, taskType, fake.created[0].typ)

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()
	got, err := es.ReadLatest(rt, taskType, e.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

type fakeRemote struct {
	created []struct {
		typ   string
		props entity.Properties
	}
}

func (f *fakeRemote) CreateRemote(typ string, props entity.Properties) error {
	f.created = append(f.created, struct {
		typ   string
		props entity.Properties
	}{typ, props})
	return nil
}

func TestListPropertyFansOutToMultipleIndexEntries(t *testing.T) {
	es, db := newTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, taskType, entity.Properties{
		"title": value.String("multi-tag"),
		"tags":  value.List([]value.Value{value.String("urgent"), value.String("home")}),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	ids, err := es.IndexLookup(rt, taskType, "tags", value.String("urgent"))
	require.NoError(t, err)
	require.Contains(t, ids, e.ID)

	ids, err = es.IndexLookup(rt, taskType, "tags", value.String("home"))
	require.NoError(t, err)
	require.Contains(t, ids, e.ID)
}
