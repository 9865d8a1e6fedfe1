package query_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/query"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

const (
	taskType    = "task.item"
	projectType = "project.item"
)

func newTestEngine(t *testing.T) (*query.Engine, *entity.Store, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "entitystore.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema := value.NewRegistry()
	schema.Register(&value.TypeSchema{
		Type: projectType,
		Properties: map[string]value.PropertySchema{
			"name": {Kind: value.KindString, Indexed: true},
		},
	})
	schema.Register(&value.TypeSchema{
		Type: taskType,
		Properties: map[string]value.PropertySchema{
			"title":    {Kind: value.KindString},
			"status":   {Kind: value.KindString, Indexed: true},
			"priority": {Kind: value.KindI64},
			"due":      {Kind: value.KindTimestamp},
			"tags":     {Kind: value.KindList, Indexed: true},
			"project":  {Kind: value.KindIDRef, Indexed: true},
		},
	})

	caps := entity.NewCapabilityRegistry()
	caps.Register(projectType, entity.Capabilities{Adaptor: entity.JSONAdaptor{Type: projectType, Schema: schema}})
	caps.Register(taskType, entity.Capabilities{Adaptor: entity.JSONAdaptor{Type: taskType, Schema: schema}})

	es := entity.NewStore(db, schema, caps)
	require.NoError(t, es.Bootstrap())

	return query.NewEngine(es), es, db
}

func mustAdd(t *testing.T, db *store.DB, es *entity.Store, typ string, props entity.Properties) *entity.Entity {
	t.Helper()
	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, typ, props, false)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())
	return e
}

func TestFilterEqualsUsesIndexSeed(t *testing.T) {
	eng, es, db := newTestEngine(t)
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("a"), "status": value.String("open")})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("b"), "status": value.String("done")})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{
		Type:    taskType,
		Filters: map[string]query.Filter{"status": {Comparator: query.Equals, Value: value.String("open")}},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	title, _ := result.Entities[0].Properties["title"].AsString()
	require.Equal(t, "a", title)
}

func TestFilterRangeOnPriority(t *testing.T) {
	eng, es, db := newTestEngine(t)
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("low"), "status": value.String("open"), "priority": value.Int(1)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("mid"), "status": value.String("open"), "priority": value.Int(5)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("high"), "status": value.String("open"), "priority": value.Int(9)})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	min := value.Int(3)
	max := value.Int(8)
	result, err := eng.Execute(rt, query.Query{
		Type:    taskType,
		Filters: map[string]query.Filter{"priority": {Comparator: query.Range, Min: &min, Max: &max}},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	title, _ := result.Entities[0].Properties["title"].AsString()
	require.Equal(t, "mid", title)
}

func TestFilterContainsOnListProperty(t *testing.T) {
	eng, es, db := newTestEngine(t)
	mustAdd(t, db, es, taskType, entity.Properties{
		"title": value.String("tagged"), "status": value.String("open"),
		"tags": value.List([]value.Value{value.String("urgent"), value.String("home")}),
	})
	mustAdd(t, db, es, taskType, entity.Properties{
		"title": value.String("untagged"), "status": value.String("open"),
		"tags": value.List([]value.Value{value.String("later")}),
	})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{
		Type: taskType,
		Filters: map[string]query.Filter{
			"status": {Comparator: query.Equals, Value: value.String("open")},
			"tags":   {Comparator: query.Contains, Value: value.String("urgent")},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	title, _ := result.Entities[0].Properties["title"].AsString()
	require.Equal(t, "tagged", title)
}

func TestSortDescendingDefaultForTimestamp(t *testing.T) {
	eng, es, db := newTestEngine(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("early"), "status": value.String("open"), "due": value.Timestamp(base)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("late"), "status": value.String("open"), "due": value.Timestamp(base.Add(48 * time.Hour))})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{Type: taskType, SortProperty: "due"})
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)
	first, _ := result.Entities[0].Properties["title"].AsString()
	require.Equal(t, "late", first, "timestamp sort defaults to descending")
}

func TestLimitBoundedTopK(t *testing.T) {
	eng, es, db := newTestEngine(t)
	for i := int64(0); i < 5; i++ {
		mustAdd(t, db, es, taskType, entity.Properties{
			"title": value.String("t"), "status": value.String("open"), "priority": value.Int(i),
		})
	}

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	descending := true
	result, err := eng.Execute(rt, query.Query{
		Type: taskType, SortProperty: "priority", SortDescending: &descending, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)
	p0, _ := result.Entities[0].Properties["priority"].AsInt()
	p1, _ := result.Entities[1].Properties["priority"].AsInt()
	require.Equal(t, int64(4), p0)
	require.Equal(t, int64(3), p1)
}

func TestReduceGroupsBySelectorAndAggregates(t *testing.T) {
	eng, es, db := newTestEngine(t)
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("a1"), "status": value.String("open"), "priority": value.Int(1)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("a2"), "status": value.String("open"), "priority": value.Int(9)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("b1"), "status": value.String("done"), "priority": value.Int(2)})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{
		Type: taskType,
		Reduce: &query.Reduce{
			Property: "status",
			Selector: query.SelectMax, // compares reduce.Property itself, which every group member shares
			Aggregates: []query.Aggregate{
				{Kind: query.AggregateCount},
				{Kind: query.AggregateCollect, Property: "title", As: "titles"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 2) // one group per distinct status value

	byStatusCount := map[string]int64{}
	for _, e := range result.Entities {
		status, _ := e.Properties["status"].AsString()
		count, _ := e.Properties["count"].AsInt()
		byStatusCount[status] = count
	}
	require.Equal(t, int64(2), byStatusCount["open"])
	require.Equal(t, int64(1), byStatusCount["done"])
}

func TestBloomExpandsToSharedPropertyValue(t *testing.T) {
	eng, es, db := newTestEngine(t)
	proj := mustAdd(t, db, es, projectType, entity.Properties{"name": value.String("garden")})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("weed"), "status": value.String("open"), "project": value.IDRef(proj.ID)})
	seed := mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("water"), "status": value.String("open"), "project": value.IDRef(proj.ID)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("unrelated"), "status": value.String("open")})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{
		Type:     taskType,
		IDFilter: []sid.ID{seed.ID},
		Bloom:    &query.Bloom{Property: "project"},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)
}

func TestSubqueryFilterResolvesAcrossTypes(t *testing.T) {
	eng, es, db := newTestEngine(t)
	garden := mustAdd(t, db, es, projectType, entity.Properties{"name": value.String("garden")})
	mustAdd(t, db, es, projectType, entity.Properties{"name": value.String("kitchen")})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("weed"), "status": value.String("open"), "project": value.IDRef(garden.ID)})
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("cook"), "status": value.String("open")})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{
		Type: taskType,
		SubqueryFilters: map[string]*query.Query{
			"project": {
				Type:    projectType,
				Filters: map[string]query.Filter{"name": {Comparator: query.Equals, Value: value.String("garden")}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	title, _ := result.Entities[0].Properties["title"].AsString()
	require.Equal(t, "weed", title)
}

func TestProjectTrimsToRequestedProperties(t *testing.T) {
	eng, es, db := newTestEngine(t)
	mustAdd(t, db, es, taskType, entity.Properties{"title": value.String("secret plan"), "status": value.String("open"), "priority": value.Int(3)})

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	result, err := eng.Execute(rt, query.Query{Type: taskType, Request: []string{"status"}})
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	_, hasTitle := result.Entities[0].Properties["title"]
	_, hasStatus := result.Entities[0].Properties["status"]
	require.False(t, hasTitle)
	require.True(t, hasStatus)
}
