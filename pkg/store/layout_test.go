package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuildLayoutListsRegisteredDBsSortedByName(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.EnsureDB("revisions", store.DBOptions{IntegerKeys: true}))
	require.NoError(t, db.EnsureDB("by_tag", store.DBOptions{AllowDuplicates: true}))

	layout := db.BuildLayout()

	require.Equal(t, db.Path(), layout.Path)
	require.Equal(t, []store.LayoutDBEntry{
		{Name: "by_tag", AllowDuplicates: true},
		{Name: "revisions", IntegerKeys: true},
	}, layout.DBs)
}

func TestWriteLayoutThenReadLayoutRoundTrips(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.EnsureDB("entities", store.DBOptions{IntegerKeys: true}))

	layoutPath := filepath.Join(t.TempDir(), "instance", "layout.yaml")
	require.NoError(t, db.WriteLayout(layoutPath))

	got, err := store.ReadLayout(layoutPath)
	require.NoError(t, err)
	require.Equal(t, db.BuildLayout(), got)
}

func TestReadLayoutMissingFileErrors(t *testing.T) {
	_, err := store.ReadLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
