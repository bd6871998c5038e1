package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "windows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	err := store.Upsert(ctx, Record{
		ConID:          11,
		App:            "editor",
		Project:        "alpha",
		Scope:          "scoped",
		Class:          "Code",
		SavedWorkspace: 3,
		Marks:          []string{"proj:alpha", "app:editor"},
	})
	require.NoError(t, err)

	record, err := store.Get(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, "editor", record.App)
	require.Equal(t, 3, record.SavedWorkspace)
	require.Equal(t, []string{"proj:alpha", "app:editor"}, record.Marks)
	require.False(t, record.UpdatedAt.IsZero())

	// Upsert replaces in place.
	require.NoError(t, store.Upsert(ctx, Record{ConID: 11, App: "editor", Project: "beta", Scope: "scoped"}))
	record, err = store.Get(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, "beta", record.Project)
}

func TestGetMissing(t *testing.T) {
	store := openStore(t)
	_, err := store.Get(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSavedWorkspaceRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Record{ConID: 7, Scope: "scoped", Project: "alpha"}))
	require.NoError(t, store.SetSavedWorkspace(ctx, 7, 5))
	record, err := store.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 5, record.SavedWorkspace)

	require.ErrorIs(t, store.SetSavedWorkspace(ctx, 999, 1), ErrNotFound)
}

func TestByProject(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Record{ConID: 1, Project: "alpha", Scope: "scoped"}))
	require.NoError(t, store.Upsert(ctx, Record{ConID: 2, Project: "beta", Scope: "scoped"}))
	require.NoError(t, store.Upsert(ctx, Record{ConID: 3, Project: "alpha", Scope: "scoped"}))

	alpha, err := store.ByProject(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, alpha, 2)
	require.Equal(t, int64(1), alpha[0].ConID)
	require.Equal(t, int64(3), alpha[1].ConID)
}

func TestPruneExcept(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for id := int64(1); id <= 4; id++ {
		require.NoError(t, store.Upsert(ctx, Record{ConID: id}))
	}
	pruned, err := store.PruneExcept(ctx, map[int64]struct{}{2: {}, 4: {}})
	require.NoError(t, err)
	require.Equal(t, 2, pruned)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(2), all[0].ConID)
	require.Equal(t, int64(4), all[1].ConID)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "windows.db")
	ctx := context.Background()
	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, Record{ConID: 42, Project: "alpha", Scope: "scoped", SavedWorkspace: 9}))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	record, err := reopened.Get(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 9, record.SavedWorkspace)
}
