package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
)

func TestSnapshotCreateListDelete(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	createTestRun(t, store, "RUN-SNAP-1", model.RunCompleted)

	mgr, err := NewSnapshotManager(store, "")
	require.NoError(t, err)

	info, err := mgr.Create(ctx, "before-purge", "manual snapshot")
	require.NoError(t, err)
	assert.Equal(t, "before-purge", info.ID)
	assert.Equal(t, int64(1), info.Runs())
	assert.Equal(t, int64(0), info.Incidents())
	assert.Equal(t, ExpectedSchemaVersion, info.SchemaVersion)
	assert.Positive(t, info.FileSize)

	_, err = mgr.Create(ctx, "before-purge", "again")
	assert.ErrorIs(t, err, ErrSnapshotExists)

	_, err = mgr.Create(ctx, "../escape", "")
	assert.Error(t, err)

	list, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "manual snapshot", list[0].Description)

	got, err := mgr.Get(ctx, "before-purge")
	require.NoError(t, err)
	assert.False(t, got.IsAuto)

	require.NoError(t, mgr.Delete(ctx, "before-purge"))
	assert.ErrorIs(t, mgr.Delete(ctx, "before-purge"), ErrSnapshotNotFound)
	_, err = mgr.Get(ctx, "before-purge")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotAuto(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	mgr, err := NewSnapshotManager(store, "")
	require.NoError(t, err)

	info, err := mgr.Auto(ctx, "purge")
	require.NoError(t, err)
	assert.True(t, info.IsAuto)

	got, err := mgr.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAuto)
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/recon.db"
	ctx := context.Background()

	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	createTestRun(t, store, "RUN-KEEP", model.RunCompleted)

	mgr, err := NewSnapshotManager(store, "")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "one-run", "")
	require.NoError(t, err)

	createTestRun(t, store, "RUN-LATER", model.RunCompleted)
	require.NoError(t, store.Close())

	require.NoError(t, mgr.Restore(ctx, "one-run"))

	reopened, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	_, err = reopened.GetRun(ctx, "RUN-KEEP")
	assert.NoError(t, err)
	_, err = reopened.GetRun(ctx, "RUN-LATER")
	assert.ErrorIs(t, err, common.ErrNotFound, "run created after the snapshot should be gone")

	assert.ErrorIs(t, mgr.Restore(ctx, "missing"), ErrSnapshotNotFound)
}

func TestSnapshotInMemory(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = NewSnapshotManager(store, "")
	assert.ErrorIs(t, err, ErrInMemoryDatabase)
}
