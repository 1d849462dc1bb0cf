package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iosh/arx-sub004/walletEngine/store"
)

func TestDB_OpenModes(t *testing.T) {
	t.Run("in-memory alias", func(t *testing.T) {
		db, err := OpenInMemoryDB(true)
		require.NoError(t, err)
		require.NotNil(t, db)

		runSampleInsertSelectTest(t, db)
		assert.NoError(t, db.Close())
	})

	t.Run("file-based DB", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		dbName := "engine.db"

		db, err := OpenFileDB(dir, dbName, true)
		require.NoError(t, err)
		require.NotNil(t, db)

		assert.FileExists(t, filepath.Join(dir, dbName))

		runSampleInsertSelectTest(t, db)
		assert.NoError(t, db.Checkpoint())
		assert.NoError(t, db.Close())
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		dir := t.TempDir()
		db, err := OpenFileDB(dir, "engine.db", true)
		require.NoError(t, err)
		require.NoError(t, NewSettingsStore(db).PutSetting(context.Background(), "k", "v"))
		require.NoError(t, db.Close())

		db, err = OpenFileDB(dir, "engine.db", true)
		require.NoError(t, err)
		defer db.Close()
		v, ok, err := NewSettingsStore(db).GetSetting(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", v)
	})

	t.Run("invalid path fails", func(t *testing.T) {
		db, err := OpenFileDB("/dev/null/sub", "db.db", true)
		require.ErrorContains(t, err, "failed to prepare database path")
		require.Nil(t, db)
	})
}

func runSampleInsertSelectTest(t *testing.T, db *DB) {
	t.Helper()
	entry := store.Setting{Key: "sample", Value: "10101"}
	require.NoError(t, db.Client().Create(&entry).Error)

	var got store.Setting
	require.NoError(t, db.Client().Where(&store.Setting{Key: "sample"}).Take(&got).Error)
	assert.Equal(t, "10101", got.Value)
}

func newTestDB(t testing.TB) *DB {
	t.Helper()
	db, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
