package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		dsn, err := buildDSN(Config{Path: ":memory:"})
		require.NoError(t, err)
		assert.Equal(t, ":memory:", dsn)
	})

	t.Run("plain path becomes file dsn", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "ledger.db")
		dsn, err := buildDSN(Config{Path: path})
		require.NoError(t, err)
		assert.Equal(t, "file:"+filepath.Clean(path), dsn)
		assert.DirExists(t, filepath.Join(dir, "nested"))
	})

	t.Run("url wins and gets auth token", func(t *testing.T) {
		dsn, err := buildDSN(Config{Path: "ignored.db", URL: "libsql://ledger.example.io", AuthToken: "tok"})
		require.NoError(t, err)
		assert.Equal(t, "libsql://ledger.example.io?authToken=tok", dsn)
	})

	t.Run("existing auth token kept", func(t *testing.T) {
		dsn, err := buildDSN(Config{URL: "libsql://ledger.example.io?authToken=a", AuthToken: "b"})
		require.NoError(t, err)
		assert.Contains(t, dsn, "authToken=a")
		assert.NotContains(t, dsn, "authToken=b")
	})

	t.Run("empty config", func(t *testing.T) {
		_, err := buildDSN(Config{})
		assert.Error(t, err)
	})
}

func TestMigrateIdempotent(t *testing.T) {
	ctx, db := openTestDB(t)

	require.NoError(t, Migrate(ctx, db))
	v, err := CurrentSchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestDrop(t *testing.T) {
	ctx, db := openTestDB(t)
	mustTarget(t, ctx, db, "cs-1")

	require.NoError(t, Drop(ctx, db))
	v, err := CurrentSchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, Migrate(ctx, db))
	targets, err := ListTargets(ctx, db, "")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestOpenFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	mustTarget(t, ctx, db, "persisted")
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	tg, err := GetTargetByName(ctx, db, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", tg.Name)
}
