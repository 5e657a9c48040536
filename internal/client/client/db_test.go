package client

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestInitDatabase_AppliesMigrations(t *testing.T) {
	ctx := context.Background()

	db, err := InitDatabase(ctx, filepath.Join(t.TempDir(), "famsync.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PingContext(ctx))
	require.True(t, tableExists(t, db, "goose_db_version"))
	require.True(t, tableExists(t, db, "kv"))

	_, err = db.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES ('k', x'01')`)
	require.NoError(t, err)
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	ctx := context.Background()

	db, err := InitDatabase(ctx, filepath.Join(t.TempDir(), "famsync.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(ctx, db))
	require.True(t, tableExists(t, db, "kv"))
}

func TestInitDatabase_BadPath(t *testing.T) {
	_, err := InitDatabase(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	require.Error(t, err)
}
