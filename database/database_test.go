package database

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	migrations, err := fs.Sub(EmbeddedMigrations, "migrations")
	require.NoError(t, err)

	db, err := New(filepath.Join(t.TempDir(), "nested", "test.db"), migrations)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewAppliesMigrationsOnce(t *testing.T) {
	migrations, err := fs.Sub(EmbeddedMigrations, "migrations")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := New(path, migrations)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path, migrations)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"participants", "call_records"} {
		var name string
		err := db.Conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestMigrationsRunInVersionOrder(t *testing.T) {
	migrations := fstest.MapFS{
		"010_seed.sql":  {Data: []byte("INSERT INTO t (id, x) VALUES ('a;b', 'it''s');")},
		"002_table.sql": {Data: []byte("CREATE TABLE t (id TEXT);\nALTER TABLE t ADD COLUMN x TEXT;")},
		"README.md":     {Data: []byte("not a migration")},
	}
	db, err := New(filepath.Join(t.TempDir(), "test.db"), migrations)
	require.NoError(t, err)
	defer db.Close()

	var id, x string
	require.NoError(t, db.Conn.QueryRow("SELECT id, x FROM t").Scan(&id, &x))
	assert.Equal(t, "a;b", id)
	assert.Equal(t, "it's", x)

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestFailedMigrationLeavesNoPartialSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	migrations := fstest.MapFS{
		"001_ok.sql":     {Data: []byte("CREATE TABLE a (id TEXT);")},
		"002_broken.sql": {Data: []byte("CREATE TABLE b (id TEXT); INSERT INTO missing VALUES (1);")},
	}
	_, err := New(path, migrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")

	migrations["002_broken.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE b (id TEXT);")}
	db, err := New(path, migrations)
	require.NoError(t, err, "the broken file was rolled back and can be fixed")
	defer db.Close()

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMigrationNamesNeedAVersion(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "test.db"), fstest.MapFS{
		"calls.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
	})
	require.Error(t, err)

	_, err = New(filepath.Join(t.TempDir(), "test.db"), fstest.MapFS{
		"001_a.sql":   {Data: []byte("CREATE TABLE a (id TEXT);")},
		"1_again.sql": {Data: []byte("CREATE TABLE b (id TEXT);")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share version 1")
}

func TestWithTx(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := WithTx(ctx, db.Conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO participants (id) VALUES ('U1')"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Conn.QueryRow("SELECT COUNT(*) FROM participants").Scan(&n))
	assert.Zero(t, n, "rolled back")

	require.NoError(t, WithTx(ctx, db.Conn, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO participants (id) VALUES ('U1')")
		return err
	}))
	require.NoError(t, db.Conn.QueryRow("SELECT COUNT(*) FROM participants").Scan(&n))
	assert.Equal(t, 1, n)
}
