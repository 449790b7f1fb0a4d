// Package database opens the SQLite database (modernc.org/sqlite, no cgo)
// and brings its schema up to date from the embedded migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the connection pool.
type DB struct {
	Conn *sql.DB
}

// migration is one NNN_name.sql file.
type migration struct {
	version int
	file    string
}

// New opens dbPath, creating its directory, and applies the migrations in
// migrationsFS that are newer than the schema version stored in the file.
func New(dbPath string, migrationsFS fs.FS) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps history reads from waiting on the record worker's writes.
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Conn: conn}
	version, err := db.migrate(context.Background(), migrationsFS)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("component", "database").Str("path", dbPath).Int("schema", version).Msg("database ready")
	return db, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// SchemaVersion returns the version of the last applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.Conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// migrate applies each pending migration in its own transaction together
// with the user_version bump, so a failed file leaves no partial schema.
func (db *DB) migrate(ctx context.Context, migrationsFS fs.FS) (int, error) {
	pending, err := listMigrations(migrationsFS)
	if err != nil {
		return 0, err
	}
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	for _, m := range pending {
		if m.version <= current {
			continue
		}
		script, err := fs.ReadFile(migrationsFS, m.file)
		if err != nil {
			return current, fmt.Errorf("failed to read migration %s: %w", m.file, err)
		}

		err = WithTx(ctx, db.Conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version))
			return err
		})
		if err != nil {
			return current, fmt.Errorf("migration %s: %w", m.file, err)
		}

		current = m.version
		log.Info().Str("component", "database").Str("file", m.file).Msg("migration applied")
	}
	return current, nil
}

// listMigrations returns the .sql files ordered by their numeric prefix.
func listMigrations(migrationsFS fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive number", e.Name())
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, e.Name(), v)
		}
		seen[v] = e.Name()
		out = append(out, migration{version: v, file: e.Name()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
