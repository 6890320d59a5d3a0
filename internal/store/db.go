// Package store implements the relational Session/Message/Part persistence
// layer: a single SQLite database with transactional writes and deferred
// post-commit event effects. internal/storage (file-based JSON) is the
// legacy format this package migrates from on first run.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the SQLite connection and the event bus that deferred effects
// publish to once a transaction commits.
type DB struct {
	sql *sql.DB
	bus *event.Bus
}

// Open opens (creating if necessary) the SQLite database at path and applies
// any pending schema migrations. bus may be nil, in which case the
// package-level default bus is used.
func Open(path string, bus *event.Bus) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, matches the teacher's per-file locking model

	if err := migrateUp(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("store opened")

	return &DB{sql: sqlDB, bus: bus}, nil
}

// migrateUp applies every embedded *.up.sql migration not yet recorded in
// schema_migrations, in ascending version order. The schema changes here are
// simple enough (one forward-only migration today) that hand-rolling the
// apply loop over migrate's source.Driver is preferable to pulling in a
// database driver built for cgo sqlite3, which modernc.org/sqlite isn't
// binary-compatible with (see DESIGN.md).
func migrateUp(sqlDB *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load embedded migrations: %w", err)
	}
	defer src.Close()

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, dirty INTEGER NOT NULL DEFAULT 0)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	versions, err := appliedVersions(sqlDB)
	if err != nil {
		return err
	}

	version, err := src.First()
	for {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("store: read migration source: %w", err)
		}

		if !versions[version] {
			if err := applyMigration(sqlDB, src, version); err != nil {
				return err
			}
		}

		version, err = src.Next(version)
	}
}

func applyMigration(sqlDB *sql.DB, src source.Driver, version uint) error {
	r, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("store: read migration %d: %w", version, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("store: buffer migration %d: %w", version, err)
	}

	tx, err := sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: apply migration %d: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration %d: %w", version, err)
	}

	logging.Info().Uint("version", version).Msg("store migration applied")
	return nil
}

func appliedVersions(sqlDB *sql.DB) (map[uint]bool, error) {
	rows, err := sqlDB.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("store: list applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[uint]bool)
	for rows.Next() {
		var v uint
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.sql.Close()
}
