// Package sqlite provides the SQLite persistence layer for skillforge:
// connection lifecycle, migrations, and repository implementations for
// runs, steps, artifacts, locks, and usage records.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zjrosen/skillforge/internal/infrastructure/migrations"
	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/skills/domain"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB manages the SQLite connection. All writes are funneled through one
// connection (MaxOpenConns=1); WAL mode lets concurrent readers proceed.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens the database at path, configures pragmas, and runs
// migrations. The parent directory is created if missing. An existing
// database file is backed up to {path}.bak before migrations run.
func NewDB(path string) (*DB, error) {
	log.Debug(log.CatDB, "opening database", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	// Pre-migration backup of an existing database file.
	if _, err := os.Stat(path); err == nil {
		backupPath := path + ".bak"
		if err := copyFile(path, backupPath); err != nil {
			log.ErrorErr(log.CatDB, "pre-migration backup failed", err, "backup", backupPath)
			return nil, fmt.Errorf("creating pre-migration backup: %w", err)
		}
		log.Debug(log.CatDB, "created pre-migration backup", "backup", backupPath)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single serialized writer; readers go through the same connection.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrations.Run(conn); err != nil {
		_ = conn.Close()
		log.ErrorErr(log.CatDB, "migrations failed", err, "path", path)
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info(log.CatDB, "database initialized", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// Close releases database resources.
func (db *DB) Close() error {
	if db.conn != nil {
		log.Debug(log.CatDB, "closing database", "path", db.path)
		return db.conn.Close()
	}
	return nil
}

// RunRepository returns the workflow run repository.
func (db *DB) RunRepository() domain.RunRepository {
	return newRunRepository(db.conn)
}

// ArtifactRepository returns the artifact repository.
func (db *DB) ArtifactRepository() domain.ArtifactRepository {
	return newArtifactRepository(db.conn)
}

// LockRepository returns the skill lock repository.
func (db *DB) LockRepository() domain.LockRepository {
	return newLockRepository(db.conn)
}

// UsageRepository returns the usage record repository.
func (db *DB) UsageRepository() domain.UsageRepository {
	return newUsageRepository(db.conn)
}

// Connection returns the underlying *sql.DB for testing purposes.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// copyFile copies src to dst, overwriting dst. Close errors on the
// destination are reported so a failed backup never goes unnoticed.
func copyFile(src, dst string) (retErr error) {
	source, err := os.Open(src) //nolint:gosec // G304: src is the database path, controlled by the application
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("closing source file: %w", closeErr)
		}
	}()

	info, err := source.Stat()
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode()) //nolint:gosec // G304: dst derives from the database path
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dest.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("closing backup file: %w", closeErr)
		}
	}()

	_, err = io.Copy(dest, source)
	return err
}
