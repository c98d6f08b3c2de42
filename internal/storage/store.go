package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
	pragmaSynchronous    = `PRAGMA synchronous=NORMAL`

	// busy_timeout is per connection, so it rides on the DSN to reach every
	// pooled connection.
	dsnPragmas = "?_pragma=busy_timeout(5000)"
)

type Store struct {
	db   *sql.DB
	path string

	Audit AuditRepository
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open storage: empty path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open storage: create parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := RunMigrations(db, DefaultMigrations()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &Store{
		db:   db,
		path: path,
	}
	store.Audit = &auditRepository{db: db}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout, pragmaSynchronous}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("configure sqlite %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureDBPermissions(path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set db file permissions: %w", err)
		}
	}

	walPath := path + "-wal"
	if err := os.Chmod(walPath, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set wal file permissions: %w", err)
		}
	}
	return nil
}
