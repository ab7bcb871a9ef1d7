// Package db owns the three SQLite stores behind the monitoring
// engine: the experiment store (control records, session registry,
// trial states, task catalog), the behavior store (per-channel
// activity tables, provisioned lazily by the acquisition hardware),
// and the interface store (port configuration).
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_experiment.sql
var schemaExperiment string

//go:embed schema_interface.sql
var schemaInterface string

// Store manages a write connection and a read-only pool for one
// SQLite file.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// openStore creates or opens a SQLite store at path, applying schema
// if non-empty. Schema application is idempotent.
func openStore(path, schema string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if schema != "" {
		if _, err := writer.Exec(schema); err != nil {
			writer.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	} else {
		// No schema to apply, but the file must exist before the
		// read-only pool can open it.
		if err := writer.Ping(); err != nil {
			writer.Close()
			return nil, fmt.Errorf("creating store file: %w", err)
		}
	}

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	return &Store{writer: writer, reader: reader}, nil
}

// Close closes both writer and reader connections.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Update executes fn within a write lock and transaction. The
// transaction is committed if fn returns nil, rolled back otherwise.
func (s *Store) Update(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Reader returns the read-only connection pool.
func (s *Store) Reader() *sql.DB {
	return s.reader
}

// TableExists reports whether a table is present in the store. Event
// tables are provisioned lazily per experiment type, so absence is a
// normal condition, not an error.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.reader.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?",
		name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return count > 0, nil
}

// Paths configures where each store lives on disk.
type Paths struct {
	Experiment string
	Behavior   string
	Interface  string
}

// DB groups the three named store handles. Components receive the DB
// by reference from the startup routine; there is no package-level
// engine state.
type DB struct {
	Experiment *Store
	Behavior   *Store
	Interface  *Store
}

// Open opens all three stores. The experiment and interface schemas
// are applied on open; the behavior store is opened as-is because the
// acquisition side owns its tables.
func Open(p Paths) (*DB, error) {
	exp, err := openStore(p.Experiment, schemaExperiment)
	if err != nil {
		return nil, fmt.Errorf("experiment store: %w", err)
	}
	beh, err := openStore(p.Behavior, "")
	if err != nil {
		exp.Close()
		return nil, fmt.Errorf("behavior store: %w", err)
	}
	ifc, err := openStore(p.Interface, schemaInterface)
	if err != nil {
		exp.Close()
		beh.Close()
		return nil, fmt.Errorf("interface store: %w", err)
	}
	return &DB{Experiment: exp, Behavior: beh, Interface: ifc}, nil
}

// Close closes all three stores.
func (db *DB) Close() error {
	return errors.Join(
		db.Experiment.Close(),
		db.Behavior.Close(),
		db.Interface.Close(),
	)
}
