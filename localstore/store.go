// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the embedded on-device database of the app: the sole
// durable source of truth. All domain writes happen here first, inside scoped
// write transactions, together with the change-ledger entries that the sync
// engine later drains.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is stored in PRAGMA user_version. An open against a database
// file with a different non-zero version triggers the destructive recovery
// path: delete the file and recreate the schema from scratch.
const schemaVersion = 1

// Store is the process-wide local database handle. It is opened once at
// startup and passed explicitly to the sync engine and all call sites.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	writeMu sync.Mutex // one write transaction at a time

	watchMu  sync.Mutex
	watchers map[string][]chan ChangeSet
}

// Options configures Open.
type Options struct {
	Logger *slog.Logger
}

// Open opens (or creates) the local store at path. If the file exists with an
// incompatible schema version, one destructive recovery attempt is made: the
// file is removed and the schema recreated. Failure of that attempt is fatal
// to the caller; the app cannot proceed without a store.
func Open(path string, opts *Options) (*Store, error) {
	logger := slog.Default()
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}

	db, err := openAndMigrate(path)
	if err != nil {
		logger.Warn("local store open failed, attempting destructive recovery",
			"path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove corrupt store: %w", rmErr)
		}
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate local store: %w", err)
		}
		logger.Warn("local store recreated after recovery", "path", path)
	}

	return &Store{
		db:       db,
		path:     path,
		logger:   logger,
		watchers: make(map[string][]chan ChangeSet),
	}, nil
}

// openAndMigrate opens the SQLite file, applies pragmas and verifies or
// installs the schema.
func openAndMigrate(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids lock contention
	// between the write mutex and concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	switch version {
	case 0:
		if err := createSchema(db); err != nil {
			db.Close()
			return nil, err
		}
	case schemaVersion:
		// Current schema, nothing to do.
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported schema version %d (want %d)", version, schemaVersion)
	}

	return db, nil
}

func createSchema(db *sql.DB) error {
	const syncCols = `
		remote_id     TEXT,
		sync_status   TEXT NOT NULL DEFAULT 'pending',
		needs_upload  INTEGER NOT NULL DEFAULT 1,
		last_sync_at  TEXT,
		created_on    TEXT NOT NULL,
		updated_on    TEXT NOT NULL`

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			entitled      INTEGER NOT NULL DEFAULT 0,` + syncCols + `
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			name           TEXT NOT NULL,
			account_type   TEXT NOT NULL,
			currency       TEXT NOT NULL DEFAULT '',
			initial_amount TEXT NOT NULL DEFAULT '0',
			balance        TEXT NOT NULL DEFAULT '0',
			archived       INTEGER NOT NULL DEFAULT 0,` + syncCols + `
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id      TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name    TEXT NOT NULL,
			phone   TEXT NOT NULL DEFAULT '',
			email   TEXT NOT NULL DEFAULT '',` + syncCols + `
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			account_id   TEXT NOT NULL,
			contact_id   TEXT,
			category_id  TEXT,
			tx_type      TEXT NOT NULL,
			amount       TEXT NOT NULL,
			note         TEXT NOT NULL DEFAULT '',
			tx_date      TEXT NOT NULL,
			recurring    INTEGER NOT NULL DEFAULT 0,
			on_behalf_of INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'active',` + syncCols + `
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			kind       TEXT NOT NULL,
			icon       TEXT NOT NULL DEFAULT '',
			created_on TEXT NOT NULL,
			updated_on TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			category_id  TEXT NOT NULL,
			limit_amount TEXT NOT NULL,
			period       TEXT NOT NULL,
			created_on   TEXT NOT NULL,
			updated_on   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proxy_payments (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			contact_id       TEXT NOT NULL,
			original_tx_id   TEXT NOT NULL,
			adjustment_tx_id TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			created_on       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS code_lists (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS code_elements (
			id         TEXT PRIMARY KEY,
			list_id    TEXT NOT NULL REFERENCES code_lists(id),
			code       TEXT NOT NULL,
			label      TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			params     TEXT NOT NULL DEFAULT '{}',
			created_on TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_log (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			operation    TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			status       TEXT NOT NULL CHECK (status IN ('pending','completed','failed')),
			error        TEXT,
			created_on   TEXT NOT NULL,
			processed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_status ON sync_log(user_id, status, created_on)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_record ON sync_log(table_name, record_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_original ON proxy_payments(original_tx_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Tx is a scoped write transaction. Domain mutations and the ledger entries
// that describe them are written through the same Tx, making them
// transactionally inseparable.
type Tx struct {
	tx      *sql.Tx
	store   *Store
	ctx     context.Context
	changes map[string]*ChangeSet
}

// Write runs fn inside a single write transaction. If fn returns an error the
// transaction is rolled back and the store is left unchanged. Writes are
// serialized store-wide.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, store: s, ctx: ctx, changes: make(map[string]*ChangeSet)}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.notify(tx.changes)
	return nil
}

// Watch returns a channel that receives a ChangeSet after every committed
// write transaction that touched table. Delivery is best-effort: a slow
// receiver drops change sets rather than blocking commits.
func (s *Store) Watch(table string) <-chan ChangeSet {
	ch := make(chan ChangeSet, 16)
	s.watchMu.Lock()
	s.watchers[table] = append(s.watchers[table], ch)
	s.watchMu.Unlock()
	return ch
}

func (s *Store) notify(changes map[string]*ChangeSet) {
	if len(changes) == 0 {
		return
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for table, cs := range changes {
		for _, ch := range s.watchers[table] {
			select {
			case ch <- *cs:
			default:
			}
		}
	}
}

func (t *Tx) noteInsert(table, id string) { t.change(table).Insertions = append(t.change(table).Insertions, id) }
func (t *Tx) noteUpdate(table, id string) {
	t.change(table).Modifications = append(t.change(table).Modifications, id)
}
func (t *Tx) noteDelete(table, id string) { t.change(table).Deletions = append(t.change(table).Deletions, id) }

func (t *Tx) change(table string) *ChangeSet {
	cs, ok := t.changes[table]
	if !ok {
		cs = &ChangeSet{Table: table}
		t.changes[table] = cs
	}
	return cs
}

// --- storage encoding helpers ---

const timeLayout = time.RFC3339Nano

func timeToDB(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeFromDB(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func timePtrToDB(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToDB(*t)
}

func timePtrFromDB(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := timeFromDB(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strPtrToDB(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strPtrFromDB(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
