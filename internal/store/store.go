// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store implements persistence of configured SmartDot entries
// and the last known state of their entities.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrAlreadyConfigured is returned when creating an entry
	// with a unique ID that is already in use.
	ErrAlreadyConfigured = errors.New("already configured")

	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("entry not found")
)

// Source values record how an entry was created.
const (
	SourceUser      = "user"
	SourceBluetooth = "bluetooth"
)

// Entry is a configured SmartDot.
type Entry struct {
	ID        string    `json:"entry_id"`
	UniqueID  string    `json:"unique_id"` // canonical MAC address
	Title     string    `json:"title"`
	MAC       string    `json:"mac"` // address as entered or discovered
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite backed entry and state store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite permits a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id         TEXT PRIMARY KEY,
			unique_id  TEXT NOT NULL UNIQUE,
			title      TEXT NOT NULL,
			mac        TEXT NOT NULL,
			source     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS states (
			entity_id  TEXT PRIMARY KEY,
			entry_id   TEXT NOT NULL,
			state      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a new lexically sortable entry ID.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// CreateEntry persists e, assigning its ID and creation time if they are
// not set. It returns ErrAlreadyConfigured if an entry with the same
// unique ID exists.
func (s *Store) CreateEntry(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (id, unique_id, title, mac, source, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.UniqueID, e.Title, e.MAC, e.Source, e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyConfigured, e.UniqueID)
		}
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// Entry returns the entry with the given ID.
func (s *Store) Entry(ctx context.Context, id string) (*Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx,
		"SELECT id, unique_id, title, mac, source, created_at FROM entries WHERE id = ?", id,
	))
}

// EntryByUniqueID returns the entry with the given unique ID.
func (s *Store) EntryByUniqueID(ctx context.Context, uniqueID string) (*Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx,
		"SELECT id, unique_id, title, mac, source, created_at FROM entries WHERE unique_id = ?", uniqueID,
	))
}

// Configured reports whether an entry with the given unique ID exists.
func (s *Store) Configured(ctx context.Context, uniqueID string) (bool, error) {
	_, err := s.EntryByUniqueID(ctx, uniqueID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Entries returns all entries in creation order.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, unique_id, title, mac, source, created_at FROM entries ORDER BY created_at, id",
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes the entry with the given ID and the saved states
// of its entities.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM states WHERE entry_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete entry states: %w", err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e       Entry
		created string
	)
	err := row.Scan(&e.ID, &e.UniqueID, &e.Title, &e.MAC, &e.Source, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse entry creation time: %w", err)
	}
	return &e, nil
}

// LastState returns the last saved state of the entity. The boolean
// result is false if no state was saved.
func (s *Store) LastState(ctx context.Context, entityID string) (string, bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM states WHERE entity_id = ?", entityID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last state: %w", err)
	}
	return state, true, nil
}

// SaveState saves the state of an entity belonging to the given entry.
func (s *Store) SaveState(ctx context.Context, entryID, entityID, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (entity_id, entry_id, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		entityID, entryID, state, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
