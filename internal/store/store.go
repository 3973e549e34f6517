// Package store persists a replica's operation log, version vector, clock
// and peer book in SQLite.
//
// Every AppendOp is one transaction covering the operation row, the vector
// entry and the clock, so after a crash an operation is either fully
// recorded or absent. Load rebuilds an entity.RestoreState from disk.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/driftsync/internal/clock"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into user_version. A database stamped with a
// later version was written by a newer build whose oplog rows this one may
// misread, so Open refuses it.
const schemaVersion = 1

// Store is the SQLite persistence layer. It implements entity.Persister
// and peer.Book.
type Store struct {
	db *sql.DB
}

// Open creates or opens a database at path and applies pragmas and the
// schema. Safe to call on an existing database.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, schemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

const metaReplica = "replica_id"

// ReplicaID returns the replica id this database belongs to, if set.
func (s *Store) ReplicaID(ctx context.Context) (clock.ReplicaID, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaReplica).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read replica id: %w", err)
	}
	return clock.ReplicaID(id), true, nil
}

// InitReplica binds the database to id. A database already bound to a
// different id is an error; replica ids never change.
func (s *Store) InitReplica(ctx context.Context, id clock.ReplicaID) error {
	if id == "" {
		return fmt.Errorf("init replica: empty id")
	}
	existing, ok, err := s.ReplicaID(ctx)
	if err != nil {
		return err
	}
	if ok {
		if existing != id {
			return fmt.Errorf("database belongs to replica %q, not %q", existing, id)
		}
		return nil
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, metaReplica, string(id))
	if err != nil {
		return fmt.Errorf("init replica: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
