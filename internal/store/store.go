package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// KV is the durable, synchronous key/value primitive behind checkpoints and emergency backups.
type KV interface {
	// Get returns the value for key; ok is false when the key does not exist.
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// ListKeys returns all keys starting with prefix in ascending order.
	ListKeys(prefix string) ([]string, error)
}

// Store is the SQLite-backed KV plus the tables of the secondary ingest service.
type Store struct {
	db *sql.DB
}

var _ KV = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies the schema.
// ":memory:" opens a private in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		condition TEXT NOT NULL,
		hit_id TEXT NOT NULL DEFAULT '',
		assignment_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		recovered INTEGER NOT NULL DEFAULT 0,
		deliveries INTEGER NOT NULL DEFAULT 1,
		submitted_at DATETIME NOT NULL,
		received_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submission_questions (
		submission_id TEXT NOT NULL,
		section TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		category_id TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		chat_messages INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (submission_id, section, question_index),
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
