package keystore

import (
	"database/sql"
	"errors"
	"fmt"

	// sqlite3 driver registration
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS keys (
	id   INTEGER PRIMARY KEY,
	key  BLOB NOT NULL CHECK (length(key) = 32)
)`

// SQLite is a Store backed by a sqlite database file, used by host tooling
// to keep the keys it encrypts images with.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the key database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Ids are stored as the signed bit pattern of the uint64; sqlite integers
// are 64-bit signed.

// LookupKey implements Store. A nil key only tests for presence.
func (s *SQLite) LookupKey(id uint64, key *Key) error {
	var blob []byte
	err := s.db.QueryRow(`SELECT key FROM keys WHERE id = ?`, int64(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("keystore: lookup %016x: %w", id, err)
	}
	if len(blob) != len(Key{}) {
		return fmt.Errorf("keystore: key %016x has %d bytes", id, len(blob))
	}
	if key != nil {
		copy(key[:], blob)
	}
	return nil
}

// AddKey implements Store.
func (s *SQLite) AddKey(id uint64, key Key) error {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO keys (id, key) VALUES (?, ?)`, int64(id), key[:])
	if err != nil {
		return fmt.Errorf("keystore: add %016x: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keystore: add %016x: %w", id, err)
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

// DeleteKey implements Store.
func (s *SQLite) DeleteKey(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM keys WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("keystore: delete %016x: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keystore: delete %016x: %w", id, err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// List implements Store. Ids are returned in ascending unsigned order.
func (s *SQLite) List() ([]uint64, error) {
	rows, err := s.db.Query(`SELECT id FROM keys`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("keystore: list: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	sortIDs(ids)
	return ids, nil
}
