package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS duplicate_ids (
  address  TEXT    NOT NULL,
  dup_id   BLOB    NOT NULL,
  sequence INTEGER NOT NULL,
  PRIMARY KEY (address, dup_id)
);
CREATE INDEX IF NOT EXISTS idx_duplicate_ids_seq
  ON duplicate_ids(address, sequence);
CREATE TABLE IF NOT EXISTS addresses (
  name   TEXT PRIMARY KEY,
  id     INTEGER NOT NULL,
  record TEXT NOT NULL
);
`

// SQLite is a single-file Journal backend.
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Journal = (*SQLite)(nil)

// OpenSQLite opens the journal database at path, creating the schema.
// ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous=full: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) StoreDuplicateID(address string, entry DuplicateEntry, evicted []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if evicted != nil {
		if _, err := tx.Exec(`DELETE FROM duplicate_ids WHERE address = ? AND dup_id = ?`, address, evicted); err != nil {
			tx.Rollback()
			return fmt.Errorf("evict duplicate id: %w", err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO duplicate_ids (address, dup_id, sequence) VALUES (?, ?, ?)
		ON CONFLICT(address, dup_id) DO UPDATE SET sequence = excluded.sequence
	`, address, entry.ID, int64(entry.Sequence)); err != nil {
		tx.Rollback()
		return fmt.Errorf("store duplicate id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) LoadDuplicateIDs(address string) ([]DuplicateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT dup_id, sequence FROM duplicate_ids
		WHERE address = ? ORDER BY sequence ASC
	`, address)
	if err != nil {
		return nil, fmt.Errorf("load duplicate ids: %w", err)
	}
	defer rows.Close()

	var entries []DuplicateEntry
	for rows.Next() {
		var (
			id  []byte
			seq int64
		)
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, fmt.Errorf("scan duplicate id: %w", err)
		}
		entries = append(entries, DuplicateEntry{ID: id, Sequence: uint64(seq)})
	}
	return entries, rows.Err()
}

func (s *SQLite) DeleteDuplicateIDs(address string, ids [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM duplicate_ids WHERE address = ? AND dup_id = ?`, address, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete duplicate id: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ClearDuplicateIDs(address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.Exec(`DELETE FROM duplicate_ids WHERE address = ?`, address)
	if err != nil {
		return 0, fmt.Errorf("clear duplicate ids: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear duplicate ids: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) PutAddress(rec AddressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode address %s: %w", rec.Name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO addresses (name, id, record) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET id = excluded.id, record = excluded.record
	`, rec.Name, int64(rec.ID), string(data))
	if err != nil {
		return fmt.Errorf("store address %s: %w", rec.Name, err)
	}
	return nil
}

func (s *SQLite) LoadAddresses() ([]AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`SELECT record FROM addresses ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load addresses: %w", err)
	}
	defer rows.Close()

	var recs []AddressRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		var rec AddressRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLite) DeleteAddress(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM duplicate_ids WHERE address = ?`, address); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete duplicate ids: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM addresses WHERE name = ?`, address); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete address: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
