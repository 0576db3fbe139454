package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// OpenStore picks a store implementation by file extension: ".db", ".sqlite"
// and ".sqlite3" use SQLite, anything else the JSON snapshot file.
func OpenStore(path string) Store {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return &SQLiteStore{Path: path}
	default:
		return &JSONStore{Path: path}
	}
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// JSONStore keeps the cache as one pretty-printed JSON object of key to
// translated text.
type JSONStore struct {
	Path string
}

// Location returns the file path.
func (s *JSONStore) Location() string {
	return s.Path
}

// Load reads the snapshot. A missing file is an empty cache.
func (s *JSONStore) Load() (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	return entries, nil
}

// Save overwrites the file with entries. The data is written to a temporary
// file in the same directory and renamed into place.
func (s *JSONStore) Save(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".translations-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", tmpName, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

const sqliteSchema = `CREATE TABLE IF NOT EXISTS translations (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore keeps the cache in a single-table SQLite database. Save
// replaces the table contents in one transaction, so the database always
// holds exactly one snapshot.
type SQLiteStore struct {
	Path string
}

// Location returns the database path.
func (s *SQLiteStore) Location() string {
	return s.Path
}

func (s *SQLiteStore) open() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := sql.Open("sqlite3", s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", s.Path, err)
	}
	return db, nil
}

// Load reads every row. A missing database is an empty cache.
func (s *SQLiteStore) Load() (map[string]string, error) {
	if _, err := os.Stat(s.Path); errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value FROM translations`)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.Path, err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.Path, err)
		}
		entries[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}
	return entries, nil
}

// Save replaces the stored rows with entries.
func (s *SQLiteStore) Save(entries map[string]string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM translations`); err != nil {
		return fmt.Errorf("clearing translations: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO translations (key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for k, v := range entries {
		if _, err := stmt.Exec(k, v); err != nil {
			return fmt.Errorf("inserting %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing translations: %w", err)
	}
	return nil
}
