// Package history persists captured selection text in SQLite.
//
// The table layout is shared with external pickers, which read it with
//
//	SELECT DISTINCT text FROM history ORDER BY timestamp DESC
//
// so it must stay stable. Timestamps are fractional Unix seconds.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxRecords is the number of records kept when no cap is given.
const DefaultMaxRecords = 200

const schema = `
CREATE TABLE IF NOT EXISTS history(
  id INTEGER PRIMARY KEY NOT NULL,
  selection TEXT NOT NULL,
  timestamp REAL NOT NULL,
  text TEXT NOT NULL
)`

// ErrInvalidCode is returned for selection codes other than "c" and "p".
var ErrInvalidCode = errors.New("invalid selection code")

// Record is one stored entry.
type Record struct {
	ID        int64
	Selection string
	Timestamp time.Time
	Text      string
}

// Store is an append-only, size-capped history table.
type Store struct {
	db  *sql.DB
	max int
}

// DefaultPath returns $XDG_DATA_HOME/clipmon/history.sqlite3, falling back
// to ~/.local/share.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("history path: %w", err)
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "clipmon", "history.sqlite3"), nil
}

// Open opens (creating if needed) the database at path. maxRecords <= 0
// selects DefaultMaxRecords.
func Open(path string, maxRecords int) (*Store, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return &Store{db: db, max: maxRecords}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Append inserts a record and trims the table to the newest max records.
func (s *Store) Append(code, text string, at time.Time) error {
	if code != "c" && code != "p" {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	ts := float64(at.UnixNano()) / float64(time.Second)
	if _, err := s.db.Exec(
		`INSERT INTO history (timestamp, selection, text) VALUES (?, ?, ?)`,
		ts, code, text,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return s.trim()
}

func (s *Store) trim() error {
	_, err := s.db.Exec(`
		DELETE FROM history
		WHERE id NOT IN (
		  SELECT id FROM history
		  ORDER BY timestamp DESC, id DESC
		  LIMIT ?)`,
		s.max,
	)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, selection, timestamp, text FROM history ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts float64
		)
		if err := rows.Scan(&r.ID, &r.Selection, &ts, &r.Text); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Timestamp = time.Unix(0, int64(ts*float64(time.Second)))
		out = append(out, r)
	}
	return out, rows.Err()
}
