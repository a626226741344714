// Package sqlite implements the log sink contract on an embedded SQLite
// database. Each log gets its own table of ordered opaque lines; the JSONL
// record format is unchanged, only the durable medium differs.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/taskclaw/internal/store"
)

// Sink stores one log's lines in a dedicated table.
type Sink struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
}

const createLogTable = `CREATE TABLE IF NOT EXISTS %s (
	rowid_ord INTEGER PRIMARY KEY AUTOINCREMENT,
	line TEXT NOT NULL
)`

func newSink(db *sql.DB, table string) (*Sink, error) {
	if _, err := db.Exec(fmt.Sprintf(createLogTable, table)); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Sink{db: db, table: table}, nil
}

func (s *Sink) Append(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (line) VALUES (?)", s.table)
	for _, line := range lines {
		if _, err := tx.Exec(stmt, line); err != nil {
			tx.Rollback()
			return fmt.Errorf("append to %s: %w", s.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append to %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) LoadAll() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(fmt.Sprintf("SELECT line FROM %s ORDER BY rowid_ord", s.table))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.table, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Close is a no-op for individual sinks; the shared DB is closed once via
// the closer sink returned from OpenStores.
func (s *Sink) Close() error { return nil }

type closerSink struct {
	*Sink
	db *sql.DB
}

func (c *closerSink) Close() error { return c.db.Close() }

// snapshots implements store.SnapshotStore on a name-keyed table.
type snapshots struct {
	db *sql.DB
}

const createSnapshotTable = `CREATE TABLE IF NOT EXISTS projections (
	name TEXT PRIMARY KEY,
	data TEXT NOT NULL
)`

func (s *snapshots) Save(name string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO projections (name, data) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data`,
		name, string(data),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", name, err)
	}
	return nil
}

func (s *snapshots) Load(name string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM projections WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	return []byte(data), true, nil
}

// OpenStores opens (creating if needed) taskclaw.db under dir and returns
// sinks for the three kernel logs plus the snapshot table.
func OpenStores(dir string) (*store.Stores, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, "taskclaw.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sink layer serializes its own writes; a single connection keeps
	// SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	events, err := newSink(db, "events")
	if err != nil {
		db.Close()
		return nil, err
	}
	conversations, err := newSink(db, "conversations")
	if err != nil {
		db.Close()
		return nil, err
	}
	audit, err := newSink(db, "audit")
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(createSnapshotTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create projections table: %w", err)
	}
	return &store.Stores{
		Events:        &closerSink{Sink: events, db: db},
		Conversations: conversations,
		Audit:         audit,
		Snapshots:     &snapshots{db: db},
	}, nil
}
