// Package pg implements the log sink contract on Postgres, for
// deployments that keep the workspace on shared storage but want the logs
// in a database. Same table-of-lines shape as the sqlite backend.
package pg

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/taskclaw/internal/store"
)

type Sink struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
}

func newSink(db *sql.DB, table string) (*Sink, error) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ord BIGSERIAL PRIMARY KEY,
		line TEXT NOT NULL
	)`, table)
	if _, err := db.Exec(ddl); err != nil {
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
	stmt := fmt.Sprintf("INSERT INTO %s (line) VALUES ($1)", s.table)
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

	rows, err := s.db.Query(fmt.Sprintf("SELECT line FROM %s ORDER BY ord", s.table))
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

func (s *Sink) Close() error { return nil }

type closerSink struct {
	*Sink
	db *sql.DB
}

func (c *closerSink) Close() error { return c.db.Close() }

type snapshots struct {
	db *sql.DB
}

func (s *snapshots) Save(name string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO projections (name, data) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data`,
		name, string(data),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", name, err)
	}
	return nil
}

func (s *snapshots) Load(name string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM projections WHERE name = $1`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	return []byte(data), true, nil
}

// OpenStores connects with the given DSN and prepares the log tables.
func OpenStores(dsn string) (*store.Stores, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	events, err := newSink(db, "taskclaw_events")
	if err != nil {
		db.Close()
		return nil, err
	}
	conversations, err := newSink(db, "taskclaw_conversations")
	if err != nil {
		db.Close()
		return nil, err
	}
	audit, err := newSink(db, "taskclaw_audit")
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS projections (
		name TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`); err != nil {
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
