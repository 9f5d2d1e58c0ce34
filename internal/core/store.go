package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed audit log of agent lifecycle events.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (or creates) the database at path and applies migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// AgentEvent is one recorded lifecycle event.
type AgentEvent struct {
	ID     int64
	Node   string
	Kind   string
	Detail string
	At     time.Time
}

// RecordAgentEvent appends one event to the audit log.
func (s *Store) RecordAgentEvent(ctx context.Context, nodeName, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_events (node, kind, detail) VALUES (?, ?, ?)`,
		nodeName, kind, detail)
	if err != nil {
		return fmt.Errorf("record agent event: %w", err)
	}
	return nil
}

// RecentAgentEvents returns up to limit events, newest first.
func (s *Store) RecentAgentEvents(ctx context.Context, limit int) ([]AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node, kind, detail, at FROM agent_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query agent events: %w", err)
	}
	defer rows.Close()
	var out []AgentEvent
	for rows.Next() {
		var ev AgentEvent
		if err := rows.Scan(&ev.ID, &ev.Node, &ev.Kind, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
