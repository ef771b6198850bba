// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history keeps an audit trail of context submissions and restart
// outcomes in a local SQLite database. It is strictly best-effort: a write
// failure is logged by the caller and never blocks the request path.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	agent      TEXT NOT NULL DEFAULT '',
	op_id      TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// Event kinds.
const (
	KindSubmission = "submission"
	KindRestart    = "restart"
)

// Entry is one recorded event, newest first when returned from Recent.
type Entry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Agent     string    `json:"agent,omitempty"`
	OpID      string    `json:"op_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is the audit store.
type Log struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and ensures the schema.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// modernc.org/sqlite serializes access; one connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &Log{db: db}, nil
}

// RecordSubmission logs one context submission attempt.
func (l *Log) RecordSubmission(agent string, size int, accepted bool) error {
	detail := fmt.Sprintf("size=%d accepted=%t", size, accepted)
	return l.insert(KindSubmission, agent, "", detail)
}

// RecordRestart logs the outcome of one restart operation.
func (l *Log) RecordRestart(opID, outcome, detail string) error {
	if detail != "" {
		detail = outcome + ": " + detail
	} else {
		detail = outcome
	}
	return l.insert(KindRestart, "", opID, detail)
}

func (l *Log) insert(kind, agent, opID, detail string) error {
	_, err := l.db.Exec(
		"INSERT INTO events (kind, agent, op_id, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		kind, agent, opID, detail, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return nil
}

// Recent returns up to n of the newest events, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := l.db.Query(
		"SELECT id, kind, agent, op_id, detail, created_at FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Agent, &e.OpID, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
