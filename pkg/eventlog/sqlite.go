// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteConfig configures the durable, file-backed event store.
type SQLiteConfig struct {
	// Path is the database file path, e.g. "orbitmesh.db".
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// SQLiteStore is a durable Store backed by modernc.org/sqlite (CGo-free).
// Writes are serialized (a single connection), matching SQLite's own
// single-writer model; this is the persistence layer the event-sourced
// contract (spec §4.4 / §6) requires aggregate stores to survive restarts
// against.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a durable event store at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	position   INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL UNIQUE,
	stream_id  TEXT NOT NULL,
	version    INTEGER NOT NULL,
	type       TEXT NOT NULL,
	payload    BLOB,
	timestamp  DATETIME NOT NULL,
	UNIQUE(stream_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, version);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, streamID string, events []NewEvent, expectedVersion uint64) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("eventlog: read current version: %w", err)
	}
	if current != expectedVersion {
		return 0, &pkgerrors.ConflictError{
			Resource: "event_stream",
			ID:       streamID,
			Reason:   "version mismatch",
		}
	}

	now := time.Now()
	for _, e := range events {
		current++
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (event_id, stream_id, version, type, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), streamID, current, string(e.Type), e.Payload, now,
		)
		if err != nil {
			return 0, fmt.Errorf("eventlog: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog: commit: %w", err)
	}
	return current, nil
}

// ReadStream implements Store.
func (s *SQLiteStore) ReadStream(ctx context.Context, streamID string, fromVersion uint64) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, stream_id, version, position, type, payload, timestamp
		 FROM events WHERE stream_id = ? AND version > ? ORDER BY version ASC`,
		streamID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll implements Store.
func (s *SQLiteStore) ReadAll(ctx context.Context, fromPosition uint64, maxCount int) ([]domain.EventRecord, error) {
	query := `SELECT event_id, stream_id, version, position, type, payload, timestamp
	          FROM events WHERE position > ? ORDER BY position ASC`
	args := []any{fromPosition}
	if maxCount > 0 {
		query += ` LIMIT ?`
		args = append(args, maxCount)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query all: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// StreamVersion implements Store.
func (s *SQLiteStore) StreamVersion(ctx context.Context, streamID string) (uint64, error) {
	var version uint64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("eventlog: read stream version: %w", err)
	}
	return version, nil
}

// Close implements io.Closer.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for rows.Next() {
		var rec domain.EventRecord
		var typ string
		if err := rows.Scan(&rec.EventID, &rec.StreamID, &rec.Version, &rec.Position, &typ, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		rec.Type = domain.EventType(typ)
		out = append(out, rec)
	}
	return out, rows.Err()
}
