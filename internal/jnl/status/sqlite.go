// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/jalop/internal/persistence/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS record_status (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
`

// SqliteStore keeps status documents in a single table.
type SqliteStore struct {
	DB *sql.DB
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("status store: create dir: %w", err)
	}
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(context.Background(), db, schemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("status store: migration failed: %w", err)
	}
	return &SqliteStore{DB: db}, nil
}

func (s *SqliteStore) Put(ctx context.Context, id string, rec Record) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
	INSERT INTO record_status (id, body, updated_at_ms) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at_ms = excluded.updated_at_ms`,
		id, string(raw), time.Now().UnixMilli())
	return err
}

func (s *SqliteStore) Get(ctx context.Context, id string) (Record, error) {
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT body FROM record_status WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	e := decode(id, []byte(body))
	if e.Err != nil {
		return Record{}, e.Err
	}
	return *e.Record, nil
}

func (s *SqliteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, body FROM record_status ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out = append(out, decode(id, []byte(body)))
	}
	return out, rows.Err()
}

func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM record_status WHERE id = ?`, id)
	return err
}

func (s *SqliteStore) Close() error { return s.DB.Close() }
