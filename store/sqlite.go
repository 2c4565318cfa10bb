// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/pixelcommons/presence/lib/sqlitepool"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// syncSchema holds the sync records. The key is stored both whole (the
// primary key, matching the cross-implementation record contract) and
// decomposed, so sweeps and scans never re-parse key strings.
const syncSchema = `
CREATE TABLE IF NOT EXISTS sync_records (
	key          TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	source       TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	value        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_records_by_time ON sync_records (timestamp_ms);
`

// SQLiteConfig holds the parameters for opening a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file shared by every instance on the
	// machine. Required.
	Path string

	// PoolSize is passed through to sqlitepool. Zero means default.
	PoolSize int

	// MaxPages caps the database size via PRAGMA max_page_count,
	// making Put fail with ErrStoreFull under storage pressure the
	// same way localStorage-style quotas do. Zero means no cap.
	MaxPages int

	// Logger receives operational messages. If nil, discard.
	Logger *slog.Logger
}

// SQLiteStore is the production Store: one WAL-mode SQLite database
// file shared by every instance on the machine. WAL keeps the 50 ms
// pollers in other processes reading while a publisher writes, and
// single-statement writes give the last-writer-wins semantics the
// record lifecycle is designed around.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the shared sync database.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			if cfg.MaxPages > 0 {
				pragma := fmt.Sprintf("PRAGMA max_page_count=%d", cfg.MaxPages)
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return err
				}
			}
			return sqlitex.ExecuteScript(conn, syncSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening sync database: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sync_records (key, type, source, timestamp_ms, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{
			Args: []any{key.String(), key.Type, key.Source, key.Timestamp, value},
		})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultFull {
			return fmt.Errorf("store: writing %s: %w", key, ErrStoreFull)
		}
		return fmt.Errorf("store: writing %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, `
		SELECT type, source, timestamp_ms, value
		FROM sync_records
		ORDER BY timestamp_ms, key`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, Record{
					Key: Key{
						Type:      stmt.ColumnText(0),
						Source:    stmt.ColumnText(1),
						Timestamp: stmt.ColumnInt64(2),
					},
					Value: stmt.ColumnText(3),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: scanning sync records: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM sync_records WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{key.String()}})
	if err != nil {
		return fmt.Errorf("store: deleting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}
