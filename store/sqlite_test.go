// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "sync.db"))

	key := mustKey(t, "character", "instance-a", 500)
	if err := s.Put(ctx, key, `{"type":"character"}`); err != nil {
		t.Fatalf("Put: %v", err)
	}

	records, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Scan returned %d records", len(records))
	}
	if records[0].Key != key || records[0].Value != `{"type":"character"}` {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestSQLiteStoreSharedAcrossOpens(t *testing.T) {
	// Two stores on the same file model two OS processes sharing the
	// durable medium.
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	writer := openTestSQLite(t, path)
	reader := openTestSQLite(t, path)

	key := mustKey(t, "hosts", "instance-a", 900)
	if err := writer.Put(ctx, key, "hosts-payload"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	records, err := reader.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan from second open: %v", err)
	}
	if len(records) != 1 || records[0].Value != "hosts-payload" {
		t.Fatalf("records = %+v", records)
	}

	// Any instance may delete, and deletion is idempotent: both
	// "processes" sweeping the same record must succeed.
	if err := reader.Delete(ctx, key); err != nil {
		t.Fatalf("Delete from reader: %v", err)
	}
	if err := writer.Delete(ctx, key); err != nil {
		t.Fatalf("Delete from writer after reader swept: %v", err)
	}
}

func TestSQLiteStoreLastWriterWins(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	first := openTestSQLite(t, path)
	second := openTestSQLite(t, path)

	key := mustKey(t, "hosts", "instance-a", 100)
	if err := first.Put(ctx, key, "from-first"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := second.Put(ctx, key, "from-second"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	records, _ := first.Scan(ctx)
	if len(records) != 1 || records[0].Value != "from-second" {
		t.Fatalf("records = %+v", records)
	}
}

func TestSQLiteStoreScanOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "sync.db"))

	for _, ts := range []int64{300, 100, 200} {
		key := mustKey(t, "character", "instance-a", ts)
		if err := s.Put(ctx, key, "v"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	records, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var previous int64
	for _, record := range records {
		if record.Key.Timestamp < previous {
			t.Fatalf("scan out of order: %d after %d", record.Key.Timestamp, previous)
		}
		previous = record.Key.Timestamp
	}
}
