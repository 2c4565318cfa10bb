// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the shared durable sync store: a TTL'd
// key/value area visible to every presence instance on the machine.
// It is both the fallback transport (instances that miss a broadcast
// frame discover the record on their next poll) and the deduplication
// ledger's source of truth.
//
// Records are keyed "pixelcommons_sync_{type}_{source}_{timestampMs}".
// The key alone recovers the message type, publishing instance, and
// timestamp without deserializing the value, which keeps the poll
// cycle's skip paths (already processed, self-originated, stale) cheap.
// Values are the envelope's JSON text.
//
// No instance owns a record. Multiple OS processes race on the store
// with no locking: every mutation is a single-statement write with
// last-writer-wins semantics, and deletion is idempotent so any
// instance may sweep an expired record. No read-modify-write sequence
// may assume isolation.
//
// [SQLiteStore] is the production implementation, one WAL-mode
// database file shared across processes via lib/sqlitepool.
// [MemoryStore] backs tests and can simulate quota exhaustion.
package store
