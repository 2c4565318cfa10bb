// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
)

// ErrStoreFull is returned by Put when the store cannot accept another
// record. The bus reacts by running an aggressive sweep and retrying
// the write once.
var ErrStoreFull = errors.New("store: full")

// Record is one durable sync record: a structured key plus the
// envelope's JSON text.
type Record struct {
	Key   Key
	Value string
}

// Store is the shared durable sync store. Implementations must be safe
// for concurrent use within a process and tolerate concurrent mutation
// from other processes: last writer wins, deletes are idempotent, and
// a record observed by Scan may already be deleted by the time the
// caller acts on it.
type Store interface {
	// Put writes a record, replacing any record with the same key.
	// Returns ErrStoreFull (possibly wrapped) when out of space.
	Put(ctx context.Context, key Key, value string) error

	// Scan returns all sync records, ordered by ascending timestamp.
	// Records written by other processes after their last Scan are
	// included; there is no tailing cursor.
	Scan(ctx context.Context) ([]Record, error)

	// Delete removes a record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, key Key) error

	// Close releases the store. The store must not be used afterward.
	Close() error
}
