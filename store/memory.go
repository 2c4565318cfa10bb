// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for tests. Multiple bus instances
// in one process share a single MemoryStore the way browser tabs share
// localStorage, which is enough to exercise every cross-instance code
// path (dedup, self-filtering, sweeps, convergence) deterministically.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record

	// maxRecords simulates quota exhaustion: Put returns ErrStoreFull
	// once the store holds this many records. Zero means unlimited.
	maxRecords int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// SetMaxRecords caps the store at n records to simulate storage
// pressure. Zero removes the cap.
func (s *MemoryStore) SetMaxRecords(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRecords = n
}

func (s *MemoryStore) Put(_ context.Context, key Key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := key.String()
	_, replacing := s.records[raw]
	if !replacing && s.maxRecords > 0 && len(s.records) >= s.maxRecords {
		return ErrStoreFull
	}
	s.records[raw] = Record{Key: key, Value: value}
	return nil
}

func (s *MemoryStore) Scan(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Key.Timestamp != records[j].Key.Timestamp {
			return records[i].Key.Timestamp < records[j].Key.Timestamp
		}
		return records[i].Key.String() < records[j].Key.String()
	})
	return records, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key.String())
	return nil
}

// Close is a no-op for the in-process store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of records currently held. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
