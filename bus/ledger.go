// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "sync"

// ledgerCompactThreshold is the processed-set size that triggers
// compaction during a sweep.
const ledgerCompactThreshold = 1000

// ledger is the per-instance dedup record: the set of record keys
// already dispatched, plus two timestamps.
//
// Set membership is the authoritative dedup check: two records can
// share a timestamp, so no watermark comparison can replace it. The
// horizon bounds what the instance will ever look at: records with
// timestamp at or below it are ignored outright. It starts at
// (start time - backlog window), which is what keeps a freshly
// started instance from replaying the store's history, and it only
// rises during compaction. The watermark tracks the newest timestamp
// dispatched and is where the horizon moves to when the set is
// compacted.
//
// ledger is safe for concurrent use.
type ledger struct {
	mu        sync.Mutex
	processed map[string]int64 // record key → record timestamp
	horizon   int64
	watermark int64
}

// newLedger creates a ledger that ignores records with timestamps at
// or below horizon.
func newLedger(horizon int64) *ledger {
	return &ledger{
		processed: make(map[string]int64),
		horizon:   horizon,
		watermark: horizon,
	}
}

// seen reports whether the key was already dispatched (or is below
// the horizon and therefore never will be).
func (l *ledger) seen(key string, timestamp int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if timestamp <= l.horizon {
		return true
	}
	_, ok := l.processed[key]
	return ok
}

// mark records the key as dispatched and advances the watermark.
func (l *ledger) mark(key string, timestamp int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed[key] = timestamp
	if timestamp > l.watermark {
		l.watermark = timestamp
	}
}

// forget drops a key from the set. Called when the record it tracked
// is swept from the store, so the set does not accumulate entries for
// records that no longer exist.
func (l *ledger) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.processed, key)
}

// compact bounds the set's size: when it exceeds the threshold, the
// horizon rises to the watermark and every entry at or below the new
// horizon is dropped. Safe because seen() treats everything at or
// below the horizon as already dispatched.
func (l *ledger) compact() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.processed) <= ledgerCompactThreshold {
		return
	}
	l.horizon = l.watermark
	for key, timestamp := range l.processed {
		if timestamp <= l.horizon {
			delete(l.processed, key)
		}
	}
}

// size returns the number of tracked keys.
func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processed)
}
