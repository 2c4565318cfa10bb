// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"testing"
)

func TestLedgerHorizonBoundsBacklog(t *testing.T) {
	l := newLedger(1000)

	if !l.seen("old", 900) {
		t.Error("timestamp below horizon not treated as seen")
	}
	if !l.seen("boundary", 1000) {
		t.Error("timestamp at horizon not treated as seen")
	}
	if l.seen("fresh", 1001) {
		t.Error("timestamp above horizon treated as seen before mark")
	}
}

func TestLedgerMarkAndForget(t *testing.T) {
	l := newLedger(0)

	l.mark("a", 10)
	if !l.seen("a", 10) {
		t.Error("marked key not seen")
	}
	if l.seen("b", 10) {
		t.Error("unmarked key with same timestamp seen")
	}

	l.forget("a")
	if l.seen("a", 10) {
		t.Error("forgotten key still seen")
	}
	if l.size() != 0 {
		t.Errorf("size = %d after forget", l.size())
	}
}

func TestLedgerCompact(t *testing.T) {
	l := newLedger(0)

	for i := range ledgerCompactThreshold + 100 {
		l.mark(fmt.Sprintf("key-%d", i), int64(i+1))
	}

	l.compact()

	if l.size() != 0 {
		t.Errorf("size = %d after compact, want 0", l.size())
	}
	// The horizon moved to the newest dispatched timestamp, so every
	// compacted key still counts as seen.
	if !l.seen("key-0", 1) {
		t.Error("compacted key no longer seen")
	}
	newest := fmt.Sprintf("key-%d", ledgerCompactThreshold+99)
	if !l.seen(newest, int64(ledgerCompactThreshold+100)) {
		t.Error("newest compacted key no longer seen")
	}
	if l.seen("future", int64(ledgerCompactThreshold+101)) {
		t.Error("timestamp above new horizon seen")
	}
}

func TestLedgerCompactBelowThresholdKeepsEntries(t *testing.T) {
	l := newLedger(0)
	l.mark("a", 1)
	l.mark("b", 2)

	l.compact()

	if l.size() != 2 {
		t.Errorf("size = %d, compact below threshold must not prune", l.size())
	}
}
