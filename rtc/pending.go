// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pixelcommons/presence/lib/clock"
)

// pendingCandidateTTL bounds how long an early ICE candidate waits for
// its session. Signaling can deliver candidates before the offer that
// creates the session; holding them forever would leak entries for
// peers that never call.
const pendingCandidateTTL = 30 * time.Second

type pendingCandidate struct {
	candidate webrtc.ICECandidateInit
	expires   time.Time
}

// pendingBuffer holds ICE candidates that arrived before their session
// existed, keyed by peer id. Safe for concurrent use.
type pendingBuffer struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string][]pendingCandidate
}

func newPendingBuffer(clk clock.Clock) *pendingBuffer {
	return &pendingBuffer{
		clock:   clk,
		entries: make(map[string][]pendingCandidate),
	}
}

// add buffers a candidate for a peer whose session does not exist yet.
func (b *pendingBuffer) add(peerID string, candidate webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	b.entries[peerID] = append(b.entries[peerID], pendingCandidate{
		candidate: candidate,
		expires:   b.clock.Now().Add(pendingCandidateTTL),
	})
}

// take removes and returns the unexpired candidates buffered for a
// peer. Called when the peer's session appears.
func (b *pendingBuffer) take(peerID string) []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	pending := b.entries[peerID]
	if len(pending) == 0 {
		return nil
	}
	delete(b.entries, peerID)

	candidates := make([]webrtc.ICECandidateInit, len(pending))
	for i, entry := range pending {
		candidates[i] = entry.candidate
	}
	return candidates
}

// size returns the number of buffered candidates across all peers.
func (b *pendingBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, pending := range b.entries {
		n += len(pending)
	}
	return n
}

func (b *pendingBuffer) pruneLocked() {
	now := b.clock.Now()
	for peerID, pending := range b.entries {
		kept := pending[:0]
		for _, entry := range pending {
			if entry.expires.After(now) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(b.entries, peerID)
		} else {
			b.entries[peerID] = kept
		}
	}
}
