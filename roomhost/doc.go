// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomhost tracks which instance hosts which room, as an
// eventually-consistent registry replicated over the message bus.
//
// There is no consensus and no locking: every hosts update carries the
// sender's whole view of the map, and each instance adopts the last
// update it received. Two instances claiming the same room at the same
// time is a tolerated race: observers converge on whichever claim
// reached them last, and later updates repair any divergence. Tests
// assert convergence after delivery, never the absence of the race.
package roomhost
