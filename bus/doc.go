// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the cross-instance message bus: typed
// envelopes fanned out to every live presence instance on the machine
// over two redundant transports, deduplicated by record key before
// handler dispatch.
//
// Each envelope is published twice: written to the durable store
// (where every instance discovers it on its next poll, 50 ms by
// default) and fired over the ephemeral broadcast channel (where live
// instances receive it immediately). The redundancy is intentional
// fault tolerance, not accidental duplication: the broadcast path
// gives latency, the store path gives delivery to instances that
// missed the frame. Whichever path delivers first wins; the dedup
// ledger guarantees a single dispatch per record key regardless of
// how many times and by which route a record is observed.
//
// Delivery guarantees are deliberately weak: at-most-once-ish, no
// ordering across instances, no durability beyond the record TTL.
// Within one instance, handlers for a topic run in registration order
// and records dispatch in poll-detected arrival order. Shared state
// built on the bus (the hosts registry, for example) must converge
// under last-received-wins, not rely on a total order.
//
// The bus recovers locally from every internal error: malformed
// records are skipped until the age sweep removes them, a full store
// triggers an aggressive sweep and one retry, and a missing broadcast
// transport degrades the bus to store-only operation. No error escapes
// the poll loop.
package bus
