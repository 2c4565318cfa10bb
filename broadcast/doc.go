// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package broadcast provides the ephemeral broadcast channel: an
// unreliable, best-effort fan-out transport shared by every presence
// instance on the machine. Frames reach only listeners that are alive
// at send time, and never the sender itself.
//
// This is the fast path of the sync layer's two redundant transports.
// A frame that arrives here is dispatched immediately; a frame that is
// missed (listener not yet up, buffer full, process restarting) is
// recovered within one poll interval from the durable store. Losing
// frames is therefore acceptable by design, and nothing in this
// package retries, acknowledges, or orders.
//
// [MemoryHub] connects instances within one process and backs the test
// suite. [UnixgramChannel] connects instances across processes: each
// instance binds one Unix datagram socket in a shared directory, and a
// send fans out one datagram per live socket. A datagram either fits
// or the frame is dropped; frames are small CBOR-encoded envelopes,
// far under the datagram limit.
//
// Construction failure is reported as [ErrUnavailable] so the bus can
// degrade to store-only operation instead of failing to start.
package broadcast
