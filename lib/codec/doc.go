// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for broadcast frames.
//
// Envelopes stored in the durable store are JSON text (the store value
// format is part of the record contract and must stay inspectable with
// ordinary tooling). Frames on the ephemeral broadcast channel have no
// such constraint, so they use CBOR: smaller datagrams and no base64
// detours for binary payloads.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes. Decoding accepts
// standard CBOR and silently ignores unknown fields for forward
// compatibility across instance versions sharing one machine.
package codec
