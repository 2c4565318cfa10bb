// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit moved by the bus: a topic, an opaque payload,
// the publishing instance's identity, and the publish time. Envelopes
// are immutable once constructed; the timestamp is assigned at publish
// time only.
//
// The JSON form, {"type": ..., "data": ..., "source": ...,
// "timestamp": ...}, is the durable store's value format and is part
// of the cross-implementation record contract. Broadcast frames carry
// the same fields in CBOR.
type Envelope struct {
	// Type is the logical topic ("character", "hosts", "requests",
	// "signaling", "system").
	Type string `json:"type"`

	// Data is the payload. Opaque to the bus, meaningful to handlers.
	// Payloads that cross the store decode as map[string]any.
	Data any `json:"data"`

	// Source is the publishing instance's identity, used to suppress
	// self-delivery. Not an authentication mechanism.
	Source string `json:"source"`

	// Timestamp is the publish time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Handler consumes envelopes dispatched for a topic.
type Handler func(Envelope)

// encode renders the envelope as the store's JSON text value.
func (e Envelope) encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("bus: encoding envelope: %w", err)
	}
	return string(data), nil
}

// decodeEnvelope parses a store value. The error wraps the underlying
// JSON failure so the poll loop can log it usefully.
func decodeEnvelope(value string) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(value), &envelope); err != nil {
		return Envelope{}, fmt.Errorf("bus: malformed record value: %w", err)
	}
	return envelope, nil
}

// payloadField reads a string field from an envelope payload that
// crossed a transport (map[string]any after JSON or CBOR decoding).
// Missing fields and foreign payload shapes return "".
func payloadField(data any, field string) string {
	payload, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	value, _ := payload[field].(string)
	return value
}
