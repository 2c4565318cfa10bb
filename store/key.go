// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix is the namespace shared by every sync record. A prefix scan
// over the store with this value yields exactly the sync records,
// leaving room for unrelated data in the same database.
const Prefix = "pixelcommons_sync"

// Key identifies one durable sync record. The string form is
// "pixelcommons_sync_{type}_{source}_{timestampMs}", which makes the
// message type, publishing instance, and publish time recoverable
// without reading the value.
//
// Type and Source must not contain underscores; the key format has no
// escaping. Topics are single words ("character", "hosts") and
// instance IDs are "instance-<uuid>", so this never bites in practice,
// but NewKey rejects violations rather than producing an unparseable
// key.
type Key struct {
	// Type is the envelope's topic.
	Type string

	// Source is the publishing instance's identity.
	Source string

	// Timestamp is the envelope's publish time in Unix milliseconds.
	Timestamp int64
}

// NewKey builds a Key, validating that the type and source survive the
// underscore-delimited format.
func NewKey(msgType, source string, timestampMs int64) (Key, error) {
	if msgType == "" || strings.Contains(msgType, "_") {
		return Key{}, fmt.Errorf("store: invalid record type %q", msgType)
	}
	if source == "" || strings.Contains(source, "_") {
		return Key{}, fmt.Errorf("store: invalid record source %q", source)
	}
	return Key{Type: msgType, Source: source, Timestamp: timestampMs}, nil
}

// String renders the key in its storage form.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s_%d", Prefix, k.Type, k.Source, k.Timestamp)
}

// ParseKey parses a storage-form key. Keys outside the sync namespace
// or with a malformed structure return an error.
func ParseKey(raw string) (Key, error) {
	rest, ok := strings.CutPrefix(raw, Prefix+"_")
	if !ok {
		return Key{}, fmt.Errorf("store: key %q outside sync namespace", raw)
	}

	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("store: malformed key %q", raw)
	}

	timestamp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("store: key %q has invalid timestamp: %w", raw, err)
	}
	if parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("store: malformed key %q", raw)
	}

	return Key{Type: parts[0], Source: parts[1], Timestamp: timestamp}, nil
}
