// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"action": "joined",
		"user":   map[string]any{"id": "u1", "name": "ada"},
		"time":   int64(1767225600000),
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same value produced different encodings")
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	encoded, err := Marshal(map[string]any{"x": 400, "y": 300})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if _, ok := m["x"]; !ok {
		t.Fatal("key x missing after round trip")
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type frameV2 struct {
		Kind  string `cbor:"kind"`
		Extra string `cbor:"extra"`
	}
	type frameV1 struct {
		Kind string `cbor:"kind"`
	}

	encoded, err := Marshal(frameV2{Kind: "envelope", Extra: "future"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var old frameV1
	if err := Unmarshal(encoded, &old); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if old.Kind != "envelope" {
		t.Fatalf("Kind = %q", old.Kind)
	}
}
