// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	key, err := NewKey("character", "instance-ab12cd", 1767225600123)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	raw := key.String()
	want := "pixelcommons_sync_character_instance-ab12cd_1767225600123"
	if raw != want {
		t.Fatalf("String() = %q, want %q", raw, want)
	}

	parsed, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != key {
		t.Fatalf("ParseKey = %+v, want %+v", parsed, key)
	}
}

func TestNewKeyRejectsUnderscores(t *testing.T) {
	if _, err := NewKey("request_users", "instance-1", 1); err == nil {
		t.Error("NewKey accepted underscore in type")
	}
	if _, err := NewKey("system", "bad_source", 1); err == nil {
		t.Error("NewKey accepted underscore in source")
	}
	if _, err := NewKey("", "instance-1", 1); err == nil {
		t.Error("NewKey accepted empty type")
	}
}

func TestParseKeyRejectsForeignKeys(t *testing.T) {
	cases := []string{
		"pixel_commons_user",              // unrelated app key
		"pixelcommons_sync_character",     // missing segments
		"pixelcommons_sync_a_b_notanum",   // bad timestamp
		"pixelcommons_sync__instance-1_5", // empty type
		"",
	}
	for _, raw := range cases {
		if _, err := ParseKey(raw); err == nil {
			t.Errorf("ParseKey(%q) succeeded", raw)
		}
	}
}
