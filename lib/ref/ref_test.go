// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseTenantID(t *testing.T) {
	valid := []string{"acme", "acme-corp", "t1", "a"}
	for _, raw := range valid {
		if _, err := ParseTenantID(raw); err != nil {
			t.Errorf("ParseTenantID(%q): unexpected error: %v", raw, err)
		}
	}

	invalid := []string{
		"",
		"Acme",          // uppercase
		"1acme",         // leading digit
		"-acme",         // leading hyphen
		"acme.corp",     // dot collides with subject delimiter
		"acme corp",     // space
		"acme_corp",     // underscore
		string(make([]byte, 65)),
	}
	for _, raw := range invalid {
		if _, err := ParseTenantID(raw); err == nil {
			t.Errorf("ParseTenantID(%q): expected error, got none", raw)
		}
	}
}

func TestDeviceIDRoundTrip(t *testing.T) {
	id := NewDeviceID()
	if id.IsZero() {
		t.Fatal("NewDeviceID returned zero value")
	}

	parsed, err := ParseDeviceID(id.String())
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip: got %v, want %v", parsed, id)
	}

	if _, err := ParseDeviceID("not-a-uuid"); err == nil {
		t.Error("ParseDeviceID accepted garbage")
	}
}

func TestZeroValueTextRoundTrip(t *testing.T) {
	for _, text := range []interface {
		MarshalText() ([]byte, error)
	}{TenantID{}, GroupID{}, DeviceID{}, WorkID{}} {
		data, err := text.MarshalText()
		if err != nil {
			t.Errorf("%T zero value MarshalText: %v", text, err)
		}
		if len(data) != 0 {
			t.Errorf("%T zero value marshalled to %q, want empty", text, data)
		}
	}

	var group GroupID
	if err := group.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(empty): %v", err)
	}
	if !group.IsZero() {
		t.Errorf("empty text decoded to %q, want zero value", group)
	}

	var device DeviceID
	if err := device.UnmarshalText([]byte("not-a-uuid")); err == nil {
		t.Error("UnmarshalText accepted garbage")
	}
}

func TestJSONValidatesAtBoundary(t *testing.T) {
	var target struct {
		Tenant TenantID `json:"tenant"`
	}
	if err := json.Unmarshal([]byte(`{"tenant":"acme-corp"}`), &target); err != nil {
		t.Fatalf("unmarshal valid tenant: %v", err)
	}
	if target.Tenant.String() != "acme-corp" {
		t.Errorf("tenant = %q, want acme-corp", target.Tenant)
	}

	if err := json.Unmarshal([]byte(`{"tenant":"NOT VALID"}`), &target); err == nil {
		t.Error("unmarshal accepted invalid tenant ID")
	}
}
