// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

func TestDeterministicEncoding(t *testing.T) {
	// Map iteration order is random in Go; deterministic encoding
	// must still produce identical bytes across encodings.
	value := map[string]int{"zulu": 1, "alpha": 2, "mike": 3, "echo": 4}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestRefTypesRoundTrip(t *testing.T) {
	type payload struct {
		Tenant ref.TenantID `cbor:"1,keyasint"`
		Device ref.DeviceID `cbor:"2,keyasint"`
	}

	tenant, err := ref.ParseTenantID("acme-corp")
	if err != nil {
		t.Fatalf("ParseTenantID: %v", err)
	}
	original := payload{Tenant: tenant, Device: ref.NewDeviceID()}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded payload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Tenant != original.Tenant {
		t.Errorf("Tenant = %v, want %v", decoded.Tenant, original.Tenant)
	}
	if decoded.Device != original.Device {
		t.Errorf("Device = %v, want %v", decoded.Device, original.Device)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	type v2 struct {
		A int `cbor:"1,keyasint"`
		B int `cbor:"2,keyasint"`
	}
	type v1 struct {
		A int `cbor:"1,keyasint"`
	}

	data, err := Marshal(v2{A: 7, B: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var old v1
	if err := Unmarshal(data, &old); err != nil {
		t.Fatalf("Unmarshal into older struct: %v", err)
	}
	if old.A != 7 {
		t.Errorf("A = %d, want 7", old.A)
	}
}
