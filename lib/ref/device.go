// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// DeviceID is the durable identifier issued to an endpoint at
// enrollment. Device IDs are UUIDs minted by the center; the endpoint
// never chooses its own. The type exists to prevent confusion with
// other string values (candidate IDs, tenant tokens, work IDs) at
// compile time.
type DeviceID struct {
	id string
}

// NewDeviceID mints a fresh device ID.
func NewDeviceID() DeviceID {
	return DeviceID{id: uuid.NewString()}
}

// ParseDeviceID validates a raw string as a device ID.
func ParseDeviceID(raw string) (DeviceID, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device ID %q: %w", raw, err)
	}
	return DeviceID{id: parsed.String()}, nil
}

// String returns the canonical UUID string.
func (d DeviceID) String() string { return d.id }

// IsZero reports whether the device ID is the invalid zero value.
func (d DeviceID) IsZero() bool { return d.id == "" }

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text so unset fields survive encoding.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text
// decodes to the zero value.
func (d *DeviceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DeviceID{}
		return nil
	}
	parsed, err := ParseDeviceID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal DeviceID: %w", err)
	}
	*d = parsed
	return nil
}
