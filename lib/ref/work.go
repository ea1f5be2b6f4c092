// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// WorkID identifies a single WorkUnit. Work IDs are UUIDs minted by
// the issuing authority when the unit is created. The same work ID may
// arrive at a device more than once (delivery is at-least-once); the
// execution engine dedupes on it.
type WorkID struct {
	id string
}

// NewWorkID mints a fresh work ID.
func NewWorkID() WorkID {
	return WorkID{id: uuid.NewString()}
}

// ParseWorkID validates a raw string as a work ID.
func ParseWorkID(raw string) (WorkID, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return WorkID{}, fmt.Errorf("work ID %q: %w", raw, err)
	}
	return WorkID{id: parsed.String()}, nil
}

// String returns the canonical UUID string.
func (w WorkID) String() string { return w.id }

// IsZero reports whether the work ID is the invalid zero value.
func (w WorkID) IsZero() bool { return w.id == "" }

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text so unset fields survive encoding.
func (w WorkID) MarshalText() ([]byte, error) {
	return []byte(w.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text
// decodes to the zero value.
func (w *WorkID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*w = WorkID{}
		return nil
	}
	parsed, err := ParseWorkID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal WorkID: %w", err)
	}
	*w = parsed
	return nil
}
