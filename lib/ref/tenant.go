// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// TenantID identifies a managed-service-provider tenant. Tenant IDs
// are lowercase slugs chosen at tenant creation (e.g., "acme-corp").
// They appear verbatim in transport subjects, so the character set is
// restricted to names that cannot collide with subject delimiters.
type TenantID struct {
	id string
}

// ParseTenantID validates a raw string as a tenant ID. Valid tenant
// IDs are 1-64 characters of lowercase letters, digits, and hyphens,
// starting with a letter.
func ParseTenantID(raw string) (TenantID, error) {
	if err := validateSlug(raw, "tenant ID"); err != nil {
		return TenantID{}, err
	}
	return TenantID{id: raw}, nil
}

// String returns the raw tenant ID.
func (t TenantID) String() string { return t.id }

// IsZero reports whether the tenant ID is the invalid zero value.
func (t TenantID) IsZero() bool { return t.id == "" }

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text so unset fields survive encoding.
func (t TenantID) MarshalText() ([]byte, error) {
	return []byte(t.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text
// decodes to the zero value.
func (t *TenantID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = TenantID{}
		return nil
	}
	parsed, err := ParseTenantID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal TenantID: %w", err)
	}
	*t = parsed
	return nil
}

// GroupID identifies a device group within a tenant. Groups partition
// a tenant's fleet for targeting (e.g., "workstations", "dc-east").
// The same slug rules as TenantID apply.
type GroupID struct {
	id string
}

// ParseGroupID validates a raw string as a group ID.
func ParseGroupID(raw string) (GroupID, error) {
	if err := validateSlug(raw, "group ID"); err != nil {
		return GroupID{}, err
	}
	return GroupID{id: raw}, nil
}

// String returns the raw group ID.
func (g GroupID) String() string { return g.id }

// IsZero reports whether the group ID is the invalid zero value.
func (g GroupID) IsZero() bool { return g.id == "" }

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text so unset fields survive encoding.
func (g GroupID) MarshalText() ([]byte, error) {
	return []byte(g.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text
// decodes to the zero value.
func (g *GroupID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*g = GroupID{}
		return nil
	}
	parsed, err := ParseGroupID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal GroupID: %w", err)
	}
	*g = parsed
	return nil
}

// validateSlug enforces the shared slug grammar for tenant and group
// IDs: 1-64 characters, lowercase letters, digits, and hyphens, first
// character a letter. Dots are excluded because subjects use them as
// segment delimiters.
func validateSlug(raw, what string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty", what)
	}
	if len(raw) > 64 {
		return fmt.Errorf("%s is %d characters, max 64", what, len(raw))
	}
	if raw[0] < 'a' || raw[0] > 'z' {
		return fmt.Errorf("%s %q must start with a lowercase letter", what, raw)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return fmt.Errorf("%s %q contains invalid character %q", what, raw, c)
		}
	}
	return nil
}
