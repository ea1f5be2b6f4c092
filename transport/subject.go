// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"strings"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// MessageType names the payload an envelope carries.
type MessageType string

const (
	// MessageWork carries a signed work unit toward a device.
	MessageWork MessageType = "work"

	// MessageResult carries an execution result toward the center.
	MessageResult MessageType = "result"

	// MessageControl carries an administrative notice toward a device
	// (decommission, key rotation).
	MessageControl MessageType = "control"
)

// Valid reports whether m is a known message type.
func (m MessageType) Valid() bool {
	switch m {
	case MessageWork, MessageResult, MessageControl:
		return true
	}
	return false
}

// Subject addresses one device within one tenant for one message
// type. The string form is tenant.<tenantId>.device.<deviceId>.<type>;
// tenant and device identifiers cannot contain dots, so the form
// parses unambiguously.
type Subject struct {
	TenantID    ref.TenantID
	DeviceID    ref.DeviceID
	MessageType MessageType
}

// NewSubject builds a subject. All three parts are required.
func NewSubject(tenant ref.TenantID, device ref.DeviceID, messageType MessageType) (Subject, error) {
	if tenant.IsZero() {
		return Subject{}, fmt.Errorf("transport: subject requires a tenant")
	}
	if device.IsZero() {
		return Subject{}, fmt.Errorf("transport: subject requires a device")
	}
	if !messageType.Valid() {
		return Subject{}, fmt.Errorf("transport: unknown message type %q", messageType)
	}
	return Subject{TenantID: tenant, DeviceID: device, MessageType: messageType}, nil
}

// String renders the wire form.
func (s Subject) String() string {
	return "tenant." + s.TenantID.String() + ".device." + s.DeviceID.String() + "." + string(s.MessageType)
}

// ParseSubject parses the wire form back into its parts.
func ParseSubject(raw string) (Subject, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" {
		return Subject{}, fmt.Errorf("transport: malformed subject %q", raw)
	}
	tenant, err := ref.ParseTenantID(parts[1])
	if err != nil {
		return Subject{}, fmt.Errorf("transport: subject %q: %w", raw, err)
	}
	device, err := ref.ParseDeviceID(parts[3])
	if err != nil {
		return Subject{}, fmt.Errorf("transport: subject %q: %w", raw, err)
	}
	messageType := MessageType(parts[4])
	if !messageType.Valid() {
		return Subject{}, fmt.Errorf("transport: subject %q: unknown message type %q", raw, parts[4])
	}
	return Subject{TenantID: tenant, DeviceID: device, MessageType: messageType}, nil
}
