// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier types for the entities the
// platform routes on: tenants, device groups, devices, and work units.
//
// Every type is an opaque wrapper around a validated string. The zero
// value is invalid and detectable with IsZero; construction goes
// through a Parse function or a New helper that generates a fresh
// identifier. All types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler so they validate automatically at JSON,
// YAML, and CBOR boundaries; zero values round-trip as empty text, so
// optional fields (an unset group or device in a scope) encode
// without error.
//
// Distinct types exist for compile-time safety: a DeviceID cannot be
// passed where a TenantID is expected, which matters most in the
// transport layer where subject construction is the tenant-isolation
// boundary.
package ref
