// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds shared test helpers: channel operations with
// timeout safety valves and unique-name generation for tests that
// create tenants, devices, or database files.
package testutil
