// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for deterministic testing. Production
// code injects Real(); tests inject a Fake and advance it explicitly.
package clock
