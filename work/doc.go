// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package work defines the unit of remote execution — a script or
// query proposed for one or more endpoints — and the machinery around
// it: issuing-authority signatures, the authority revocation list, the
// center's scope-partitioned pending queue, the append-only history
// store, and the agent-side seen-set that makes at-least-once delivery
// idempotent.
//
// A Unit is immutable after creation. Corrections are a new Unit with
// a new ID; the old one simply ages out. Signatures cover the unit's
// deterministic CBOR encoding, so any mutation in flight invalidates
// them.
package work
