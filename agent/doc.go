// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the endpoint daemon. On startup it establishes an
// identity — generating or loading its keypair, then enrolling,
// resuming, or reissuing against the center — and then runs two
// delivery loops over one execution engine: the scheduled pull (the
// reliable path, jittered so a fleet spreads its polls) and the
// persistent push session (the fast path, reconnecting with backoff).
// Both loops hand units to the same engine, which deduplicates work
// IDs and serializes execution, so a unit that arrives on both paths
// runs once.
package agent
