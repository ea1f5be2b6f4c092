// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements device identity and enrollment.
//
// Each endpoint holds an Ed25519 keypair generated locally at install
// time. Enrollment exchanges the public key for a durable device ID:
// the endpoint presents a short-lived tenant token issued out-of-band,
// and the center persists the DeviceIdentity and mints the ID. The
// identity is immutable once created; repair (resume) and reinstall
// (revoke-and-reissue) are distinct explicit operations, never
// inferred from ambiguous state.
//
// Enrollment tokens are single-use. Only an Argon2id hash of the token
// secret is stored, so a leaked database does not yield usable tokens.
package identity
