// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single place CBOR encoding is configured.
// Work-unit signatures and transport envelopes both sign or hash the
// encoded bytes, so encoding must be deterministic everywhere: this
// package pins Core Deterministic Encoding and every other package
// imports it rather than fxamacker/cbor directly.
package codec
