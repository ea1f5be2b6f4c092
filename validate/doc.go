// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package validate is the single gate between a proposed WorkUnit and
// execution. Every other component treats an unvalidated unit as
// untrusted: the transport refuses to deliver one, the execution
// engine refuses to run one, even if handed the unit directly.
//
// Script units are checked against the issuing-authority keyring
// (signature plus revocation list), the administrative execution
// ceiling, and a configurable deny-list of interpreters and paths.
//
// Query units are parsed against a positive grammar: a single
// read-only statement — one SELECT, optional common table
// expressions, or one of a short allow-list of introspection pragmas.
// Anything that does not parse into that closed set is rejected. The
// grammar is an allow-list by construction; there is no substring
// matching to bypass.
//
// Rejection never reaches execution but is always visible to the
// caller as a RejectionError carrying the specific reason.
package validate
