// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package query is the ad-hoc inspection layer over an endpoint's
// local state database.
//
// Runner executes read-only statements with an inline row cap.
// SchemaCache keeps a TTL-bounded snapshot of the database's tables
// and columns so drafting does not hammer the database. Translator
// turns an operator's plain-language request into a draft statement;
// the draft is a proposal and nothing more — every statement, drafted
// or hand-written, passes the same read-only validation before it can
// run. Session holds one operator interaction and enforces that
// ordering: a statement reaches Execute only through Validate, and a
// rejection sends the session back for another draft.
package query
