// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// standard pragmas. The identity store and the work history store both
// open their databases through it so WAL mode and busy timeouts are
// consistent everywhere.
package sqlitepool
