// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs validated work units on an endpoint.
//
// Script units run as a child process of the configured interpreter,
// in their own process group so a timeout kill reaches everything the
// script spawned. Query units are delegated to a QueryRunner backed
// by the endpoint's local state database. Either way the unit's
// wall-clock budget is enforced, output is capped at the configured
// limit, and the outcome is packaged as a work.Result: a timeout or a
// non-zero exit status is data in the result, not an execution error.
//
// The engine only accepts validate.Accepted values, executes at most
// one unit at a time, and drops redelivered work IDs, so at-least-once
// delivery never becomes more-than-once execution.
package sandbox
