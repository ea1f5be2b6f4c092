// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides server lifecycle plumbing shared by the
// center: TCP listener management with a readiness channel and
// graceful drain on shutdown.
package service
