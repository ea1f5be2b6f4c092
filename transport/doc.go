// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves envelopes between the center and its
// endpoints over two complementary paths: a scheduled pull (the agent
// polls on a jittered interval, so a fleet never stampedes the
// center) and a persistent push subscription for low-latency
// delivery.
//
// Every envelope travels on a subject of the form
//
//	tenant.<tenantId>.device.<deviceId>.<messageType>
//
// and the broker authorizes subscriptions against the subscriber's
// tenant before any message flows, so tenant isolation is structural:
// a mis-addressed publish cannot reach another tenant's devices
// because no cross-tenant subscription can exist.
package transport
