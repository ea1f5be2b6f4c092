// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package center is the fleet-facing service: it enrolls devices,
// admits and signs work, queues it per tenant, serves the pull
// protocol, feeds the push broker, records result history, and tracks
// device liveness from pull cadence.
//
// The center is the only place units are signed, and everything it
// signs has already passed validation, so an endpoint that verifies
// the signature and an operator who reads the history are looking at
// the same vetted unit.
package center
