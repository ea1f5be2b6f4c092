// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"math/rand"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/work"
)

// PullRequest is one scheduled poll from an agent. It doubles as the
// liveness signal: the center stamps the device's last-seen time on
// every pull, whether or not work flows.
type PullRequest struct {
	DeviceID ref.DeviceID `cbor:"1,keyasint"`

	// Results are outcomes completed since the last acknowledged
	// upload. Uploading a result acknowledges the unit: the center
	// stops redelivering it.
	Results []work.Result `cbor:"2,keyasint,omitempty"`
}

// PullResponse carries the center's answer to one poll.
type PullResponse struct {
	// Units are the pending, signed units scoped to this device, in
	// submission order.
	Units []work.Unit `cbor:"1,keyasint,omitempty"`

	// Decommissioned tells the agent its identity has been retired:
	// stop polling, delete the local keypair and device ID.
	Decommissioned bool `cbor:"2,keyasint,omitempty"`
}

// PullDelay returns the wait before the next poll: the base interval
// plus a uniform jitter in [0, jitter). The jitter decorrelates a
// fleet that restarted together, so polls spread instead of arriving
// as a thundering herd.
func PullDelay(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(jitter)))
}
