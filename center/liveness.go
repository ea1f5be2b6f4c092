// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"sync"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// Liveness infers device reachability from pull cadence. Every pull
// stamps the device; a device that has missed a configured number of
// consecutive pull intervals is reported unreachable. There is no
// active probe — the pull schedule is the heartbeat.
type Liveness struct {
	interval time.Duration
	misses   int
	clock    clock.Clock

	mu       sync.Mutex
	lastSeen map[ref.DeviceID]time.Time
}

// NewLiveness creates a tracker. A device is unreachable once
// misses*interval has passed since its last pull.
func NewLiveness(interval time.Duration, misses int, cl clock.Clock) *Liveness {
	if interval <= 0 {
		panic("center: NewLiveness requires a positive interval")
	}
	if misses <= 0 {
		panic("center: NewLiveness requires a positive miss count")
	}
	if cl == nil {
		cl = clock.Real()
	}
	return &Liveness{
		interval: interval,
		misses:   misses,
		clock:    cl,
		lastSeen: make(map[ref.DeviceID]time.Time),
	}
}

// MarkSeen stamps a device at now.
func (l *Liveness) MarkSeen(device ref.DeviceID) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[device] = now
}

// Forget drops a decommissioned device.
func (l *Liveness) Forget(device ref.DeviceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSeen, device)
}

// LastSeen returns the device's last pull time and whether it has
// ever pulled.
func (l *Liveness) LastSeen(device ref.DeviceID) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.lastSeen[device]
	return seen, ok
}

// Reachable reports whether the device has pulled within the miss
// window. A device that has never pulled is not reachable.
func (l *Liveness) Reachable(device ref.DeviceID) bool {
	seen, ok := l.LastSeen(device)
	if !ok {
		return false
	}
	deadline := seen.Add(time.Duration(l.misses) * l.interval)
	return l.clock.Now().Before(deadline)
}
