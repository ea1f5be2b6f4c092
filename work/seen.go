// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package work

import (
	"sync"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// SeenSet is the agent-side dedup set for at-least-once delivery.
// Marking a work ID the first time returns true; subsequent marks
// within the TTL return false and the engine skips re-execution.
// Entries expire after the TTL so the set stays bounded — by then the
// center has acknowledged the result and stopped redelivering.
//
// Safe for concurrent use by the pull loop and the push session.
type SeenSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock clock.Clock
	seen  map[ref.WorkID]time.Time
}

// NewSeenSet creates a dedup set with the given entry TTL.
func NewSeenSet(ttl time.Duration, cl clock.Clock) *SeenSet {
	if cl == nil {
		cl = clock.Real()
	}
	return &SeenSet{
		ttl:   ttl,
		clock: cl,
		seen:  make(map[ref.WorkID]time.Time),
	}
}

// Mark records a work ID. Returns true if this is the first sighting
// within the TTL window.
func (s *SeenSet) Mark(id ref.WorkID) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(now)

	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = now.Add(s.ttl)
	return true
}

// expireLocked drops entries whose TTL has passed. Callers hold s.mu.
func (s *SeenSet) expireLocked(now time.Time) {
	for id, deadline := range s.seen {
		if now.After(deadline) {
			delete(s.seen, id)
		}
	}
}
