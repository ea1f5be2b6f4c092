// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package work

import (
	"sync"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// Queue is the center's pending-work queue. It is partitioned by
// tenant: each tenant's units live behind their own lock, so delivery
// for one tenant never contends with another and nothing is even
// addressable across the partition boundary.
//
// Delivery is at-least-once: a unit stays pending for a device until
// a result for (workID, deviceID) is acknowledged, so an agent that
// crashes mid-execution sees the unit again on its next pull.
type Queue struct {
	mu      sync.RWMutex
	tenants map[ref.TenantID]*tenantQueue
}

type tenantQueue struct {
	mu    sync.Mutex
	units []*Unit
	// done records (workID, deviceID) pairs that have produced a
	// result, so the unit is not redelivered to that device.
	done map[doneKey]struct{}
}

type doneKey struct {
	work   ref.WorkID
	device ref.DeviceID
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{tenants: make(map[ref.TenantID]*tenantQueue)}
}

func (q *Queue) tenant(id ref.TenantID) *tenantQueue {
	q.mu.RLock()
	tq := q.tenants[id]
	q.mu.RUnlock()
	if tq != nil {
		return tq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if tq = q.tenants[id]; tq == nil {
		tq = &tenantQueue{done: make(map[doneKey]struct{})}
		q.tenants[id] = tq
	}
	return tq
}

// Push adds a validated unit to its tenant's partition. The caller
// must only push units that have passed the Validator — the queue
// does not re-check.
func (q *Queue) Push(unit *Unit) {
	tq := q.tenant(unit.Scope.TenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.units = append(tq.units, unit)
}

// PendingFor returns the units a device should receive: in scope for
// its tenant/group/ID and not yet acknowledged by it. Units are
// returned oldest first.
func (q *Queue) PendingFor(tenant ref.TenantID, group ref.GroupID, device ref.DeviceID) []*Unit {
	tq := q.tenant(tenant)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	var pending []*Unit
	for _, unit := range tq.units {
		if !unit.Scope.Matches(tenant, group, device) {
			continue
		}
		if _, acked := tq.done[doneKey{unit.WorkID, device}]; acked {
			continue
		}
		pending = append(pending, unit)
	}
	return pending
}

// Ack records that a device has produced a result for a unit. The
// unit is no longer delivered to that device. Device-scoped units
// with no other audience are dropped from the partition entirely.
func (q *Queue) Ack(tenant ref.TenantID, workID ref.WorkID, device ref.DeviceID) {
	tq := q.tenant(tenant)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	tq.done[doneKey{workID, device}] = struct{}{}

	remaining := tq.units[:0]
	for _, unit := range tq.units {
		if unit.WorkID == workID && unit.Scope.DeviceID == device && !unit.Scope.DeviceID.IsZero() {
			continue
		}
		remaining = append(remaining, unit)
	}
	tq.units = remaining
}

// DropDevice removes device-scoped units for a decommissioned device
// and forgets its acknowledgements. Group- and tenant-scoped units
// remain for the rest of their audience.
func (q *Queue) DropDevice(tenant ref.TenantID, device ref.DeviceID) {
	tq := q.tenant(tenant)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	remaining := tq.units[:0]
	for _, unit := range tq.units {
		if unit.Scope.DeviceID == device && !unit.Scope.DeviceID.IsZero() {
			continue
		}
		remaining = append(remaining, unit)
	}
	tq.units = remaining

	for key := range tq.done {
		if key.device == device {
			delete(tq.done, key)
		}
	}
}
