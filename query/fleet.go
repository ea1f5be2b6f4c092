// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// Executor runs one read-only statement on a device and returns its
// decoded output. The center implements it over the work pipeline, so
// every statement the fleet schema sends passes the same validation
// as operator-submitted queries.
type Executor interface {
	Query(ctx context.Context, device ref.DeviceID, body string) (*Output, error)
}

// FleetSchema caches the table layout of each device's state
// database. Populated lazily by introspection statements dispatched
// through the Executor; entries expire after a TTL and refresh on the
// next read. The cache only feeds autocomplete and drafting — a stale
// entry can produce a draft that fails on the device, never one that
// bypasses validation.
//
// Safe for concurrent use.
type FleetSchema struct {
	exec  Executor
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[ref.DeviceID]*fleetEntry
}

type fleetEntry struct {
	tables    []Table
	fetchedAt time.Time
}

// NewFleetSchema creates a cache over exec with the given per-device
// snapshot TTL.
func NewFleetSchema(exec Executor, ttl time.Duration, cl clock.Clock) *FleetSchema {
	if exec == nil {
		panic("query: NewFleetSchema requires an executor")
	}
	if ttl <= 0 {
		panic("query: NewFleetSchema requires a positive TTL")
	}
	if cl == nil {
		cl = clock.Real()
	}
	return &FleetSchema{
		exec:    exec,
		ttl:     ttl,
		clock:   cl,
		entries: make(map[ref.DeviceID]*fleetEntry),
	}
}

// Tables returns the device's snapshot, refreshing it first if it has
// expired or was never taken. A failed refresh serves the stale
// snapshot when one exists.
func (f *FleetSchema) Tables(ctx context.Context, device ref.DeviceID) ([]Table, error) {
	f.mu.Lock()
	entry := f.entries[device]
	now := f.clock.Now()
	if entry != nil && now.Sub(entry.fetchedAt) < f.ttl {
		tables := entry.tables
		f.mu.Unlock()
		return tables, nil
	}
	f.mu.Unlock()

	// Fetch outside the lock: a slow device must not stall schema
	// reads for the rest of the fleet.
	tables, err := f.fetch(ctx, device)
	if err != nil {
		if entry != nil {
			return entry.tables, nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.entries[device] = &fleetEntry{tables: tables, fetchedAt: now}
	f.mu.Unlock()
	return tables, nil
}

// Invalidate discards the device's snapshot. The next Tables call
// refetches.
func (f *FleetSchema) Invalidate(device ref.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, device)
}

// Device returns a SchemaSource view bound to one device, for
// constructing a Translator.
func (f *FleetSchema) Device(device ref.DeviceID) SchemaSource {
	return deviceSource{fleet: f, device: device}
}

type deviceSource struct {
	fleet  *FleetSchema
	device ref.DeviceID
}

func (d deviceSource) Tables(ctx context.Context) ([]Table, error) {
	return d.fleet.Tables(ctx, d.device)
}

func (f *FleetSchema) fetch(ctx context.Context, device ref.DeviceID) ([]Table, error) {
	names, err := f.exec.Query(ctx, device, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query: listing tables on %s: %w", device, err)
	}

	tables := make([]Table, 0, len(names.Rows))
	for _, row := range names.Rows {
		name, ok := row["name"].(string)
		if !ok {
			return nil, fmt.Errorf("query: device %s returned a non-string table name", device)
		}
		columns, err := f.exec.Query(ctx, device,
			fmt.Sprintf("PRAGMA table_info(%s)", quoteName(name)))
		if err != nil {
			return nil, fmt.Errorf("query: reading columns of %s on %s: %w", name, device, err)
		}
		table := Table{Name: name}
		for _, columnRow := range columns.Rows {
			if column, ok := columnRow["name"].(string); ok {
				table.Columns = append(table.Columns, column)
			}
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// quoteName renders a table name as a single-quoted literal for a
// pragma argument.
func quoteName(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
