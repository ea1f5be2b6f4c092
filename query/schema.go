// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/sqlitepool"
)

// Table describes one table or view in the state database.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// SchemaSource yields the table layout drafting and autocomplete work
// against. Implemented by SchemaCache for a local database and by
// FleetSchema's per-device view for remote ones.
type SchemaSource interface {
	Tables(ctx context.Context) ([]Table, error)
}

// SchemaCache serves the database's table layout from a snapshot that
// expires after a TTL. Drafting consults the schema on every
// keystroke-ish interaction; the cache keeps that off the database.
// An expired snapshot is refreshed on the next read; Invalidate
// forces the refresh earlier when the caller knows the schema moved.
//
// Safe for concurrent use.
type SchemaCache struct {
	pool  *sqlitepool.Pool
	ttl   time.Duration
	clock clock.Clock

	mu        sync.Mutex
	tables    []Table
	fetchedAt time.Time
}

// NewSchemaCache creates a cache over pool with the given snapshot
// TTL.
func NewSchemaCache(pool *sqlitepool.Pool, ttl time.Duration, cl clock.Clock) *SchemaCache {
	if pool == nil {
		panic("query: NewSchemaCache requires a pool")
	}
	if ttl <= 0 {
		panic("query: NewSchemaCache requires a positive TTL")
	}
	if cl == nil {
		cl = clock.Real()
	}
	return &SchemaCache{pool: pool, ttl: ttl, clock: cl}
}

// Tables returns the current snapshot, refreshing it first if it has
// expired or was never taken.
func (c *SchemaCache) Tables(ctx context.Context) ([]Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.tables == nil || now.Sub(c.fetchedAt) >= c.ttl {
		tables, err := c.fetch(ctx)
		if err != nil {
			// Serve the stale snapshot if one exists; drafting against
			// slightly old schema beats not drafting at all.
			if c.tables != nil {
				return c.tables, nil
			}
			return nil, err
		}
		c.tables = tables
		c.fetchedAt = now
	}
	return c.tables, nil
}

// Invalidate discards the snapshot. The next Tables call refetches.
func (c *SchemaCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = nil
	c.fetchedAt = time.Time{}
}

func (c *SchemaCache) fetch(ctx context.Context) ([]Table, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var names []string
	err = sqlitex.Execute(conn, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names = append(names, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query: listing tables: %w", err)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table := Table{Name: name}
		err = sqlitex.Execute(conn, `SELECT name FROM pragma_table_info(?)`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					table.Columns = append(table.Columns, stmt.ColumnText(0))
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("query: reading columns of %s: %w", name, err)
		}
		tables = append(tables, table)
	}
	return tables, nil
}
