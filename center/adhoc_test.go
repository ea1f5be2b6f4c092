// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/sqlitepool"
	"github.com/halcyon-fleet/halcyon/query"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// devicePool opens a state database seeded with fleet-ish tables.
func devicePool(t *testing.T) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "state.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening state pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("taking connection: %v", err)
	}
	defer pool.Put(conn)
	script := `
		CREATE TABLE sensors (id INTEGER PRIMARY KEY, label TEXT, reading REAL);
		INSERT INTO sensors VALUES (1, 'intake', 21.5), (2, 'exhaust', 40.0), (3, 'ambient', 19.0);
		CREATE TABLE alerts (id INTEGER PRIMARY KEY, sensor_id INTEGER, level TEXT);
		INSERT INTO alerts VALUES (1, 2, 'warning');
	`
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		t.Fatalf("seeding state database: %v", err)
	}
	return pool
}

// serveDevice emulates an agent: it polls the center and executes
// query units against the local pool, uploading results on the next
// poll. Returns a counter of units executed.
func serveDevice(t *testing.T, f *fixture, ident *identity.DeviceIdentity, pool *sqlitepool.Pool) *atomic.Int64 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner := query.NewRunner(pool, 100)
	executed := &atomic.Int64{}

	go func() {
		var pending []work.Result
		for ctx.Err() == nil {
			response, err := f.center.HandlePull(ctx, transport.PullRequest{
				DeviceID: ident.DeviceID,
				Results:  pending,
			})
			if err != nil || response.Decommissioned {
				return
			}
			pending = nil
			for _, unit := range response.Units {
				executed.Add(1)
				result := work.Result{
					WorkID:   unit.WorkID,
					DeviceID: ident.DeviceID,
				}
				output, err := runner.Run(ctx, unit.Body)
				if err != nil {
					result.ExitStatus = 1
					result.Stderr = []byte(err.Error())
				} else {
					result.Stdout = output
				}
				pending = append(pending, result)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return executed
}

func TestAdHocQueryRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-q1")
	serveDevice(t, f, ident, devicePool(t))

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	output, err := f.center.Query(queryCtx, ident.DeviceID, "SELECT label FROM sensors ORDER BY id")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(output.Rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(output.Rows))
	}
	if output.Rows[0]["label"] != "intake" {
		t.Fatalf("first row = %v", output.Rows[0])
	}
}

func TestAdHocQueryRejectedBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-q2")

	// No device loop: a rejected statement must fail synchronously,
	// never reaching any device.
	_, err := f.center.Query(ctx, ident.DeviceID, "DELETE FROM sensors")
	var rejection *validate.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("Query returned %v, want RejectionError", err)
	}
}

func TestDeviceSchemaCachesUntilTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-q3")
	executed := serveDevice(t, f, ident, devicePool(t))

	schemaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tables, err := f.center.DeviceSchema(schemaCtx, ident.DeviceID)
	if err != nil {
		t.Fatalf("DeviceSchema: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(tables))
	}
	if tables[0].Name != "alerts" || tables[1].Name != "sensors" {
		t.Fatalf("tables = %v", tables)
	}
	if len(tables[1].Columns) != 3 {
		t.Fatalf("sensors columns = %v", tables[1].Columns)
	}

	// Inside the TTL the snapshot serves reads without touching the
	// device.
	before := executed.Load()
	if _, err := f.center.DeviceSchema(schemaCtx, ident.DeviceID); err != nil {
		t.Fatalf("cached DeviceSchema: %v", err)
	}
	if executed.Load() != before {
		t.Fatal("cached schema read dispatched units")
	}

	// Past the TTL the next read refetches.
	f.clock.Advance(6 * time.Minute)
	if _, err := f.center.DeviceSchema(schemaCtx, ident.DeviceID); err != nil {
		t.Fatalf("refreshed DeviceSchema: %v", err)
	}
	if executed.Load() == before {
		t.Fatal("expired schema read did not dispatch units")
	}
}

func TestQuerySessionAgainstDevice(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ident := f.enrollDevice(t, "candidate-q4")
	serveDevice(t, f, ident, devicePool(t))

	session, err := f.center.NewQuerySession(ctx, ident.DeviceID)
	if err != nil {
		t.Fatalf("NewQuerySession: %v", err)
	}

	statement, err := session.Propose(ctx, "count sensors")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if statement == "" {
		t.Fatal("Propose returned an empty draft")
	}
	if err := session.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	output, err := session.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(output.Rows) != 1 {
		t.Fatalf("count returned %d rows", len(output.Rows))
	}

	// An operator edit that turns the draft mutating is rejected and
	// can never execute.
	if _, err := session.Propose(ctx, "count alerts"); err != nil {
		t.Fatalf("second Propose: %v", err)
	}
	if err := session.Revise("DELETE FROM alerts"); err != nil {
		t.Fatalf("Revise: %v", err)
	}
	var rejection *validate.RejectionError
	if err := session.Validate(); !errors.As(err, &rejection) {
		t.Fatalf("Validate returned %v, want RejectionError", err)
	}
	if _, err := session.Execute(ctx); err == nil {
		t.Fatal("rejected statement executed")
	}
}
