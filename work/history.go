// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package work

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/lib/sqlitepool"
)

// ErrNoResult is returned by result lookups when no result has been
// recorded for the (workID, deviceID) pair.
var ErrNoResult = errors.New("work: no result recorded")

// History is the center's append-only record of distributed units and
// their results. Units are recorded at validation time; results as
// they arrive from agents. Nothing is ever updated in place — a
// redelivered result for an existing (workID, deviceID) pair is
// dropped, preserving the first record.
//
// Captured output is stored zstd-compressed. It is size-capped at the
// engine already, but history is long-lived and script output
// compresses well.
type History struct {
	pool    *sqlitepool.Pool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

const historySchema = `
CREATE TABLE IF NOT EXISTS units (
	work_id          TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	body             TEXT NOT NULL,
	body_digest      TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	group_id         TEXT,
	device_id        TEXT,
	max_exec_seconds INTEGER NOT NULL,
	authority_id     TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS units_tenant ON units (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS results (
	work_id      TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	exit_status  INTEGER NOT NULL,
	timed_out    INTEGER NOT NULL,
	stdout       BLOB,
	stderr       BLOB,
	truncated    INTEGER NOT NULL,
	PRIMARY KEY (work_id, device_id)
);
CREATE INDEX IF NOT EXISTS results_device ON results (device_id, completed_at);
`

// OpenHistory opens (creating if necessary) the history database at
// path. The caller must Close it when done.
func OpenHistory(path string, logger *slog.Logger) (*History, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, historySchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("work: opening history: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("work: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("work: zstd decoder: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &History{pool: pool, encoder: encoder, decoder: decoder, logger: logger}, nil
}

// Close releases the pool and codec resources.
func (h *History) Close() error {
	h.encoder.Close()
	h.decoder.Close()
	return h.pool.Close()
}

// RecordUnit appends a validated unit to history.
func (h *History) RecordUnit(ctx context.Context, unit *Unit) error {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.pool.Put(conn)

	digest := unit.BodyDigest()
	var groupID, deviceID any
	if !unit.Scope.GroupID.IsZero() {
		groupID = unit.Scope.GroupID.String()
	}
	if !unit.Scope.DeviceID.IsZero() {
		deviceID = unit.Scope.DeviceID.String()
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO units (work_id, kind, body, body_digest, tenant_id, group_id, device_id, max_exec_seconds, authority_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			unit.WorkID.String(), string(unit.Kind), unit.Body, hex.EncodeToString(digest[:]),
			unit.Scope.TenantID.String(), groupID, deviceID,
			unit.MaxExecSeconds, unit.AuthorityID, unit.CreatedAt,
		}})
	if err != nil {
		return fmt.Errorf("work: recording unit: %w", err)
	}
	return nil
}

// RecordResult appends a result. Duplicate (workID, deviceID) pairs
// are ignored: at-least-once delivery means the same result can
// arrive twice, and the first record wins.
func (h *History) RecordResult(ctx context.Context, result *Result) error {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO results (work_id, device_id, started_at, completed_at, exit_status, timed_out, stdout, stderr, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			result.WorkID.String(), result.DeviceID.String(),
			result.StartedAt, result.CompletedAt,
			result.ExitStatus, boolInt(result.TimedOut),
			h.encoder.EncodeAll(result.Stdout, nil),
			h.encoder.EncodeAll(result.Stderr, nil),
			boolInt(result.Truncated),
		}})
	if err != nil {
		return fmt.Errorf("work: recording result: %w", err)
	}
	return nil
}

// Result fetches one result by (workID, deviceID). Returns
// ErrNoResult when absent.
func (h *History) Result(ctx context.Context, workID ref.WorkID, device ref.DeviceID) (*Result, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer h.pool.Put(conn)

	var result *Result
	err = sqlitex.Execute(conn, `
		SELECT work_id, device_id, started_at, completed_at, exit_status, timed_out, stdout, stderr, truncated
		FROM results WHERE work_id = ? AND device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workID.String(), device.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := h.readResult(stmt)
				if err != nil {
					return err
				}
				result = parsed
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("work: loading result: %w", err)
	}
	if result == nil {
		return nil, ErrNoResult
	}
	return result, nil
}

// ResultsForDevice lists a device's results, newest first, capped at
// limit (0 means no cap).
func (h *History) ResultsForDevice(ctx context.Context, device ref.DeviceID, limit int) ([]*Result, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer h.pool.Put(conn)

	query := `SELECT work_id, device_id, started_at, completed_at, exit_status, timed_out, stdout, stderr, truncated
		FROM results WHERE device_id = ? ORDER BY completed_at DESC`
	args := []any{device.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var results []*Result
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			parsed, err := h.readResult(stmt)
			if err != nil {
				return err
			}
			results = append(results, parsed)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("work: listing results: %w", err)
	}
	return results, nil
}

// UnitsForDevice lists the units recorded against a device's tenant
// whose scope covers the device, newest first, capped at limit.
func (h *History) UnitsForDevice(ctx context.Context, tenant ref.TenantID, group ref.GroupID, device ref.DeviceID, limit int) ([]*Unit, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer h.pool.Put(conn)

	query := `SELECT work_id, kind, body, tenant_id, group_id, device_id, max_exec_seconds, authority_id, created_at
		FROM units WHERE tenant_id = ? ORDER BY created_at DESC`
	args := []any{tenant.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var units []*Unit
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			unit, err := readUnit(stmt)
			if err != nil {
				return err
			}
			if unit.Scope.Matches(tenant, group, device) {
				units = append(units, unit)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("work: listing units: %w", err)
	}
	return units, nil
}

func (h *History) readResult(stmt *sqlite.Stmt) (*Result, error) {
	workID, err := ref.ParseWorkID(stmt.ColumnText(0))
	if err != nil {
		return nil, err
	}
	device, err := ref.ParseDeviceID(stmt.ColumnText(1))
	if err != nil {
		return nil, err
	}

	stdout, err := h.decompressColumn(stmt, 6)
	if err != nil {
		return nil, err
	}
	stderr, err := h.decompressColumn(stmt, 7)
	if err != nil {
		return nil, err
	}

	return &Result{
		WorkID:      workID,
		DeviceID:    device,
		StartedAt:   stmt.ColumnInt64(2),
		CompletedAt: stmt.ColumnInt64(3),
		ExitStatus:  int(stmt.ColumnInt64(4)),
		TimedOut:    stmt.ColumnInt64(5) != 0,
		Stdout:      stdout,
		Stderr:      stderr,
		Truncated:   stmt.ColumnInt64(8) != 0,
	}, nil
}

func (h *History) decompressColumn(stmt *sqlite.Stmt, col int) ([]byte, error) {
	compressed := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, compressed)
	if len(compressed) == 0 {
		return nil, nil
	}
	data, err := h.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("work: decompressing output: %w", err)
	}
	return data, nil
}

func readUnit(stmt *sqlite.Stmt) (*Unit, error) {
	workID, err := ref.ParseWorkID(stmt.ColumnText(0))
	if err != nil {
		return nil, err
	}
	tenant, err := ref.ParseTenantID(stmt.ColumnText(3))
	if err != nil {
		return nil, err
	}

	scope := Scope{TenantID: tenant}
	if raw := stmt.ColumnText(4); raw != "" {
		group, err := ref.ParseGroupID(raw)
		if err != nil {
			return nil, err
		}
		scope.GroupID = group
	}
	if raw := stmt.ColumnText(5); raw != "" {
		device, err := ref.ParseDeviceID(raw)
		if err != nil {
			return nil, err
		}
		scope.DeviceID = device
	}

	return &Unit{
		WorkID:         workID,
		Kind:           Kind(stmt.ColumnText(1)),
		Body:           stmt.ColumnText(2),
		Scope:          scope,
		MaxExecSeconds: int(stmt.ColumnInt64(6)),
		AuthorityID:    stmt.ColumnText(7),
		CreatedAt:      stmt.ColumnInt64(8),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
