// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/halcyon-fleet/halcyon/lib/sqlitepool"
	"github.com/halcyon-fleet/halcyon/validate"
)

// errRowCap aborts result iteration once the cap is reached.
var errRowCap = errors.New("query: row cap reached")

// Runner executes read-only statements against a state database and
// returns the rows as a JSON array of objects. Implements the
// execution engine's QueryRunner.
type Runner struct {
	pool *sqlitepool.Pool

	// rowCap bounds the result set. The cap is applied inline during
	// iteration, so an unbounded SELECT costs at most rowCap rows of
	// work, and Output.Truncated reports that it was hit.
	rowCap int
}

// NewRunner wraps a pool. rowCap must be positive.
func NewRunner(pool *sqlitepool.Pool, rowCap int) *Runner {
	if pool == nil {
		panic("query: NewRunner requires a pool")
	}
	if rowCap <= 0 {
		panic("query: NewRunner requires a positive row cap")
	}
	return &Runner{pool: pool, rowCap: rowCap}
}

// Output is a query result set.
type Output struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`

	// Truncated reports the row cap was hit; more rows matched than
	// were returned.
	Truncated bool `json:"truncated,omitempty"`
}

// Run executes body and serializes the result. The statement is
// re-checked against the read-only grammar even though callers
// normally validate first: the database is the last line, and the
// check is cheap.
func (r *Runner) Run(ctx context.Context, body string) ([]byte, error) {
	if err := validate.CheckQuery(body); err != nil {
		return nil, err
	}

	output, err := r.Query(ctx, body)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("query: encoding result: %w", err)
	}
	return encoded, nil
}

// Query executes body and returns the structured result set.
func (r *Runner) Query(ctx context.Context, body string) (*Output, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)

	output := &Output{}
	err = sqlitex.Execute(conn, body, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if output.Columns == nil {
				output.Columns = columnNames(stmt)
			}
			if len(output.Rows) >= r.rowCap {
				output.Truncated = true
				return errRowCap
			}
			output.Rows = append(output.Rows, readRow(stmt, output.Columns))
			return nil
		},
	})
	if err != nil && !errors.Is(err, errRowCap) {
		return nil, fmt.Errorf("query: executing: %w", err)
	}
	return output, nil
}

func columnNames(stmt *sqlite.Stmt) []string {
	names := make([]string, stmt.ColumnCount())
	for i := range names {
		names[i] = stmt.ColumnName(i)
	}
	return names
}

func readRow(stmt *sqlite.Stmt, columns []string) map[string]any {
	row := make(map[string]any, len(columns))
	for i, name := range columns {
		switch stmt.ColumnType(i) {
		case sqlite.TypeInteger:
			row[name] = stmt.ColumnInt64(i)
		case sqlite.TypeFloat:
			row[name] = stmt.ColumnFloat(i)
		case sqlite.TypeText:
			row[name] = stmt.ColumnText(i)
		case sqlite.TypeBlob:
			blob := make([]byte, stmt.ColumnLen(i))
			stmt.ColumnBytes(i, blob)
			row[name] = blob
		default:
			row[name] = nil
		}
	}
	return row
}
