// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/query"
	"github.com/halcyon-fleet/halcyon/work"
)

// adHocExecSeconds is the execution budget stamped on ad-hoc query
// units. Inspection queries are interactive; anything that needs
// longer belongs in a submitted unit with an explicit budget.
const adHocExecSeconds = 60

// draftRowLimit is the LIMIT appended to drafted statements that name
// none of their own.
const draftRowLimit = 100

// Query dispatches one read-only statement to a device and waits for
// its output. The statement goes through the full submission pipeline
// — signing, validation, queueing, push — so an ad-hoc query is
// admitted or rejected exactly like any other unit. The wait ends
// when the device's result arrives or ctx expires.
func (c *Center) Query(ctx context.Context, device ref.DeviceID, body string) (*query.Output, error) {
	ident, err := c.enroller.Lookup(ctx, device)
	if err != nil {
		return nil, err
	}

	unit, err := c.Submit(ctx, work.KindQuery, body,
		work.Scope{TenantID: ident.TenantID, DeviceID: device}, adHocExecSeconds)
	if err != nil {
		return nil, err
	}

	result, err := c.awaitResult(ctx, unit.WorkID, device)
	if err != nil {
		return nil, err
	}
	if result.TimedOut {
		return nil, fmt.Errorf("center: query timed out on device %s", device)
	}
	if result.ExitStatus != 0 {
		return nil, fmt.Errorf("center: query faulted on device %s: %s", device, result.Stderr)
	}

	var output query.Output
	if err := json.Unmarshal(result.Stdout, &output); err != nil {
		return nil, fmt.Errorf("center: decoding query output from %s: %w", device, err)
	}
	return &output, nil
}

// DeviceSchema returns the cached table layout of a device's state
// database, fetching it through the query pipeline when the snapshot
// is missing or expired.
func (c *Center) DeviceSchema(ctx context.Context, device ref.DeviceID) ([]query.Table, error) {
	if _, err := c.enroller.Lookup(ctx, device); err != nil {
		return nil, err
	}
	return c.schema.Tables(ctx, device)
}

// RefreshDeviceSchema discards the device's snapshot and fetches a
// fresh one.
func (c *Center) RefreshDeviceSchema(ctx context.Context, device ref.DeviceID) ([]query.Table, error) {
	c.schema.Invalidate(device)
	return c.DeviceSchema(ctx, device)
}

// NewQuerySession opens a drafting session against one device:
// plain-language proposals drafted from the device's schema, every
// statement re-validated in its final form before it may execute, and
// execution routed through the same pipeline as Query.
func (c *Center) NewQuerySession(ctx context.Context, device ref.DeviceID) (*query.Session, error) {
	if _, err := c.enroller.Lookup(ctx, device); err != nil {
		return nil, err
	}
	translator := query.NewTranslator(c.schema.Device(device), draftRowLimit)
	return query.NewSession(translator, deviceStatements{center: c, device: device}, c.logger), nil
}

// deviceStatements binds Center.Query to one device, satisfying
// query.Statements for sessions.
type deviceStatements struct {
	center *Center
	device ref.DeviceID
}

func (d deviceStatements) Query(ctx context.Context, body string) (*query.Output, error) {
	return d.center.Query(ctx, d.device, body)
}

type resultKey struct {
	work   ref.WorkID
	device ref.DeviceID
}

// awaitResult blocks until the result for (workID, device) is
// recorded. The waiter registers first and then checks history, so a
// result that lands between submission and registration is not
// missed.
func (c *Center) awaitResult(ctx context.Context, workID ref.WorkID, device ref.DeviceID) (*work.Result, error) {
	key := resultKey{work: workID, device: device}
	ch := make(chan *work.Result, 1)

	c.waitMu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.waitMu.Unlock()
	defer c.dropWaiter(key, ch)

	if result, err := c.history.Result(ctx, workID, device); err == nil {
		return result, nil
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Center) dropWaiter(key resultKey, ch chan *work.Result) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	remaining := c.waiters[key][:0]
	for _, waiter := range c.waiters[key] {
		if waiter != ch {
			remaining = append(remaining, waiter)
		}
	}
	if len(remaining) == 0 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = remaining
	}
}

// notifyWaiters delivers a freshly recorded result to any blocked
// ad-hoc queries.
func (c *Center) notifyWaiters(result *work.Result) {
	key := resultKey{work: result.WorkID, device: result.DeviceID}
	c.waitMu.Lock()
	waiters := c.waiters[key]
	delete(c.waiters, key)
	c.waitMu.Unlock()
	for _, ch := range waiters {
		ch <- result
	}
}
