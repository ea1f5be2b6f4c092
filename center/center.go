// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/query"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// Config wires a Center together. All fields are required unless
// noted.
type Config struct {
	Enroller   *identity.Enroller
	Identities *identity.Store
	Validator  *validate.Validator
	Authority  *work.Authority
	Queue      *work.Queue
	History    *work.History
	Broker     transport.Broker
	Liveness   *Liveness

	// SchemaTTL bounds how long a device's cached table layout is
	// served without refetching. Defaults to 5 minutes.
	SchemaTTL time.Duration

	// Clock defaults to the real clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Center coordinates the server-side subsystems.
type Center struct {
	enroller   *identity.Enroller
	identities *identity.Store
	validator  *validate.Validator
	authority  *work.Authority
	queue      *work.Queue
	history    *work.History
	broker     transport.Broker
	liveness   *Liveness
	schema     *query.FleetSchema
	clock      clock.Clock
	logger     *slog.Logger

	// waiters holds blocked ad-hoc queries, keyed by the result they
	// wait for.
	waitMu  sync.Mutex
	waiters map[resultKey][]chan *work.Result
}

// New creates a Center. Panics on missing required configuration.
func New(cfg Config) *Center {
	for name, missing := range map[string]bool{
		"Enroller":   cfg.Enroller == nil,
		"Identities": cfg.Identities == nil,
		"Validator":  cfg.Validator == nil,
		"Authority":  cfg.Authority == nil,
		"Queue":      cfg.Queue == nil,
		"History":    cfg.History == nil,
		"Broker":     cfg.Broker == nil,
		"Liveness":   cfg.Liveness == nil,
		"Logger":     cfg.Logger == nil,
	} {
		if missing {
			panic("center: Config." + name + " is required")
		}
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	schemaTTL := cfg.SchemaTTL
	if schemaTTL == 0 {
		schemaTTL = 5 * time.Minute
	}
	c := &Center{
		enroller:   cfg.Enroller,
		identities: cfg.Identities,
		validator:  cfg.Validator,
		authority:  cfg.Authority,
		queue:      cfg.Queue,
		history:    cfg.History,
		broker:     cfg.Broker,
		liveness:   cfg.Liveness,
		clock:      cl,
		logger:     cfg.Logger,
		waiters:    make(map[resultKey][]chan *work.Result),
	}
	c.schema = query.NewFleetSchema(c, schemaTTL, cl)
	return c
}

// Enroller exposes the enrollment service for the HTTP layer.
func (c *Center) Enroller() *identity.Enroller { return c.enroller }

// Liveness exposes the reachability tracker.
func (c *Center) Liveness() *Liveness { return c.liveness }

// AuthorityKey returns the public key units are signed under. Agents
// receive it at enrollment and verify every unit against it before
// execution.
func (c *Center) AuthorityKey() ed25519.PublicKey { return c.authority.PublicKey() }

// Submit admits an operator-submitted unit: builds it, signs it under
// the center's authority, validates it, records it, queues it for
// pull, and pushes it to the in-scope devices that hold a live push
// subscription. A validation failure comes back as a
// *validate.RejectionError with the specific reason.
func (c *Center) Submit(ctx context.Context, kind work.Kind, body string, scope work.Scope, maxExecSeconds int) (*work.Unit, error) {
	unit, err := work.New(kind, body, scope, maxExecSeconds, c.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := c.authority.Sign(unit); err != nil {
		return nil, err
	}
	if _, err := c.validator.Check(unit); err != nil {
		return nil, err
	}

	if err := c.history.RecordUnit(ctx, unit); err != nil {
		return nil, err
	}
	c.queue.Push(unit)
	c.pushToScope(ctx, unit)

	c.logger.Info("unit submitted",
		"work_id", unit.WorkID,
		"kind", unit.Kind,
		"tenant", scope.TenantID)
	return unit, nil
}

// pushToScope publishes the unit to every in-scope device's work
// subject. Push is best-effort acceleration; the queue remains the
// source of truth and the pull path delivers regardless.
func (c *Center) pushToScope(ctx context.Context, unit *work.Unit) {
	devices, err := c.devicesInScope(ctx, unit.Scope)
	if err != nil {
		c.logger.Warn("resolving push scope failed",
			"work_id", unit.WorkID,
			"error", err)
		return
	}
	sentAt := c.clock.Now().Unix()
	for _, device := range devices {
		subject, err := transport.NewSubject(unit.Scope.TenantID, device, transport.MessageWork)
		if err != nil {
			continue
		}
		envelope, err := transport.NewEnvelope(subject, sentAt, unit)
		if err != nil {
			c.logger.Warn("encoding push envelope failed",
				"work_id", unit.WorkID,
				"error", err)
			return
		}
		if err := c.broker.Publish(envelope); err != nil {
			c.logger.Warn("push publish failed",
				"subject", subject,
				"error", err)
		}
	}
}

func (c *Center) devicesInScope(ctx context.Context, scope work.Scope) ([]ref.DeviceID, error) {
	if !scope.DeviceID.IsZero() {
		return []ref.DeviceID{scope.DeviceID}, nil
	}
	identities, err := c.identities.DevicesInScope(ctx, scope.TenantID, scope.GroupID)
	if err != nil {
		return nil, err
	}
	devices := make([]ref.DeviceID, 0, len(identities))
	for _, ident := range identities {
		devices = append(devices, ident.DeviceID)
	}
	return devices, nil
}

// HandlePull serves one poll: stamps liveness, ingests uploaded
// results, and returns the device's pending units. An unknown device
// (decommissioned, or reissued under a new ID) gets Decommissioned
// back so the agent stops using the dead identity.
func (c *Center) HandlePull(ctx context.Context, request transport.PullRequest) (transport.PullResponse, error) {
	ident, err := c.enroller.Lookup(ctx, request.DeviceID)
	if errors.Is(err, identity.ErrUnknownDevice) {
		return transport.PullResponse{Decommissioned: true}, nil
	}
	if err != nil {
		return transport.PullResponse{}, err
	}

	c.liveness.MarkSeen(ident.DeviceID)

	for i := range request.Results {
		result := &request.Results[i]
		if result.DeviceID != ident.DeviceID {
			// A device can only report for itself.
			c.logger.Warn("dropping result for foreign device",
				"device_id", ident.DeviceID,
				"claimed", result.DeviceID)
			continue
		}
		if err := c.ReceiveResult(ctx, ident, result); err != nil {
			return transport.PullResponse{}, err
		}
	}

	pending := c.queue.PendingFor(ident.TenantID, ident.GroupID, ident.DeviceID)
	units := make([]work.Unit, 0, len(pending))
	for _, unit := range pending {
		units = append(units, *unit)
	}
	return transport.PullResponse{Units: units}, nil
}

// ReceiveResult records one execution outcome and acknowledges the
// unit for the device. Recording is first-write-wins, so a result
// redelivered by an at-least-once transport changes nothing.
func (c *Center) ReceiveResult(ctx context.Context, ident *identity.DeviceIdentity, result *work.Result) error {
	if err := c.history.RecordResult(ctx, result); err != nil {
		return err
	}
	c.queue.Ack(ident.TenantID, result.WorkID, ident.DeviceID)
	c.notifyWaiters(result)
	c.publishResult(ident.TenantID, result)
	c.logger.Info("result recorded",
		"work_id", result.WorkID,
		"device_id", result.DeviceID,
		"exit_status", result.ExitStatus,
		"timed_out", result.TimedOut)
	return nil
}

// publishResult mirrors a recorded result onto the device's result
// subject so live watchers see it without polling history. Best-effort
// like every publish; history stays the record.
func (c *Center) publishResult(tenant ref.TenantID, result *work.Result) {
	subject, err := transport.NewSubject(tenant, result.DeviceID, transport.MessageResult)
	if err != nil {
		return
	}
	envelope, err := transport.NewEnvelope(subject, c.clock.Now().Unix(), result)
	if err != nil {
		c.logger.Warn("encoding result envelope failed",
			"work_id", result.WorkID,
			"error", err)
		return
	}
	if err := c.broker.Publish(envelope); err != nil {
		c.logger.Warn("result publish failed",
			"subject", subject,
			"error", err)
	}
}

// Decommission retires a device: the identity is destroyed, its
// device-scoped work dropped, its liveness forgotten, and a control
// notice pushed so a connected agent can wipe its local identity
// immediately instead of discovering it on the next pull.
func (c *Center) Decommission(ctx context.Context, device ref.DeviceID) error {
	ident, err := c.enroller.Lookup(ctx, device)
	if err != nil {
		return err
	}
	if err := c.enroller.Decommission(ctx, device); err != nil {
		return err
	}
	c.queue.DropDevice(ident.TenantID, device)
	c.liveness.Forget(device)

	subject, err := transport.NewSubject(ident.TenantID, device, transport.MessageControl)
	if err == nil {
		envelope, err := transport.NewEnvelope(subject, c.clock.Now().Unix(), controlNotice{Decommissioned: true})
		if err == nil {
			if err := c.broker.Publish(envelope); err != nil {
				c.logger.Warn("decommission notice failed", "device_id", device, "error", err)
			}
		}
	}
	return nil
}

// controlNotice is the payload of a MessageControl envelope.
type controlNotice struct {
	Decommissioned bool `cbor:"1,keyasint,omitempty"`
}

// DeviceStatus is one device's liveness view.
type DeviceStatus struct {
	DeviceID  ref.DeviceID `json:"device_id"`
	TenantID  ref.TenantID `json:"tenant_id"`
	GroupID   ref.GroupID  `json:"group_id"`
	LastSeen  time.Time    `json:"last_seen,omitzero"`
	Reachable bool         `json:"reachable"`
}

// FleetStatus reports liveness for every device in a tenant scope.
func (c *Center) FleetStatus(ctx context.Context, tenant ref.TenantID, group ref.GroupID) ([]DeviceStatus, error) {
	identities, err := c.identities.DevicesInScope(ctx, tenant, group)
	if err != nil {
		return nil, err
	}
	statuses := make([]DeviceStatus, 0, len(identities))
	for _, ident := range identities {
		status := DeviceStatus{
			DeviceID:  ident.DeviceID,
			TenantID:  ident.TenantID,
			GroupID:   ident.GroupID,
			Reachable: c.liveness.Reachable(ident.DeviceID),
		}
		if seen, ok := c.liveness.LastSeen(ident.DeviceID); ok {
			status.LastSeen = seen
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ResultFor fetches the recorded result of a unit on a device.
func (c *Center) ResultFor(ctx context.Context, workID ref.WorkID, device ref.DeviceID) (*work.Result, error) {
	return c.history.Result(ctx, workID, device)
}

// Subscribe opens a push subscription for an enrolled device. The
// device's enrolled tenant is the authorization input: the subject is
// built from the identity, never from the request, so a forged
// subject is unrepresentable.
func (c *Center) Subscribe(ctx context.Context, device ref.DeviceID, messageType transport.MessageType) (*transport.Subscription, error) {
	ident, err := c.enroller.Lookup(ctx, device)
	if err != nil {
		return nil, err
	}
	subject, err := transport.NewSubject(ident.TenantID, ident.DeviceID, messageType)
	if err != nil {
		return nil, err
	}
	sub, err := c.broker.Subscribe(ident.TenantID, subject)
	if err != nil {
		return nil, fmt.Errorf("center: subscribing %s: %w", subject, err)
	}
	return sub, nil
}
