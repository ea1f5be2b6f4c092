// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/lib/testutil"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

type fixture struct {
	center   *Center
	enroller *identity.Enroller
	broker   *transport.MemoryBroker
	clock    *clock.Fake
	tenant   ref.TenantID
	group    ref.GroupID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	fake := clock.NewFake()

	identities, err := identity.OpenStore(filepath.Join(dir, "identity.db"), logger)
	if err != nil {
		t.Fatalf("opening identity store: %v", err)
	}
	t.Cleanup(func() { identities.Close() })

	history, err := work.OpenHistory(filepath.Join(dir, "history.db"), logger)
	if err != nil {
		t.Fatalf("opening history: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating authority key: %v", err)
	}
	keyring := work.NewKeyring()
	keyring.Add(public)

	enroller := identity.NewEnroller(identity.EnrollerConfig{
		Store:  identities,
		Clock:  fake,
		Logger: logger,
	})
	broker := transport.NewMemoryBroker(logger)
	t.Cleanup(broker.Close)

	tenant, err := ref.ParseTenantID("acme")
	if err != nil {
		t.Fatalf("parsing tenant: %v", err)
	}
	group, err := ref.ParseGroupID("stores")
	if err != nil {
		t.Fatalf("parsing group: %v", err)
	}

	center := New(Config{
		Enroller:   enroller,
		Identities: identities,
		Validator: validate.New(validate.Config{
			Keyring:        keyring,
			CeilingSeconds: 900,
			Logger:         logger,
		}),
		Authority: work.NewAuthority(private),
		Queue:     work.NewQueue(),
		History:   history,
		Broker:    broker,
		Liveness:  NewLiveness(time.Minute, 3, fake),
		Clock:     fake,
		Logger:    logger,
	})
	return &fixture{
		center:   center,
		enroller: enroller,
		broker:   broker,
		clock:    fake,
		tenant:   tenant,
		group:    group,
	}
}

func (f *fixture) enrollDevice(t *testing.T, candidateID string) *identity.DeviceIdentity {
	t.Helper()
	ctx := context.Background()
	token, err := f.enroller.IssueToken(ctx, f.tenant, f.group, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	public, _, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	ident, err := f.enroller.Enroll(ctx, candidateID, public, token)
	if err != nil {
		t.Fatalf("enrolling: %v", err)
	}
	return ident
}

func TestSubmitDeliverRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-1")

	unit, err := f.center.Submit(ctx, work.KindScript, "uptime",
		work.Scope{TenantID: f.tenant}, 30)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// First pull delivers the unit and stamps liveness.
	response, err := f.center.HandlePull(ctx, transport.PullRequest{DeviceID: ident.DeviceID})
	if err != nil {
		t.Fatalf("HandlePull: %v", err)
	}
	if len(response.Units) != 1 || response.Units[0].WorkID != unit.WorkID {
		t.Fatalf("pull returned %d units", len(response.Units))
	}
	if !f.center.Liveness().Reachable(ident.DeviceID) {
		t.Fatal("device not reachable after pull")
	}

	// The device crashes before reporting: the unit stays pending.
	response, err = f.center.HandlePull(ctx, transport.PullRequest{DeviceID: ident.DeviceID})
	if err != nil {
		t.Fatalf("second HandlePull: %v", err)
	}
	if len(response.Units) != 1 {
		t.Fatalf("redelivery: got %d units, want 1", len(response.Units))
	}

	// Reporting the result acknowledges the unit.
	result := work.Result{
		WorkID:     unit.WorkID,
		DeviceID:   ident.DeviceID,
		ExitStatus: 0,
		Stdout:     []byte("up 3 days\n"),
	}
	response, err = f.center.HandlePull(ctx, transport.PullRequest{
		DeviceID: ident.DeviceID,
		Results:  []work.Result{result},
	})
	if err != nil {
		t.Fatalf("reporting pull: %v", err)
	}
	if len(response.Units) != 0 {
		t.Fatalf("after ack: got %d units, want 0", len(response.Units))
	}

	stored, err := f.center.ResultFor(ctx, unit.WorkID, ident.DeviceID)
	if err != nil {
		t.Fatalf("ResultFor: %v", err)
	}
	if string(stored.Stdout) != "up 3 days\n" {
		t.Fatalf("stored stdout = %q", stored.Stdout)
	}
}

func TestSubmitRejectionReachesCaller(t *testing.T) {
	f := newFixture(t)

	_, err := f.center.Submit(context.Background(), work.KindQuery,
		"DROP TABLE devices;", work.Scope{TenantID: f.tenant}, 30)
	var rejection *validate.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("Submit = %v, want RejectionError", err)
	}
	if !strings.Contains(rejection.Reason, "DROP") {
		t.Fatalf("reason %q does not name the verb", rejection.Reason)
	}
}

func TestSubmitPushesToSubscribedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-1")

	sub, err := f.center.Subscribe(ctx, ident.DeviceID, transport.MessageWork)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	unit, err := f.center.Submit(ctx, work.KindScript, "uptime",
		work.Scope{TenantID: f.tenant, DeviceID: ident.DeviceID}, 30)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	envelope := testutil.RequireReceive(t, sub.Envelopes(), time.Second, "waiting for pushed unit")
	pushed, err := envelope.WorkUnit()
	if err != nil {
		t.Fatalf("decoding pushed unit: %v", err)
	}
	if pushed.WorkID != unit.WorkID {
		t.Fatalf("pushed unit %s, want %s", pushed.WorkID, unit.WorkID)
	}
}

func TestResultRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-1")

	unit, err := f.center.Submit(ctx, work.KindScript, "uptime",
		work.Scope{TenantID: f.tenant}, 30)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first := work.Result{WorkID: unit.WorkID, DeviceID: ident.DeviceID, ExitStatus: 0, Stdout: []byte("first")}
	second := work.Result{WorkID: unit.WorkID, DeviceID: ident.DeviceID, ExitStatus: 1, Stdout: []byte("second")}

	if err := f.center.ReceiveResult(ctx, ident, &first); err != nil {
		t.Fatalf("first ReceiveResult: %v", err)
	}
	if err := f.center.ReceiveResult(ctx, ident, &second); err != nil {
		t.Fatalf("second ReceiveResult: %v", err)
	}

	stored, err := f.center.ResultFor(ctx, unit.WorkID, ident.DeviceID)
	if err != nil {
		t.Fatalf("ResultFor: %v", err)
	}
	if string(stored.Stdout) != "first" {
		t.Fatalf("stored stdout = %q, want the first record to win", stored.Stdout)
	}
}

func TestRecordedResultIsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-1")

	resultSub, err := f.center.Subscribe(ctx, ident.DeviceID, transport.MessageResult)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer resultSub.Cancel()

	unit, err := f.center.Submit(ctx, work.KindScript, "uptime",
		work.Scope{TenantID: f.tenant, DeviceID: ident.DeviceID}, 30)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	uploaded := work.Result{WorkID: unit.WorkID, DeviceID: ident.DeviceID, Stdout: []byte("up 3 days")}
	if err := f.center.ReceiveResult(ctx, ident, &uploaded); err != nil {
		t.Fatalf("ReceiveResult: %v", err)
	}

	envelope := testutil.RequireReceive(t, resultSub.Envelopes(), time.Second, "waiting for result envelope")
	published, err := envelope.Result()
	if err != nil {
		t.Fatalf("decoding result envelope: %v", err)
	}
	if published.WorkID != unit.WorkID {
		t.Fatalf("published work ID = %s, want %s", published.WorkID, unit.WorkID)
	}
	if string(published.Stdout) != "up 3 days" {
		t.Fatalf("published stdout = %q", published.Stdout)
	}
}

func TestDecommissionEndsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-1")

	controlSub, err := f.center.Subscribe(ctx, ident.DeviceID, transport.MessageControl)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer controlSub.Cancel()

	if _, err := f.center.Submit(ctx, work.KindScript, "uptime",
		work.Scope{TenantID: f.tenant, DeviceID: ident.DeviceID}, 30); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.center.Decommission(ctx, ident.DeviceID); err != nil {
		t.Fatalf("Decommission: %v", err)
	}

	// The control notice reaches a live subscription.
	testutil.RequireReceive(t, controlSub.Envelopes(), time.Second, "waiting for decommission notice")

	// The next pull tells the agent its identity is gone.
	response, err := f.center.HandlePull(ctx, transport.PullRequest{DeviceID: ident.DeviceID})
	if err != nil {
		t.Fatalf("HandlePull: %v", err)
	}
	if !response.Decommissioned {
		t.Fatal("pull after decommission not marked Decommissioned")
	}

	if _, err := f.enroller.Lookup(ctx, ident.DeviceID); !errors.Is(err, identity.ErrUnknownDevice) {
		t.Fatalf("Lookup after decommission = %v, want ErrUnknownDevice", err)
	}
}

func TestLivenessWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.enrollDevice(t, "candidate-1")

	if f.center.Liveness().Reachable(ident.DeviceID) {
		t.Fatal("device reachable before first pull")
	}

	if _, err := f.center.HandlePull(ctx, transport.PullRequest{DeviceID: ident.DeviceID}); err != nil {
		t.Fatalf("HandlePull: %v", err)
	}
	if !f.center.Liveness().Reachable(ident.DeviceID) {
		t.Fatal("device not reachable after pull")
	}

	// Two missed intervals: still inside the window of three.
	f.clock.Advance(2 * time.Minute)
	if !f.center.Liveness().Reachable(ident.DeviceID) {
		t.Fatal("device unreachable after two missed intervals")
	}

	// Third missed interval crosses the threshold.
	f.clock.Advance(time.Minute + time.Second)
	if f.center.Liveness().Reachable(ident.DeviceID) {
		t.Fatal("device still reachable after three missed intervals")
	}

	statuses, err := f.center.FleetStatus(ctx, f.tenant, f.group)
	if err != nil {
		t.Fatalf("FleetStatus: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Reachable {
		t.Fatalf("fleet status = %+v", statuses)
	}
}

func TestScopeTargeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.enrollDevice(t, "candidate-1")
	second := f.enrollDevice(t, "candidate-2")

	unit, err := f.center.Submit(ctx, work.KindScript, "uptime",
		work.Scope{TenantID: f.tenant, DeviceID: first.DeviceID}, 30)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	response, err := f.center.HandlePull(ctx, transport.PullRequest{DeviceID: second.DeviceID})
	if err != nil {
		t.Fatalf("HandlePull second: %v", err)
	}
	if len(response.Units) != 0 {
		t.Fatalf("out-of-scope device received %d units", len(response.Units))
	}

	response, err = f.center.HandlePull(ctx, transport.PullRequest{DeviceID: first.DeviceID})
	if err != nil {
		t.Fatalf("HandlePull first: %v", err)
	}
	if len(response.Units) != 1 || response.Units[0].WorkID != unit.WorkID {
		t.Fatalf("targeted device got %d units", len(response.Units))
	}
}
