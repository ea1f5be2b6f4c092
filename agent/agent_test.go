// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyon-fleet/halcyon/center"
	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/sandbox"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// harness runs a real center behind an httptest server so the agent
// exercises the same wire the production client speaks.
type harness struct {
	center    *center.Center
	enroller  *identity.Enroller
	authority *work.Authority
	server    *httptest.Server
	tenant    ref.TenantID
	group     ref.GroupID
	logger    *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

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

	authority := work.NewAuthority(private)
	c := center.New(center.Config{
		Enroller:   enroller,
		Identities: identities,
		Validator: validate.New(validate.Config{
			Keyring:        keyring,
			CeilingSeconds: 900,
			Logger:         logger,
		}),
		Authority: authority,
		Queue:     work.NewQueue(),
		History:   history,
		Broker:    broker,
		Liveness:  center.NewLiveness(time.Minute, 3, nil),
		Logger:    logger,
	})
	server := httptest.NewServer(center.NewAPI(c, logger))
	t.Cleanup(server.Close)

	return &harness{
		center:    c,
		enroller:  enroller,
		authority: authority,
		server:    server,
		tenant:    tenant,
		group:     group,
		logger:    logger,
	}
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	token, err := h.enroller.IssueToken(context.Background(), h.tenant, h.group, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return token
}

// establish enrolls a fresh agent state directory and returns the
// state, the signing client, and the directory.
func (h *harness) establish(t *testing.T, candidateID string) (*State, *Client, string) {
	t.Helper()
	stateDir := t.TempDir()
	state, private, err := Establish(context.Background(),
		NewClient(h.server.URL, nil), stateDir, candidateID, h.token(t), h.logger)
	if err != nil {
		t.Fatalf("establishing identity: %v", err)
	}
	return state, NewClient(h.server.URL, private), stateDir
}

func (h *harness) newAgent(t *testing.T, state *State, client *Client, stateDir string, push bool) *Agent {
	t.Helper()
	return New(Config{
		Client:   client,
		State:    state,
		StateDir: stateDir,
		Engine: sandbox.New(sandbox.Config{
			DeviceID:    state.DeviceID,
			Interpreter: "/bin/sh",
			OutputLimit: 4096,
			Logger:      h.logger,
		}),
		Validator: validate.New(validate.Config{
			Keyring:        state.Keyring(),
			CeilingSeconds: 900,
			Logger:         h.logger,
		}),
		PullInterval: 20 * time.Millisecond,
		PullJitter:   5 * time.Millisecond,
		PushEnabled:  push,
		Logger:       h.logger,
	})
}

func TestEstablishEnrollResumeReuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stateDir := t.TempDir()

	state, private, err := Establish(ctx, NewClient(h.server.URL, nil),
		stateDir, "serial-0001", h.token(t), h.logger)
	if err != nil {
		t.Fatalf("first establish: %v", err)
	}
	if state.DeviceID.IsZero() {
		t.Fatal("establish returned zero device ID")
	}
	if len(state.AuthorityKey) != ed25519.PublicKeySize {
		t.Fatalf("authority key has %d bytes", len(state.AuthorityKey))
	}
	if private == nil {
		t.Fatal("establish returned no private key")
	}

	// Second call reuses the stored identity: no token, no round trip.
	again, _, err := Establish(ctx, NewClient(h.server.URL, nil),
		stateDir, "serial-0001", "", h.logger)
	if err != nil {
		t.Fatalf("re-establish: %v", err)
	}
	if again.DeviceID != state.DeviceID {
		t.Fatalf("re-establish device = %s, want %s", again.DeviceID, state.DeviceID)
	}

	// Losing the identity file but keeping the key is the resume
	// path: same device ID comes back without a token.
	if err := os.Remove(filepath.Join(stateDir, identityFile)); err != nil {
		t.Fatalf("removing identity file: %v", err)
	}
	resumed, _, err := Establish(ctx, NewClient(h.server.URL, nil),
		stateDir, "serial-0001", "", h.logger)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.DeviceID != state.DeviceID {
		t.Fatalf("resumed device = %s, want %s", resumed.DeviceID, state.DeviceID)
	}
}

func TestEstablishReissueAfterReinstall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original, _, _ := h.establish(t, "serial-0002")

	// A reinstall loses the whole state directory. The candidate is
	// still enrolled under the lost key, so plain enrollment is
	// refused and Establish falls through to reissue.
	reinstalled, _, err := Establish(ctx, NewClient(h.server.URL, nil),
		t.TempDir(), "serial-0002", h.token(t), h.logger)
	if err != nil {
		t.Fatalf("reissue establish: %v", err)
	}
	if reinstalled.DeviceID == original.DeviceID {
		t.Fatal("reissue kept the old device ID")
	}

	// The old identity is dead.
	if _, err := h.enroller.Lookup(ctx, original.DeviceID); !errors.Is(err, identity.ErrUnknownDevice) {
		t.Fatalf("old identity lookup = %v, want ErrUnknownDevice", err)
	}
}

func TestAgentPullRunsUnitAndUploadsResult(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, client, stateDir := h.establish(t, "serial-0003")
	agent := h.newAgent(t, state, client, stateDir, false)

	unit, err := h.center.Submit(ctx, work.KindScript, "echo pulled",
		work.Scope{TenantID: h.tenant}, 30)
	if err != nil {
		t.Fatalf("submitting unit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	result := h.awaitResult(t, unit.WorkID, state.DeviceID)
	if result.ExitStatus != 0 {
		t.Fatalf("exit status = %d, stderr %q", result.ExitStatus, result.Stderr)
	}
	if !bytes.Equal(result.Stdout, []byte("pulled\n")) {
		t.Fatalf("stdout = %q", result.Stdout)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestAgentDecommissionWipesAndStops(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, client, stateDir := h.establish(t, "serial-0004")
	agent := h.newAgent(t, state, client, stateDir, false)

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	if err := h.center.Decommission(ctx, state.DeviceID); err != nil {
		t.Fatalf("decommissioning: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrDecommissioned) {
			t.Fatalf("Run returned %v, want ErrDecommissioned", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after decommission")
	}

	for _, name := range []string{identityFile, identity.PrivateKeyFile, identity.PublicKeyFile} {
		if _, err := os.Stat(filepath.Join(stateDir, name)); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("%s survived the wipe: %v", name, err)
		}
	}
}

func TestAgentHandlesPushedWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, client, stateDir := h.establish(t, "serial-0005")
	agent := h.newAgent(t, state, client, stateDir, false)

	unit, err := work.New(work.KindScript, "echo pushed",
		work.Scope{TenantID: h.tenant}, 30, time.Now())
	if err != nil {
		t.Fatalf("building unit: %v", err)
	}
	if err := h.authority.Sign(unit); err != nil {
		t.Fatalf("signing unit: %v", err)
	}
	subject, err := transport.NewSubject(state.TenantID, state.DeviceID, transport.MessageWork)
	if err != nil {
		t.Fatalf("building subject: %v", err)
	}
	envelope, err := transport.NewEnvelope(subject, time.Now().Unix(), unit)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}

	if err := agent.handleEnvelope(ctx, envelope); err != nil {
		t.Fatalf("handling envelope: %v", err)
	}
	results := agent.takeOutbox()
	if len(results) != 1 {
		t.Fatalf("outbox has %d results, want 1", len(results))
	}
	if !bytes.Equal(results[0].Stdout, []byte("pushed\n")) {
		t.Fatalf("stdout = %q", results[0].Stdout)
	}

	// Redelivery on the other path is absorbed by the engine's dedup:
	// no second result appears.
	if err := agent.handleEnvelope(ctx, envelope); err != nil {
		t.Fatalf("redelivering envelope: %v", err)
	}
	if extra := agent.takeOutbox(); len(extra) != 0 {
		t.Fatalf("redelivery produced %d results", len(extra))
	}
}

func TestAgentUploadsPushedResultImmediately(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, client, stateDir := h.establish(t, "serial-0009")

	// An hour-long poll interval: if the pushed result reaches the
	// center it got there on the wake-up, not a scheduled pull.
	agent := New(Config{
		Client:   client,
		State:    state,
		StateDir: stateDir,
		Engine: sandbox.New(sandbox.Config{
			DeviceID:    state.DeviceID,
			Interpreter: "/bin/sh",
			OutputLimit: 4096,
			Logger:      h.logger,
		}),
		Validator: validate.New(validate.Config{
			Keyring:        state.Keyring(),
			CeilingSeconds: 900,
			Logger:         h.logger,
		}),
		PullInterval: time.Hour,
		Logger:       h.logger,
	})

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	unit, err := work.New(work.KindScript, "echo prompt",
		work.Scope{TenantID: h.tenant, DeviceID: state.DeviceID}, 30, time.Now())
	if err != nil {
		t.Fatalf("building unit: %v", err)
	}
	if err := h.authority.Sign(unit); err != nil {
		t.Fatalf("signing unit: %v", err)
	}
	subject, err := transport.NewSubject(state.TenantID, state.DeviceID, transport.MessageWork)
	if err != nil {
		t.Fatalf("building subject: %v", err)
	}
	envelope, err := transport.NewEnvelope(subject, time.Now().Unix(), unit)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if err := agent.handleEnvelope(ctx, envelope); err != nil {
		t.Fatalf("handling envelope: %v", err)
	}

	result := h.awaitResult(t, unit.WorkID, state.DeviceID)
	if !bytes.Equal(result.Stdout, []byte("prompt\n")) {
		t.Fatalf("stdout = %q", result.Stdout)
	}

	cancel()
	<-done
}

func TestAgentDropsTamperedPushedWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, client, stateDir := h.establish(t, "serial-0006")
	agent := h.newAgent(t, state, client, stateDir, false)

	unit, err := work.New(work.KindScript, "echo before",
		work.Scope{TenantID: h.tenant}, 30, time.Now())
	if err != nil {
		t.Fatalf("building unit: %v", err)
	}
	if err := h.authority.Sign(unit); err != nil {
		t.Fatalf("signing unit: %v", err)
	}
	unit.Body = "rm -rf /"

	subject, err := transport.NewSubject(state.TenantID, state.DeviceID, transport.MessageWork)
	if err != nil {
		t.Fatalf("building subject: %v", err)
	}
	envelope, err := transport.NewEnvelope(subject, time.Now().Unix(), unit)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}

	if err := agent.handleEnvelope(ctx, envelope); err != nil {
		t.Fatalf("handling envelope: %v", err)
	}
	if results := agent.takeOutbox(); len(results) != 0 {
		t.Fatalf("tampered unit produced %d results", len(results))
	}
}

func TestAgentControlEnvelopeSignalsDecommission(t *testing.T) {
	h := newHarness(t)
	state, client, stateDir := h.establish(t, "serial-0007")
	agent := h.newAgent(t, state, client, stateDir, false)

	subject, err := transport.NewSubject(state.TenantID, state.DeviceID, transport.MessageControl)
	if err != nil {
		t.Fatalf("building subject: %v", err)
	}
	envelope, err := transport.NewEnvelope(subject, time.Now().Unix(), struct{}{})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if err := agent.handleEnvelope(context.Background(), envelope); err != nil {
		t.Fatalf("handling control envelope: %v", err)
	}

	select {
	case <-agent.decommissioned:
	default:
		t.Fatal("control envelope did not signal decommission")
	}
}

func TestAgentPushPathEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, client, stateDir := h.establish(t, "serial-0008")
	agent := h.newAgent(t, state, client, stateDir, true)

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	// Submit once the push subscription is live so delivery can take
	// the fast path; the pull loop backstops it either way.
	unit, err := h.center.Submit(ctx, work.KindScript, "echo fast",
		work.Scope{TenantID: h.tenant, DeviceID: state.DeviceID}, 30)
	if err != nil {
		t.Fatalf("submitting unit: %v", err)
	}

	result := h.awaitResult(t, unit.WorkID, state.DeviceID)
	if !bytes.Equal(result.Stdout, []byte("fast\n")) {
		t.Fatalf("stdout = %q", result.Stdout)
	}

	cancel()
	<-done
}

// awaitResult polls the center's history until the result lands.
func (h *harness) awaitResult(t *testing.T, workID ref.WorkID, device ref.DeviceID) *work.Result {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		result, err := h.center.ResultFor(ctx, workID, device)
		if err == nil {
			return result
		}
		if !errors.Is(err, work.ErrNoResult) {
			t.Fatalf("looking up result: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("result never arrived")
	return nil
}
