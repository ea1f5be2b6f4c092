// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/sandbox"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// ErrDecommissioned is returned by Run when the center reports this
// device's identity retired. The local state has already been wiped;
// the process should exit and not restart into enrollment without
// operator action.
var ErrDecommissioned = errors.New("agent: device decommissioned by center")

// Config configures an Agent.
type Config struct {
	Client   *Client
	State    *State
	StateDir string

	// Engine executes validated units.
	Engine *sandbox.Engine

	// Validator re-checks every unit on arrival. The endpoint trusts
	// its own validation, not the transport: a unit that fails here is
	// dropped no matter who delivered it.
	Validator *validate.Validator

	// PullInterval and PullJitter shape the poll schedule.
	PullInterval time.Duration
	PullJitter   time.Duration

	// PushEnabled runs the persistent push session alongside the pull
	// loop.
	PushEnabled bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent is the endpoint daemon loop.
type Agent struct {
	client       *Client
	state        *State
	stateDir     string
	engine       *sandbox.Engine
	validator    *validate.Validator
	pullInterval time.Duration
	pullJitter   time.Duration
	pushEnabled  bool
	clock        clock.Clock
	logger       *slog.Logger

	// outbox holds results awaiting upload. Results ride up on a
	// pull; an upload that fails leaves them queued.
	mu     sync.Mutex
	outbox []work.Result

	// resultsReady wakes the pull loop when a result is queued, so a
	// push-delivered execution uploads immediately instead of waiting
	// out the poll interval.
	resultsReady chan struct{}

	decommissioned   chan struct{}
	decommissionOnce sync.Once
}

// New creates an Agent. Panics on missing required configuration.
func New(cfg Config) *Agent {
	for name, missing := range map[string]bool{
		"Client":    cfg.Client == nil,
		"State":     cfg.State == nil,
		"StateDir":  cfg.StateDir == "",
		"Engine":    cfg.Engine == nil,
		"Validator": cfg.Validator == nil,
		"Logger":    cfg.Logger == nil,
	} {
		if missing {
			panic("agent: Config." + name + " is required")
		}
	}
	if cfg.PullInterval <= 0 {
		panic("agent: Config.PullInterval must be positive")
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	return &Agent{
		client:         cfg.Client,
		state:          cfg.State,
		stateDir:       cfg.StateDir,
		engine:         cfg.Engine,
		validator:      cfg.Validator,
		pullInterval:   cfg.PullInterval,
		pullJitter:     cfg.PullJitter,
		pushEnabled:    cfg.PushEnabled,
		clock:          cl,
		logger:         cfg.Logger,
		decommissioned: make(chan struct{}),
		resultsReady:   make(chan struct{}, 1),
	}
}

// Run drives the agent until ctx is done or the device is
// decommissioned. The pull loop is the backbone; the push session, if
// enabled, runs beside it for latency.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.pushEnabled {
		session := transport.NewSession(transport.SessionConfig{
			Dialer: a.client.NewPushDialer(a.state.DeviceID),
			Handle: a.handleEnvelope,
			Clock:  a.clock,
			Logger: a.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("push session ended", "error", err)
			}
		}()
	}

	err := a.pullLoop(ctx)
	cancel()
	wg.Wait()
	return err
}

func (a *Agent) pullLoop(ctx context.Context) error {
	// First pull is immediate: a restarting agent reports queued
	// results and picks up missed work without waiting an interval.
	for {
		if err := a.pullOnce(ctx); err != nil {
			if errors.Is(err, ErrDecommissioned) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("pull failed", "error", err)
		}

		delay := transport.PullDelay(a.pullInterval, a.pullJitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.decommissioned:
			return a.wipe()
		case <-a.resultsReady:
		case <-a.clock.After(delay):
		}
	}
}

func (a *Agent) pullOnce(ctx context.Context) error {
	results := a.takeOutbox()
	response, err := a.client.Pull(ctx, transport.PullRequest{
		DeviceID: a.state.DeviceID,
		Results:  results,
	})
	if err != nil {
		// The center never saw these; requeue for the next attempt.
		a.requeue(results)
		return err
	}
	if response.Decommissioned {
		return a.wipe()
	}

	for i := range response.Units {
		a.runUnit(ctx, &response.Units[i])
	}
	return nil
}

// handleEnvelope is the push session handler.
func (a *Agent) handleEnvelope(ctx context.Context, envelope transport.Envelope) error {
	subject, err := envelope.ParsedSubject()
	if err != nil {
		return err
	}
	switch subject.MessageType {
	case transport.MessageWork:
		unit, err := envelope.WorkUnit()
		if err != nil {
			return err
		}
		a.runUnit(ctx, unit)
		return nil
	case transport.MessageControl:
		// The only control notice today is decommission.
		a.decommissionOnce.Do(func() { close(a.decommissioned) })
		return nil
	default:
		a.logger.Warn("ignoring unexpected message type", "subject", envelope.Subject)
		return nil
	}
}

// runUnit validates and executes one unit, queueing its result for
// upload. Both delivery paths funnel here; the engine's dedup makes
// double delivery harmless.
func (a *Agent) runUnit(ctx context.Context, unit *work.Unit) {
	accepted, err := a.validator.Check(unit)
	if err != nil {
		var rejection *validate.RejectionError
		if errors.As(err, &rejection) {
			a.logger.Warn("dropping rejected unit",
				"work_id", unit.WorkID,
				"reason", rejection.Reason)
		} else {
			a.logger.Error("unit validation failed", "work_id", unit.WorkID, "error", err)
		}
		return
	}

	result, err := a.engine.Execute(ctx, accepted)
	if errors.Is(err, sandbox.ErrDuplicate) {
		return
	}
	if err != nil {
		a.logger.Error("execution failed", "work_id", unit.WorkID, "error", err)
		return
	}

	a.mu.Lock()
	a.outbox = append(a.outbox, *result)
	a.mu.Unlock()

	select {
	case a.resultsReady <- struct{}{}:
	default:
	}
}

func (a *Agent) takeOutbox() []work.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	results := a.outbox
	a.outbox = nil
	return results
}

func (a *Agent) requeue(results []work.Result) {
	if len(results) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbox = append(results, a.outbox...)
}

func (a *Agent) wipe() error {
	a.logger.Warn("identity decommissioned, wiping local state",
		"device_id", a.state.DeviceID)
	if err := WipeState(a.stateDir); err != nil {
		a.logger.Error("wiping state failed", "error", err)
	}
	return ErrDecommissioned
}
