// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// ErrDuplicate is returned when a work ID has already been executed
// within the dedup window. Redelivery is normal under at-least-once
// transport; the caller re-sends the recorded result instead of
// running the unit again.
var ErrDuplicate = errors.New("sandbox: work unit already executed")

// QueryRunner executes a read-only query against the endpoint's local
// state database. Implemented by the query package; the engine never
// interprets query bodies itself.
type QueryRunner interface {
	Run(ctx context.Context, body string) (output []byte, err error)
}

// Config configures an Engine.
type Config struct {
	// DeviceID stamps every result.
	DeviceID ref.DeviceID

	// Interpreter runs script bodies, invoked as `interpreter -c body`.
	Interpreter string

	// OutputLimit caps captured stdout and stderr, each.
	OutputLimit int

	// DedupTTL bounds the redelivery dedup window.
	DedupTTL time.Duration

	// Queries handles query units. May be nil on endpoints without a
	// local state database; query units then fault.
	Queries QueryRunner

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine executes validated units, one at a time.
type Engine struct {
	deviceID    ref.DeviceID
	interpreter string
	outputLimit int
	queries     QueryRunner
	clock       clock.Clock
	logger      *slog.Logger

	// mu serializes execution. Both the pull loop and the push session
	// feed the engine; a device never runs two units concurrently.
	mu   sync.Mutex
	seen *work.SeenSet
}

// New creates an Engine. Panics on missing required configuration.
func New(cfg Config) *Engine {
	if cfg.DeviceID.IsZero() {
		panic("sandbox: Config.DeviceID is required")
	}
	if cfg.Interpreter == "" {
		panic("sandbox: Config.Interpreter is required")
	}
	if cfg.OutputLimit <= 0 {
		panic("sandbox: Config.OutputLimit must be positive")
	}
	if cfg.Logger == nil {
		panic("sandbox: Config.Logger is required")
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	dedupTTL := cfg.DedupTTL
	if dedupTTL == 0 {
		dedupTTL = time.Hour
	}
	return &Engine{
		deviceID:    cfg.DeviceID,
		interpreter: cfg.Interpreter,
		outputLimit: cfg.OutputLimit,
		queries:     cfg.Queries,
		clock:       cl,
		logger:      cfg.Logger,
		seen:        work.NewSeenSet(dedupTTL, cl),
	}
}

// Execute runs a validated unit and returns its result. Returns
// ErrDuplicate when the work ID was already executed within the dedup
// window. A timeout or a non-zero exit status is reported inside the
// result, not as an error; the error return is reserved for the
// engine itself failing to run the unit at all.
func (e *Engine) Execute(ctx context.Context, accepted validate.Accepted) (*work.Result, error) {
	unit := accepted.Unit()
	if unit == nil {
		// Accepted zero value: the caller skipped validation. This is
		// a bug in the caller, not bad input.
		panic("sandbox: Execute called with zero Accepted")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seen.Mark(unit.WorkID) {
		return nil, ErrDuplicate
	}

	budget := time.Duration(unit.MaxExecSeconds) * time.Second
	e.logger.Info("executing unit",
		"work_id", unit.WorkID,
		"kind", unit.Kind,
		"budget", budget)

	switch unit.Kind {
	case work.KindScript:
		return e.runScript(ctx, unit, budget)
	case work.KindQuery:
		return e.runQuery(ctx, unit, budget)
	default:
		// Validation admits only known kinds.
		panic("sandbox: validated unit has unknown kind " + string(unit.Kind))
	}
}

func (e *Engine) runScript(ctx context.Context, unit *work.Unit, budget time.Duration) (*work.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	stdout := newCappedBuffer(e.outputLimit)
	stderr := newCappedBuffer(e.outputLimit)

	cmd := exec.CommandContext(runCtx, e.interpreter, "-c", unit.Body)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Own process group so the timeout kill reaches the script's
	// children, not just the interpreter. Without this, a spawned
	// child keeps the inherited pipes open and Wait blocks past the
	// budget.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// If a grandchild escapes the group kill, give up on its pipes
	// rather than hang.
	cmd.WaitDelay = time.Second

	started := e.clock.Now()
	err := cmd.Run()
	completed := e.clock.Now()

	result := &work.Result{
		WorkID:      unit.WorkID,
		DeviceID:    e.deviceID,
		StartedAt:   started.Unix(),
		CompletedAt: completed.Unix(),
		Stdout:      stdout.Bytes(),
		Stderr:      stderr.Bytes(),
		Truncated:   stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case err == nil:
		// Exit status zero.
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitStatus = -1
		e.logger.Warn("unit killed at budget",
			"work_id", unit.WorkID,
			"budget", budget)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) runQuery(ctx context.Context, unit *work.Unit, budget time.Duration) (*work.Result, error) {
	started := e.clock.Now()
	result := &work.Result{
		WorkID:    unit.WorkID,
		DeviceID:  e.deviceID,
		StartedAt: started.Unix(),
	}

	if e.queries == nil {
		result.CompletedAt = started.Unix()
		result.ExitStatus = 1
		result.Stderr = []byte("no local state database on this endpoint")
		return result, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	output, err := e.queries.Run(runCtx, unit.Body)
	result.CompletedAt = e.clock.Now().Unix()

	switch {
	case err == nil:
		if len(output) > e.outputLimit {
			output = output[:e.outputLimit]
			result.Truncated = true
		}
		result.Stdout = output
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitStatus = -1
	default:
		// A query fault is data: the unit ran, the query failed.
		result.ExitStatus = 1
		result.Stderr = []byte(err.Error())
	}
	return result, nil
}
