// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/halcyon-fleet/halcyon/validate"
)

// State is a session's position in the drafting flow.
type State int

const (
	// StateIdle: no statement in flight.
	StateIdle State = iota

	// StateDrafting: a draft exists and may still be revised.
	StateDrafting

	// StateValidated: the draft passed validation and may execute.
	StateValidated

	// StateRejected: the draft failed validation. The reason is
	// available; the only ways forward are a new draft or Reset.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDrafting:
		return "drafting"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Statements executes one validated read-only statement. *Runner
// satisfies it for a local database; the center satisfies it per
// device for remote ones.
type Statements interface {
	Query(ctx context.Context, body string) (*Output, error)
}

// Session is one operator's drafting interaction. The state machine
// guarantees execution order: a statement executes only after passing
// validation in its exact final form. Revising a validated statement
// drops it back to drafting, and a rejected statement cannot execute
// at all.
//
// Safe for concurrent use, though a session normally serves one
// operator.
type Session struct {
	translator *Translator
	runner     Statements
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	statement string
	reason    string
}

// NewSession creates an idle session.
func NewSession(translator *Translator, runner Statements, logger *slog.Logger) *Session {
	if translator == nil {
		panic("query: NewSession requires a translator")
	}
	if runner == nil {
		panic("query: NewSession requires a runner")
	}
	if logger == nil {
		panic("query: NewSession requires a logger")
	}
	return &Session{translator: translator, runner: runner, logger: logger}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Statement returns the current draft, or "" when idle.
func (s *Session) Statement() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statement
}

// RejectionReason returns why the last validation failed, or "" if it
// did not.
func (s *Session) RejectionReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Propose drafts a statement from a plain-language request and moves
// the session to drafting. Allowed from idle, from a rejection (the
// retry path), and from drafting (a rephrase).
func (s *Session) Propose(ctx context.Context, request string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateValidated {
		return "", fmt.Errorf("query: session has a validated statement; execute or reset first")
	}

	draft, err := s.translator.Draft(ctx, request)
	if err != nil {
		return "", err
	}
	s.statement = draft
	s.state = StateDrafting
	s.reason = ""
	return draft, nil
}

// Revise replaces the draft with an operator-edited statement and
// moves the session to drafting. Revising a validated statement
// deliberately invalidates it: what executes is always exactly what
// was last validated.
func (s *Session) Revise(statement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return fmt.Errorf("query: nothing drafted; propose first")
	}
	s.statement = statement
	s.state = StateDrafting
	s.reason = ""
	return nil
}

// Validate checks the draft against the read-only grammar. On success
// the session moves to validated; on failure to rejected, with the
// reason recorded.
func (s *Session) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDrafting {
		return fmt.Errorf("query: no draft to validate in state %s", s.state)
	}

	if err := validate.CheckQuery(s.statement); err != nil {
		s.state = StateRejected
		s.reason = err.Error()
		s.logger.Warn("draft rejected", "reason", s.reason)
		return &validate.RejectionError{Reason: s.reason}
	}
	s.state = StateValidated
	s.reason = ""
	return nil
}

// Execute runs the validated statement and returns the session to
// idle. Only legal from the validated state; everything else is a
// state error, including rejected — a rejection never executes.
func (s *Session) Execute(ctx context.Context) (*Output, error) {
	s.mu.Lock()
	if s.state != StateValidated {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("query: cannot execute in state %s", state)
	}
	statement := s.statement
	s.mu.Unlock()

	output, err := s.runner.Query(ctx, statement)

	s.mu.Lock()
	s.state = StateIdle
	s.statement = ""
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return output, nil
}

// Reset abandons whatever is in flight and returns to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.statement = ""
	s.reason = ""
}
