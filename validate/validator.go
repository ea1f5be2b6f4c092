// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/halcyon-fleet/halcyon/work"
)

// RejectionError is returned when a unit fails validation. The Reason
// is specific enough to act on (which verb, which pattern, which
// limit) and safe to surface to the operator who submitted the unit.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("validate: rejected: %s", e.Reason)
}

// Accepted wraps a unit that has passed every validation check. The
// execution engine only takes Accepted values, and nothing outside
// this package can construct one, so an unvalidated unit cannot reach
// execution by any code path.
type Accepted struct {
	unit *work.Unit
}

// Unit returns the validated unit.
func (a Accepted) Unit() *work.Unit { return a.unit }

// Validator applies every admission check to a proposed unit:
// structural well-formedness, authority signature, the administrative
// execution ceiling, the script deny-list, and the read-only query
// grammar. The order is fixed: authenticity first, then limits, then
// body content.
type Validator struct {
	keyring *Keyring
	policy  *ScriptPolicy

	// ceilingSeconds is the administrative maximum a unit's
	// MaxExecSeconds may request.
	ceilingSeconds int

	logger *slog.Logger
}

// Keyring re-exports the authority keyring so callers construct a
// Validator without importing work for the type.
type Keyring = work.Keyring

// Config configures a Validator. All fields are required except
// Policy, which defaults to DefaultScriptPolicy.
type Config struct {
	Keyring        *Keyring
	Policy         *ScriptPolicy
	CeilingSeconds int
	Logger         *slog.Logger
}

// New creates a Validator. Panics on missing required configuration:
// construction happens at startup, where a loud failure beats a
// validator that silently admits everything.
func New(cfg Config) *Validator {
	if cfg.Keyring == nil {
		panic("validate: Config.Keyring is required")
	}
	if cfg.CeilingSeconds <= 0 {
		panic("validate: Config.CeilingSeconds must be positive")
	}
	if cfg.Logger == nil {
		panic("validate: Config.Logger is required")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultScriptPolicy()
	}
	return &Validator{
		keyring:        cfg.Keyring,
		policy:         policy,
		ceilingSeconds: cfg.CeilingSeconds,
		logger:         cfg.Logger,
	}
}

// Check validates a unit. On success it returns an Accepted wrapper
// the execution engine will take; on failure it returns a
// RejectionError with a specific reason. Every rejection is logged
// with the work ID so an operator can correlate it with the
// submission.
func (v *Validator) Check(unit *work.Unit) (Accepted, error) {
	reject := func(reason string) (Accepted, error) {
		v.logger.Warn("unit rejected",
			"work_id", unit.WorkID,
			"kind", unit.Kind,
			"reason", reason)
		return Accepted{}, &RejectionError{Reason: reason}
	}

	if !unit.Kind.Valid() {
		return reject(fmt.Sprintf("unknown kind %q", unit.Kind))
	}
	if unit.Body == "" {
		return reject("empty body")
	}
	if err := unit.Scope.Validate(); err != nil {
		return reject(err.Error())
	}

	if err := v.keyring.Verify(unit); err != nil {
		switch {
		case errors.Is(err, work.ErrUnsigned):
			return reject("unit is unsigned")
		case errors.Is(err, work.ErrUnknownAuthority):
			return reject(fmt.Sprintf("unknown issuing authority %s", unit.AuthorityID))
		case errors.Is(err, work.ErrRevokedAuthority):
			return reject(fmt.Sprintf("issuing authority %s is revoked", unit.AuthorityID))
		case errors.Is(err, work.ErrBadSignature):
			return reject("signature does not match unit contents")
		default:
			return Accepted{}, err
		}
	}

	if unit.MaxExecSeconds <= 0 {
		return reject("maxExecSeconds must be positive")
	}
	if unit.MaxExecSeconds > v.ceilingSeconds {
		return reject(fmt.Sprintf("maxExecSeconds %d exceeds ceiling %d",
			unit.MaxExecSeconds, v.ceilingSeconds))
	}

	switch unit.Kind {
	case work.KindScript:
		if reason := v.policy.Check(unit.Body); reason != "" {
			return reject(reason)
		}
	case work.KindQuery:
		if err := CheckQuery(unit.Body); err != nil {
			return reject(err.Error())
		}
	}

	return Accepted{unit: unit}, nil
}
