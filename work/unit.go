// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package work

import (
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// Kind distinguishes the two unit bodies the platform distributes.
type Kind string

const (
	// KindScript is an executable snippet run by the endpoint's
	// configured interpreter.
	KindScript Kind = "script"

	// KindQuery is a read-only inspection query run against the
	// endpoint's local state database.
	KindQuery Kind = "query"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindScript || k == KindQuery
}

// Scope restricts which devices a unit is delivered to. Exactly one
// granularity applies: a set DeviceID targets that device; otherwise a
// set GroupID targets the group; otherwise the whole tenant. TenantID
// is always required — there is no cross-tenant scope, by
// construction.
type Scope struct {
	TenantID ref.TenantID `cbor:"1,keyasint"`
	GroupID  ref.GroupID  `cbor:"2,keyasint,omitempty"`
	DeviceID ref.DeviceID `cbor:"3,keyasint,omitempty"`
}

// Validate checks the scope is well-formed.
func (s Scope) Validate() error {
	if s.TenantID.IsZero() {
		return fmt.Errorf("work: scope requires a tenant")
	}
	return nil
}

// Matches reports whether a device with the given tenant and group
// falls inside the scope.
func (s Scope) Matches(tenant ref.TenantID, group ref.GroupID, device ref.DeviceID) bool {
	if s.TenantID != tenant {
		return false
	}
	if !s.DeviceID.IsZero() {
		return s.DeviceID == device
	}
	if !s.GroupID.IsZero() {
		return s.GroupID == group
	}
	return true
}

// Unit is one script or query pending distribution. Immutable after
// creation; the Signature covers every field except itself.
type Unit struct {
	// WorkID identifies the unit. Delivery is at-least-once, so the
	// same WorkID may reach a device more than once.
	WorkID ref.WorkID `cbor:"1,keyasint"`

	// Kind is script or query.
	Kind Kind `cbor:"2,keyasint"`

	// Body is the source text.
	Body string `cbor:"3,keyasint"`

	// Scope restricts delivery.
	Scope Scope `cbor:"4,keyasint"`

	// MaxExecSeconds is the wall-clock budget. The validator enforces
	// it against the administrative ceiling; the execution engine
	// kills the child when it expires.
	MaxExecSeconds int `cbor:"5,keyasint"`

	// CreatedAt is a Unix timestamp (seconds).
	CreatedAt int64 `cbor:"6,keyasint"`

	// AuthorityID is the fingerprint of the issuing-authority key
	// that produced Signature.
	AuthorityID string `cbor:"7,keyasint,omitempty"`

	// Signature is the authority's Ed25519 signature over the unit's
	// deterministic CBOR encoding with AuthorityID and Signature
	// cleared.
	Signature []byte `cbor:"8,keyasint,omitempty"`
}

// New creates an unsigned unit. The caller signs it with an Authority
// before it can pass validation.
func New(kind Kind, body string, scope Scope, maxExecSeconds int, createdAt time.Time) (*Unit, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("work: unknown kind %q", kind)
	}
	if body == "" {
		return nil, fmt.Errorf("work: body is empty")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if maxExecSeconds <= 0 {
		return nil, fmt.Errorf("work: maxExecSeconds must be positive")
	}
	return &Unit{
		WorkID:         ref.NewWorkID(),
		Kind:           kind,
		Body:           body,
		Scope:          scope,
		MaxExecSeconds: maxExecSeconds,
		CreatedAt:      createdAt.Unix(),
	}, nil
}

// BodyDigest returns the BLAKE3 digest of the body. History records
// it alongside the unit so audits can confirm what actually ran even
// if the body column is ever redacted.
func (u *Unit) BodyDigest() [32]byte {
	return blake3.Sum256([]byte(u.Body))
}

// Result is the outcome of executing a unit on one device. Created on
// the endpoint, immutable once transmitted; the center keeps it as
// append-only history keyed by (WorkID, DeviceID).
type Result struct {
	WorkID   ref.WorkID   `cbor:"1,keyasint"`
	DeviceID ref.DeviceID `cbor:"2,keyasint"`

	// StartedAt and CompletedAt are Unix timestamps (seconds).
	StartedAt   int64 `cbor:"3,keyasint"`
	CompletedAt int64 `cbor:"4,keyasint"`

	// ExitStatus is the child's exit code. Non-zero is a fault: data,
	// not a system error.
	ExitStatus int `cbor:"5,keyasint"`

	// TimedOut marks a unit killed at its MaxExecSeconds budget.
	// Stdout/Stderr then hold the partial output captured before the
	// kill.
	TimedOut bool `cbor:"6,keyasint,omitempty"`

	// Stdout and Stderr are capped at the engine's output limit.
	Stdout []byte `cbor:"7,keyasint,omitempty"`
	Stderr []byte `cbor:"8,keyasint,omitempty"`

	// Truncated marks output that hit the cap.
	Truncated bool `cbor:"9,keyasint,omitempty"`
}
