// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// Enroller is the center-side enrollment service. It issues tokens,
// admits devices, and handles the two explicit re-enrollment paths.
type Enroller struct {
	store  *Store
	clock  clock.Clock
	logger *slog.Logger
}

// EnrollerConfig configures an Enroller.
type EnrollerConfig struct {
	// Store is the identity database. Required.
	Store *Store

	// Clock drives token expiry and enrollment timestamps. Defaults
	// to the real clock.
	Clock clock.Clock

	// Logger is the structured logger. Nil means discard.
	Logger *slog.Logger
}

// NewEnroller creates an enrollment service.
func NewEnroller(config EnrollerConfig) *Enroller {
	if config.Store == nil {
		panic("identity.Enroller: Store is required")
	}
	cl := config.Clock
	if cl == nil {
		cl = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Enroller{store: config.Store, clock: cl, logger: logger}
}

// IssueToken mints a single-use enrollment token bound to a tenant
// and group, persists its hash, and returns the cleartext exactly
// once.
func (e *Enroller) IssueToken(ctx context.Context, tenant ref.TenantID, group ref.GroupID, ttl time.Duration) (string, error) {
	token, cleartext, err := NewEnrollmentToken(tenant, group, e.clock.Now().UTC(), ttl)
	if err != nil {
		return "", err
	}
	if err := e.store.PutToken(ctx, token); err != nil {
		return "", err
	}
	e.logger.Info("enrollment token issued",
		"token_id", token.ID,
		"tenant", tenant.String(),
		"group", group.String(),
		"expires_at", token.ExpiresAt,
	)
	return cleartext, nil
}

// Enroll admits a fresh device: verifies the token, checks key
// strength, rejects duplicate candidates, consumes the token, and
// persists the identity. The returned DeviceIdentity carries the
// minted device ID.
func (e *Enroller) Enroll(ctx context.Context, candidateID string, publicKey ed25519.PublicKey, tenantToken string) (*DeviceIdentity, error) {
	if candidateID == "" {
		return nil, fmt.Errorf("identity: candidate ID is required")
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}

	// Duplicate check before token verification: a duplicate must
	// surface as ErrDuplicateIdentity so the installer knows to use
	// the explicit Resume or Reissue path, not burn the token.
	if _, err := e.store.ByCandidate(ctx, candidateID); err == nil {
		return nil, ErrDuplicateIdentity
	}

	token, err := e.verifyToken(ctx, tenantToken)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	if err := e.store.ConsumeToken(ctx, token.ID, now); err != nil {
		return nil, err
	}

	ident := &DeviceIdentity{
		DeviceID:    ref.NewDeviceID(),
		CandidateID: candidateID,
		PublicKey:   publicKey,
		EnrolledAt:  now,
		TenantID:    token.TenantID,
		GroupID:     token.GroupID,
	}
	if err := e.store.PutIdentity(ctx, ident); err != nil {
		return nil, err
	}

	e.logger.Info("device enrolled",
		"device_id", ident.DeviceID.String(),
		"candidate_id", candidateID,
		"tenant", ident.TenantID.String(),
		"group", ident.GroupID.String(),
	)
	return ident, nil
}

// Resume is the repair path: an already-enrolled device proving it
// still holds the enrolled key gets its existing identity back. No
// token is needed and nothing changes server-side.
func (e *Enroller) Resume(ctx context.Context, candidateID string, publicKey ed25519.PublicKey) (*DeviceIdentity, error) {
	ident, err := e.store.ByCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(ident.PublicKey, publicKey) {
		return nil, ErrKeyMismatch
	}
	e.logger.Info("device enrollment resumed", "device_id", ident.DeviceID.String())
	return ident, nil
}

// Reissue is the reinstall path: the existing identity is revoked and
// a new one issued under a fresh token. The old device ID stops
// resolving immediately; any trust material cached under it is gone
// with the identity row.
func (e *Enroller) Reissue(ctx context.Context, candidateID string, publicKey ed25519.PublicKey, tenantToken string) (*DeviceIdentity, error) {
	old, err := e.store.ByCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}

	token, err := e.verifyToken(ctx, tenantToken)
	if err != nil {
		return nil, err
	}
	// A reissue token must belong to the same tenant as the identity
	// it replaces; anything else is a cross-tenant capture attempt.
	if token.TenantID != old.TenantID {
		return nil, ErrInvalidToken
	}

	now := e.clock.Now().UTC()
	if err := e.store.ConsumeToken(ctx, token.ID, now); err != nil {
		return nil, err
	}
	if err := e.store.DeleteIdentity(ctx, old.DeviceID); err != nil {
		return nil, err
	}

	ident := &DeviceIdentity{
		DeviceID:    ref.NewDeviceID(),
		CandidateID: candidateID,
		PublicKey:   publicKey,
		EnrolledAt:  now,
		TenantID:    token.TenantID,
		GroupID:     token.GroupID,
	}
	if err := e.store.PutIdentity(ctx, ident); err != nil {
		return nil, err
	}

	e.logger.Info("device identity reissued",
		"old_device_id", old.DeviceID.String(),
		"device_id", ident.DeviceID.String(),
	)
	return ident, nil
}

// Decommission destroys a device identity. The caller is responsible
// for also dropping the device's pending work and closing any live
// transport session.
func (e *Enroller) Decommission(ctx context.Context, device ref.DeviceID) error {
	if err := e.store.DeleteIdentity(ctx, device); err != nil {
		return err
	}
	e.logger.Info("device decommissioned", "device_id", device.String())
	return nil
}

// Lookup resolves a device ID to its identity.
func (e *Enroller) Lookup(ctx context.Context, device ref.DeviceID) (*DeviceIdentity, error) {
	return e.store.ByDevice(ctx, device)
}

func (e *Enroller) verifyToken(ctx context.Context, cleartext string) (*EnrollmentToken, error) {
	id, secret, err := SplitToken(cleartext)
	if err != nil {
		return nil, err
	}
	token, err := e.store.TokenByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := token.Verify(secret, e.clock.Now().UTC()); err != nil {
		return nil, err
	}
	return token, nil
}
