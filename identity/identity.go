// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// DeviceIdentity is the durable record created at enrollment. It is
// immutable: every field is fixed when the identity is created, and
// the record is destroyed only by explicit decommission.
type DeviceIdentity struct {
	// DeviceID is the opaque identifier minted by the center.
	DeviceID ref.DeviceID

	// CandidateID is the installer-chosen identifier presented at
	// enrollment (typically a hardware-derived name). Unique per
	// center; used to detect re-enrollment attempts.
	CandidateID string

	// PublicKey is the device's Ed25519 public key. Everything the
	// device later signs (liveness reports, result batches) verifies
	// against it.
	PublicKey ed25519.PublicKey

	// EnrolledAt is when the identity was created.
	EnrolledAt time.Time

	// TenantID and GroupID scope the device for work targeting.
	// Cross-tenant delivery is an invariant violation, not an error
	// to recover from.
	TenantID ref.TenantID
	GroupID  ref.GroupID
}

// Enrollment failure modes. Each is fatal to that attempt and
// operator-visible; none triggers an automatic retry.
var (
	// ErrInvalidToken covers expired, consumed, malformed, and
	// unknown enrollment tokens. The reason is deliberately not
	// distinguished to the caller.
	ErrInvalidToken = errors.New("identity: invalid enrollment token")

	// ErrWeakKey is returned for a public key below minimum strength.
	// Rejected outright, no retry with the same key.
	ErrWeakKey = errors.New("identity: public key below minimum strength")

	// ErrDuplicateIdentity is returned when the candidate ID is
	// already enrolled. Recovery is an explicit Resume or Reissue,
	// never a silent merge.
	ErrDuplicateIdentity = errors.New("identity: candidate already enrolled")

	// ErrUnknownDevice is returned by lookups for device IDs that
	// were never enrolled or have been decommissioned.
	ErrUnknownDevice = errors.New("identity: unknown device")

	// ErrKeyMismatch is returned by Resume when the presented public
	// key does not match the enrolled one.
	ErrKeyMismatch = errors.New("identity: public key does not match enrolled key")
)

// ValidatePublicKey enforces minimum key strength. Ed25519 is the only
// accepted algorithm; a key of any other size is rejected outright.
func ValidatePublicKey(key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return ErrWeakKey
	}
	// An all-zero key is not a valid curve point and would make
	// every signature check fail open on some verifier bugs.
	zero := true
	for _, b := range key {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return ErrWeakKey
	}
	return nil
}
