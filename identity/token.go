// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// EnrollmentToken is the center-side record of an issued token. Only
// the Argon2id hash of the secret is kept; the cleartext token exists
// once, in the response to the operator who requested it.
type EnrollmentToken struct {
	// ID is the public half of the token, used for lookup.
	ID string

	// SecretHash is the Argon2id digest of the secret half.
	SecretHash []byte

	// Salt is the per-token Argon2id salt.
	Salt []byte

	// TenantID and GroupID are bound at issue time; the enrolled
	// device inherits them. A token cannot enroll into any other
	// tenant.
	TenantID ref.TenantID
	GroupID  ref.GroupID

	// IssuedAt and ExpiresAt bound the token's lifetime.
	IssuedAt  time.Time
	ExpiresAt time.Time

	// ConsumedAt is set when the token is used. Zero means unused.
	ConsumedAt time.Time
}

// Argon2id parameters. Interactive-grade: enrollment happens once per
// device and tokens are high-entropy, so the hash only needs to slow
// down offline guessing against a leaked database.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// tokenSeparator joins the public ID and the secret in the cleartext
// token handed to the operator.
const tokenSeparator = "."

// NewEnrollmentToken mints a token bound to a tenant and group.
// Returns the record to persist and the cleartext token to hand to
// the installer. The cleartext is never recoverable afterwards.
func NewEnrollmentToken(tenant ref.TenantID, group ref.GroupID, issuedAt time.Time, ttl time.Duration) (*EnrollmentToken, string, error) {
	if tenant.IsZero() {
		return nil, "", fmt.Errorf("identity: enrollment token requires a tenant")
	}
	if ttl <= 0 {
		return nil, "", fmt.Errorf("identity: enrollment token TTL must be positive")
	}

	idBytes := make([]byte, 9)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("identity: generating token ID: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("identity: generating token secret: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("identity: generating token salt: %w", err)
	}

	id := base64.RawURLEncoding.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	token := &EnrollmentToken{
		ID:         id,
		SecretHash: hashSecret(secret, salt),
		Salt:       salt,
		TenantID:   tenant,
		GroupID:    group,
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(ttl),
	}
	return token, id + tokenSeparator + secret, nil
}

// SplitToken separates a cleartext token into its public ID and
// secret. Returns ErrInvalidToken for anything malformed.
func SplitToken(cleartext string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(cleartext, tokenSeparator)
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidToken
	}
	return id, secret, nil
}

// Verify checks a presented secret against the stored hash and the
// token's lifetime at the given instant. Consumed and expired tokens
// fail identically to wrong secrets: the caller learns only
// ErrInvalidToken.
func (t *EnrollmentToken) Verify(secret string, now time.Time) error {
	if !t.ConsumedAt.IsZero() {
		return ErrInvalidToken
	}
	if now.After(t.ExpiresAt) {
		return ErrInvalidToken
	}
	candidate := hashSecret(secret, t.Salt)
	if subtle.ConstantTimeCompare(candidate, t.SecretHash) != 1 {
		return ErrInvalidToken
	}
	return nil
}

func hashSecret(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
