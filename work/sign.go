// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package work

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/halcyon-fleet/halcyon/lib/codec"
)

// Errors returned by signature verification.
var (
	ErrUnsigned         = errors.New("work: unit is unsigned")
	ErrUnknownAuthority = errors.New("work: unknown issuing authority")
	ErrRevokedAuthority = errors.New("work: issuing authority key revoked")
	ErrBadSignature     = errors.New("work: invalid unit signature")
)

// Authority is an issuing authority: the holder of a private key
// whose signature makes units distributable. The center typically
// runs one; larger deployments rotate through several.
type Authority struct {
	privateKey ed25519.PrivateKey
	id         string
}

// NewAuthority wraps a signing key. The authority ID is the
// fingerprint of the corresponding public key.
func NewAuthority(privateKey ed25519.PrivateKey) *Authority {
	public := privateKey.Public().(ed25519.PublicKey)
	return &Authority{
		privateKey: privateKey,
		id:         Fingerprint(public),
	}
}

// ID returns the authority's key fingerprint.
func (a *Authority) ID() string { return a.id }

// PublicKey returns the authority's verification key. Endpoints seed
// their keyrings with it at enrollment.
func (a *Authority) PublicKey() ed25519.PublicKey {
	return a.privateKey.Public().(ed25519.PublicKey)
}

// Sign computes the unit's signature in place. The signed payload is
// the unit's deterministic CBOR encoding with AuthorityID and
// Signature cleared, so the signature covers every semantic field.
func (a *Authority) Sign(unit *Unit) error {
	payload, err := signingPayload(unit)
	if err != nil {
		return err
	}
	unit.AuthorityID = a.id
	unit.Signature = ed25519.Sign(a.privateKey, payload)
	return nil
}

// Fingerprint returns the hex BLAKE3 digest of a public key,
// truncated to 16 bytes. Used as the authority ID in units and on the
// revocation list.
func Fingerprint(public ed25519.PublicKey) string {
	sum := blake3.Sum256(public)
	return hex.EncodeToString(sum[:16])
}

func signingPayload(unit *Unit) ([]byte, error) {
	bare := *unit
	bare.AuthorityID = ""
	bare.Signature = nil
	payload, err := codec.Marshal(&bare)
	if err != nil {
		return nil, fmt.Errorf("work: encoding unit for signing: %w", err)
	}
	return payload, nil
}

// Keyring holds the public keys of known issuing authorities and the
// revocation list. Verification consults the revocation list first:
// once a key is revoked, units signed under it are rejected at
// validation time, even units that were created before the revocation.
// Units already delivered to an endpoint are unaffected.
//
// Safe for concurrent use.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PublicKey
	revoked map[string]struct{}
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		keys:    make(map[string]ed25519.PublicKey),
		revoked: make(map[string]struct{}),
	}
}

// Add registers an authority public key and returns its fingerprint.
func (k *Keyring) Add(public ed25519.PublicKey) string {
	id := Fingerprint(public)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = public
	return id
}

// Revoke puts an authority fingerprint on the revocation list. The
// key stays in the ring so revoked signatures are distinguishable
// from unknown ones.
func (k *Keyring) Revoke(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[id] = struct{}{}
}

// Verify checks a unit's signature against the ring. The unit must
// name a known, unrevoked authority and carry a valid signature over
// its semantic fields.
func (k *Keyring) Verify(unit *Unit) error {
	if unit.AuthorityID == "" || len(unit.Signature) == 0 {
		return ErrUnsigned
	}

	k.mu.RLock()
	public, known := k.keys[unit.AuthorityID]
	_, revoked := k.revoked[unit.AuthorityID]
	k.mu.RUnlock()

	if !known {
		return ErrUnknownAuthority
	}
	if revoked {
		return ErrRevokedAuthority
	}

	payload, err := signingPayload(unit)
	if err != nil {
		return err
	}
	if !ed25519.Verify(public, payload, unit.Signature) {
		return ErrBadSignature
	}
	return nil
}
