// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Key file names inside the agent state directory. Exported so the
// agent can wipe them on decommission.
const (
	PrivateKeyFile = "device-key"
	PublicKeyFile  = "device-key.pub"
)

// GenerateKeypair creates a new Ed25519 keypair for a device.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SaveKeypair writes the device keypair to the agent state directory.
// The private key file has 0600 permissions; the public key 0644.
func SaveKeypair(stateDir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	privatePath := filepath.Join(stateDir, PrivateKeyFile)
	if err := os.WriteFile(privatePath, private, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	publicPath := filepath.Join(stateDir, PublicKeyFile)
	if err := os.WriteFile(publicPath, public, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	return nil
}

// LoadKeypair loads the device keypair from the agent state directory.
// Returns an error if either file is missing or has an unexpected size.
func LoadKeypair(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privatePath := filepath.Join(stateDir, PrivateKeyFile)
	privateBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	publicPath := filepath.Join(stateDir, PublicKeyFile)
	publicBytes, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(publicBytes), ed25519.PrivateKey(privateBytes), nil
}

// LoadOrGenerateKeypair loads an existing device keypair from
// stateDir, or generates and saves a fresh one if the files don't
// exist. Returns the keypair and whether it was newly generated.
func LoadOrGenerateKeypair(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	public, private, err := LoadKeypair(stateDir)
	if err == nil {
		return public, private, false, nil
	}

	// Missing files are expected on first boot; anything else
	// (corruption, permissions) must surface rather than silently
	// minting a new identity.
	privatePath := filepath.Join(stateDir, PrivateKeyFile)
	if _, statErr := os.Stat(privatePath); statErr == nil {
		return nil, nil, false, fmt.Errorf("existing keypair unreadable: %w", err)
	}

	public, private, err = GenerateKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(stateDir, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}
