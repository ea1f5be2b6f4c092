// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/halcyon-fleet/halcyon/center"
	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/work"
)

// identityFile is the state-dir file holding the enrolled identity.
const identityFile = "identity.json"

// State is the agent's durable identity: the minted device ID and its
// tenant placement. It survives restarts in the state directory; the
// keypair lives beside it in its own files.
type State struct {
	DeviceID    ref.DeviceID `json:"device_id"`
	TenantID    ref.TenantID `json:"tenant_id"`
	GroupID     ref.GroupID  `json:"group_id"`
	CandidateID string       `json:"candidate_id"`

	// AuthorityKey is the center's signing key, delivered at
	// enrollment. Units failing verification against it never reach
	// the engine.
	AuthorityKey []byte `json:"authority_key"`
}

// Keyring builds a verification keyring seeded with the
// enrollment-time authority key.
func (s *State) Keyring() *work.Keyring {
	ring := work.NewKeyring()
	ring.Add(ed25519.PublicKey(s.AuthorityKey))
	return ring
}

func loadState(stateDir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, identityFile))
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("agent: parsing identity state: %w", err)
	}
	return &state, nil
}

func saveState(stateDir string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: encoding identity state: %w", err)
	}
	path := filepath.Join(stateDir, identityFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("agent: writing identity state: %w", err)
	}
	return nil
}

// WipeState removes the identity file and keypair. Called when the
// center reports the device decommissioned: the identity is dead and
// keeping the material around only invites accidental reuse.
func WipeState(stateDir string) error {
	var firstErr error
	for _, name := range []string{identityFile, identity.PrivateKeyFile, identity.PublicKeyFile} {
		if err := os.Remove(filepath.Join(stateDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Establish produces a working identity against the center, choosing
// the path from what survives in the state directory:
//
//   - identity and keypair intact: use them, no network round trip
//   - keypair intact, identity file lost: resume
//   - fresh keypair, candidate already enrolled: reissue (needs token)
//   - nothing: enroll (needs token)
//
// enrollToken may be empty when the state directory is intact; the
// paths that need a token fail without one.
func Establish(ctx context.Context, client *Client, stateDir, candidateID, enrollToken string, logger *slog.Logger) (*State, ed25519.PrivateKey, error) {
	public, private, generated, err := identity.LoadOrGenerateKeypair(stateDir)
	if err != nil {
		return nil, nil, err
	}

	if !generated {
		if state, err := loadState(stateDir); err == nil {
			if state.CandidateID == candidateID {
				logger.Info("using stored identity", "device_id", state.DeviceID)
				return state, private, nil
			}
			// The machine was re-purposed under a new candidate ID;
			// fall through to enrollment.
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
	}

	mode := "enroll"
	if !generated {
		// The key survived but the identity record did not.
		mode = "resume"
	}

	state, err := exchange(ctx, client, mode, candidateID, public, enrollToken)
	if err != nil && mode == "enroll" && isDuplicate(err) {
		// The candidate is already enrolled under a key we no longer
		// hold: a reinstall. Reissue revokes the old identity.
		logger.Info("candidate already enrolled, reissuing", "candidate_id", candidateID)
		state, err = exchange(ctx, client, "reissue", candidateID, public, enrollToken)
	}
	if err != nil {
		return nil, nil, err
	}
	state.CandidateID = candidateID

	if err := saveState(stateDir, state); err != nil {
		return nil, nil, err
	}
	logger.Info("identity established",
		"mode", mode,
		"device_id", state.DeviceID,
		"tenant", state.TenantID)
	return state, private, nil
}

func exchange(ctx context.Context, client *Client, mode, candidateID string, public ed25519.PublicKey, token string) (*State, error) {
	response, err := client.Enroll(ctx, center.EnrollRequest{
		Mode:        mode,
		CandidateID: candidateID,
		PublicKey:   public,
		Token:       token,
	})
	if err != nil {
		return nil, err
	}

	device, err := ref.ParseDeviceID(response.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("agent: center returned bad device ID: %w", err)
	}
	tenant, err := ref.ParseTenantID(response.TenantID)
	if err != nil {
		return nil, fmt.Errorf("agent: center returned bad tenant: %w", err)
	}
	group, err := ref.ParseGroupID(response.GroupID)
	if err != nil {
		return nil, fmt.Errorf("agent: center returned bad group: %w", err)
	}
	if len(response.AuthorityKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("agent: center returned %d-byte authority key, want %d",
			len(response.AuthorityKey), ed25519.PublicKeySize)
	}
	return &State{
		DeviceID:     device,
		TenantID:     tenant,
		GroupID:      group,
		AuthorityKey: response.AuthorityKey,
	}, nil
}

// isDuplicate matches the center's duplicate-candidate refusal, which
// arrives over HTTP as a 409 with the error text.
func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "409")
}
