// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
	"github.com/halcyon-fleet/halcyon/lib/ref"
)

func testEnroller(t *testing.T) (*Enroller, *clock.Fake) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "identity.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fake := clock.NewFake()
	return NewEnroller(EnrollerConfig{Store: store, Clock: fake}), fake
}

func testTenantGroup(t *testing.T) (ref.TenantID, ref.GroupID) {
	t.Helper()
	tenant, err := ref.ParseTenantID("acme-corp")
	if err != nil {
		t.Fatalf("ParseTenantID: %v", err)
	}
	group, err := ref.ParseGroupID("workstations")
	if err != nil {
		t.Fatalf("ParseGroupID: %v", err)
	}
	return tenant, group
}

func testKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	public, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return public
}

func TestEnrollHappyPath(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	ident, err := enroller.Enroll(ctx, "host-7f3a", testKey(t), token)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if ident.DeviceID.IsZero() {
		t.Error("enrolled identity has zero device ID")
	}
	if ident.TenantID != tenant || ident.GroupID != group {
		t.Errorf("identity scope = %v/%v, want %v/%v", ident.TenantID, ident.GroupID, tenant, group)
	}

	looked, err := enroller.Lookup(ctx, ident.DeviceID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if looked.CandidateID != "host-7f3a" {
		t.Errorf("CandidateID = %q, want host-7f3a", looked.CandidateID)
	}
}

func TestEnrollTokenSingleUse(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := enroller.Enroll(ctx, "host-a", testKey(t), token); err != nil {
		t.Fatalf("first Enroll: %v", err)
	}
	if _, err := enroller.Enroll(ctx, "host-b", testKey(t), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second Enroll with consumed token: err = %v, want ErrInvalidToken", err)
	}
}

func TestEnrollTokenExpires(t *testing.T) {
	enroller, fake := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	fake.Advance(2 * time.Hour)
	if _, err := enroller.Enroll(ctx, "host-late", testKey(t), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Enroll with expired token: err = %v, want ErrInvalidToken", err)
	}
}

func TestEnrollRejectsWeakKey(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	short := make(ed25519.PublicKey, 16)
	if _, err := enroller.Enroll(ctx, "host-weak", short, token); !errors.Is(err, ErrWeakKey) {
		t.Errorf("short key: err = %v, want ErrWeakKey", err)
	}

	zero := make(ed25519.PublicKey, ed25519.PublicKeySize)
	if _, err := enroller.Enroll(ctx, "host-zero", zero, token); !errors.Is(err, ErrWeakKey) {
		t.Errorf("all-zero key: err = %v, want ErrWeakKey", err)
	}
}

func TestEnrollRejectsDuplicateCandidate(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := enroller.Enroll(ctx, "host-dup", testKey(t), token); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	second, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := enroller.Enroll(ctx, "host-dup", testKey(t), second); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("duplicate candidate: err = %v, want ErrDuplicateIdentity", err)
	}
}

func TestResumeRequiresMatchingKey(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	key := testKey(t)
	ident, err := enroller.Enroll(ctx, "host-resume", key, token)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	resumed, err := enroller.Resume(ctx, "host-resume", key)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.DeviceID != ident.DeviceID {
		t.Errorf("Resume returned device %v, want %v", resumed.DeviceID, ident.DeviceID)
	}

	if _, err := enroller.Resume(ctx, "host-resume", testKey(t)); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Resume with wrong key: err = %v, want ErrKeyMismatch", err)
	}
}

func TestReissueRevokesOldIdentity(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	old, err := enroller.Enroll(ctx, "host-reinstall", testKey(t), token)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	reissueToken, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	fresh, err := enroller.Reissue(ctx, "host-reinstall", testKey(t), reissueToken)
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	if fresh.DeviceID == old.DeviceID {
		t.Error("Reissue kept the old device ID")
	}

	if _, err := enroller.Lookup(ctx, old.DeviceID); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("old identity after reissue: err = %v, want ErrUnknownDevice", err)
	}
}

func TestDecommission(t *testing.T) {
	enroller, _ := testEnroller(t)
	tenant, group := testTenantGroup(t)
	ctx := context.Background()

	token, err := enroller.IssueToken(ctx, tenant, group, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ident, err := enroller.Enroll(ctx, "host-gone", testKey(t), token)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	if err := enroller.Decommission(ctx, ident.DeviceID); err != nil {
		t.Fatalf("Decommission: %v", err)
	}
	if _, err := enroller.Lookup(ctx, ident.DeviceID); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("after decommission: err = %v, want ErrUnknownDevice", err)
	}
	if err := enroller.Decommission(ctx, ident.DeviceID); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("double decommission: err = %v, want ErrUnknownDevice", err)
	}
}

func TestKeypairPersistence(t *testing.T) {
	dir := t.TempDir()

	public, private, generated, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeypair: %v", err)
	}
	if !generated {
		t.Error("first call should generate")
	}

	public2, private2, generated2, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("second LoadOrGenerateKeypair: %v", err)
	}
	if generated2 {
		t.Error("second call should load, not generate")
	}
	if !public.Equal(public2) || !private.Equal(private2) {
		t.Error("loaded keypair differs from generated one")
	}
}
