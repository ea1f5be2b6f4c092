// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/lib/testutil"
)

func testBroker() *MemoryBroker {
	return NewMemoryBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustTenant(t *testing.T, name string) ref.TenantID {
	t.Helper()
	tenant, err := ref.ParseTenantID(name)
	if err != nil {
		t.Fatalf("parsing tenant %q: %v", name, err)
	}
	return tenant
}

func TestBrokerDeliversToSubscriber(t *testing.T) {
	broker := testBroker()
	tenant := mustTenant(t, "acme")
	device := ref.NewDeviceID()

	subject, err := NewSubject(tenant, device, MessageWork)
	if err != nil {
		t.Fatalf("NewSubject: %v", err)
	}
	sub, err := broker.Subscribe(tenant, subject)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	envelope, err := NewEnvelope(subject, 1767225600, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := broker.Publish(envelope); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	received := testutil.RequireReceive(t, sub.Envelopes(), time.Second, "waiting for envelope")
	if received.Subject != subject.String() {
		t.Fatalf("received subject %q, want %q", received.Subject, subject)
	}
}

func TestBrokerRejectsCrossTenantSubscribe(t *testing.T) {
	broker := testBroker()
	acme := mustTenant(t, "acme")
	rival := mustTenant(t, "rival")
	device := ref.NewDeviceID()

	subject, err := NewSubject(acme, device, MessageWork)
	if err != nil {
		t.Fatalf("NewSubject: %v", err)
	}
	_, err = broker.Subscribe(rival, subject)
	if !errors.Is(err, ErrCrossTenant) {
		t.Fatalf("cross-tenant Subscribe = %v, want ErrCrossTenant", err)
	}
}

func TestBrokerIsolatesTenants(t *testing.T) {
	broker := testBroker()
	acme := mustTenant(t, "acme")
	rival := mustTenant(t, "rival")
	device := ref.NewDeviceID()

	// Same device ID under both tenants: only the matching tenant's
	// subject receives the publish.
	acmeSubject, _ := NewSubject(acme, device, MessageWork)
	rivalSubject, _ := NewSubject(rival, device, MessageWork)

	acmeSub, err := broker.Subscribe(acme, acmeSubject)
	if err != nil {
		t.Fatalf("Subscribe acme: %v", err)
	}
	defer acmeSub.Cancel()
	rivalSub, err := broker.Subscribe(rival, rivalSubject)
	if err != nil {
		t.Fatalf("Subscribe rival: %v", err)
	}
	defer rivalSub.Cancel()

	envelope, err := NewEnvelope(acmeSubject, 1767225600, "payload")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := broker.Publish(envelope); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	testutil.RequireReceive(t, acmeSub.Envelopes(), time.Second, "waiting for acme envelope")
	select {
	case envelope := <-rivalSub.Envelopes():
		t.Fatalf("rival tenant received %q", envelope.Subject)
	default:
	}
}

func TestBrokerDropsWhenSubscriberSlow(t *testing.T) {
	broker := testBroker()
	tenant := mustTenant(t, "acme")
	subject, _ := NewSubject(tenant, ref.NewDeviceID(), MessageWork)

	sub, err := broker.Subscribe(tenant, subject)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	envelope, _ := NewEnvelope(subject, 0, "x")
	for range subscriptionBuffer + 5 {
		if err := broker.Publish(envelope); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// The buffer holds exactly subscriptionBuffer envelopes; the rest
	// were dropped rather than blocking the publisher.
	for range subscriptionBuffer {
		testutil.RequireReceive(t, sub.Envelopes(), time.Second, "draining buffered envelopes")
	}
	select {
	case <-sub.Envelopes():
		t.Fatal("received more envelopes than the buffer holds")
	default:
	}
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	broker := testBroker()
	tenant := mustTenant(t, "acme")
	subject, _ := NewSubject(tenant, ref.NewDeviceID(), MessageWork)

	sub, err := broker.Subscribe(tenant, subject)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	broker.Close()

	select {
	case _, ok := <-sub.Envelopes():
		if ok {
			t.Fatal("received an envelope after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}

	if _, err := broker.Subscribe(tenant, subject); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrBrokerClosed", err)
	}
}
