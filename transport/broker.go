// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/halcyon-fleet/halcyon/lib/ref"
)

// Errors returned by brokers.
var (
	// ErrCrossTenant is returned when a subscriber's tenant does not
	// match the subject's tenant. This is the structural isolation
	// boundary: it is checked once, at subscribe time, and no message
	// ever flows on a subscription that failed it.
	ErrCrossTenant = errors.New("transport: subject belongs to another tenant")

	// ErrBrokerClosed is returned after Close.
	ErrBrokerClosed = errors.New("transport: broker is closed")
)

// Broker routes envelopes from publishers to subject subscribers.
type Broker interface {
	// Publish delivers an envelope to every current subscriber of its
	// subject. Delivery is best-effort: the pull path is the reliable
	// backstop, so a slow subscriber loses the push, not the work.
	Publish(envelope Envelope) error

	// Subscribe opens a subscription to one subject on behalf of a
	// principal authorized for subscriberTenant. Returns
	// ErrCrossTenant if the subject names a different tenant.
	Subscribe(subscriberTenant ref.TenantID, subject Subject) (*Subscription, error)
}

// Subscription is one open subject subscription. Receive from
// Envelopes until it is closed; call Cancel when done.
type Subscription struct {
	subject Subject
	ch      chan Envelope
	cancel  func()
	once    sync.Once
}

// Envelopes is the delivery channel. Closed when the subscription is
// cancelled or the broker shuts down.
func (s *Subscription) Envelopes() <-chan Envelope { return s.ch }

// Subject returns the subscribed subject.
func (s *Subscription) Subject() Subject { return s.subject }

// Cancel tears the subscription down. Safe to call more than once.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// subscriptionBuffer is the per-subscription queue depth. A push
// subscriber that falls this far behind loses envelopes to the pull
// backstop.
const subscriptionBuffer = 16

// MemoryBroker is the in-process Broker used when the center and its
// transport endpoints share a process. Safe for concurrent use.
type MemoryBroker struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		panic("transport: NewMemoryBroker requires a logger")
	}
	return &MemoryBroker{
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe implements Broker. The tenant check happens here and only
// here: once a subscription exists it is known tenant-correct, so the
// publish path never needs to re-authorize.
func (b *MemoryBroker) Subscribe(subscriberTenant ref.TenantID, subject Subject) (*Subscription, error) {
	if subscriberTenant.IsZero() {
		return nil, fmt.Errorf("transport: subscriber tenant is required")
	}
	if subject.TenantID != subscriberTenant {
		return nil, fmt.Errorf("%w: subject %s, subscriber tenant %s",
			ErrCrossTenant, subject, subscriberTenant)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	key := subject.String()
	sub := &Subscription{
		subject: subject,
		ch:      make(chan Envelope, subscriptionBuffer),
	}
	sub.cancel = func() { b.drop(key, sub) }

	if b.subs[key] == nil {
		b.subs[key] = make(map[*Subscription]struct{})
	}
	b.subs[key][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) drop(key string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[key]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.ch)
			if len(set) == 0 {
				delete(b.subs, key)
			}
		}
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(envelope Envelope) error {
	subject, err := envelope.ParsedSubject()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	for sub := range b.subs[subject.String()] {
		select {
		case sub.ch <- envelope:
		default:
			// Full buffer. The subscriber catches up via pull.
			b.logger.Warn("dropping envelope for slow subscriber",
				"subject", envelope.Subject)
		}
	}
	return nil
}

// Close shuts the broker down and closes every subscription channel.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, key)
	}
}
