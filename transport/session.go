// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/halcyon-fleet/halcyon/lib/clock"
)

// Stream is one live push connection. Receive blocks until an
// envelope arrives, the stream fails, or ctx is done.
type Stream interface {
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// Dialer opens push connections. The agent's dialer performs the
// HTTP subscribe; tests substitute an in-process one.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Dialer Dialer

	// Handle is called for every received envelope, on the session
	// goroutine. A returned error is logged and the envelope dropped;
	// the stream stays up.
	Handle func(ctx context.Context, envelope Envelope) error

	// InitialBackoff and MaxBackoff bound the reconnect delay. The
	// delay doubles on each consecutive failure and resets once a
	// connection delivers an envelope. Defaults: 1s and 2m.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session keeps a push connection alive for the life of its context:
// dial, receive until the stream fails, back off, redial. The pull
// loop runs regardless, so a session outage degrades latency, never
// delivery.
type Session struct {
	dialer         Dialer
	handle         func(ctx context.Context, envelope Envelope) error
	initialBackoff time.Duration
	maxBackoff     time.Duration
	clock          clock.Clock
	logger         *slog.Logger
}

// NewSession creates a Session. Panics on missing required
// configuration.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Dialer == nil {
		panic("transport: SessionConfig.Dialer is required")
	}
	if cfg.Handle == nil {
		panic("transport: SessionConfig.Handle is required")
	}
	if cfg.Logger == nil {
		panic("transport: SessionConfig.Logger is required")
	}
	initial := cfg.InitialBackoff
	if initial == 0 {
		initial = time.Second
	}
	maximum := cfg.MaxBackoff
	if maximum == 0 {
		maximum = 2 * time.Minute
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	return &Session{
		dialer:         cfg.Dialer,
		handle:         cfg.Handle,
		initialBackoff: initial,
		maxBackoff:     maximum,
		clock:          cl,
		logger:         cfg.Logger,
	}
}

// Run drives the session until ctx is done. Always returns
// ctx.Err(); every other failure is retried.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stream, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("push dial failed, retrying",
				"error", err,
				"backoff", backoff)
			if !s.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		delivered := s.consume(ctx, stream)
		if delivered {
			backoff = s.initialBackoff
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = s.nextBackoff(backoff)
	}
}

// consume receives from stream until it fails. Reports whether at
// least one envelope was delivered, which resets the backoff.
func (s *Session) consume(ctx context.Context, stream Stream) bool {
	defer stream.Close()
	delivered := false
	for {
		envelope, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Warn("push stream failed", "error", err)
			}
			return delivered
		}
		delivered = true
		if err := s.handle(ctx, envelope); err != nil {
			s.logger.Error("envelope handler failed",
				"subject", envelope.Subject,
				"error", err)
		}
	}
}

// sleep waits for the backoff plus up to 50% jitter, so a fleet cut
// off by the same outage does not reconnect in lockstep. Reports
// false when ctx ended the wait.
func (s *Session) sleep(ctx context.Context, backoff time.Duration) bool {
	jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(jittered):
		return true
	}
}

func (s *Session) nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	return backoff
}
