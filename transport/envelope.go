// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/halcyon-fleet/halcyon/lib/codec"
	"github.com/halcyon-fleet/halcyon/work"
)

// Envelope is the wire frame for every message on the broker and the
// pull protocol: a subject plus a CBOR payload whose shape the
// message type determines.
type Envelope struct {
	Subject string           `cbor:"1,keyasint"`
	SentAt  int64            `cbor:"2,keyasint"`
	Payload codec.RawMessage `cbor:"3,keyasint"`
}

// NewEnvelope wraps payload for subject. The payload is encoded
// immediately so a malformed message fails at the sender, with
// context, rather than at every receiver.
func NewEnvelope(subject Subject, sentAt int64, payload any) (Envelope, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encoding %s payload: %w", subject.MessageType, err)
	}
	return Envelope{
		Subject: subject.String(),
		SentAt:  sentAt,
		Payload: codec.RawMessage(encoded),
	}, nil
}

// ParsedSubject parses the envelope's subject.
func (e Envelope) ParsedSubject() (Subject, error) {
	return ParseSubject(e.Subject)
}

// WorkUnit decodes the payload of a MessageWork envelope.
func (e Envelope) WorkUnit() (*work.Unit, error) {
	var unit work.Unit
	if err := codec.Unmarshal(e.Payload, &unit); err != nil {
		return nil, fmt.Errorf("transport: decoding work payload: %w", err)
	}
	return &unit, nil
}

// Result decodes the payload of a MessageResult envelope.
func (e Envelope) Result() (*work.Result, error) {
	var result work.Result
	if err := codec.Unmarshal(e.Payload, &result); err != nil {
		return nil, fmt.Errorf("transport: decoding result payload: %w", err)
	}
	return &result, nil
}
