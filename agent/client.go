// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/halcyon-fleet/halcyon/center"
	"github.com/halcyon-fleet/halcyon/lib/codec"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/transport"
)

// Client speaks the center's agent API: CBOR bodies, Ed25519 request
// signatures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	privateKey ed25519.PrivateKey
}

// NewClient creates a client for the center at baseURL, signing
// requests with the device key.
func NewClient(baseURL string, privateKey ed25519.PrivateKey) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Pull requests are small; the push stream overrides this
			// per-request.
			Timeout: 30 * time.Second,
		},
		privateKey: privateKey,
	}
}

// apiError decodes the center's JSON error body.
func apiError(response *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("agent: center returned %d: %s", response.StatusCode, body.Error)
	}
	return fmt.Errorf("agent: center returned %d", response.StatusCode)
}

// Enroll performs one enrollment exchange in the given mode
// ("enroll", "resume", or "reissue").
func (c *Client) Enroll(ctx context.Context, request center.EnrollRequest) (*center.EnrollResponse, error) {
	body, err := codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("agent: encoding enroll request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enroll", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/cbor")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("agent: enroll: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, apiError(response)
	}

	var enrolled center.EnrollResponse
	if err := codec.NewDecoder(response.Body).Decode(&enrolled); err != nil {
		return nil, fmt.Errorf("agent: decoding enroll response: %w", err)
	}
	return &enrolled, nil
}

// Pull performs one signed poll.
func (c *Client) Pull(ctx context.Context, request transport.PullRequest) (*transport.PullResponse, error) {
	body, err := codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("agent: encoding pull request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/pull", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/cbor")
	c.sign(httpRequest, body)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("agent: pull: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, apiError(response)
	}

	var pull transport.PullResponse
	if err := codec.NewDecoder(response.Body).Decode(&pull); err != nil {
		return nil, fmt.Errorf("agent: decoding pull response: %w", err)
	}
	return &pull, nil
}

func (c *Client) sign(request *http.Request, payload []byte) {
	signature := ed25519.Sign(c.privateKey, payload)
	request.Header.Set(center.SignatureHeader, base64.RawURLEncoding.EncodeToString(signature))
}

// PushDialer adapts the push endpoint to the transport session's
// Dialer.
type PushDialer struct {
	client *Client
	device ref.DeviceID
}

// NewPushDialer creates a dialer for the device's push stream.
func (c *Client) NewPushDialer(device ref.DeviceID) *PushDialer {
	return &PushDialer{client: c, device: device}
}

// Dial opens the push stream. The returned stream decodes the CBOR
// envelope sequence the center writes.
func (d *PushDialer) Dial(ctx context.Context) (transport.Stream, error) {
	url := d.client.baseURL + "/v1/push/" + d.device.String()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	sentAt := time.Now().Unix()
	request.Header.Set(center.TimestampHeader, strconv.FormatInt(sentAt, 10))
	d.client.sign(request, center.PushPayload(d.device, sentAt))

	// No request timeout here: the push connection stays open until
	// the stream ends.
	streamClient := &http.Client{}
	response, err := streamClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("agent: push dial: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, apiError(response)
	}
	return &pushStream{body: response.Body, decoder: codec.NewDecoder(response.Body)}, nil
}

type pushStream struct {
	body    io.ReadCloser
	decoder *codec.Decoder
}

func (s *pushStream) Receive(ctx context.Context) (transport.Envelope, error) {
	var envelope transport.Envelope
	if err := s.decoder.Decode(&envelope); err != nil {
		return transport.Envelope{}, err
	}
	return envelope, nil
}

func (s *pushStream) Close() error {
	return s.body.Close()
}
