// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/codec"
	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/query"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// maxRequestBody caps request bodies. Result uploads dominate, and
// results are output-capped at the engine, so 4 MiB is roomy.
const maxRequestBody = 4 << 20

// API is the center's HTTP surface. Operator endpoints speak JSON;
// the agent endpoints (enroll, pull, push) speak CBOR, the same
// encoding the payloads already use on the broker.
type API struct {
	center *Center
	logger *slog.Logger
	mux    *http.ServeMux

	// DefaultTokenTTL applies to token requests that omit a TTL.
	// Zero means the request must name one.
	DefaultTokenTTL time.Duration

	// sessions holds open drafting sessions keyed by session ID.
	sessMu   sync.Mutex
	sessions map[string]*query.Session
}

// NewAPI builds the route table.
func NewAPI(center *Center, logger *slog.Logger) *API {
	if center == nil {
		panic("center: NewAPI requires a Center")
	}
	if logger == nil {
		panic("center: NewAPI requires a logger")
	}
	api := &API{
		center:   center,
		logger:   logger,
		mux:      http.NewServeMux(),
		sessions: make(map[string]*query.Session),
	}

	// Operator endpoints.
	api.mux.HandleFunc("POST /v1/tokens", api.handleIssueToken)
	api.mux.HandleFunc("POST /v1/units", api.handleSubmitUnit)
	api.mux.HandleFunc("GET /v1/devices", api.handleFleetStatus)
	api.mux.HandleFunc("DELETE /v1/devices/{device}", api.handleDecommission)
	api.mux.HandleFunc("GET /v1/results/{work}/{device}", api.handleResult)
	api.mux.HandleFunc("GET /v1/devices/{device}/results", api.handleDeviceResults)
	api.mux.HandleFunc("GET /v1/devices/{device}/results/stream", api.handleResultStream)
	api.mux.HandleFunc("GET /v1/devices/{device}/units", api.handleDeviceUnits)

	// Ad-hoc query endpoints.
	api.mux.HandleFunc("POST /v1/devices/{device}/query", api.handleAdHocQuery)
	api.mux.HandleFunc("GET /v1/devices/{device}/schema", api.handleDeviceSchema)
	api.mux.HandleFunc("POST /v1/devices/{device}/sessions", api.handleOpenSession)
	api.mux.HandleFunc("GET /v1/sessions/{session}", api.handleSessionState)
	api.mux.HandleFunc("POST /v1/sessions/{session}/propose", api.handleSessionPropose)
	api.mux.HandleFunc("POST /v1/sessions/{session}/revise", api.handleSessionRevise)
	api.mux.HandleFunc("POST /v1/sessions/{session}/validate", api.handleSessionValidate)
	api.mux.HandleFunc("POST /v1/sessions/{session}/execute", api.handleSessionExecute)
	api.mux.HandleFunc("DELETE /v1/sessions/{session}", api.handleCloseSession)

	// Agent endpoints.
	api.mux.HandleFunc("POST /v1/enroll", api.handleEnroll)
	api.mux.HandleFunc("POST /v1/pull", api.handlePull)
	api.mux.HandleFunc("GET /v1/push/{device}", api.handlePush)

	return api
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	a.mux.ServeHTTP(w, r)
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(errorBody{Error: err.Error()}); encodeErr != nil {
		a.logger.Error("writing error response", "error", encodeErr)
	}
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var rejection *validate.RejectionError
	switch {
	case errors.As(err, &rejection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrKeyMismatch):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrDuplicateIdentity):
		return http.StatusConflict
	case errors.Is(err, identity.ErrUnknownDevice),
		errors.Is(err, work.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrWeakKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("writing response", "error", err)
	}
}

func (a *API) writeCBOR(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(status)
	if err := codec.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("writing response", "error", err)
	}
}

type issueTokenRequest struct {
	Tenant     string `json:"tenant"`
	Group      string `json:"group"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	tenant, err := ref.ParseTenantID(req.Tenant)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	group, err := ref.ParseGroupID(req.Group)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds <= 0 {
		if a.DefaultTokenTTL <= 0 {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("ttl_seconds must be positive"))
			return
		}
		ttl = a.DefaultTokenTTL
	}

	token, err := a.center.Enroller().IssueToken(r.Context(), tenant, group, ttl)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusCreated, issueTokenResponse{Token: token})
}

type submitUnitRequest struct {
	Kind           string `json:"kind"`
	Body           string `json:"body"`
	Tenant         string `json:"tenant"`
	Group          string `json:"group,omitempty"`
	Device         string `json:"device,omitempty"`
	MaxExecSeconds int    `json:"max_exec_seconds"`
}

type submitUnitResponse struct {
	WorkID string `json:"work_id"`
}

func (a *API) handleSubmitUnit(w http.ResponseWriter, r *http.Request) {
	var req submitUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	tenant, err := ref.ParseTenantID(req.Tenant)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	scope := work.Scope{TenantID: tenant}
	if req.Group != "" {
		if scope.GroupID, err = ref.ParseGroupID(req.Group); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Device != "" {
		if scope.DeviceID, err = ref.ParseDeviceID(req.Device); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	unit, err := a.center.Submit(r.Context(), work.Kind(req.Kind), req.Body, scope, req.MaxExecSeconds)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusCreated, submitUnitResponse{WorkID: unit.WorkID.String()})
}

func (a *API) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	tenant, err := ref.ParseTenantID(r.URL.Query().Get("tenant"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var group ref.GroupID
	if raw := r.URL.Query().Get("group"); raw != "" {
		if group, err = ref.ParseGroupID(raw); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	statuses, err := a.center.FleetStatus(r.Context(), tenant, group)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, statuses)
}

func (a *API) handleDecommission(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.center.Decommission(r.Context(), device); err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	workID, err := ref.ParseWorkID(r.PathValue("work"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.center.ResultFor(r.Context(), workID, device)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, resultView(result))
}

func (a *API) handleDeviceResults(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := a.center.history.ResultsForDevice(r.Context(), device, 100)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	views := make([]resultJSON, 0, len(results))
	for _, result := range results {
		views = append(views, resultView(result))
	}
	a.writeJSON(w, http.StatusOK, views)
}

// resultJSON is the operator-facing view of a result. Output is
// base64 via encoding/json's []byte handling.
type resultJSON struct {
	WorkID      string `json:"work_id"`
	DeviceID    string `json:"device_id"`
	StartedAt   int64  `json:"started_at"`
	CompletedAt int64  `json:"completed_at"`
	ExitStatus  int    `json:"exit_status"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	Stdout      []byte `json:"stdout,omitempty"`
	Stderr      []byte `json:"stderr,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func resultView(result *work.Result) resultJSON {
	return resultJSON{
		WorkID:      result.WorkID.String(),
		DeviceID:    result.DeviceID.String(),
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		ExitStatus:  result.ExitStatus,
		TimedOut:    result.TimedOut,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		Truncated:   result.Truncated,
	}
}

// handleResultStream follows a device's results live: each result the
// center records is written as one JSON line. The stream ends when the
// client goes away or the server's write timeout cuts it; anything
// missed is in history.
func (a *API) handleResultStream(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub, err := a.center.Subscribe(r.Context(), device, transport.MessageResult)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case envelope, open := <-sub.Envelopes():
			if !open {
				return
			}
			result, err := envelope.Result()
			if err != nil {
				a.logger.Warn("undecodable result envelope",
					"subject", envelope.Subject,
					"error", err)
				continue
			}
			if err := encoder.Encode(resultView(result)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// unitJSON is the operator-facing audit view of an issued unit.
type unitJSON struct {
	WorkID         string `json:"work_id"`
	Kind           string `json:"kind"`
	Body           string `json:"body"`
	Tenant         string `json:"tenant"`
	Group          string `json:"group,omitempty"`
	Device         string `json:"device,omitempty"`
	MaxExecSeconds int    `json:"max_exec_seconds"`
	CreatedAt      int64  `json:"created_at"`
	AuthorityID    string `json:"authority_id"`
}

func unitView(unit *work.Unit) unitJSON {
	return unitJSON{
		WorkID:         unit.WorkID.String(),
		Kind:           string(unit.Kind),
		Body:           unit.Body,
		Tenant:         unit.Scope.TenantID.String(),
		Group:          unit.Scope.GroupID.String(),
		Device:         unit.Scope.DeviceID.String(),
		MaxExecSeconds: unit.MaxExecSeconds,
		CreatedAt:      unit.CreatedAt,
		AuthorityID:    unit.AuthorityID,
	}
}

// handleDeviceUnits serves the audit trail of units issued to a
// device: everything recorded whose scope covers it, newest first.
func (a *API) handleDeviceUnits(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	ident, err := a.center.enroller.Lookup(r.Context(), device)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	units, err := a.center.history.UnitsForDevice(r.Context(), ident.TenantID, ident.GroupID, device, 100)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	views := make([]unitJSON, 0, len(units))
	for _, unit := range units {
		views = append(views, unitView(unit))
	}
	a.writeJSON(w, http.StatusOK, views)
}

// EnrollRequest is the agent's enrollment message. Mode selects the
// path: "enroll" for first contact, "resume" for identity recovery
// with the original key, "reissue" for reinstalls with a fresh key
// and a fresh token.
type EnrollRequest struct {
	Mode        string `cbor:"1,keyasint"`
	CandidateID string `cbor:"2,keyasint"`
	PublicKey   []byte `cbor:"3,keyasint"`
	Token       string `cbor:"4,keyasint,omitempty"`
}

// EnrollResponse returns the admitted identity along with the
// authority key the agent must verify every delivered unit against.
type EnrollResponse struct {
	DeviceID     string `cbor:"1,keyasint"`
	TenantID     string `cbor:"2,keyasint"`
	GroupID      string `cbor:"3,keyasint"`
	AuthorityKey []byte `cbor:"4,keyasint"`
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	publicKey := ed25519.PublicKey(req.PublicKey)

	var (
		ident *identity.DeviceIdentity
		err   error
	)
	switch req.Mode {
	case "enroll":
		ident, err = a.center.Enroller().Enroll(r.Context(), req.CandidateID, publicKey, req.Token)
	case "resume":
		ident, err = a.center.Enroller().Resume(r.Context(), req.CandidateID, publicKey)
	case "reissue":
		ident, err = a.center.Enroller().Reissue(r.Context(), req.CandidateID, publicKey, req.Token)
	default:
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown enroll mode %q", req.Mode))
		return
	}
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeCBOR(w, http.StatusOK, EnrollResponse{
		DeviceID:     ident.DeviceID.String(),
		TenantID:     ident.TenantID.String(),
		GroupID:      ident.GroupID.String(),
		AuthorityKey: a.center.AuthorityKey(),
	})
}

// handlePull serves the scheduled pull. The body is a CBOR
// PullRequest; its signature header proves possession of the enrolled
// device key, so a stolen device ID alone cannot drain another
// device's queue or forge its results.
func (a *API) handlePull(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("reading request: %w", err))
		return
	}
	var req transport.PullRequest
	if err := codec.Unmarshal(body, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	if !a.verifyDeviceSignature(r, req.DeviceID, body) {
		a.writeError(w, http.StatusForbidden, fmt.Errorf("invalid device signature"))
		return
	}

	response, err := a.center.HandlePull(r.Context(), req)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeCBOR(w, http.StatusOK, response)
}

// SignatureHeader carries the device's Ed25519 signature over the
// request body, base64 raw-URL encoded.
const SignatureHeader = "X-Halcyon-Signature"

// TimestampHeader carries the Unix-seconds timestamp bound into the
// push signature.
const TimestampHeader = "X-Halcyon-Timestamp"

// pushSignatureWindow bounds how far a push signature's timestamp may
// drift from the server clock. Outside the window a captured
// signature is dead.
const pushSignatureWindow = 2 * time.Minute

// PushPayload is the byte string a device signs to open its push
// stream: the device ID bound to the dial timestamp.
func PushPayload(device ref.DeviceID, unixSeconds int64) []byte {
	return []byte(device.String() + "\n" + strconv.FormatInt(unixSeconds, 10))
}

func (a *API) verifyDeviceSignature(r *http.Request, device ref.DeviceID, body []byte) bool {
	signature, err := base64.RawURLEncoding.DecodeString(r.Header.Get(SignatureHeader))
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	ident, err := a.center.Enroller().Lookup(r.Context(), device)
	if err != nil {
		// Unknown devices proceed unsigned so HandlePull can answer
		// with Decommissioned; there is no key left to check against.
		return errors.Is(err, identity.ErrUnknownDevice)
	}
	return ed25519.Verify(ident.PublicKey, body, signature)
}

// handlePush streams broker envelopes for a device as a CBOR
// sequence. The stream lives until the client goes away or the
// server's write timeout cuts it; the agent's session redials either
// way, and anything missed arrives via pull.
func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sentAt, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusForbidden, fmt.Errorf("missing or malformed signature timestamp"))
		return
	}
	if drift := a.center.clock.Now().Unix() - sentAt; drift > int64(pushSignatureWindow/time.Second) ||
		drift < -int64(pushSignatureWindow/time.Second) {
		a.writeError(w, http.StatusForbidden, fmt.Errorf("signature timestamp outside window"))
		return
	}
	if !a.verifyDeviceSignature(r, device, PushPayload(device, sentAt)) {
		a.writeError(w, http.StatusForbidden, fmt.Errorf("invalid device signature"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	workSub, err := a.center.Subscribe(r.Context(), device, transport.MessageWork)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	defer workSub.Cancel()
	controlSub, err := a.center.Subscribe(r.Context(), device, transport.MessageControl)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	defer controlSub.Cancel()

	w.Header().Set("Content-Type", "application/cbor-seq")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := codec.NewEncoder(w)
	for {
		var (
			envelope transport.Envelope
			open     bool
		)
		select {
		case <-r.Context().Done():
			return
		case envelope, open = <-workSub.Envelopes():
		case envelope, open = <-controlSub.Envelopes():
		}
		if !open {
			return
		}
		if err := encoder.Encode(envelope); err != nil {
			return
		}
		flusher.Flush()
	}
}
