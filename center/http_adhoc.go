// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package center

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-fleet/halcyon/lib/ref"
	"github.com/halcyon-fleet/halcyon/query"
	"github.com/halcyon-fleet/halcyon/validate"
)

// adHocWaitBudget bounds how long an HTTP request waits for a device
// to return query output. Kept under the server's write timeout so
// the caller sees a clean 504 rather than a cut connection.
const adHocWaitBudget = 25 * time.Second

type adHocQueryRequest struct {
	Body string `json:"body"`
}

type adHocQueryResponse struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated"`
}

func (a *API) handleAdHocQuery(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req adHocQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adHocWaitBudget)
	defer cancel()

	output, err := a.center.Query(ctx, device, req.Body)
	if err != nil {
		a.writeError(w, adHocStatusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, adHocQueryResponse{
		Columns:   output.Columns,
		Rows:      output.Rows,
		Truncated: output.Truncated,
	})
}

type deviceSchemaResponse struct {
	Tables []query.Table `json:"tables"`
}

func (a *API) handleDeviceSchema(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adHocWaitBudget)
	defer cancel()

	var tables []query.Table
	if r.URL.Query().Get("refresh") != "" {
		tables, err = a.center.RefreshDeviceSchema(ctx, device)
	} else {
		tables, err = a.center.DeviceSchema(ctx, device)
	}
	if err != nil {
		a.writeError(w, adHocStatusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, deviceSchemaResponse{Tables: tables})
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	device, err := ref.ParseDeviceID(r.PathValue("device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.center.NewQuerySession(r.Context(), device)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}

	id := uuid.NewString()
	a.sessMu.Lock()
	a.sessions[id] = session
	a.sessMu.Unlock()
	a.writeJSON(w, http.StatusCreated, openSessionResponse{SessionID: id})
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*query.Session, bool) {
	id := r.PathValue("session")
	a.sessMu.Lock()
	session, ok := a.sessions[id]
	a.sessMu.Unlock()
	if !ok {
		a.writeError(w, http.StatusNotFound, fmt.Errorf("unknown session %q", id))
		return nil, false
	}
	return session, true
}

type sessionStateResponse struct {
	State     string `json:"state"`
	Statement string `json:"statement,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (a *API) sessionState(session *query.Session) sessionStateResponse {
	return sessionStateResponse{
		State:     session.State().String(),
		Statement: session.Statement(),
		Reason:    session.RejectionReason(),
	}
}

func (a *API) handleSessionState(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.sessionState(session))
}

type sessionProposeRequest struct {
	Request string `json:"request"`
}

func (a *API) handleSessionPropose(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	var req sessionProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adHocWaitBudget)
	defer cancel()

	if _, err := session.Propose(ctx, req.Request); err != nil {
		a.writeError(w, adHocStatusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.sessionState(session))
}

type sessionReviseRequest struct {
	Statement string `json:"statement"`
}

func (a *API) handleSessionRevise(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	var req sessionReviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := session.Revise(req.Statement); err != nil {
		a.writeError(w, http.StatusConflict, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.sessionState(session))
}

func (a *API) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := session.Validate(); err != nil {
		var rejection *validate.RejectionError
		if errors.As(err, &rejection) {
			a.writeJSON(w, http.StatusUnprocessableEntity, a.sessionState(session))
			return
		}
		a.writeError(w, http.StatusConflict, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.sessionState(session))
}

func (a *API) handleSessionExecute(w http.ResponseWriter, r *http.Request) {
	session, ok := a.session(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adHocWaitBudget)
	defer cancel()

	output, err := session.Execute(ctx)
	if err != nil {
		a.writeError(w, adHocStatusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, adHocQueryResponse{
		Columns:   output.Columns,
		Rows:      output.Rows,
		Truncated: output.Truncated,
	})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	a.sessMu.Lock()
	delete(a.sessions, id)
	a.sessMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// adHocStatusFor maps ad-hoc failures: a deadline means the device
// never answered within the wait budget.
func adHocStatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return statusFor(err)
}
