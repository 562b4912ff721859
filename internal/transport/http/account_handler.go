// Copyright 2026 The AuthGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authgate/authgate/internal/oauth2"
)

// ListSessions lists the caller's active sessions. A session is an
// unexpired, unrevoked refresh token.
// @Summary List own sessions
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Envelope{data=[]oauth2.Session}
// @Router /account/sessions [get]
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.tokens.ListSessions(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*oauth2.Session{}
	}
	respondData(w, http.StatusOK, sessions)
}

// RevokeSession terminates one of the caller's sessions. Sessions
// belonging to other users are indistinguishable from missing ones.
// @Summary Revoke own session
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Param sessionID path string true "Session ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /account/sessions/{sessionID} [delete]
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	err := h.tokens.RevokeSession(r.Context(), GetUserID(r.Context()), sessionID)
	if err != nil {
		if errors.Is(err, oauth2.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to revoke session")
		return
	}
	respondMessage(w, http.StatusOK, "session revoked")
}

// ListConsents lists the caller's live consent grants
// @Summary List own consents
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Envelope{data=[]oauth2.ConsentGrant}
// @Router /account/consents [get]
func (h *Handler) ListConsents(w http.ResponseWriter, r *http.Request) {
	grants, err := h.authorize.ListConsents(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list consents")
		return
	}
	if grants == nil {
		grants = []*oauth2.ConsentGrant{}
	}
	respondData(w, http.StatusOK, grants)
}

type grantConsentRequest struct {
	ClientID  string     `json:"client_id"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GrantConsent records the caller's consent for a client and scopes.
// The consent page calls this before re-submitting the authorize
// request.
// @Summary Grant consent
// @Tags Account
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body grantConsentRequest true "Consent grant"
// @Success 201 {object} Envelope
// @Failure 400 {object} Envelope
// @Router /account/consents [post]
func (h *Handler) GrantConsent(w http.ResponseWriter, r *http.Request) {
	var req grantConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || len(req.Scopes) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "client_id and scopes are required")
		return
	}

	err := h.authorize.GrantConsent(r.Context(), GetUserID(r.Context()), req.ClientID, req.Scopes, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, oauth2.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to grant consent")
		return
	}
	respondMessage(w, http.StatusCreated, "consent granted")
}

// RevokeConsent withdraws the caller's consent for a client
// @Summary Revoke consent
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Param clientID path string true "Client ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /account/consents/{clientID} [delete]
func (h *Handler) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	err := h.authorize.RevokeConsent(r.Context(), GetUserID(r.Context()), clientID)
	if err != nil {
		if errors.Is(err, oauth2.ErrConsentNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "consent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to revoke consent")
		return
	}
	respondMessage(w, http.StatusOK, "consent revoked")
}
