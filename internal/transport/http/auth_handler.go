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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/authgate/authgate/internal/identity"
	"github.com/authgate/authgate/internal/oauth2"
)

// respondIdentityError maps identity domain errors onto the admin
// envelope. Unknown errors become opaque 500s.
func respondIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, identity.ErrUserAlreadyExists):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrAccountLocked),
		errors.Is(err, identity.ErrAccountInactive):
		respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrInvalidUsername),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrPasswordReuse):
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, identity.ErrSelfLockout):
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a user account
// @Summary Register a new user
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body registerRequest true "Registration data"
// @Success 201 {object} Envelope
// @Failure 400 {object} Envelope
// @Failure 409 {object} Envelope
// @Router /auth/register [post]
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.identity.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		respondIdentityError(w, err)
		return
	}
	respondData(w, http.StatusCreated, user)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// Login authenticates with username and password and issues tokens on
// behalf of a first-party client.
// @Summary Password login
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body loginRequest true "Credentials"
// @Success 200 {object} Envelope{data=oauth2.TokenResponse}
// @Failure 401 {object} Envelope
// @Router /auth/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	client, err := h.clients.GetByClientID(r.Context(), req.ClientID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unknown client")
		return
	}

	user, err := h.identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondIdentityError(w, err)
		return
	}

	resp, err := h.tokens.IssueForUser(r.Context(), client, user.ID, req.Scope)
	if err != nil {
		var perr *oauth2.Error
		if errors.As(err, &perr) {
			respondError(w, http.StatusBadRequest, perr.Code, perr.Description)
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "token issuance failed")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondData(w, http.StatusOK, resp)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Logout revokes the caller's presented refresh token and its
// descendants.
// @Summary Logout
// @Tags Auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body logoutRequest true "Refresh token to revoke"
// @Success 200 {object} Envelope
// @Failure 401 {object} Envelope
// @Router /auth/logout [post]
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	// Unknown, foreign and already-revoked tokens all land in the same
	// end state, so the outcome is not distinguished to the caller.
	_ = h.tokens.Logout(r.Context(), GetUserID(r.Context()), req.RefreshToken)
	respondMessage(w, http.StatusOK, "logged out")
}

type meResponse struct {
	User        *identity.User `json:"user"`
	ClientID    string         `json:"client_id"`
	Scope       string         `json:"scope"`
	Permissions []string       `json:"permissions"`
}

// Me returns the authenticated user's profile and token grants
// @Summary Current user
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Envelope{data=meResponse}
// @Failure 401 {object} Envelope
// @Router /auth/me [get]
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.identity.Get(ctx, GetUserID(ctx))
	if err != nil {
		respondIdentityError(w, err)
		return
	}
	respondData(w, http.StatusOK, meResponse{
		User:        user,
		ClientID:    GetClientID(ctx),
		Scope:       GetScope(ctx),
		Permissions: GetPermissions(ctx),
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword rotates the caller's password. All outstanding tokens
// for the user are revoked on success.
// @Summary Change password
// @Tags Auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body changePasswordRequest true "Password change"
// @Success 200 {object} Envelope
// @Failure 400 {object} Envelope
// @Failure 401 {object} Envelope
// @Router /auth/change-password [post]
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.identity.ChangePassword(r.Context(), GetUserID(r.Context()), req.CurrentPassword, req.NewPassword); err != nil {
		respondIdentityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "password changed")
}
