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
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authgate/authgate/internal/identity"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// parsePage reads limit/offset query parameters with bounds applied.
func parsePage(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseBoolParam(r *http.Request, name string) *bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// ListUsers lists user accounts
// @Summary List users
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param username query string false "Filter by username"
// @Param email query string false "Filter by email"
// @Param is_active query bool false "Filter by active state"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} Envelope{data=[]identity.User}
// @Router /users [get]
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	users, total, err := h.identity.List(r.Context(), identity.Filter{
		Username: r.URL.Query().Get("username"),
		Email:    r.URL.Query().Get("email"),
		IsActive: parseBoolParam(r, "is_active"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}
	if users == nil {
		users = []*identity.User{}
	}
	respondPage(w, users, total, limit, offset)
}

// GetUser fetches one user
// @Summary Get user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} Envelope{data=identity.User}
// @Failure 404 {object} Envelope
// @Router /users/{userID} [get]
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.identity.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondIdentityError(w, err)
		return
	}
	respondData(w, http.StatusOK, user)
}

type createUserRequest struct {
	Username           string `json:"username"`
	Email              string `json:"email"`
	Password           string `json:"password"`
	EmailVerified      bool   `json:"email_verified"`
	MustChangePassword bool   `json:"must_change_password"`
}

// CreateUser provisions a user account administratively
// @Summary Create user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createUserRequest true "User data"
// @Success 201 {object} Envelope{data=identity.User}
// @Failure 400 {object} Envelope
// @Failure 409 {object} Envelope
// @Router /users [post]
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.identity.Create(r.Context(), GetUserID(r.Context()), identity.CreateInput{
		Username:           req.Username,
		Email:              req.Email,
		Password:           req.Password,
		EmailVerified:      req.EmailVerified,
		MustChangePassword: req.MustChangePassword,
	})
	if err != nil {
		respondIdentityError(w, err)
		return
	}
	respondData(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Email         *string `json:"email,omitempty"`
	EmailVerified *bool   `json:"email_verified,omitempty"`
}

// UpdateUser applies administrative changes to a user
// @Summary Update user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param request body updateUserRequest true "Fields to update"
// @Success 200 {object} Envelope{data=identity.User}
// @Failure 404 {object} Envelope
// @Router /users/{userID} [put]
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.identity.Update(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID"), identity.UpdateInput{
		Email:         req.Email,
		EmailVerified: req.EmailVerified,
	})
	if err != nil {
		respondIdentityError(w, err)
		return
	}
	respondData(w, http.StatusOK, user)
}

// DeleteUser removes a user and revokes all their tokens
// @Summary Delete user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /users/{userID} [delete]
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.Delete(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID")); err != nil {
		respondIdentityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "user deleted")
}

// ActivateUser re-enables a deactivated account
// @Summary Activate user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} Envelope
// @Router /users/{userID}/activate [post]
func (h *Handler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.Activate(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID")); err != nil {
		respondIdentityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "user activated")
}

// DeactivateUser disables an account and revokes its tokens
// @Summary Deactivate user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} Envelope
// @Router /users/{userID}/deactivate [post]
func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.Deactivate(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID")); err != nil {
		respondIdentityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "user deactivated")
}

type lockUserRequest struct {
	Until           *time.Time `json:"until,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
}

// LockUser places a timed lockout on an account
// @Summary Lock user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param request body lockUserRequest true "Lockout deadline"
// @Success 200 {object} Envelope
// @Failure 400 {object} Envelope
// @Router /users/{userID}/lock [post]
func (h *Handler) LockUser(w http.ResponseWriter, r *http.Request) {
	var req lockUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var until time.Time
	switch {
	case req.Until != nil:
		until = *req.Until
	case req.DurationMinutes > 0:
		until = time.Now().Add(time.Duration(req.DurationMinutes) * time.Minute)
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "until or duration_minutes is required")
		return
	}

	if err := h.identity.Lock(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID"), until); err != nil {
		respondIdentityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "user locked")
}

// UnlockUser clears a lockout
// @Summary Unlock user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} Envelope
// @Router /users/{userID}/unlock [post]
func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.Unlock(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID")); err != nil {
		respondIdentityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "user unlocked")
}
