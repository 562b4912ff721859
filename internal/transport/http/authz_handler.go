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

	"github.com/authgate/authgate/internal/authz"
)

// respondAuthzError maps authz domain errors onto the admin envelope.
func respondAuthzError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrRoleNotFound),
		errors.Is(err, authz.ErrPermissionNotFound),
		errors.Is(err, authz.ErrScopeNotFound),
		errors.Is(err, authz.ErrAssignmentNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, authz.ErrRoleAlreadyExists),
		errors.Is(err, authz.ErrPermissionAlreadyExists),
		errors.Is(err, authz.ErrScopeAlreadyExists),
		errors.Is(err, authz.ErrAssignmentAlreadyExists):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, authz.ErrInvalidPermissionName),
		errors.Is(err, authz.ErrSystemRoleImmutable):
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// --- Roles ---

// ListRoles lists all roles
// @Summary List roles
// @Tags Roles
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Envelope{data=[]authz.Role}
// @Router /roles [get]
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.authz.ListRoles(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list roles")
		return
	}
	if roles == nil {
		roles = []*authz.Role{}
	}
	respondData(w, http.StatusOK, roles)
}

type roleDetail struct {
	Role        *authz.Role         `json:"role"`
	Permissions []*authz.Permission `json:"permissions"`
}

// GetRole fetches a role and its attached permissions
// @Summary Get role
// @Tags Roles
// @Produce json
// @Security BearerAuth
// @Param roleID path string true "Role ID"
// @Success 200 {object} Envelope{data=roleDetail}
// @Failure 404 {object} Envelope
// @Router /roles/{roleID} [get]
func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, perms, err := h.authz.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	if perms == nil {
		perms = []*authz.Permission{}
	}
	respondData(w, http.StatusOK, roleDetail{Role: role, Permissions: perms})
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateRole creates a role
// @Summary Create role
// @Tags Roles
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createRoleRequest true "Role data"
// @Success 201 {object} Envelope{data=authz.Role}
// @Failure 409 {object} Envelope
// @Router /roles [post]
func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, err := h.authz.CreateRole(r.Context(), GetUserID(r.Context()), req.Name, req.Description)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondData(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// UpdateRole updates a role's description or active state
// @Summary Update role
// @Tags Roles
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param roleID path string true "Role ID"
// @Param request body updateRoleRequest true "Fields to update"
// @Success 200 {object} Envelope{data=authz.Role}
// @Failure 404 {object} Envelope
// @Router /roles/{roleID} [put]
func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, err := h.authz.UpdateRole(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "roleID"), req.Description, req.IsActive)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondData(w, http.StatusOK, role)
}

// DeleteRole removes a role
// @Summary Delete role
// @Tags Roles
// @Produce json
// @Security BearerAuth
// @Param roleID path string true "Role ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /roles/{roleID} [delete]
func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.authz.DeleteRole(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "roleID")); err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "role deleted")
}

type rolePermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

// AttachRolePermission attaches a permission to a role
// @Summary Attach permission to role
// @Tags Roles
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param roleID path string true "Role ID"
// @Param request body rolePermissionRequest true "Permission to attach"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /roles/{roleID}/permissions [post]
func (h *Handler) AttachRolePermission(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.authz.SetRolePermission(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "roleID"), req.PermissionID, true)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "permission attached")
}

// DetachRolePermission detaches a permission from a role
// @Summary Detach permission from role
// @Tags Roles
// @Produce json
// @Security BearerAuth
// @Param roleID path string true "Role ID"
// @Param permissionID path string true "Permission ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /roles/{roleID}/permissions/{permissionID} [delete]
func (h *Handler) DetachRolePermission(w http.ResponseWriter, r *http.Request) {
	err := h.authz.SetRolePermission(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"), false)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "permission detached")
}

// --- User role and permission assignment ---

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

// AssignRole assigns a role to a user. Takes effect on the user's next
// token issuance.
// @Summary Assign role to user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param request body assignRoleRequest true "Role to assign"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Failure 409 {object} Envelope
// @Router /users/{userID}/roles [post]
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.authz.AssignRole(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID"), req.RoleID)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "role assigned")
}

// RevokeRole removes a role from a user
// @Summary Revoke role from user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param roleID path string true "Role ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /users/{userID}/roles/{roleID} [delete]
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	err := h.authz.RevokeRole(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "role revoked")
}

// ListUserRoles lists a user's assigned roles
// @Summary List user roles
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} Envelope{data=[]authz.Role}
// @Router /users/{userID}/roles [get]
func (h *Handler) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.authz.UserRoles(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list user roles")
		return
	}
	if roles == nil {
		roles = []*authz.Role{}
	}
	respondData(w, http.StatusOK, roles)
}

type grantPermissionRequest struct {
	PermissionID string     `json:"permission_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// GrantPermission grants a permission directly to a user, optionally
// with an expiry.
// @Summary Grant permission to user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param request body grantPermissionRequest true "Permission grant"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /users/{userID}/permissions [post]
func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.authz.GrantPermission(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID"), req.PermissionID, req.ExpiresAt)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "permission granted")
}

// RevokePermission removes a direct permission grant from a user
// @Summary Revoke permission from user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param permissionID path string true "Permission ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /users/{userID}/permissions/{permissionID} [delete]
func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	err := h.authz.RevokePermission(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID"), chi.URLParam(r, "permissionID"))
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "permission revoked")
}

// --- Permissions ---

// ListPermissions lists all permissions
// @Summary List permissions
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Envelope{data=[]authz.Permission}
// @Router /permissions [get]
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.authz.ListPermissions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list permissions")
		return
	}
	if perms == nil {
		perms = []*authz.Permission{}
	}
	respondData(w, http.StatusOK, perms)
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreatePermission creates a permission in resource:action form
// @Summary Create permission
// @Tags Permissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createPermissionRequest true "Permission data"
// @Success 201 {object} Envelope{data=authz.Permission}
// @Failure 400 {object} Envelope
// @Failure 409 {object} Envelope
// @Router /permissions [post]
func (h *Handler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	perm, err := h.authz.CreatePermission(r.Context(), GetUserID(r.Context()), req.Name, req.Description)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondData(w, http.StatusCreated, perm)
}

type updatePermissionRequest struct {
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// UpdatePermission updates a permission's description or active state
// @Summary Update permission
// @Tags Permissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param permissionID path string true "Permission ID"
// @Param request body updatePermissionRequest true "Fields to update"
// @Success 200 {object} Envelope{data=authz.Permission}
// @Failure 404 {object} Envelope
// @Router /permissions/{permissionID} [put]
func (h *Handler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	perm, err := h.authz.UpdatePermission(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "permissionID"), req.Description, req.IsActive)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondData(w, http.StatusOK, perm)
}

// DeletePermission removes a permission
// @Summary Delete permission
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param permissionID path string true "Permission ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /permissions/{permissionID} [delete]
func (h *Handler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.authz.DeletePermission(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "permissionID")); err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "permission deleted")
}

// --- Scopes ---

// ListScopes lists all OAuth scopes
// @Summary List scopes
// @Tags Scopes
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Envelope{data=[]authz.Scope}
// @Router /scopes [get]
func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.authz.ListScopes(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list scopes")
		return
	}
	if scopes == nil {
		scopes = []*authz.Scope{}
	}
	respondData(w, http.StatusOK, scopes)
}

type createScopeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"is_default"`
}

// CreateScope registers an OAuth scope
// @Summary Create scope
// @Tags Scopes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createScopeRequest true "Scope data"
// @Success 201 {object} Envelope{data=authz.Scope}
// @Failure 409 {object} Envelope
// @Router /scopes [post]
func (h *Handler) CreateScope(w http.ResponseWriter, r *http.Request) {
	var req createScopeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scope, err := h.authz.CreateScope(r.Context(), GetUserID(r.Context()), req.Name, req.Description, req.IsDefault)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondData(w, http.StatusCreated, scope)
}

type updateScopeRequest struct {
	Description *string `json:"description,omitempty"`
	IsDefault   *bool   `json:"is_default,omitempty"`
}

// UpdateScope updates a scope's description or default flag
// @Summary Update scope
// @Tags Scopes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param name path string true "Scope name"
// @Param request body updateScopeRequest true "Fields to update"
// @Success 200 {object} Envelope{data=authz.Scope}
// @Failure 404 {object} Envelope
// @Router /scopes/{name} [put]
func (h *Handler) UpdateScope(w http.ResponseWriter, r *http.Request) {
	var req updateScopeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scope, err := h.authz.UpdateScope(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "name"), req.Description, req.IsDefault)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondData(w, http.StatusOK, scope)
}

// DeleteScope removes a scope
// @Summary Delete scope
// @Tags Scopes
// @Produce json
// @Security BearerAuth
// @Param name path string true "Scope name"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /scopes/{name} [delete]
func (h *Handler) DeleteScope(w http.ResponseWriter, r *http.Request) {
	if err := h.authz.DeleteScope(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "name")); err != nil {
		respondAuthzError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "scope deleted")
}
