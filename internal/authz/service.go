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

package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/id"
)

// Service provides authorization decisions and role/permission admin
type Service struct {
	roles       RoleRepository
	permissions PermissionRepository
	assignments AssignmentRepository
	scopes      ScopeRepository
	audit       audit.Logger
}

// NewService creates an authorization service
func NewService(roles RoleRepository, permissions PermissionRepository, assignments AssignmentRepository, scopes ScopeRepository, auditLogger audit.Logger) *Service {
	return &Service{
		roles:       roles,
		permissions: permissions,
		assignments: assignments,
		scopes:      scopes,
		audit:       auditLogger,
	}
}

// EffectivePermissions computes the permission set that gets frozen
// into an access token at mint time: the active permissions of the
// user's active roles, plus unexpired direct grants. Sorted for
// deterministic claims.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	set := make(map[string]struct{})

	roles, err := s.assignments.ListRolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		perms, err := s.roles.ListPermissions(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list role permissions: %w", err)
		}
		for _, p := range perms {
			if p.IsActive {
				set[p.Name] = struct{}{}
			}
		}
	}

	grants, err := s.assignments.ListDirectGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct grants: %w", err)
	}
	now := time.Now()
	for _, g := range grants {
		if !g.Expired(now) && g.Permission.IsActive {
			set[g.Permission.Name] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// HasPermission checks a frozen permission list against a requirement.
// The token's permissions claim is authoritative for its lifetime;
// this never consults the database.
func HasPermission(granted []string, required string) bool {
	for _, p := range granted {
		if p == PermissionWildcard || p == required {
			return true
		}
	}
	return false
}

// Authorize returns ErrAccessDenied unless the granted set covers the
// required permission.
func (s *Service) Authorize(ctx context.Context, granted []string, required string) error {
	if HasPermission(granted, required) {
		return nil
	}

	event := audit.Failure(audit.ActionAccessDenied, nil)
	event.Metadata = map[string]any{audit.AttrReason: required}
	s.audit.Log(ctx, event)
	return ErrAccessDenied
}

// --- Role administration ---

// CreateRole creates a custom role.
func (s *Service) CreateRole(ctx context.Context, actorID, name, description string) (*Role, error) {
	if _, err := s.roles.GetByName(ctx, name); err == nil {
		return nil, ErrRoleAlreadyExists
	} else if !errors.Is(err, ErrRoleNotFound) {
		return nil, fmt.Errorf("failed to check role: %w", err)
	}

	now := time.Now()
	role := &Role{
		ID:          id.NewUUIDv7(),
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.roles.Create(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	s.auditResource(ctx, audit.ActionRoleCreated, actorID, "role", role.ID)
	return role, nil
}

// UpdateRole changes a role's description or active flag. System
// roles cannot be renamed or deactivated.
func (s *Service) UpdateRole(ctx context.Context, actorID, roleID string, description *string, isActive *bool) (*Role, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem && isActive != nil && !*isActive {
		return nil, ErrSystemRoleImmutable
	}

	if description != nil {
		role.Description = *description
	}
	if isActive != nil {
		role.IsActive = *isActive
	}
	role.UpdatedAt = time.Now()
	if err := s.roles.Update(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}

	s.auditResource(ctx, audit.ActionRoleUpdated, actorID, "role", role.ID)
	return role, nil
}

// DeleteRole removes a custom role and all its assignments.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID string) error {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRoleImmutable
	}
	if err := s.roles.Delete(ctx, roleID); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	s.auditResource(ctx, audit.ActionRoleDeleted, actorID, "role", roleID)
	return nil
}

// GetRole retrieves a role with its permissions.
func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, []*Permission, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	perms, err := s.roles.ListPermissions(ctx, roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	return role, perms, nil
}

// ListRoles retrieves all roles.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.roles.List(ctx)
}

// SetRolePermission attaches or detaches a permission on a role.
func (s *Service) SetRolePermission(ctx context.Context, actorID, roleID, permissionID string, attach bool) error {
	if _, err := s.roles.GetByID(ctx, roleID); err != nil {
		return err
	}
	if _, err := s.permissions.GetByID(ctx, permissionID); err != nil {
		return err
	}

	if attach {
		if err := s.roles.AddPermission(ctx, roleID, permissionID); err != nil {
			return fmt.Errorf("failed to add role permission: %w", err)
		}
	} else {
		if err := s.roles.RemovePermission(ctx, roleID, permissionID); err != nil {
			return fmt.Errorf("failed to remove role permission: %w", err)
		}
	}

	s.auditResource(ctx, audit.ActionRoleUpdated, actorID, "role", roleID)
	return nil
}

// AssignRole grants a role to a user.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID string) error {
	if _, err := s.roles.GetByID(ctx, roleID); err != nil {
		return err
	}
	if err := s.assignments.AssignRole(ctx, userID, roleID, actorID); err != nil {
		return err
	}

	event := audit.Success(audit.ActionRoleAssigned)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "role"
	event.ResourceID = roleID
	s.audit.Log(ctx, event)
	return nil
}

// RevokeRole removes a role from a user.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, roleID string) error {
	if err := s.assignments.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}

	event := audit.Success(audit.ActionRoleRevoked)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "role"
	event.ResourceID = roleID
	s.audit.Log(ctx, event)
	return nil
}

// UserRoles retrieves the roles assigned to a user.
func (s *Service) UserRoles(ctx context.Context, userID string) ([]*Role, error) {
	return s.assignments.ListRolesForUser(ctx, userID)
}

// --- Permission administration ---

// CreatePermission registers a permission. The name must be in
// resource:action form.
func (s *Service) CreatePermission(ctx context.Context, actorID, name, description string) (*Permission, error) {
	resource, action, ok := splitPermissionName(name)
	if !ok {
		return nil, ErrInvalidPermissionName
	}
	if _, err := s.permissions.GetByName(ctx, name); err == nil {
		return nil, ErrPermissionAlreadyExists
	} else if !errors.Is(err, ErrPermissionNotFound) {
		return nil, fmt.Errorf("failed to check permission: %w", err)
	}

	now := time.Now()
	perm := &Permission{
		ID:          id.NewUUIDv7(),
		Name:        name,
		Description: description,
		Resource:    resource,
		Action:      action,
		Type:        PermTypeAPI,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.permissions.Create(ctx, perm); err != nil {
		return nil, fmt.Errorf("failed to create permission: %w", err)
	}

	s.auditResource(ctx, audit.ActionPermCreated, actorID, "permission", perm.ID)
	return perm, nil
}

// UpdatePermission changes a permission's description or active flag.
func (s *Service) UpdatePermission(ctx context.Context, actorID, permissionID string, description *string, isActive *bool) (*Permission, error) {
	perm, err := s.permissions.GetByID(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if description != nil {
		perm.Description = *description
	}
	if isActive != nil {
		perm.IsActive = *isActive
	}
	perm.UpdatedAt = time.Now()
	if err := s.permissions.Update(ctx, perm); err != nil {
		return nil, fmt.Errorf("failed to update permission: %w", err)
	}

	s.auditResource(ctx, audit.ActionPermUpdated, actorID, "permission", permissionID)
	return perm, nil
}

// DeletePermission removes a permission everywhere.
func (s *Service) DeletePermission(ctx context.Context, actorID, permissionID string) error {
	if _, err := s.permissions.GetByID(ctx, permissionID); err != nil {
		return err
	}
	if err := s.permissions.Delete(ctx, permissionID); err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}

	s.auditResource(ctx, audit.ActionPermDeleted, actorID, "permission", permissionID)
	return nil
}

// ListPermissions retrieves all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	return s.permissions.List(ctx)
}

// GrantPermission grants a permission directly to a user, optionally
// time-bounded. The grant takes effect on the next token mint; tokens
// already issued keep their frozen claim.
func (s *Service) GrantPermission(ctx context.Context, actorID, userID, permissionID string, expiresAt *time.Time) error {
	if _, err := s.permissions.GetByID(ctx, permissionID); err != nil {
		return err
	}
	if err := s.assignments.GrantPermission(ctx, userID, permissionID, actorID, expiresAt); err != nil {
		return err
	}

	event := audit.Success(audit.ActionPermGranted)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "permission"
	event.ResourceID = permissionID
	s.audit.Log(ctx, event)
	return nil
}

// RevokePermission removes a direct grant.
func (s *Service) RevokePermission(ctx context.Context, actorID, userID, permissionID string) error {
	if err := s.assignments.RevokePermission(ctx, userID, permissionID); err != nil {
		return err
	}

	event := audit.Success(audit.ActionPermRevoked)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "permission"
	event.ResourceID = permissionID
	s.audit.Log(ctx, event)
	return nil
}

// --- Scope registry ---

// CreateScope registers an OAuth scope.
func (s *Service) CreateScope(ctx context.Context, actorID, name, description string, isDefault bool) (*Scope, error) {
	if _, err := s.scopes.GetByName(ctx, name); err == nil {
		return nil, ErrScopeAlreadyExists
	} else if !errors.Is(err, ErrScopeNotFound) {
		return nil, fmt.Errorf("failed to check scope: %w", err)
	}

	now := time.Now()
	scope := &Scope{
		ID:          id.NewUUIDv7(),
		Name:        name,
		Description: description,
		IsDefault:   isDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.scopes.Create(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to create scope: %w", err)
	}

	s.auditResource(ctx, audit.ActionScopeCreated, actorID, "scope", scope.ID)
	return scope, nil
}

// UpdateScope changes a scope's description or default flag.
func (s *Service) UpdateScope(ctx context.Context, actorID, name string, description *string, isDefault *bool) (*Scope, error) {
	scope, err := s.scopes.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if description != nil {
		scope.Description = *description
	}
	if isDefault != nil {
		scope.IsDefault = *isDefault
	}
	scope.UpdatedAt = time.Now()
	if err := s.scopes.Update(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to update scope: %w", err)
	}

	s.auditResource(ctx, audit.ActionScopeUpdated, actorID, "scope", scope.ID)
	return scope, nil
}

// DeleteScope removes a scope from the registry.
func (s *Service) DeleteScope(ctx context.Context, actorID, name string) error {
	scope, err := s.scopes.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.scopes.Delete(ctx, scope.ID); err != nil {
		return fmt.Errorf("failed to delete scope: %w", err)
	}

	s.auditResource(ctx, audit.ActionScopeDeleted, actorID, "scope", scope.ID)
	return nil
}

// ListScopes retrieves all registered scopes.
func (s *Service) ListScopes(ctx context.Context) ([]*Scope, error) {
	return s.scopes.List(ctx)
}

func (s *Service) auditResource(ctx context.Context, action, actorID, resourceType, resourceID string) {
	event := audit.Success(action)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	s.audit.Log(ctx, event)
}

func splitPermissionName(name string) (resource, action string, ok bool) {
	i := strings.IndexByte(name, ':')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	resource, action = name[:i], name[i+1:]
	if strings.ContainsAny(resource, " :") || strings.ContainsAny(action, " ") {
		return "", "", false
	}
	return resource, action, true
}
