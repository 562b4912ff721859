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

// Package authz implements role and permission management and the
// effective-permission computation used for access-token claims.
package authz

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrRoleNotFound            = errors.New("role not found")
	ErrRoleAlreadyExists       = errors.New("role already exists")
	ErrPermissionNotFound      = errors.New("permission not found")
	ErrPermissionAlreadyExists = errors.New("permission already exists")
	ErrScopeNotFound           = errors.New("scope not found")
	ErrScopeAlreadyExists      = errors.New("scope already exists")
	ErrAssignmentNotFound      = errors.New("assignment not found")
	ErrAssignmentAlreadyExists = errors.New("assignment already exists")
	ErrAccessDenied            = errors.New("access denied")
	ErrInvalidPermissionName   = errors.New("invalid permission name")
	ErrSystemRoleImmutable     = errors.New("system role cannot be modified")
)

// Role groups permissions for assignment to users
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission types
const (
	PermTypeAPI  = "api"
	PermTypeMenu = "menu"
	PermTypeData = "data"
)

// Permission is a named capability in "resource:action" form
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Type        string    `json:"type"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserRole is a role assignment
type UserRole struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// DirectGrant is a permission granted to a user outside any role,
// optionally time-bounded.
type DirectGrant struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
	GrantedBy  string     `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has lapsed.
func (g *DirectGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Scope is a registered OAuth scope
type Scope struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleRepository defines the interface for role persistence
type RoleRepository interface {
	// Create creates a new role
	Create(ctx context.Context, role *Role) error

	// GetByID retrieves a role by id
	GetByID(ctx context.Context, id string) (*Role, error)

	// GetByName retrieves a role by its unique name
	GetByName(ctx context.Context, name string) (*Role, error)

	// Update persists role changes
	Update(ctx context.Context, role *Role) error

	// Delete removes a role and its assignments
	Delete(ctx context.Context, id string) error

	// List retrieves all roles
	List(ctx context.Context) ([]*Role, error)

	// AddPermission attaches a permission to a role
	AddPermission(ctx context.Context, roleID, permissionID string) error

	// RemovePermission detaches a permission from a role
	RemovePermission(ctx context.Context, roleID, permissionID string) error

	// ListPermissions retrieves the permissions attached to a role
	ListPermissions(ctx context.Context, roleID string) ([]*Permission, error)
}

// PermissionRepository defines the interface for permission persistence
type PermissionRepository interface {
	// Create creates a new permission
	Create(ctx context.Context, permission *Permission) error

	// GetByID retrieves a permission by id
	GetByID(ctx context.Context, id string) (*Permission, error)

	// GetByName retrieves a permission by its unique name
	GetByName(ctx context.Context, name string) (*Permission, error)

	// Update persists permission changes
	Update(ctx context.Context, permission *Permission) error

	// Delete removes a permission from all roles and grants
	Delete(ctx context.Context, id string) error

	// List retrieves all permissions
	List(ctx context.Context) ([]*Permission, error)
}

// AssignmentRepository defines the interface for user-role and
// direct-grant persistence
type AssignmentRepository interface {
	// AssignRole grants a role to a user
	AssignRole(ctx context.Context, userID, roleID, assignedBy string) error

	// RevokeRole removes a role from a user
	RevokeRole(ctx context.Context, userID, roleID string) error

	// ListRolesForUser retrieves all roles assigned to a user
	ListRolesForUser(ctx context.Context, userID string) ([]*Role, error)

	// ListUsersForRole retrieves user ids holding a role
	ListUsersForRole(ctx context.Context, roleID string) ([]string, error)

	// GrantPermission grants a permission directly to a user
	GrantPermission(ctx context.Context, userID, permissionID, grantedBy string, expiresAt *time.Time) error

	// RevokePermission removes a direct grant
	RevokePermission(ctx context.Context, userID, permissionID string) error

	// ListDirectGrants retrieves a user's direct grants, expired included
	ListDirectGrants(ctx context.Context, userID string) ([]*DirectGrant, error)
}

// ScopeRepository defines the interface for the scope registry
type ScopeRepository interface {
	// Create registers a scope
	Create(ctx context.Context, scope *Scope) error

	// GetByName retrieves a scope by name
	GetByName(ctx context.Context, name string) (*Scope, error)

	// Update persists scope changes
	Update(ctx context.Context, scope *Scope) error

	// Delete removes a scope
	Delete(ctx context.Context, id string) error

	// List retrieves all registered scopes
	List(ctx context.Context) ([]*Scope, error)
}
