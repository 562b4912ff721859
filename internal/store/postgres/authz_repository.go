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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authgate/authgate/internal/authz"
)

// RoleRepository implements authz.RoleRepository
type RoleRepository struct {
	db *DB
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// Create creates a new role
func (r *RoleRepository) Create(ctx context.Context, role *authz.Role) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, is_system, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, role.ID, role.Name, role.Description, role.IsSystem, role.IsActive, role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return authz.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to insert role: %w", err)
	}
	return nil
}

// GetByID retrieves a role by id
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*authz.Role, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByName retrieves a role by name
func (r *RoleRepository) GetByName(ctx context.Context, name string) (*authz.Role, error) {
	return r.getOne(ctx, "name = $1", name)
}

func (r *RoleRepository) getOne(ctx context.Context, where string, arg any) (*authz.Role, error) {
	var role authz.Role
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, name, description, is_system, is_active, created_at, updated_at
		FROM roles WHERE `+where, arg,
	).Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authz.ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// Update persists role changes
func (r *RoleRepository) Update(ctx context.Context, role *authz.Role) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE roles SET name = $2, description = $3, is_active = $4, updated_at = $5
		WHERE id = $1
	`, role.ID, role.Name, role.Description, role.IsActive, role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return authz.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrRoleNotFound
	}
	return nil
}

// Delete removes a role; assignments cascade at the schema level
func (r *RoleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrRoleNotFound
	}
	return nil
}

// List retrieves all roles
func (r *RoleRepository) List(ctx context.Context) ([]*authz.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, description, is_system, is_active, created_at, updated_at
		FROM roles ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*authz.Role
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// AddPermission attaches a permission to a role
func (r *RoleRepository) AddPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to attach permission: %w", err)
	}
	return nil
}

// RemovePermission detaches a permission from a role
func (r *RoleRepository) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to detach permission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrAssignmentNotFound
	}
	return nil
}

// ListPermissions retrieves the permissions attached to a role
func (r *RoleRepository) ListPermissions(ctx context.Context, roleID string) ([]*authz.Permission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT p.id, p.name, p.description, p.resource, p.action, p.type, p.is_active, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// PermissionRepository implements authz.PermissionRepository
type PermissionRepository struct {
	db *DB
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// Create creates a new permission
func (r *PermissionRepository) Create(ctx context.Context, p *authz.Permission) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO permissions (id, name, description, resource, action, type, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Name, p.Description, p.Resource, p.Action, p.Type, p.IsActive, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return authz.ErrPermissionAlreadyExists
		}
		return fmt.Errorf("failed to insert permission: %w", err)
	}
	return nil
}

// GetByID retrieves a permission by id
func (r *PermissionRepository) GetByID(ctx context.Context, id string) (*authz.Permission, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByName retrieves a permission by name
func (r *PermissionRepository) GetByName(ctx context.Context, name string) (*authz.Permission, error) {
	return r.getOne(ctx, "name = $1", name)
}

func (r *PermissionRepository) getOne(ctx context.Context, where string, arg any) (*authz.Permission, error) {
	var p authz.Permission
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, name, description, resource, action, type, is_active, created_at, updated_at
		FROM permissions WHERE `+where, arg,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Resource, &p.Action, &p.Type, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authz.ErrPermissionNotFound
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return &p, nil
}

// Update persists permission changes
func (r *PermissionRepository) Update(ctx context.Context, p *authz.Permission) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE permissions SET description = $2, is_active = $3, updated_at = $4
		WHERE id = $1
	`, p.ID, p.Description, p.IsActive, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrPermissionNotFound
	}
	return nil
}

// Delete removes a permission; role links and grants cascade
func (r *PermissionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrPermissionNotFound
	}
	return nil
}

// List retrieves all permissions
func (r *PermissionRepository) List(ctx context.Context) ([]*authz.Permission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, description, resource, action, type, is_active, created_at, updated_at
		FROM permissions ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// AssignmentRepository implements authz.AssignmentRepository
type AssignmentRepository struct {
	db *DB
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// AssignRole grants a role to a user
func (r *AssignmentRepository) AssignRole(ctx context.Context, userID, roleID, assignedBy string) error {
	result, err := r.db.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT DO NOTHING
	`, userID, roleID, assignedBy)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrAssignmentAlreadyExists
	}
	return nil
}

// RevokeRole removes a role from a user
func (r *AssignmentRepository) RevokeRole(ctx context.Context, userID, roleID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2
	`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrAssignmentNotFound
	}
	return nil
}

// ListRolesForUser retrieves all roles assigned to a user
func (r *AssignmentRepository) ListRolesForUser(ctx context.Context, userID string) ([]*authz.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.is_system, r.is_active, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	var roles []*authz.Role
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// ListUsersForRole retrieves user ids holding a role
func (r *AssignmentRepository) ListUsersForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT user_id FROM user_roles WHERE role_id = $1
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role holders: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// GrantPermission grants a permission directly to a user
func (r *AssignmentRepository) GrantPermission(ctx context.Context, userID, permissionID, grantedBy string, expiresAt *time.Time) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO direct_grants (user_id, permission_id, granted_by, granted_at, expires_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW(), $4)
		ON CONFLICT (user_id, permission_id) DO UPDATE SET
			granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at
	`, userID, permissionID, grantedBy, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// RevokePermission removes a direct grant
func (r *AssignmentRepository) RevokePermission(ctx context.Context, userID, permissionID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM direct_grants WHERE user_id = $1 AND permission_id = $2
	`, userID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to revoke direct grant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrAssignmentNotFound
	}
	return nil
}

// ListDirectGrants retrieves a user's direct grants, expired included
func (r *AssignmentRepository) ListDirectGrants(ctx context.Context, userID string) ([]*authz.DirectGrant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT g.user_id, g.granted_by, g.granted_at, g.expires_at,
			p.id, p.name, p.description, p.resource, p.action, p.type, p.is_active, p.created_at, p.updated_at
		FROM direct_grants g
		JOIN permissions p ON p.id = g.permission_id
		WHERE g.user_id = $1
		ORDER BY g.granted_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct grants: %w", err)
	}
	defer rows.Close()

	var grants []*authz.DirectGrant
	for rows.Next() {
		var grant authz.DirectGrant
		var grantedBy sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(
			&grant.UserID, &grantedBy, &grant.GrantedAt, &expiresAt,
			&grant.Permission.ID, &grant.Permission.Name, &grant.Permission.Description,
			&grant.Permission.Resource, &grant.Permission.Action, &grant.Permission.Type,
			&grant.Permission.IsActive, &grant.Permission.CreatedAt, &grant.Permission.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan direct grant: %w", err)
		}
		grant.GrantedBy = grantedBy.String
		if expiresAt.Valid {
			grant.ExpiresAt = &expiresAt.Time
		}
		grants = append(grants, &grant)
	}
	return grants, rows.Err()
}

// ScopeRepository implements authz.ScopeRepository
type ScopeRepository struct {
	db *DB
}

// NewScopeRepository creates a new scope repository
func NewScopeRepository(db *DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

// Create registers a scope
func (r *ScopeRepository) Create(ctx context.Context, scope *authz.Scope) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO scopes (id, name, description, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, scope.ID, scope.Name, scope.Description, scope.IsDefault, scope.CreatedAt, scope.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return authz.ErrScopeAlreadyExists
		}
		return fmt.Errorf("failed to insert scope: %w", err)
	}
	return nil
}

// GetByName retrieves a scope by name
func (r *ScopeRepository) GetByName(ctx context.Context, name string) (*authz.Scope, error) {
	var scope authz.Scope
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, name, description, is_default, created_at, updated_at
		FROM scopes WHERE name = $1
	`, name).Scan(&scope.ID, &scope.Name, &scope.Description, &scope.IsDefault, &scope.CreatedAt, &scope.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authz.ErrScopeNotFound
		}
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	return &scope, nil
}

// Update persists scope changes
func (r *ScopeRepository) Update(ctx context.Context, scope *authz.Scope) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE scopes SET description = $2, is_default = $3, updated_at = $4
		WHERE id = $1
	`, scope.ID, scope.Description, scope.IsDefault, scope.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update scope: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrScopeNotFound
	}
	return nil
}

// Delete removes a scope
func (r *ScopeRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM scopes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scope: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrScopeNotFound
	}
	return nil
}

// List retrieves all registered scopes
func (r *ScopeRepository) List(ctx context.Context) ([]*authz.Scope, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, description, is_default, created_at, updated_at
		FROM scopes ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*authz.Scope
	for rows.Next() {
		var scope authz.Scope
		if err := rows.Scan(&scope.ID, &scope.Name, &scope.Description, &scope.IsDefault, &scope.CreatedAt, &scope.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, &scope)
	}
	return scopes, rows.Err()
}

func scanPermissions(rows pgx.Rows) ([]*authz.Permission, error) {
	var perms []*authz.Permission
	for rows.Next() {
		var p authz.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Resource, &p.Action, &p.Type, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}
