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
	"reflect"
	"testing"
	"time"

	"github.com/authgate/authgate/internal/audit"
)

type mockAuthzStore struct {
	roles       map[string]*Role
	rolesByName map[string]*Role
	perms       map[string]*Permission
	permsByName map[string]*Permission
	rolePerms   map[string][]string // roleID -> permission IDs
	userRoles   map[string][]string // userID -> role IDs
	grants      map[string][]*DirectGrant
}

func newMockAuthzStore() *mockAuthzStore {
	return &mockAuthzStore{
		roles:       make(map[string]*Role),
		rolesByName: make(map[string]*Role),
		perms:       make(map[string]*Permission),
		permsByName: make(map[string]*Permission),
		rolePerms:   make(map[string][]string),
		userRoles:   make(map[string][]string),
		grants:      make(map[string][]*DirectGrant),
	}
}

// RoleRepository

func (m *mockAuthzStore) Create(ctx context.Context, role *Role) error {
	m.roles[role.ID] = role
	m.rolesByName[role.Name] = role
	return nil
}

func (m *mockAuthzStore) GetByID(ctx context.Context, id string) (*Role, error) {
	if r, ok := m.roles[id]; ok {
		return r, nil
	}
	return nil, ErrRoleNotFound
}

func (m *mockAuthzStore) GetByName(ctx context.Context, name string) (*Role, error) {
	if r, ok := m.rolesByName[name]; ok {
		return r, nil
	}
	return nil, ErrRoleNotFound
}

func (m *mockAuthzStore) Update(ctx context.Context, role *Role) error {
	m.roles[role.ID] = role
	m.rolesByName[role.Name] = role
	return nil
}

func (m *mockAuthzStore) Delete(ctx context.Context, id string) error {
	r, ok := m.roles[id]
	if !ok {
		return ErrRoleNotFound
	}
	delete(m.rolesByName, r.Name)
	delete(m.roles, id)
	delete(m.rolePerms, id)
	return nil
}

func (m *mockAuthzStore) List(ctx context.Context) ([]*Role, error) {
	var out []*Role
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockAuthzStore) AddPermission(ctx context.Context, roleID, permissionID string) error {
	m.rolePerms[roleID] = append(m.rolePerms[roleID], permissionID)
	return nil
}

func (m *mockAuthzStore) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	ids := m.rolePerms[roleID]
	for i, pid := range ids {
		if pid == permissionID {
			m.rolePerms[roleID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (m *mockAuthzStore) ListPermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	var out []*Permission
	for _, pid := range m.rolePerms[roleID] {
		if p, ok := m.perms[pid]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// permRepo wraps the same store for the PermissionRepository interface
// to avoid method-name collisions with RoleRepository.
type permRepo struct{ s *mockAuthzStore }

func (m permRepo) Create(ctx context.Context, p *Permission) error {
	m.s.perms[p.ID] = p
	m.s.permsByName[p.Name] = p
	return nil
}

func (m permRepo) GetByID(ctx context.Context, id string) (*Permission, error) {
	if p, ok := m.s.perms[id]; ok {
		return p, nil
	}
	return nil, ErrPermissionNotFound
}

func (m permRepo) GetByName(ctx context.Context, name string) (*Permission, error) {
	if p, ok := m.s.permsByName[name]; ok {
		return p, nil
	}
	return nil, ErrPermissionNotFound
}

func (m permRepo) Update(ctx context.Context, p *Permission) error {
	m.s.perms[p.ID] = p
	m.s.permsByName[p.Name] = p
	return nil
}

func (m permRepo) Delete(ctx context.Context, id string) error {
	p, ok := m.s.perms[id]
	if !ok {
		return ErrPermissionNotFound
	}
	delete(m.s.permsByName, p.Name)
	delete(m.s.perms, id)
	return nil
}

func (m permRepo) List(ctx context.Context) ([]*Permission, error) {
	var out []*Permission
	for _, p := range m.s.perms {
		out = append(out, p)
	}
	return out, nil
}

// assignRepo wraps the store for AssignmentRepository.
type assignRepo struct{ s *mockAuthzStore }

func (m assignRepo) AssignRole(ctx context.Context, userID, roleID, assignedBy string) error {
	for _, rid := range m.s.userRoles[userID] {
		if rid == roleID {
			return ErrAssignmentAlreadyExists
		}
	}
	m.s.userRoles[userID] = append(m.s.userRoles[userID], roleID)
	return nil
}

func (m assignRepo) RevokeRole(ctx context.Context, userID, roleID string) error {
	ids := m.s.userRoles[userID]
	for i, rid := range ids {
		if rid == roleID {
			m.s.userRoles[userID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (m assignRepo) ListRolesForUser(ctx context.Context, userID string) ([]*Role, error) {
	var out []*Role
	for _, rid := range m.s.userRoles[userID] {
		if r, ok := m.s.roles[rid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m assignRepo) ListUsersForRole(ctx context.Context, roleID string) ([]string, error) {
	var out []string
	for uid, rids := range m.s.userRoles {
		for _, rid := range rids {
			if rid == roleID {
				out = append(out, uid)
			}
		}
	}
	return out, nil
}

func (m assignRepo) GrantPermission(ctx context.Context, userID, permissionID, grantedBy string, expiresAt *time.Time) error {
	p, ok := m.s.perms[permissionID]
	if !ok {
		return ErrPermissionNotFound
	}
	m.s.grants[userID] = append(m.s.grants[userID], &DirectGrant{
		UserID:     userID,
		Permission: *p,
		GrantedBy:  grantedBy,
		GrantedAt:  time.Now(),
		ExpiresAt:  expiresAt,
	})
	return nil
}

func (m assignRepo) RevokePermission(ctx context.Context, userID, permissionID string) error {
	grants := m.s.grants[userID]
	for i, g := range grants {
		if g.Permission.ID == permissionID {
			m.s.grants[userID] = append(grants[:i], grants[i+1:]...)
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (m assignRepo) ListDirectGrants(ctx context.Context, userID string) ([]*DirectGrant, error) {
	return m.s.grants[userID], nil
}

// scopeRepo is an in-memory ScopeRepository.
type scopeRepo struct {
	byName map[string]*Scope
}

func (m *scopeRepo) Create(ctx context.Context, s *Scope) error {
	m.byName[s.Name] = s
	return nil
}

func (m *scopeRepo) GetByName(ctx context.Context, name string) (*Scope, error) {
	if s, ok := m.byName[name]; ok {
		return s, nil
	}
	return nil, ErrScopeNotFound
}

func (m *scopeRepo) Update(ctx context.Context, s *Scope) error {
	m.byName[s.Name] = s
	return nil
}

func (m *scopeRepo) Delete(ctx context.Context, id string) error {
	for name, s := range m.byName {
		if s.ID == id {
			delete(m.byName, name)
			return nil
		}
	}
	return ErrScopeNotFound
}

func (m *scopeRepo) List(ctx context.Context) ([]*Scope, error) {
	var out []*Scope
	for _, s := range m.byName {
		out = append(out, s)
	}
	return out, nil
}

func newTestAuthz() (*Service, *mockAuthzStore) {
	store := newMockAuthzStore()
	svc := NewService(store, permRepo{store}, assignRepo{store}, &scopeRepo{byName: make(map[string]*Scope)}, audit.NewSlogLogger())
	return svc, store
}

// TestPurpose: Verify the effective-permission computation.
//
// Scope: union of active-role permissions and unexpired direct grants;
// inactive roles, inactive permissions and expired grants excluded.
//
// Expected: exactly the permissions from the active role plus the live
// direct grant, sorted, with no duplicates.
func TestEffectivePermissions(t *testing.T) {
	svc, store := newTestAuthz()
	ctx := context.Background()

	readPerm, _ := svc.CreatePermission(ctx, "admin", PermUsersRead, "")
	writePerm, _ := svc.CreatePermission(ctx, "admin", PermUsersWrite, "")
	auditPerm, _ := svc.CreatePermission(ctx, "admin", PermAuditRead, "")
	inactivePerm, _ := svc.CreatePermission(ctx, "admin", PermSystemAdmin, "")
	inactivePerm.IsActive = false

	activeRole, _ := svc.CreateRole(ctx, "admin", "support", "")
	svc.SetRolePermission(ctx, "admin", activeRole.ID, readPerm.ID, true)
	svc.SetRolePermission(ctx, "admin", activeRole.ID, inactivePerm.ID, true)

	inactiveRole, _ := svc.CreateRole(ctx, "admin", "legacy", "")
	svc.SetRolePermission(ctx, "admin", inactiveRole.ID, writePerm.ID, true)
	inactiveRole.IsActive = false

	svc.AssignRole(ctx, "admin", "user-1", activeRole.ID)
	svc.AssignRole(ctx, "admin", "user-1", inactiveRole.ID)

	// Live direct grant plus an expired one.
	svc.GrantPermission(ctx, "admin", "user-1", auditPerm.ID, nil)
	expired := time.Now().Add(-time.Hour)
	store.grants["user-1"] = append(store.grants["user-1"], &DirectGrant{
		UserID:     "user-1",
		Permission: *writePerm,
		ExpiresAt:  &expired,
	})

	got, err := svc.EffectivePermissions(ctx, "user-1")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	want := []string{PermAuditRead, PermUsersRead}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEffectivePermissionsDeduplicates(t *testing.T) {
	svc, _ := newTestAuthz()
	ctx := context.Background()

	perm, _ := svc.CreatePermission(ctx, "admin", PermUsersRead, "")
	role, _ := svc.CreateRole(ctx, "admin", "support", "")
	svc.SetRolePermission(ctx, "admin", role.ID, perm.ID, true)
	svc.AssignRole(ctx, "admin", "user-1", role.ID)
	svc.GrantPermission(ctx, "admin", "user-1", perm.ID, nil)

	got, err := svc.EffectivePermissions(ctx, "user-1")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(got) != 1 || got[0] != PermUsersRead {
		t.Errorf("expected deduplicated [%s], got %v", PermUsersRead, got)
	}
}

func TestHasPermission(t *testing.T) {
	if !HasPermission([]string{PermUsersRead}, PermUsersRead) {
		t.Error("expected direct match")
	}
	if !HasPermission([]string{PermissionWildcard}, PermUsersWrite) {
		t.Error("expected wildcard match")
	}
	if HasPermission([]string{PermUsersRead}, PermUsersWrite) {
		t.Error("expected no match")
	}
	if HasPermission(nil, PermUsersRead) {
		t.Error("expected no match on empty set")
	}
}

func TestAuthorize(t *testing.T) {
	svc, _ := newTestAuthz()

	if err := svc.Authorize(context.Background(), []string{PermUsersRead}, PermUsersRead); err != nil {
		t.Errorf("expected allow, got %v", err)
	}
	if err := svc.Authorize(context.Background(), []string{PermUsersRead}, PermUsersWrite); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestRoleCRUD(t *testing.T) {
	svc, _ := newTestAuthz()
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "admin", "support", "customer support")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := svc.CreateRole(ctx, "admin", "support", ""); !errors.Is(err, ErrRoleAlreadyExists) {
		t.Errorf("expected ErrRoleAlreadyExists, got %v", err)
	}

	desc := "updated"
	updated, err := svc.UpdateRole(ctx, "admin", role.ID, &desc, nil)
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if updated.Description != "updated" {
		t.Errorf("expected description updated, got %q", updated.Description)
	}

	if err := svc.DeleteRole(ctx, "admin", role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, _, err := svc.GetRole(ctx, role.ID); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("expected ErrRoleNotFound after delete, got %v", err)
	}
}

// TestPurpose: Verify system roles cannot be deactivated or deleted.
//
// Security: the seeded admin role is load-bearing for every admin
// surface; removing it would brick the deployment.
//
// Expected: ErrSystemRoleImmutable on deactivate and delete.
func TestSystemRoleImmutable(t *testing.T) {
	svc, store := newTestAuthz()
	ctx := context.Background()

	now := time.Now()
	system := &Role{ID: RoleIDAdmin, Name: RoleAdmin, IsSystem: true, IsActive: true, CreatedAt: now, UpdatedAt: now}
	store.roles[system.ID] = system
	store.rolesByName[system.Name] = system

	inactive := false
	if _, err := svc.UpdateRole(ctx, "admin", system.ID, nil, &inactive); !errors.Is(err, ErrSystemRoleImmutable) {
		t.Errorf("expected ErrSystemRoleImmutable on deactivate, got %v", err)
	}
	if err := svc.DeleteRole(ctx, "admin", system.ID); !errors.Is(err, ErrSystemRoleImmutable) {
		t.Errorf("expected ErrSystemRoleImmutable on delete, got %v", err)
	}
}

func TestCreatePermissionValidation(t *testing.T) {
	svc, _ := newTestAuthz()
	ctx := context.Background()

	for _, bad := range []string{"no-colon", ":action", "resource:", "res ource:read", "a:b:c "} {
		if _, err := svc.CreatePermission(ctx, "admin", bad, ""); !errors.Is(err, ErrInvalidPermissionName) {
			t.Errorf("expected ErrInvalidPermissionName for %q, got %v", bad, err)
		}
	}

	perm, err := svc.CreatePermission(ctx, "admin", "reports:generate", "")
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if perm.Resource != "reports" || perm.Action != "generate" {
		t.Errorf("expected resource/action split, got %+v", perm)
	}
	if _, err := svc.CreatePermission(ctx, "admin", "reports:generate", ""); !errors.Is(err, ErrPermissionAlreadyExists) {
		t.Errorf("expected ErrPermissionAlreadyExists, got %v", err)
	}
}

func TestScopeRegistry(t *testing.T) {
	svc, _ := newTestAuthz()
	ctx := context.Background()

	scope, err := svc.CreateScope(ctx, "admin", "openid", "OIDC authentication", true)
	if err != nil {
		t.Fatalf("CreateScope: %v", err)
	}
	if !scope.IsDefault {
		t.Error("expected default scope")
	}
	if _, err := svc.CreateScope(ctx, "admin", "openid", "", false); !errors.Is(err, ErrScopeAlreadyExists) {
		t.Errorf("expected ErrScopeAlreadyExists, got %v", err)
	}

	isDefault := false
	if _, err := svc.UpdateScope(ctx, "admin", "openid", nil, &isDefault); err != nil {
		t.Fatalf("UpdateScope: %v", err)
	}
	if err := svc.DeleteScope(ctx, "admin", "openid"); err != nil {
		t.Fatalf("DeleteScope: %v", err)
	}
	if err := svc.DeleteScope(ctx, "admin", "openid"); !errors.Is(err, ErrScopeNotFound) {
		t.Errorf("expected ErrScopeNotFound, got %v", err)
	}
}
