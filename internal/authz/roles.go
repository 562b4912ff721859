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

// Canonical role names stored in the database.
const (
	// RoleAdmin is the administrator role.
	// Permissions: * (wildcard)
	RoleAdmin = "admin"

	// RoleUser is the default role for self-registered accounts.
	RoleUser = "user"
)

// PermissionWildcard matches every permission check.
const PermissionWildcard = "*"

// Canonical permission names in resource:action form. Seeded by the
// initial schema migration.
const (
	PermUsersRead    = "users:read"
	PermUsersWrite   = "users:write"
	PermClientsRead  = "clients:read"
	PermClientsWrite = "clients:write"
	PermRolesRead    = "roles:read"
	PermRolesWrite   = "roles:write"
	PermScopesRead   = "scopes:read"
	PermScopesWrite  = "scopes:write"
	PermAuditRead    = "audit:read"
	PermSystemAdmin  = "system:admin"
)

// System-defined role IDs seeded by 001_initial_schema.up.sql. These
// UUIDs must remain stable across deployments.
const (
	RoleIDAdmin = "20000000-0000-0000-0000-000000000001"
	RoleIDUser  = "20000000-0000-0000-0000-000000000002"
)
