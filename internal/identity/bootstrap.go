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

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/authz"
)

const (
	EnvBootstrapAdminUsername = "AUTHGATE_BOOTSTRAP_ADMIN_USERNAME"
	EnvBootstrapAdminEmail    = "AUTHGATE_BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminPassword = "AUTHGATE_BOOTSTRAP_ADMIN_PASSWORD"
)

// BootstrapService creates the initial administrator account when the
// bootstrap environment variables are present and the account does not
// exist yet. Runs once at startup; a no-op on every later start.
type BootstrapService struct {
	identity    *Service
	roles       authz.RoleRepository
	assignments authz.AssignmentRepository
	audit       audit.Logger
}

// NewBootstrapService creates a bootstrap service
func NewBootstrapService(identity *Service, roles authz.RoleRepository, assignments authz.AssignmentRepository, auditLogger audit.Logger) *BootstrapService {
	return &BootstrapService{
		identity:    identity,
		roles:       roles,
		assignments: assignments,
		audit:       auditLogger,
	}
}

// Bootstrap provisions the initial admin if configured.
func (s *BootstrapService) Bootstrap(ctx context.Context) error {
	username := os.Getenv(EnvBootstrapAdminUsername)
	email := os.Getenv(EnvBootstrapAdminEmail)
	password := os.Getenv(EnvBootstrapAdminPassword)

	if username == "" && email == "" {
		return nil
	}
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("bootstrap admin requires %s, %s and %s",
			EnvBootstrapAdminUsername, EnvBootstrapAdminEmail, EnvBootstrapAdminPassword)
	}

	if existing, err := s.identity.users.GetByUsername(ctx, username); err == nil {
		slog.InfoContext(ctx, "bootstrap admin already exists",
			slog.String("component", "identity"),
			slog.String("user_id", existing.ID),
		)
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("failed to check bootstrap admin: %w", err)
	}

	user, err := s.identity.Register(ctx, username, email, password)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap admin: %w", err)
	}

	role, err := s.roles.GetByName(ctx, authz.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to look up admin role: %w", err)
	}
	if err := s.assignments.AssignRole(ctx, user.ID, role.ID, user.ID); err != nil {
		return fmt.Errorf("failed to assign admin role: %w", err)
	}

	event := audit.Success(audit.ActionRoleAssigned)
	event.ActorType = audit.ActorSystem
	event.UserID = user.ID
	event.ResourceType = "role"
	event.ResourceID = role.ID
	event.Metadata = map[string]any{audit.AttrReason: "bootstrap"}
	s.audit.Log(ctx, event)

	slog.InfoContext(ctx, "bootstrap admin created",
		slog.String("component", "identity"),
		slog.String("user_id", user.ID),
	)
	return nil
}
