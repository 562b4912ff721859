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
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/id"
)

// TokenRevoker invalidates issued credentials when an account is
// disabled. Wired to the oauth2 token service at startup.
type TokenRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) error
}

// LockoutPolicy bounds repeated failed logins
type LockoutPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Duration    time.Duration
}

// Service implements user account management
type Service struct {
	users      UserRepository
	audit      audit.Logger
	revoker    TokenRevoker
	bcryptCost int
	lockout    LockoutPolicy
}

// NewService creates an identity service
func NewService(users UserRepository, auditLogger audit.Logger, bcryptCost int, lockout LockoutPolicy) *Service {
	if lockout.MaxAttempts <= 0 {
		lockout.MaxAttempts = 5
	}
	if lockout.Window <= 0 {
		lockout.Window = 15 * time.Minute
	}
	if lockout.Duration <= 0 {
		lockout.Duration = 15 * time.Minute
	}
	return &Service{
		users:      users,
		audit:      auditLogger,
		bcryptCost: bcryptCost,
		lockout:    lockout,
	}
}

// SetTokenRevoker wires the token service; called once at startup to
// break the construction cycle between identity and oauth2.
func (s *Service) SetTokenRevoker(r TokenRevoker) {
	s.revoker = r
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Register creates a self-service user account. The email address is
// stored lowercased so uniqueness is case-insensitive.
func (s *Service) Register(ctx context.Context, username, email, password string) (*User, error) {
	email = strings.ToLower(email)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &User{
		ID:           id.NewUUIDv7(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	event := audit.Success(audit.ActionUserRegistered)
	event.ActorType = audit.ActorUser
	event.ActorID = user.ID
	event.UserID = user.ID
	event.ResourceType = "user"
	event.ResourceID = user.ID
	s.audit.Log(ctx, event)

	return user, nil
}

// Authenticate verifies a username/password pair, enforcing the
// lockout policy. Lookup by unknown username still costs a bcrypt
// comparison so response timing does not reveal account existence.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			s.auditLoginFailure(ctx, "", username, "unknown user")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	now := time.Now()
	if user.Locked(now) {
		s.auditLoginFailure(ctx, user.ID, username, "account locked")
		return nil, ErrAccountLocked
	}
	if !user.IsActive {
		s.auditLoginFailure(ctx, user.ID, username, "account deactivated")
		return nil, ErrAccountInactive
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordFailedAttempt(ctx, user, now)
		return nil, ErrInvalidCredentials
	}

	// Successful login resets the failure counter.
	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		user.FailedLoginAttempts = 0
		user.LastFailedLoginAt = nil
		user.LockedUntil = nil
		user.UpdatedAt = now
		if err := s.users.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to reset lockout state: %w", err)
		}
	}

	event := audit.Success(audit.ActionLoginSuccess)
	event.ActorType = audit.ActorUser
	event.ActorID = user.ID
	event.UserID = user.ID
	s.audit.Log(ctx, event)

	return user, nil
}

// recordFailedAttempt advances the lockout counter and locks the
// account when the policy threshold is crossed inside the window.
func (s *Service) recordFailedAttempt(ctx context.Context, user *User, now time.Time) {
	if user.LastFailedLoginAt == nil || now.Sub(*user.LastFailedLoginAt) > s.lockout.Window {
		user.FailedLoginAttempts = 0
	}
	user.FailedLoginAttempts++
	user.LastFailedLoginAt = &now
	user.UpdatedAt = now

	reason := "bad password"
	if user.FailedLoginAttempts >= s.lockout.MaxAttempts {
		until := now.Add(s.lockout.Duration)
		user.LockedUntil = &until
		reason = "bad password; account locked"

		event := audit.Success(audit.ActionUserLocked)
		event.ActorType = audit.ActorSystem
		event.UserID = user.ID
		event.ResourceType = "user"
		event.ResourceID = user.ID
		event.Metadata = map[string]any{
			audit.AttrReason:   "lockout threshold reached",
			audit.AttrAttempts: user.FailedLoginAttempts,
		}
		s.audit.Log(ctx, event)
	}

	if err := s.users.Update(ctx, user); err != nil {
		// Counter update failure is not fatal to the (already failed)
		// login, but must be visible.
		s.audit.Log(ctx, audit.Failure(audit.ActionLoginFailed, err))
		return
	}
	s.auditLoginFailure(ctx, user.ID, user.Username, reason)
}

func (s *Service) auditLoginFailure(ctx context.Context, userID, username, reason string) {
	event := audit.Failure(audit.ActionLoginFailed, nil)
	event.ActorType = audit.ActorUser
	event.UserID = userID
	event.ErrorMessage = reason
	event.Metadata = map[string]any{"username": username}
	s.audit.Log(ctx, event)
}

// ChangePassword verifies the current password and installs a new one.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		s.audit.Log(ctx, audit.Failure(audit.ActionPasswordChanged, ErrInvalidCredentials))
		return ErrInvalidCredentials
	}
	if currentPassword == newPassword {
		return ErrPasswordReuse
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.MustChangePassword = false
	user.UpdatedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	event := audit.Success(audit.ActionPasswordChanged)
	event.ActorType = audit.ActorUser
	event.ActorID = userID
	event.UserID = userID
	s.audit.Log(ctx, event)
	return nil
}

// CreateInput holds admin user-creation parameters
type CreateInput struct {
	Username           string
	Email              string
	Password           string
	EmailVerified      bool
	MustChangePassword bool
}

// Create provisions a user on behalf of an administrator.
func (s *Service) Create(ctx context.Context, actorID string, in CreateInput) (*User, error) {
	user, err := s.Register(ctx, in.Username, in.Email, in.Password)
	if err != nil {
		return nil, err
	}

	if in.EmailVerified || in.MustChangePassword {
		user.EmailVerified = in.EmailVerified
		user.MustChangePassword = in.MustChangePassword
		user.UpdatedAt = time.Now()
		if err := s.users.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to update user flags: %w", err)
		}
	}

	event := audit.Success(audit.ActionUserCreated)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = user.ID
	event.ResourceType = "user"
	event.ResourceID = user.ID
	s.audit.Log(ctx, event)
	return user, nil
}

// UpdateInput holds admin-updatable user fields; nil means unchanged
type UpdateInput struct {
	Email         *string
	EmailVerified *bool
}

// Update applies administrative changes to a user.
func (s *Service) Update(ctx context.Context, actorID, userID string, in UpdateInput) (*User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.Email != nil {
		email := strings.ToLower(*in.Email)
		if email != user.Email {
			if err := validateEmail(email); err != nil {
				return nil, err
			}
			if existing, err := s.users.GetByEmail(ctx, email); err == nil && existing.ID != userID {
				return nil, ErrUserAlreadyExists
			} else if err != nil && !errors.Is(err, ErrUserNotFound) {
				return nil, fmt.Errorf("failed to check email: %w", err)
			}
			user.Email = email
			user.EmailVerified = false
		}
	}
	if in.EmailVerified != nil {
		user.EmailVerified = *in.EmailVerified
	}
	user.UpdatedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	event := audit.Success(audit.ActionUserUpdated)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "user"
	event.ResourceID = userID
	s.audit.Log(ctx, event)
	return user, nil
}

// Delete removes a user and revokes everything issued to them.
func (s *Service) Delete(ctx context.Context, actorID, userID string) error {
	if actorID == userID {
		return ErrSelfLockout
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return err
	}

	if s.revoker != nil {
		if err := s.revoker.RevokeAllForUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to revoke user tokens: %w", err)
		}
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	event := audit.Success(audit.ActionUserDeleted)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.ResourceType = "user"
	event.ResourceID = userID
	s.audit.Log(ctx, event)
	return nil
}

// Deactivate disables login and revokes issued tokens.
func (s *Service) Deactivate(ctx context.Context, actorID, userID string) error {
	if actorID == userID {
		return ErrSelfLockout
	}
	return s.setActive(ctx, actorID, userID, false)
}

// Activate re-enables a deactivated account.
func (s *Service) Activate(ctx context.Context, actorID, userID string) error {
	return s.setActive(ctx, actorID, userID, true)
}

func (s *Service) setActive(ctx context.Context, actorID, userID string, active bool) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.IsActive = active
	user.UpdatedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	action := audit.ActionUserActivated
	if !active {
		action = audit.ActionUserDeactivated
		if s.revoker != nil {
			if err := s.revoker.RevokeAllForUser(ctx, userID); err != nil {
				return fmt.Errorf("failed to revoke user tokens: %w", err)
			}
		}
	}

	event := audit.Success(action)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "user"
	event.ResourceID = userID
	s.audit.Log(ctx, event)
	return nil
}

// Lock locks an account until the given time and revokes its tokens.
func (s *Service) Lock(ctx context.Context, actorID, userID string, until time.Time) error {
	if actorID == userID {
		return ErrSelfLockout
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.LockedUntil = &until
	user.UpdatedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	if s.revoker != nil {
		if err := s.revoker.RevokeAllForUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to revoke user tokens: %w", err)
		}
	}

	event := audit.Success(audit.ActionUserLocked)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "user"
	event.ResourceID = userID
	s.audit.Log(ctx, event)
	return nil
}

// Unlock clears a lockout and resets the failure counter.
func (s *Service) Unlock(ctx context.Context, actorID, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.LockedUntil = nil
	user.FailedLoginAttempts = 0
	user.LastFailedLoginAt = nil
	user.UpdatedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to unlock user: %w", err)
	}

	event := audit.Success(audit.ActionUserUnlocked)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.UserID = userID
	event.ResourceType = "user"
	event.ResourceID = userID
	s.audit.Log(ctx, event)
	return nil
}

// Get retrieves a user by id.
func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	return s.users.GetByID(ctx, userID)
}

// List retrieves users matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*User, int64, error) {
	return s.users.List(ctx, f)
}

// dummyHash keeps unknown-username comparisons on the bcrypt path.
// bcrypt hash of an unguessable random string at cost 12.
var dummyHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")

// ValidatePassword enforces the minimum password policy.
func ValidatePassword(password string) error {
	if len(password) < 8 || len(password) > 128 {
		return ErrWeakPassword
	}
	return nil
}

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 64 {
		return ErrInvalidUsername
	}
	for _, r := range username {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.') {
			return ErrInvalidUsername
		}
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	return nil
}
