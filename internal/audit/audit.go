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

// Package audit implements the security event pipeline. Every mutating
// OAuth or admin action emits exactly one event; writes are best-effort
// with respect to the user-visible response.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrEventNotFound is returned for lookups of unknown event ids.
var ErrEventNotFound = errors.New("audit event not found")

// Actor types
const (
	ActorUser    = "user"
	ActorClient  = "client"
	ActorSystem  = "system"
	ActorUnknown = "unknown"
)

// Action codes (stable strings; never rename once shipped)
const (
	ActionLoginSuccess     = "auth.login.success"
	ActionLoginFailed      = "auth.login.failed"
	ActionLogout           = "auth.logout"
	ActionUserRegistered   = "auth.register"
	ActionPasswordChanged  = "auth.password.changed"
	ActionUserCreated      = "user.created"
	ActionUserUpdated      = "user.updated"
	ActionUserDeleted      = "user.deleted"
	ActionUserDeactivated  = "user.deactivated"
	ActionUserActivated    = "user.activated"
	ActionUserLocked       = "user.locked"
	ActionUserUnlocked     = "user.unlocked"
	ActionClientCreated    = "client.created"
	ActionClientUpdated    = "client.updated"
	ActionClientDeleted    = "client.deleted"
	ActionSecretRotated    = "client.secret.rotated"
	ActionCodeIssued       = "oauth.code.issued"
	ActionTokenIssued      = "oauth.token.issued"
	ActionTokenRefreshed   = "oauth.token.refreshed"
	ActionTokenRevoked     = "oauth.token.revoked"
	ActionTokenIntrospect  = "oauth.token.introspected"
	ActionRefreshReuse     = "oauth.refresh.reuse_detected"
	ActionConsentGranted   = "oauth.consent.granted"
	ActionConsentRevoked   = "oauth.consent.revoked"
	ActionAuthorizeDenied  = "oauth.authorize.denied"
	ActionRoleCreated      = "role.created"
	ActionRoleUpdated      = "role.updated"
	ActionRoleDeleted      = "role.deleted"
	ActionRoleAssigned     = "role.assigned"
	ActionRoleRevoked      = "role.revoked"
	ActionPermCreated      = "permission.created"
	ActionPermUpdated      = "permission.updated"
	ActionPermDeleted      = "permission.deleted"
	ActionPermGranted      = "permission.granted"
	ActionPermRevoked      = "permission.revoked"
	ActionScopeCreated     = "scope.created"
	ActionScopeUpdated     = "scope.updated"
	ActionScopeDeleted     = "scope.deleted"
	ActionSessionRevoked   = "session.revoked"
	ActionBackupCreated    = "system.backup.created"
	ActionBackupRestored   = "system.backup.restored"
	ActionAccessDenied     = "access.denied"
	ActionKeyRotated       = "crypto.key.rotated"
	ActionBlacklistCleanup = "system.blacklist.cleanup"
)

// Metadata attribute keys
const (
	AttrReason   = "reason"
	AttrAttempts = "attempts"
	AttrScope    = "scope"
	AttrJTI      = "jti"
	AttrGrant    = "grant_type"
)

// Event represents an auditable action
type Event struct {
	Action       string
	ActorType    string
	ActorID      string
	UserID       string
	ClientID     string
	ResourceType string
	ResourceID   string
	Success      bool
	ErrorMessage string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
	Timestamp    time.Time
}

// Record is a persisted audit event row
type Record struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	UserID       *string        `json:"user_id,omitempty"`
	ClientID     *string        `json:"client_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   *string        `json:"resource_id,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event)
}

// Filter narrows audit queries
type Filter struct {
	Action       string
	ActorType    string
	UserID       string
	ClientID     string
	ResourceType string
	Success      *bool
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Statistics aggregates event counts over a window
type Statistics struct {
	Total       int64            `json:"total"`
	Successes   int64            `json:"successes"`
	Failures    int64            `json:"failures"`
	ByAction    map[string]int64 `json:"by_action"`
	ByActorType map[string]int64 `json:"by_actor_type"`
}

// EventRepository defines the interface for audit persistence
type EventRepository interface {
	// Append stores an event; the log is append-only.
	Append(ctx context.Context, rec *Record) error

	// GetByID retrieves a single event
	GetByID(ctx context.Context, id string) (*Record, error)

	// List retrieves events matching the filter, newest first
	List(ctx context.Context, f Filter) ([]*Record, int64, error)

	// Statistics aggregates counts over the filter window
	Statistics(ctx context.Context, f Filter) (*Statistics, error)
}

// SlogLogger implements Logger using slog only. Used in tests and as
// the inner sink of StoreLogger.
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	applyRequestInfo(ctx, &event)

	attrs := []any{
		slog.String("action", event.Action),
		slog.String("actor_type", event.ActorType),
		slog.String("actor_id", event.ActorID),
		slog.Bool("success", event.Success),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.ResourceType != "" {
		attrs = append(attrs, slog.String("resource_type", event.ResourceType))
	}
	if event.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", event.ResourceID))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error_message", event.ErrorMessage))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	// Flatten metadata
	if len(event.Metadata) > 0 {
		group := []any{}
		for k, v := range event.Metadata {
			// Redact secrets
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

// isSecret checks if a key likely contains a secret
func isSecret(key string) bool {
	secrets := []string{"password", "secret", "token", "key", "authorization", "client_assertion"}
	for _, s := range secrets {
		if key == s {
			return true
		}
	}
	return false
}
