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

package oauth2

import (
	"context"
	"fmt"
	"time"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/token"
)

// IntrospectionResponse is the RFC 7662 response body. For any
// inactive token only Active=false is set; no detail ever leaks.
type IntrospectionResponse struct {
	Active      bool     `json:"active"`
	Scope       string   `json:"scope,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Sub         string   `json:"sub,omitempty"`
	Aud         string   `json:"aud,omitempty"`
	Iss         string   `json:"iss,omitempty"`
	Exp         int64    `json:"exp,omitempty"`
	Iat         int64    `json:"iat,omitempty"`
	JTI         string   `json:"jti,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	Username    string   `json:"username,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect implements RFC 7662. The hint only changes which
// interpretation is tried first; both are always attempted.
func (s *TokenService) Introspect(ctx context.Context, client *Client, tokenValue, hint string) (*IntrospectionResponse, error) {
	if tokenValue == "" {
		return inactive, nil
	}

	var resp *IntrospectionResponse
	if hint == "refresh_token" {
		resp = s.introspectRefresh(ctx, tokenValue)
		if resp == nil {
			resp = s.introspectAccess(ctx, tokenValue)
		}
	} else {
		resp = s.introspectAccess(ctx, tokenValue)
		if resp == nil {
			resp = s.introspectRefresh(ctx, tokenValue)
		}
	}
	if resp == nil {
		resp = inactive
	}

	event := audit.Success(audit.ActionTokenIntrospect)
	event.ActorType = audit.ActorClient
	event.ActorID = client.ClientID
	event.ClientID = client.ClientID
	event.Metadata = map[string]any{"active": resp.Active}
	s.audit.Log(ctx, event)
	return resp, nil
}

// introspectAccess returns nil when the value does not parse as an
// access token at all, and the inactive response when it does but the
// token is dead.
func (s *TokenService) introspectAccess(ctx context.Context, tokenValue string) *IntrospectionResponse {
	claims, err := s.codec.Parse(tokenValue, token.TypeAccess)
	if err != nil {
		return nil
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil || blacklisted {
		return inactive
	}

	row, err := s.access.GetByHash(ctx, token.HashToken(tokenValue))
	if err != nil || row.IsRevoked || row.IsExpired() {
		return inactive
	}

	resp := s.activeResponse(ctx, claims, token.TypeAccess, row.UserID)
	resp.Permissions = claims.Permissions
	return resp
}

func (s *TokenService) introspectRefresh(ctx context.Context, tokenValue string) *IntrospectionResponse {
	claims, err := s.codec.Parse(tokenValue, token.TypeRefresh)
	if err != nil {
		return nil
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil || blacklisted {
		return inactive
	}

	row, err := s.refresh.GetByHash(ctx, token.HashToken(tokenValue))
	if err != nil || row.IsRevoked || row.IsExpired() {
		return inactive
	}

	return s.activeResponse(ctx, claims, token.TypeRefresh, row.UserID)
}

func (s *TokenService) activeResponse(ctx context.Context, claims *token.Claims, tokenType, userID string) *IntrospectionResponse {
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Sub:       claims.Subject,
		Iss:       claims.Issuer,
		JTI:       claims.ID,
		TokenType: tokenType,
		UserID:    userID,
	}
	if len(claims.Audience) > 0 {
		resp.Aud = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.Iat = claims.IssuedAt.Unix()
	}
	if userID != "" {
		if user, err := s.users.GetByID(ctx, userID); err == nil {
			resp.Username = user.Username
		}
	}
	return resp
}

// VerifyAccess authenticates a bearer access token for the API
// surface. Signature, blacklist and row state must all pass.
func (s *TokenService) VerifyAccess(ctx context.Context, tokenValue string) (*token.Claims, error) {
	claims, err := s.codec.Parse(tokenValue, token.TypeAccess)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check blacklist: %w", err)
	}
	if blacklisted {
		return nil, ErrTokenRevoked
	}

	row, err := s.access.GetByHash(ctx, token.HashToken(tokenValue))
	if err != nil {
		return nil, ErrTokenNotFound
	}
	if row.IsRevoked {
		return nil, ErrTokenRevoked
	}
	if row.IsExpired() {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Revoke implements RFC 7009. Unknown or foreign tokens are ignored;
// the endpoint always reports success to the client.
func (s *TokenService) Revoke(ctx context.Context, client *Client, tokenValue, hint string) error {
	if tokenValue == "" {
		return nil
	}

	if hint == "refresh_token" {
		if s.revokeRefreshValue(ctx, client, tokenValue) {
			return nil
		}
		s.revokeAccessValue(ctx, client, tokenValue)
		return nil
	}
	if s.revokeAccessValue(ctx, client, tokenValue) {
		return nil
	}
	s.revokeRefreshValue(ctx, client, tokenValue)
	return nil
}

// revokeAccessValue revokes an access token and cascades to its
// issuing refresh token.
func (s *TokenService) revokeAccessValue(ctx context.Context, client *Client, tokenValue string) bool {
	if _, err := s.codec.Parse(tokenValue, token.TypeAccess); err != nil {
		return false
	}
	row, err := s.access.GetByHash(ctx, token.HashToken(tokenValue))
	if err != nil {
		return false
	}
	// Clients may only revoke their own tokens; a foreign token is
	// treated as unknown.
	if row.ClientID != client.ClientID {
		return false
	}

	if err := s.access.Revoke(ctx, row.JTI); err != nil {
		return true
	}
	s.blacklistJTI(ctx, row.JTI, token.TypeAccess, row.ExpiresAt)

	var cascaded []string
	if row.ParentRefreshJTI != "" {
		if parent, err := s.refresh.GetByJTI(ctx, row.ParentRefreshJTI); err == nil && !parent.IsRevoked {
			if err := s.refresh.Revoke(ctx, parent.JTI); err == nil {
				s.blacklistJTI(ctx, parent.JTI, token.TypeRefresh, parent.ExpiresAt)
				cascaded = append(cascaded, parent.JTI)
			}
		}
	}

	s.auditRevoked(ctx, client, row.UserID, row.JTI, token.TypeAccess, cascaded)
	return true
}

// revokeRefreshValue revokes a refresh token and cascades to every
// access token descended from it.
func (s *TokenService) revokeRefreshValue(ctx context.Context, client *Client, tokenValue string) bool {
	if _, err := s.codec.Parse(tokenValue, token.TypeRefresh); err != nil {
		return false
	}
	row, err := s.refresh.GetByHash(ctx, token.HashToken(tokenValue))
	if err != nil {
		return false
	}
	if row.ClientID != client.ClientID {
		return false
	}

	if err := s.refresh.Revoke(ctx, row.JTI); err != nil {
		return true
	}
	s.blacklistJTI(ctx, row.JTI, token.TypeRefresh, row.ExpiresAt)

	cascaded, err := s.access.RevokeByParentRefresh(ctx, row.JTI)
	if err == nil {
		for _, jti := range cascaded {
			s.blacklistJTI(ctx, jti, token.TypeAccess, row.ExpiresAt)
		}
	}

	s.auditRevoked(ctx, client, row.UserID, row.JTI, token.TypeRefresh, cascaded)
	return true
}

// Session is a user-facing view of an active refresh chain
type Session struct {
	ID        string    `json:"id"` // refresh token jti
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListSessions retrieves the user's active sessions. A session is an
// unrevoked, unexpired refresh token.
func (s *TokenService) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.refresh.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, &Session{
			ID:        row.JTI,
			ClientID:  row.ClientID,
			Scope:     row.Scope,
			CreatedAt: row.IssuedAt,
			ExpiresAt: row.ExpiresAt,
		})
	}
	return sessions, nil
}

// RevokeSession revokes one of the caller's own sessions. A session
// belonging to another user is reported as not found, never forbidden.
func (s *TokenService) RevokeSession(ctx context.Context, userID, sessionID string) error {
	row, err := s.refresh.GetByJTI(ctx, sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	if row.UserID != userID {
		return ErrSessionNotFound
	}
	if row.IsRevoked || row.IsExpired() {
		return ErrSessionNotFound
	}

	if err := s.refresh.Revoke(ctx, row.JTI); err != nil {
		return err
	}
	s.blacklistJTI(ctx, row.JTI, token.TypeRefresh, row.ExpiresAt)

	cascaded, err := s.access.RevokeByParentRefresh(ctx, row.JTI)
	if err == nil {
		for _, jti := range cascaded {
			s.blacklistJTI(ctx, jti, token.TypeAccess, row.ExpiresAt)
		}
	}

	event := audit.Success(audit.ActionSessionRevoked)
	event.ActorType = audit.ActorUser
	event.ActorID = userID
	event.UserID = userID
	event.ClientID = row.ClientID
	event.ResourceType = "session"
	event.ResourceID = row.JTI
	event.Metadata = map[string]any{"revoked_access_jtis": cascaded}
	s.audit.Log(ctx, event)
	return nil
}

// Logout revokes the presented refresh token for the calling user,
// cascading to its access tokens. A token belonging to another user is
// treated as unknown.
func (s *TokenService) Logout(ctx context.Context, userID, refreshValue string) error {
	claims, err := s.codec.Parse(refreshValue, token.TypeRefresh)
	if err != nil {
		return ErrTokenNotFound
	}
	row, err := s.refresh.GetByHash(ctx, token.HashToken(refreshValue))
	if err != nil || row.JTI != claims.ID || row.UserID != userID {
		return ErrTokenNotFound
	}

	if err := s.refresh.Revoke(ctx, row.JTI); err != nil {
		return err
	}
	s.blacklistJTI(ctx, row.JTI, token.TypeRefresh, row.ExpiresAt)

	cascaded, err := s.access.RevokeByParentRefresh(ctx, row.JTI)
	if err == nil {
		for _, jti := range cascaded {
			s.blacklistJTI(ctx, jti, token.TypeAccess, row.ExpiresAt)
		}
	}

	event := audit.Success(audit.ActionLogout)
	event.ActorType = audit.ActorUser
	event.ActorID = userID
	event.UserID = userID
	event.ClientID = row.ClientID
	event.ResourceType = "refresh_token"
	event.ResourceID = row.JTI
	s.audit.Log(ctx, event)
	return nil
}

// blacklistJTI adds a jti with TTL equal to the token's remaining
// lifetime. Duplicate inserts are idempotent at the store.
func (s *TokenService) blacklistJTI(ctx context.Context, jti, tokenType string, expiresAt time.Time) {
	_ = s.blacklist.Add(ctx, &BlacklistEntry{
		JTI:       jti,
		TokenType: tokenType,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	})
}

func (s *TokenService) auditRevoked(ctx context.Context, client *Client, userID, jti, tokenType string, cascaded []string) {
	event := audit.Success(audit.ActionTokenRevoked)
	event.ActorType = audit.ActorClient
	event.ActorID = client.ClientID
	event.UserID = userID
	event.ClientID = client.ClientID
	event.ResourceType = tokenType
	event.ResourceID = jti
	event.Metadata = map[string]any{
		audit.AttrJTI:   jti,
		"cascaded_jtis": cascaded,
		"token_type":    tokenType,
	}
	s.audit.Log(ctx, event)
}
