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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/id"
	"github.com/authgate/authgate/internal/identity"
	"github.com/authgate/authgate/internal/token"
)

// PermissionSource supplies the effective-permission snapshot frozen
// into access tokens at mint time. Satisfied by authz.Service.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID string) ([]string, error)
}

// TokenRequest carries the form parameters of a POST /token call
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is the token endpoint success body (RFC 6749 §5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenService implements the token grant dispatcher and the token
// lifecycle operations built on it.
type TokenService struct {
	codes     AuthorizationCodeRepository
	access    AccessTokenRepository
	refresh   RefreshTokenRepository
	blacklist BlacklistRepository
	users     identity.UserRepository
	perms     PermissionSource
	codec     *token.Codec
	audit     audit.Logger

	accessLifetime  time.Duration
	refreshLifetime time.Duration
	idTokenLifetime time.Duration
}

// NewTokenService creates the token endpoint engine
func NewTokenService(
	codes AuthorizationCodeRepository,
	access AccessTokenRepository,
	refresh RefreshTokenRepository,
	blacklist BlacklistRepository,
	users identity.UserRepository,
	perms PermissionSource,
	codec *token.Codec,
	auditLogger audit.Logger,
	accessLifetime, refreshLifetime time.Duration,
) *TokenService {
	if accessLifetime <= 0 {
		accessLifetime = time.Hour
	}
	if refreshLifetime <= 0 {
		refreshLifetime = 30 * 24 * time.Hour
	}
	return &TokenService{
		codes:           codes,
		access:          access,
		refresh:         refresh,
		blacklist:       blacklist,
		users:           users,
		perms:           perms,
		codec:           codec,
		audit:           auditLogger,
		accessLifetime:  accessLifetime,
		refreshLifetime: refreshLifetime,
		idTokenLifetime: time.Hour,
	}
}

// Exchange dispatches a token request for an authenticated client.
func (s *TokenService) Exchange(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if !client.HasGrantType(req.GrantType) {
		return nil, NewError(ErrUnauthorizedClient, "grant type not allowed for this client")
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, client, req)
	case GrantRefreshToken:
		return s.exchangeRefresh(ctx, client, req)
	case GrantClientCredentials:
		return s.exchangeClientCredentials(ctx, client, req)
	default:
		return nil, NewError(ErrUnsupportedGrantType, "unsupported grant_type")
	}
}

// exchangeCode implements the authorization_code grant.
func (s *TokenService) exchangeCode(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, NewError(ErrInvalidRequest, "code is required")
	}

	code, err := s.codes.GetByCode(ctx, req.Code)
	if err != nil {
		return nil, s.failTokenIssue(ctx, client, "", NewError(ErrInvalidGrant, "invalid authorization code"))
	}
	if code.ClientID != client.ClientID {
		return nil, s.failTokenIssue(ctx, client, code.UserID, NewError(ErrInvalidGrant, "invalid authorization code"))
	}
	if code.IsUsed || code.IsExpired() {
		return nil, s.failTokenIssue(ctx, client, code.UserID, NewError(ErrInvalidGrant, "invalid authorization code"))
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, s.failTokenIssue(ctx, client, code.UserID, NewError(ErrInvalidGrant, "redirect_uri mismatch"))
	}
	if perr := verifyPKCE(code, req.CodeVerifier); perr != nil {
		return nil, s.failTokenIssue(ctx, client, code.UserID, perr)
	}

	// Single-use linearization point: concurrent exchanges race on this
	// conditional update and exactly one wins.
	if err := s.codes.ConsumeIfUnused(ctx, code.Code); err != nil {
		if errors.Is(err, ErrCodeConsumed) {
			return nil, s.failTokenIssue(ctx, client, code.UserID, NewError(ErrInvalidGrant, "invalid authorization code"))
		}
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}

	// The account may have been deleted or deactivated between the
	// authorize step and the exchange.
	user, err := s.users.GetByID(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, s.failTokenIssue(ctx, client, code.UserID, NewError(ErrInvalidGrant, "invalid authorization code"))
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive {
		return nil, s.failTokenIssue(ctx, client, code.UserID, NewError(ErrInvalidGrant, "invalid authorization code"))
	}

	permissions, err := s.perms.EffectivePermissions(ctx, code.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute permissions: %w", err)
	}

	resp, refreshJTI, err := s.mintPair(ctx, client, code.UserID, code.Scope, permissions, "")
	if err != nil {
		return nil, err
	}

	if hasScopeWord(code.Scope, ScopeOpenID) {
		idToken, err := s.mintIDToken(ctx, client, code, resp.AccessToken)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	s.auditTokenIssued(ctx, audit.ActionTokenIssued, client, code.UserID, code.Scope, refreshJTI, GrantAuthorizationCode)
	return resp, nil
}

// exchangeRefresh implements the refresh_token grant with one-shot
// rotation and reuse detection.
func (s *TokenService) exchangeRefresh(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, NewError(ErrInvalidRequest, "refresh_token is required")
	}

	claims, err := s.codec.Parse(req.RefreshToken, token.TypeRefresh)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "invalid refresh token")
	}

	row, err := s.refresh.GetByHash(ctx, token.HashToken(req.RefreshToken))
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "invalid refresh token")
	}
	if row.ClientID != client.ClientID || row.JTI != claims.ID {
		return nil, NewError(ErrInvalidGrant, "invalid refresh token")
	}
	if row.IsExpired() {
		return nil, NewError(ErrInvalidGrant, "invalid refresh token")
	}

	if row.IsRevoked {
		// Reuse of a rotated token: the chain is compromised. Kill every
		// member and every access token descended from it.
		s.revokeCompromisedChain(ctx, client, row)
		return nil, NewError(ErrInvalidGrant, "invalid refresh token")
	}

	// One-shot rotation linearization point.
	if err := s.refresh.RevokeIfActive(ctx, row.JTI); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			s.revokeCompromisedChain(ctx, client, row)
			return nil, NewError(ErrInvalidGrant, "invalid refresh token")
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	scope := row.Scope
	if req.Scope != "" {
		// Scope may be narrowed on rotation, never widened.
		if !scopeSubset(req.Scope, row.Scope) {
			return nil, NewError(ErrInvalidScope, "scope exceeds original grant")
		}
		scope = req.Scope
	}

	permissions, err := s.perms.EffectivePermissions(ctx, row.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute permissions: %w", err)
	}

	resp, refreshJTI, err := s.mintPair(ctx, client, row.UserID, scope, permissions, row.JTI)
	if err != nil {
		return nil, err
	}

	s.auditTokenIssued(ctx, audit.ActionTokenRefreshed, client, row.UserID, scope, refreshJTI, GrantRefreshToken)
	return resp, nil
}

// exchangeClientCredentials implements the client_credentials grant:
// sub is the client, no user, no refresh token.
func (s *TokenService) exchangeClientCredentials(ctx context.Context, client *Client, req TokenRequest) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, NewError(ErrUnauthorizedClient, "public clients cannot use client_credentials")
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(client.AllowedScopes, " ")
	} else if !client.ValidateScope(scope) {
		return nil, NewError(ErrInvalidScope, "requested scope exceeds client allowance")
	}

	lifetime := s.clientAccessLifetime(client)
	minted, err := s.codec.MintAccessToken(client.ClientID, client.ClientID, scope, nil, lifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	if err := s.access.Create(ctx, &AccessToken{
		ID:        id.NewUUIDv7(),
		TokenHash: minted.TokenHash,
		JTI:       minted.JTI,
		ClientID:  client.ClientID,
		Scope:     scope,
		IssuedAt:  minted.IssuedAt,
		ExpiresAt: minted.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}

	event := audit.Success(audit.ActionTokenIssued)
	event.ActorType = audit.ActorClient
	event.ActorID = client.ClientID
	event.ClientID = client.ClientID
	event.ResourceType = "token"
	event.ResourceID = minted.JTI
	event.Metadata = map[string]any{audit.AttrScope: scope, audit.AttrGrant: GrantClientCredentials}
	s.audit.Log(ctx, event)

	return &TokenResponse{
		AccessToken: minted.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(lifetime.Seconds()),
		Scope:       scope,
	}, nil
}

// IssueForUser mints a token pair for a first-party password login.
// The client must be active and allow every requested scope; an empty
// scope defaults to the client's full allowance.
func (s *TokenService) IssueForUser(ctx context.Context, client *Client, userID, scope string) (*TokenResponse, error) {
	if !client.IsActive {
		return nil, NewError(ErrInvalidClient, "client is inactive")
	}
	if scope == "" {
		scope = strings.Join(client.AllowedScopes, " ")
	} else if !client.ValidateScope(scope) {
		return nil, NewError(ErrInvalidScope, "requested scope exceeds client allowance")
	}

	permissions, err := s.perms.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute permissions: %w", err)
	}
	resp, refreshJTI, err := s.mintPair(ctx, client, userID, scope, permissions, "")
	if err != nil {
		return nil, err
	}

	if hasScopeWord(scope, ScopeOpenID) {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load user for id_token: %w", err)
		}
		idToken, err := s.codec.MintIDToken(token.IDTokenInput{
			UserID:        user.ID,
			ClientID:      client.ClientID,
			Scope:         scope,
			Username:      user.Username,
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
			AccessToken:   resp.AccessToken,
			AuthTime:      time.Now(),
			Lifetime:      s.idTokenLifetime,
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	s.auditTokenIssued(ctx, audit.ActionTokenIssued, client, userID, scope, refreshJTI, "password")
	return resp, nil
}

// mintPair mints and persists an access + refresh token pair. The
// access token is linked to the refresh jti for cascade revocation.
func (s *TokenService) mintPair(ctx context.Context, client *Client, userID, scope string, permissions []string, parentRefreshJTI string) (*TokenResponse, string, error) {
	accessLifetime := s.clientAccessLifetime(client)
	refreshLifetime := s.refreshLifetime
	if client.RefreshTokenLifetime > 0 {
		refreshLifetime = time.Duration(client.RefreshTokenLifetime) * time.Second
	}

	mintedRefresh, err := s.codec.MintRefreshToken(userID, client.ClientID, scope, refreshLifetime)
	if err != nil {
		return nil, "", fmt.Errorf("failed to mint refresh token: %w", err)
	}
	mintedAccess, err := s.codec.MintAccessToken(userID, client.ClientID, scope, permissions, accessLifetime)
	if err != nil {
		return nil, "", fmt.Errorf("failed to mint access token: %w", err)
	}

	if err := s.refresh.Create(ctx, &RefreshToken{
		ID:        id.NewUUIDv7(),
		TokenHash: mintedRefresh.TokenHash,
		JTI:       mintedRefresh.JTI,
		UserID:    userID,
		ClientID:  client.ClientID,
		Scope:     scope,
		ParentJTI: parentRefreshJTI,
		IssuedAt:  mintedRefresh.IssuedAt,
		ExpiresAt: mintedRefresh.ExpiresAt,
	}); err != nil {
		return nil, "", fmt.Errorf("failed to persist refresh token: %w", err)
	}
	if err := s.access.Create(ctx, &AccessToken{
		ID:               id.NewUUIDv7(),
		TokenHash:        mintedAccess.TokenHash,
		JTI:              mintedAccess.JTI,
		UserID:           userID,
		ClientID:         client.ClientID,
		Scope:            scope,
		ParentRefreshJTI: mintedRefresh.JTI,
		IssuedAt:         mintedAccess.IssuedAt,
		ExpiresAt:        mintedAccess.ExpiresAt,
	}); err != nil {
		return nil, "", fmt.Errorf("failed to persist access token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  mintedAccess.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessLifetime.Seconds()),
		RefreshToken: mintedRefresh.Token,
		Scope:        scope,
	}, mintedRefresh.JTI, nil
}

// mintIDToken builds the OIDC id_token for an openid code exchange.
func (s *TokenService) mintIDToken(ctx context.Context, client *Client, code *AuthorizationCode, accessToken string) (string, error) {
	user, err := s.users.GetByID(ctx, code.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load user for id_token: %w", err)
	}
	return s.codec.MintIDToken(token.IDTokenInput{
		UserID:        user.ID,
		ClientID:      client.ClientID,
		Nonce:         code.Nonce,
		Scope:         code.Scope,
		Username:      user.Username,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		AccessToken:   accessToken,
		AuthTime:      code.CreatedAt,
		Lifetime:      s.idTokenLifetime,
	})
}

// revokeCompromisedChain revokes every refresh token in the chain of
// the reused token plus every access token descended from them.
func (s *TokenService) revokeCompromisedChain(ctx context.Context, client *Client, row *RefreshToken) {
	revokedRefresh, err := s.refresh.RevokeChain(ctx, row.JTI)
	if err != nil {
		s.audit.Log(ctx, audit.Failure(audit.ActionRefreshReuse, err))
		return
	}

	var revokedAccess []string
	for _, jti := range revokedRefresh {
		jtis, err := s.access.RevokeByParentRefresh(ctx, jti)
		if err != nil {
			continue
		}
		revokedAccess = append(revokedAccess, jtis...)
	}

	// Each entry only needs to outlive its own token type: refresh jtis
	// until the chain's expiry, access jtis until the access lifetime.
	now := time.Now()
	for _, jti := range revokedRefresh {
		_ = s.blacklist.Add(ctx, &BlacklistEntry{
			JTI:       jti,
			TokenType: token.TypeRefresh,
			ExpiresAt: row.ExpiresAt,
			CreatedAt: now,
		})
	}
	for _, jti := range revokedAccess {
		_ = s.blacklist.Add(ctx, &BlacklistEntry{
			JTI:       jti,
			TokenType: token.TypeAccess,
			ExpiresAt: now.Add(s.accessLifetime),
			CreatedAt: now,
		})
	}

	event := audit.Failure(audit.ActionRefreshReuse, nil)
	event.ActorType = audit.ActorClient
	event.ActorID = client.ClientID
	event.UserID = row.UserID
	event.ClientID = client.ClientID
	event.ResourceType = "refresh_token"
	event.ResourceID = row.JTI
	event.ErrorMessage = "refresh token replayed after rotation"
	event.Metadata = map[string]any{
		"revoked_refresh_jtis": revokedRefresh,
		"revoked_access_jtis":  revokedAccess,
	}
	s.audit.Log(ctx, event)
}

// RevokeAllForUser revokes every token issued to a user and deletes
// any pending authorization codes. Satisfies identity.TokenRevoker.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := s.codes.DeleteForUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete authorization codes: %w", err)
	}
	if _, err := s.refresh.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	jtis, err := s.access.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	for _, jti := range jtis {
		_ = s.blacklist.Add(ctx, &BlacklistEntry{
			JTI:       jti,
			TokenType: token.TypeAccess,
			ExpiresAt: time.Now().Add(s.accessLifetime),
			CreatedAt: time.Now(),
		})
	}
	return nil
}

func (s *TokenService) clientAccessLifetime(client *Client) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return time.Duration(client.AccessTokenLifetime) * time.Second
	}
	return s.accessLifetime
}

func (s *TokenService) failTokenIssue(ctx context.Context, client *Client, userID string, perr *Error) *Error {
	event := audit.Failure(audit.ActionTokenIssued, perr)
	event.ActorType = audit.ActorClient
	event.ActorID = client.ClientID
	event.UserID = userID
	event.ClientID = client.ClientID
	s.audit.Log(ctx, event)
	return perr
}

func (s *TokenService) auditTokenIssued(ctx context.Context, action string, client *Client, userID, scope, refreshJTI, grant string) {
	event := audit.Success(action)
	event.ActorType = audit.ActorClient
	event.ActorID = client.ClientID
	event.UserID = userID
	event.ClientID = client.ClientID
	event.ResourceType = "token"
	event.ResourceID = refreshJTI
	event.Metadata = map[string]any{audit.AttrScope: scope, audit.AttrGrant: grant}
	s.audit.Log(ctx, event)
}

// verifyPKCE checks the code_verifier against the challenge minted
// with the code: BASE64URL(SHA256(verifier)) must equal the challenge.
func verifyPKCE(code *AuthorizationCode, verifier string) *Error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return NewError(ErrInvalidGrant, "code_verifier provided for a code without a challenge")
		}
		return nil
	}
	if verifier == "" {
		return NewError(ErrInvalidGrant, "code_verifier is required")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return NewError(ErrInvalidGrant, "malformed code_verifier")
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) != 1 {
		return NewError(ErrInvalidGrant, "code_verifier does not match challenge")
	}
	return nil
}

func hasScopeWord(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// scopeSubset reports whether every scope in sub is present in super.
func scopeSubset(sub, super string) bool {
	superSet := make(map[string]struct{})
	for _, s := range strings.Fields(super) {
		superSet[s] = struct{}{}
	}
	for _, s := range strings.Fields(sub) {
		if _, ok := superSet[s]; !ok {
			return false
		}
	}
	return true
}
