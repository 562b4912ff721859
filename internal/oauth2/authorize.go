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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/id"
)

// AuthorizeRequest carries the parameters of a GET /authorize call
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
}

// Decision outcomes of the authorize state machine
const (
	DecisionRedirect      = "redirect"       // success; redirect with code
	DecisionLogin         = "login"          // no session; send to login
	DecisionConsent       = "consent"        // approval needed; send to consent
	DecisionErrorDirect   = "error_direct"   // pre-redirect-validation failure
	DecisionErrorRedirect = "error_redirect" // post-validation failure, returned to client
)

// Decision is the outcome of one authorize evaluation. RedirectURI is
// populated for redirect and error_redirect outcomes.
type Decision struct {
	Next        string
	RedirectURI string
	Client      *Client
	Code        *AuthorizationCode
	Err         *Error
}

// AuthorizeService implements the /authorize state machine. Pure
// function of request plus stored state; all session handling stays in
// the transport layer.
type AuthorizeService struct {
	clients      ClientRepository
	codes        AuthorizationCodeRepository
	consents     ConsentRepository
	audit        audit.Logger
	codeLifetime time.Duration
}

// NewAuthorizeService creates the authorize flow engine
func NewAuthorizeService(clients ClientRepository, codes AuthorizationCodeRepository, consents ConsentRepository, auditLogger audit.Logger, codeLifetime time.Duration) *AuthorizeService {
	if codeLifetime <= 0 {
		codeLifetime = 10 * time.Minute
	}
	return &AuthorizeService{
		clients:      clients,
		codes:        codes,
		consents:     consents,
		audit:        auditLogger,
		codeLifetime: codeLifetime,
	}
}

// Authorize evaluates one request. userID is empty when no user
// session accompanies the request.
func (s *AuthorizeService) Authorize(ctx context.Context, req AuthorizeRequest, userID string) Decision {
	// Failures before the redirect URI is validated must never
	// redirect: an attacker could otherwise bounce users anywhere.
	client, err := s.clients.GetByClientID(ctx, req.ClientID)
	if err != nil {
		return Decision{Next: DecisionErrorDirect, Err: NewError(ErrInvalidRequest, "unknown client_id")}
	}
	if !client.IsActive {
		return Decision{Next: DecisionErrorDirect, Err: NewError(ErrInvalidRequest, "client is inactive")}
	}
	if !client.ValidateRedirectURI(req.RedirectURI) {
		return Decision{Next: DecisionErrorDirect, Client: client, Err: NewError(ErrInvalidRequest, "unregistered redirect_uri")}
	}

	// The redirect URI is confirmed; everything below returns to it.
	if perr := s.validateParams(client, req); perr != nil {
		s.auditDenied(ctx, client, userID, perr)
		return s.errorRedirect(client, req, perr)
	}

	if userID == "" || req.Prompt == "login" {
		return Decision{Next: DecisionLogin, Client: client}
	}

	needed, err := s.consentNeeded(ctx, client, userID, req.Scope)
	if err != nil {
		return s.errorRedirect(client, req, NewError(ErrServerError, "consent lookup failed"))
	}
	if needed {
		if req.Prompt == "none" {
			perr := NewError(ErrAccessDenied, "consent required")
			s.auditDenied(ctx, client, userID, perr)
			return s.errorRedirect(client, req, perr)
		}
		return Decision{Next: DecisionConsent, Client: client}
	}

	code, err := s.issueCode(ctx, client, userID, req)
	if err != nil {
		return s.errorRedirect(client, req, NewError(ErrServerError, "failed to issue authorization code"))
	}

	return Decision{
		Next:        DecisionRedirect,
		RedirectURI: buildCodeRedirect(req.RedirectURI, code.Code, req.State),
		Client:      client,
		Code:        code,
	}
}

// validateParams checks everything that may fail after the redirect
// URI is confirmed.
func (s *AuthorizeService) validateParams(client *Client, req AuthorizeRequest) *Error {
	if req.ResponseType != ResponseTypeCode {
		return NewError(ErrUnsupportedResponse, "only the code response type is supported")
	}
	if !client.HasResponseType(ResponseTypeCode) || !client.HasGrantType(GrantAuthorizationCode) {
		return NewError(ErrUnauthorizedClient, "client is not allowed to use the authorization code flow")
	}
	if req.Scope == "" {
		return NewError(ErrInvalidScope, "scope is required")
	}
	if !client.ValidateScope(req.Scope) {
		return NewError(ErrInvalidScope, "requested scope exceeds client allowance")
	}

	if client.PKCERequired() && req.CodeChallenge == "" {
		return NewError(ErrInvalidRequest, "code_challenge is required for this client")
	}
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "S256" {
			return NewError(ErrInvalidRequest, "code_challenge_method must be S256")
		}
		if len(req.CodeChallenge) < 43 || len(req.CodeChallenge) > 128 {
			return NewError(ErrInvalidRequest, "malformed code_challenge")
		}
	}
	return nil
}

// consentNeeded reports whether the consent step is required: the
// client demands it and no live grant covers the requested scopes.
func (s *AuthorizeService) consentNeeded(ctx context.Context, client *Client, userID, scope string) (bool, error) {
	if !client.RequireConsent {
		return false, nil
	}
	grant, err := s.consents.Get(ctx, userID, client.ClientID)
	if err != nil {
		if errors.Is(err, ErrConsentNotFound) {
			return true, nil
		}
		return false, err
	}
	return !grant.Covers(scope, time.Now()), nil
}

// issueCode mints and persists a single-use authorization code.
func (s *AuthorizeService) issueCode(ctx context.Context, client *Client, userID string, req AuthorizeRequest) (*AuthorizationCode, error) {
	value, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}

	lifetime := s.codeLifetime
	if client.CodeLifetime > 0 {
		lifetime = time.Duration(client.CodeLifetime) * time.Second
	}

	now := time.Now()
	code := &AuthorizationCode{
		ID:                  id.NewUUIDv7(),
		Code:                value,
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(lifetime),
		CreatedAt:           now,
	}
	if err := s.codes.Create(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	event := audit.Success(audit.ActionCodeIssued)
	event.ActorType = audit.ActorUser
	event.ActorID = userID
	event.UserID = userID
	event.ClientID = client.ClientID
	event.ResourceType = "authorization_code"
	event.ResourceID = code.ID
	event.Metadata = map[string]any{audit.AttrScope: req.Scope}
	s.audit.Log(ctx, event)

	return code, nil
}

// GrantConsent records the user's approval of the client's scopes.
func (s *AuthorizeService) GrantConsent(ctx context.Context, userID, clientID string, scopes []string, expiresAt *time.Time) error {
	if _, err := s.clients.GetByClientID(ctx, clientID); err != nil {
		return err
	}

	grant := &ConsentGrant{
		ID:        id.NewUUIDv7(),
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.consents.Upsert(ctx, grant); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}

	event := audit.Success(audit.ActionConsentGranted)
	event.ActorType = audit.ActorUser
	event.ActorID = userID
	event.UserID = userID
	event.ClientID = clientID
	event.ResourceType = "consent"
	event.ResourceID = grant.ID
	s.audit.Log(ctx, event)
	return nil
}

// RevokeConsent withdraws a previously granted consent.
func (s *AuthorizeService) RevokeConsent(ctx context.Context, userID, clientID string) error {
	if err := s.consents.Revoke(ctx, userID, clientID); err != nil {
		return err
	}

	event := audit.Success(audit.ActionConsentRevoked)
	event.ActorType = audit.ActorUser
	event.ActorID = userID
	event.UserID = userID
	event.ClientID = clientID
	event.ResourceType = "consent"
	s.audit.Log(ctx, event)
	return nil
}

// ListConsents retrieves a user's live consent grants.
func (s *AuthorizeService) ListConsents(ctx context.Context, userID string) ([]*ConsentGrant, error) {
	return s.consents.ListForUser(ctx, userID)
}

func (s *AuthorizeService) errorRedirect(client *Client, req AuthorizeRequest, perr *Error) Decision {
	return Decision{
		Next:        DecisionErrorRedirect,
		RedirectURI: buildErrorRedirect(req.RedirectURI, perr, req.State),
		Client:      client,
		Err:         perr.WithState(req.State),
	}
}

func (s *AuthorizeService) auditDenied(ctx context.Context, client *Client, userID string, perr *Error) {
	event := audit.Failure(audit.ActionAuthorizeDenied, perr)
	event.ActorType = audit.ActorUser
	event.UserID = userID
	event.ClientID = client.ClientID
	s.audit.Log(ctx, event)
}

func buildCodeRedirect(redirectURI, code, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func buildErrorRedirect(redirectURI string, perr *Error, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("error", perr.Code)
	if perr.Description != "" {
		q.Set("error_description", perr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// generateOpaqueToken produces a 256-bit URL-safe random value.
func generateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
