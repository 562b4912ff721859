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

// Package oauth2 implements the authorization-server core: client
// registry and authentication, the authorize flow, the token grant
// dispatcher with refresh rotation, and introspection/revocation.
package oauth2

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"
)

// Domain errors (internal; mapped to protocol errors at the boundary)
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrClientAlreadyExists = errors.New("client already exists")
	ErrClientInactive      = errors.New("client is inactive")
	ErrInvalidRedirectURI  = errors.New("invalid redirect URI")
	ErrInvalidScopeSet     = errors.New("invalid scope")
	ErrInvalidGrantType    = errors.New("invalid grant type")
	ErrInvalidClientConfig = errors.New("invalid client configuration")
	ErrInvalidCredentials  = errors.New("invalid client credentials")
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrCodeConsumed        = errors.New("authorization code already used")
	ErrCodeExpired         = errors.New("authorization code expired")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenExpired        = errors.New("token expired")
	ErrConsentNotFound     = errors.New("consent grant not found")
	ErrConsentRequired     = errors.New("consent required")
	ErrSessionNotFound     = errors.New("session not found")
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Token endpoint auth methods
const (
	AuthMethodSecretBasic   = "client_secret_basic"
	AuthMethodSecretPost    = "client_secret_post"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodNone          = "none"
)

// Grant types
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Response types
const (
	ResponseTypeCode = "code"
)

// Well-known scopes
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// ClientAssertionTypeJWTBearer is the RFC 7523 assertion type.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Client represents a registered OAuth2 client application
type Client struct {
	ID                        string    `json:"id"`
	ClientID                  string    `json:"client_id"`
	ClientSecretHash          string    `json:"-"`
	ClientType                string    `json:"client_type"`
	ClientName                string    `json:"client_name"`
	ClientURI                 string    `json:"client_uri,omitempty"`
	LogoURI                   string    `json:"logo_uri,omitempty"`
	RedirectURIs              []string  `json:"redirect_uris"`
	AllowedScopes             []string  `json:"allowed_scopes"`
	GrantTypes                []string  `json:"grant_types"`
	ResponseTypes             []string  `json:"response_types"`
	TokenEndpointAuthMethod   string    `json:"token_endpoint_auth_method"`
	JWKSURI                   string    `json:"jwks_uri,omitempty"`
	RequirePKCE               bool      `json:"require_pkce"`
	RequireConsent            bool      `json:"require_consent"`
	StrictRedirectURIMatching bool      `json:"strict_redirect_uri_matching"`
	AllowLocalhostRedirect    bool      `json:"allow_localhost_redirect"`
	RequireHTTPSRedirect      bool      `json:"require_https_redirect"`
	AccessTokenLifetime       int       `json:"access_token_lifetime"`  // seconds; 0 = server default
	RefreshTokenLifetime      int       `json:"refresh_token_lifetime"` // seconds; 0 = server default
	CodeLifetime              int       `json:"code_lifetime"`          // seconds; 0 = server default
	IsActive                  bool      `json:"is_active"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// PKCERequired reports whether PKCE is mandatory for this client.
// Always true for public clients.
func (c *Client) PKCERequired() bool {
	return c.IsPublic() || c.RequirePKCE
}

// ValidateRedirectURI checks a redirect URI against the registered
// set. Matching is exact, case-sensitive; fragments are forbidden.
// require_https_redirect forces https except for loopback hosts when
// allow_localhost_redirect is on.
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	if redirectURI == "" || strings.Contains(redirectURI, "#") {
		return false
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Fragment != "" {
		return false
	}

	if c.RequireHTTPSRedirect && parsed.Scheme != "https" {
		if !(c.AllowLocalhostRedirect && isLoopbackHost(parsed.Hostname())) {
			return false
		}
	}

	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateScope checks that every requested scope is in the client's
// allowed set.
func (c *Client) ValidateScope(requestedScope string) bool {
	for _, req := range strings.Fields(requestedScope) {
		allowed := false
		for _, a := range c.AllowedScopes {
			if a == req {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// HasGrantType checks whether the grant type is allowed.
func (c *Client) HasGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// HasResponseType checks whether the response type is allowed.
func (c *Client) HasResponseType(responseType string) bool {
	for _, r := range c.ResponseTypes {
		if r == responseType {
			return true
		}
	}
	return false
}

// Validate enforces the client configuration invariants.
func (c *Client) Validate() error {
	switch c.ClientType {
	case ClientTypePublic:
		if c.ClientSecretHash != "" {
			return errors.New("public client must not have a secret")
		}
		if c.TokenEndpointAuthMethod != AuthMethodNone {
			return errors.New("public client requires auth method none")
		}
		if !c.RequirePKCE {
			return errors.New("public client requires PKCE")
		}
	case ClientTypeConfidential:
		switch c.TokenEndpointAuthMethod {
		case AuthMethodSecretBasic, AuthMethodSecretPost:
			if c.ClientSecretHash == "" {
				return errors.New("secret-based auth method requires a client secret")
			}
		case AuthMethodPrivateKeyJWT:
			if c.JWKSURI == "" {
				return errors.New("private_key_jwt requires jwks_uri")
			}
		case AuthMethodNone:
			return errors.New("confidential client cannot use auth method none")
		default:
			return errors.New("unknown token endpoint auth method")
		}
	default:
		return errors.New("unknown client type")
	}

	if c.JWKSURI != "" && c.TokenEndpointAuthMethod != AuthMethodPrivateKeyJWT {
		return errors.New("jwks_uri is only valid with private_key_jwt")
	}
	if c.HasGrantType(GrantAuthorizationCode) && !c.HasResponseType(ResponseTypeCode) {
		return errors.New("authorization_code grant requires code response type")
	}
	if c.HasGrantType(GrantAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return errors.New("authorization_code grant requires redirect URIs")
	}
	return nil
}

// AuthorizationCode represents a short-lived single-use code
type AuthorizationCode struct {
	ID                  string
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	IsUsed              bool
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// IsExpired checks if the authorization code has expired
func (a *AuthorizationCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// AccessToken is the persisted record of an issued access token
type AccessToken struct {
	ID               string
	TokenHash        string
	JTI              string
	UserID           string // empty for client_credentials
	ClientID         string
	Scope            string
	ParentRefreshJTI string // links the token to its issuing refresh chain
	IssuedAt         time.Time
	ExpiresAt        time.Time
	IsRevoked        bool
	RevokedAt        *time.Time
}

// IsExpired checks if the access token has expired
func (a *AccessToken) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// RefreshToken is the persisted record of an issued refresh token
type RefreshToken struct {
	ID        string
	TokenHash string
	JTI       string
	UserID    string
	ClientID  string
	Scope     string
	ParentJTI string // previous token in the rotation chain; empty at chain root
	IssuedAt  time.Time
	ExpiresAt time.Time
	IsRevoked bool
	RevokedAt *time.Time
}

// IsExpired checks if the refresh token has expired
func (r *RefreshToken) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// BlacklistEntry marks a jti as dead regardless of row state
type BlacklistEntry struct {
	JTI       string
	TokenType string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ConsentGrant records a user's approval of a client's scopes
type ConsentGrant struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ClientID  string     `json:"client_id"`
	Scopes    []string   `json:"scopes"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Covers reports whether the grant is live and includes every
// requested scope.
func (g *ConsentGrant) Covers(requestedScope string, now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	for _, req := range strings.Fields(requestedScope) {
		found := false
		for _, s := range g.Scopes {
			if s == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ClientRepository defines the interface for client persistence
type ClientRepository interface {
	// Create creates a new client
	Create(ctx context.Context, client *Client) error

	// GetByClientID retrieves a client by its external client_id
	GetByClientID(ctx context.Context, clientID string) (*Client, error)

	// GetByID retrieves a client by internal id
	GetByID(ctx context.Context, id string) (*Client, error)

	// Update persists client changes
	Update(ctx context.Context, client *Client) error

	// Delete removes the client record
	Delete(ctx context.Context, id string) error

	// List retrieves all clients
	List(ctx context.Context, limit, offset int) ([]*Client, int64, error)
}

// AuthorizationCodeRepository defines the interface for code persistence
type AuthorizationCodeRepository interface {
	// Create stores a new authorization code
	Create(ctx context.Context, code *AuthorizationCode) error

	// GetByCode retrieves a code by its opaque value
	GetByCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeIfUnused marks the code used iff it was not already.
	// Returns ErrCodeConsumed when another exchange won the race; this
	// conditional update is the single-use linearization point.
	ConsumeIfUnused(ctx context.Context, code string) error

	// DeleteForUser removes every code issued to a user, returning the
	// count removed. Used when an account is deleted or deactivated.
	DeleteForUser(ctx context.Context, userID string) (int64, error)

	// DeleteExpired purges expired codes, returning the count removed
	DeleteExpired(ctx context.Context) (int64, error)
}

// AccessTokenRepository defines the interface for access token persistence
type AccessTokenRepository interface {
	// Create stores a new access token record
	Create(ctx context.Context, token *AccessToken) error

	// GetByHash retrieves a token record by token_hash
	GetByHash(ctx context.Context, tokenHash string) (*AccessToken, error)

	// GetByJTI retrieves a token record by jti
	GetByJTI(ctx context.Context, jti string) (*AccessToken, error)

	// Revoke marks a token revoked by jti
	Revoke(ctx context.Context, jti string) error

	// RevokeByParentRefresh revokes every access token descended from
	// the given refresh jti, returning the jtis revoked
	RevokeByParentRefresh(ctx context.Context, refreshJTI string) ([]string, error)

	// RevokeIssuedSince revokes access tokens for (user, client) issued
	// at or after the cutoff, returning the jtis revoked
	RevokeIssuedSince(ctx context.Context, userID, clientID string, cutoff time.Time) ([]string, error)

	// RevokeAllForUser revokes every access token of a user
	RevokeAllForUser(ctx context.Context, userID string) ([]string, error)

	// RevokeAllForClient revokes every access token of a client
	RevokeAllForClient(ctx context.Context, clientID string) ([]string, error)

	// DeleteExpired purges expired records, returning the count removed
	DeleteExpired(ctx context.Context) (int64, error)
}

// RefreshTokenRepository defines the interface for refresh token persistence
type RefreshTokenRepository interface {
	// Create stores a new refresh token record
	Create(ctx context.Context, token *RefreshToken) error

	// GetByHash retrieves a token record by token_hash
	GetByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// GetByJTI retrieves a token record by jti
	GetByJTI(ctx context.Context, jti string) (*RefreshToken, error)

	// RevokeIfActive marks the token revoked iff it is not already.
	// Returns ErrTokenRevoked when it was; this conditional update is
	// the one-shot rotation linearization point.
	RevokeIfActive(ctx context.Context, jti string) error

	// Revoke marks a token revoked unconditionally
	Revoke(ctx context.Context, jti string) error

	// RevokeChain revokes every member of the rotation chain containing
	// the given jti, returning the jtis revoked
	RevokeChain(ctx context.Context, jti string) ([]string, error)

	// RevokeAllForUser revokes every refresh token of a user
	RevokeAllForUser(ctx context.Context, userID string) ([]string, error)

	// RevokeAllForClient revokes every refresh token of a client
	RevokeAllForClient(ctx context.Context, clientID string) ([]string, error)

	// ListActiveForUser retrieves a user's unrevoked, unexpired tokens
	ListActiveForUser(ctx context.Context, userID string) ([]*RefreshToken, error)

	// DeleteExpired purges expired records, returning the count removed
	DeleteExpired(ctx context.Context) (int64, error)
}

// BlacklistRepository defines the interface for the jti blacklist
type BlacklistRepository interface {
	// Add inserts a jti; duplicate inserts are idempotent
	Add(ctx context.Context, entry *BlacklistEntry) error

	// Contains checks whether a jti is blacklisted
	Contains(ctx context.Context, jti string) (bool, error)

	// DeleteExpired purges entries past their expiry
	DeleteExpired(ctx context.Context) (int64, error)
}

// ConsentRepository defines the interface for consent persistence
type ConsentRepository interface {
	// Upsert stores or refreshes the (user, client) grant
	Upsert(ctx context.Context, grant *ConsentGrant) error

	// Get retrieves the grant for a (user, client) pair
	Get(ctx context.Context, userID, clientID string) (*ConsentGrant, error)

	// Revoke marks the grant revoked
	Revoke(ctx context.Context, userID, clientID string) error

	// ListForUser retrieves a user's grants, revoked excluded
	ListForUser(ctx context.Context, userID string) ([]*ConsentGrant, error)

	// DeleteForClient removes all grants for a client
	DeleteForClient(ctx context.Context, clientID string) error

	// DeleteExpired purges grants past their expiry, returning the
	// count removed
	DeleteExpired(ctx context.Context) (int64, error)
}
