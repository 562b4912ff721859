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

// Package token builds, signs and parses the JWTs the server issues.
// Refresh tokens are JWTs as well, but clients must treat them as
// opaque; their jti binds them to the stored row.
package token

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authgate/authgate/internal/crypto"
	"github.com/authgate/authgate/internal/id"
)

// Token types carried in the token_type claim
const (
	TypeAccess  = "access_token"
	TypeRefresh = "refresh_token"
	TypeID      = "id_token"
)

// Domain errors
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrWrongIssuer    = errors.New("wrong issuer")
	ErrWrongAudience  = errors.New("wrong audience")
)

// Claims is the claim set for access and refresh tokens.
type Claims struct {
	ClientID    string   `json:"client_id"`
	Scope       string   `json:"scope,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Minted is a signed token together with its persisted attributes.
type Minted struct {
	Token     string
	JTI       string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs and verifies the server's tokens against the configured
// issuer and audience.
type Codec struct {
	keys     *crypto.KeyService
	issuer   string
	audience string
}

// NewCodec creates a token codec
func NewCodec(keys *crypto.KeyService, issuer, audience string) *Codec {
	return &Codec{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
	}
}

// Issuer returns the configured issuer URL.
func (c *Codec) Issuer() string {
	return c.issuer
}

// MintAccessToken signs an access token. The permissions slice is the
// caller's effective-permission snapshot at mint time; it is frozen in
// the token and authoritative for its lifetime.
func (c *Codec) MintAccessToken(subject, clientID, scope string, permissions []string, lifetime time.Duration) (*Minted, error) {
	return c.mint(TypeAccess, subject, clientID, scope, permissions, lifetime)
}

// MintRefreshToken signs a refresh token.
func (c *Codec) MintRefreshToken(subject, clientID, scope string, lifetime time.Duration) (*Minted, error) {
	return c.mint(TypeRefresh, subject, clientID, scope, nil, lifetime)
}

func (c *Codec) mint(tokenType, subject, clientID, scope string, permissions []string, lifetime time.Duration) (*Minted, error) {
	now := time.Now()
	jti := id.NewJTI()

	claims := Claims{
		ClientID:    clientID,
		Scope:       scope,
		Permissions: permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        jti,
		},
	}

	signed, err := c.keys.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", tokenType, err)
	}

	return &Minted{
		Token:     signed,
		JTI:       jti,
		TokenHash: HashToken(signed),
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
	}, nil
}

// IDTokenInput carries the identity claims for an OIDC id_token.
type IDTokenInput struct {
	UserID        string
	ClientID      string
	Nonce         string
	Scope         string
	Username      string
	Email         string
	EmailVerified bool
	AccessToken   string
	AuthTime      time.Time
	Lifetime      time.Duration
}

// MintIDToken signs an OIDC id_token. The audience is the client, not
// the resource-server audience, and at_hash binds it to the access
// token issued alongside.
func (c *Codec) MintIDToken(in IDTokenInput) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss": c.issuer,
		"sub": in.UserID,
		"aud": in.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(in.Lifetime).Unix(),
	}
	if in.Nonce != "" {
		claims["nonce"] = in.Nonce
	}
	if !in.AuthTime.IsZero() {
		claims["auth_time"] = in.AuthTime.Unix()
	}
	if in.AccessToken != "" {
		claims["at_hash"] = AccessTokenHash(in.AccessToken)
	}
	if hasScope(in.Scope, "profile") && in.Username != "" {
		claims["preferred_username"] = in.Username
	}
	if hasScope(in.Scope, "email") && in.Email != "" {
		claims["email"] = in.Email
		claims["email_verified"] = in.EmailVerified
	}

	signed, err := c.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id_token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, issuer, audience and expiry of a
// token and checks it is of the expected type. All failures map to a
// small error set so callers cannot leak verification detail.
func (c *Codec) Parse(tokenString, expectedType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, c.keys.Keyfunc,
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrWrongIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrWrongAudience
		default:
			return nil, ErrTokenInvalid
		}
	}

	if claims.TokenType != expectedType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ParseUnverifiedExpiry extracts the expiry from a token without
// verifying it. Used to size blacklist TTLs for tokens that are being
// revoked after their signature was already checked.
func ParseUnverifiedExpiry(tokenString string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// HashToken computes the storage digest of a token. Only this digest
// is ever persisted, never the plaintext.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// AccessTokenHash computes the OIDC at_hash: base64url of the left
// half of the SHA-256 of the access token.
func AccessTokenHash(accessToken string) string {
	hash := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(hash[:len(hash)/2])
}

func hasScope(scope, want string) bool {
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if scope[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}
