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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// remoteJWK is one key of a client-published JWKS (RFC 7517)
type remoteJWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

type remoteJWKS struct {
	Keys []remoteJWK `json:"keys"`
}

type cachedJWKS struct {
	keys      remoteJWKS
	fetchedAt time.Time
}

// ClientCredentials carries the authentication material extracted
// from a token-endpoint request.
type ClientCredentials struct {
	ClientID      string
	ClientSecret  string
	FromBasicAuth bool
	HasSecret     bool
	Assertion     string
	AssertionType string
}

// CredentialsFromRequest extracts client credentials per RFC 6749
// §2.3. The form must already be parsed.
func CredentialsFromRequest(r *http.Request) ClientCredentials {
	if id, secret, ok := r.BasicAuth(); ok {
		return ClientCredentials{
			ClientID:      id,
			ClientSecret:  secret,
			FromBasicAuth: true,
			HasSecret:     true,
		}
	}
	creds := ClientCredentials{
		ClientID:      r.PostFormValue("client_id"),
		Assertion:     r.PostFormValue("client_assertion"),
		AssertionType: r.PostFormValue("client_assertion_type"),
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		creds.ClientSecret = secret
		creds.HasSecret = true
	}
	return creds
}

// Authenticator verifies client credentials for the OAuth endpoints.
// Holds the process-wide JWKS cache for private_key_jwt clients.
type Authenticator struct {
	clients          ClientRepository
	blacklist        BlacklistRepository
	tokenEndpointURL string
	httpClient       *http.Client
	cacheTTL         time.Duration

	mu    sync.Mutex
	cache map[string]cachedJWKS
}

// NewAuthenticator creates a client authenticator. fetchTimeout bounds
// remote JWKS fetches; cacheTTL bounds re-fetch frequency.
func NewAuthenticator(clients ClientRepository, blacklist BlacklistRepository, tokenEndpointURL string, fetchTimeout, cacheTTL time.Duration) *Authenticator {
	if fetchTimeout <= 0 || fetchTimeout > 5*time.Second {
		fetchTimeout = 5 * time.Second
	}
	if cacheTTL < 5*time.Minute {
		cacheTTL = 5 * time.Minute
	}
	return &Authenticator{
		clients:          clients,
		blacklist:        blacklist,
		tokenEndpointURL: tokenEndpointURL,
		httpClient:       &http.Client{Timeout: fetchTimeout},
		cacheTTL:         cacheTTL,
		cache:            make(map[string]cachedJWKS),
	}
}

// Authenticate resolves and verifies the client behind the request
// credentials. Every mismatch collapses to invalid_client.
func (a *Authenticator) Authenticate(ctx context.Context, creds ClientCredentials) (*Client, error) {
	method, clientID, err := a.selectMethod(creds)
	if err != nil {
		return nil, err
	}

	client, err := a.clients.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, NewError(ErrInvalidClient, "client authentication failed")
	}
	if !client.IsActive {
		return nil, NewError(ErrInvalidClient, "client authentication failed")
	}
	if client.TokenEndpointAuthMethod != method {
		return nil, NewError(ErrInvalidClient, "client authentication failed")
	}

	switch method {
	case AuthMethodSecretBasic, AuthMethodSecretPost:
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(creds.ClientSecret)); err != nil {
			return nil, NewError(ErrInvalidClient, "client authentication failed")
		}
	case AuthMethodPrivateKeyJWT:
		if err := a.verifyAssertion(ctx, client, creds.Assertion); err != nil {
			return nil, err
		}
	case AuthMethodNone:
		if !client.IsPublic() {
			return nil, NewError(ErrInvalidClient, "client authentication failed")
		}
	}
	return client, nil
}

// selectMethod picks the auth method implied by the presented
// credentials and the client id to resolve.
func (a *Authenticator) selectMethod(creds ClientCredentials) (method, clientID string, err error) {
	switch {
	case creds.FromBasicAuth:
		return AuthMethodSecretBasic, creds.ClientID, nil

	case creds.Assertion != "":
		if creds.AssertionType != ClientAssertionTypeJWTBearer {
			return "", "", NewError(ErrInvalidRequest, "unsupported client_assertion_type")
		}
		clientID = creds.ClientID
		if clientID == "" {
			// The issuer claim identifies the client when client_id is
			// absent; the signature is checked against that client's
			// published keys below.
			claims := jwt.MapClaims{}
			if _, _, err := jwt.NewParser().ParseUnverified(creds.Assertion, claims); err != nil {
				return "", "", NewError(ErrInvalidClient, "client authentication failed")
			}
			clientID, _ = claims["iss"].(string)
		}
		if clientID == "" {
			return "", "", NewError(ErrInvalidClient, "client authentication failed")
		}
		return AuthMethodPrivateKeyJWT, clientID, nil

	case creds.HasSecret:
		return AuthMethodSecretPost, creds.ClientID, nil

	default:
		if creds.ClientID == "" {
			return "", "", NewError(ErrInvalidClient, "client authentication failed")
		}
		return AuthMethodNone, creds.ClientID, nil
	}
}

// verifyAssertion validates a private_key_jwt client assertion
// (RFC 7523): signature against the client's JWKS, iss=sub=client_id,
// aud=token endpoint, unexpired, with jti replay protection.
func (a *Authenticator) verifyAssertion(ctx context.Context, client *Client, assertion string) error {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unsupported assertion algorithm %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return a.clientKey(ctx, client, kid)
	},
		jwt.WithExpirationRequired(),
		jwt.WithAudience(a.tokenEndpointURL),
		jwt.WithIssuer(client.ClientID),
	)
	if err != nil || !token.Valid {
		return NewError(ErrInvalidClient, "client authentication failed")
	}

	sub, _ := claims.GetSubject()
	if sub != client.ClientID {
		return NewError(ErrInvalidClient, "client authentication failed")
	}

	if jti, ok := claims["jti"].(string); ok && jti != "" {
		seen, err := a.blacklist.Contains(ctx, jti)
		if err == nil && seen {
			return NewError(ErrInvalidClient, "client authentication failed")
		}
		exp, _ := claims.GetExpirationTime()
		expiresAt := time.Now().Add(5 * time.Minute)
		if exp != nil {
			expiresAt = exp.Time
		}
		// Best-effort replay protection; a blacklist write failure must
		// not reject an otherwise valid assertion.
		_ = a.blacklist.Add(ctx, &BlacklistEntry{
			JTI:       jti,
			TokenType: "client_assertion",
			ExpiresAt: expiresAt,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

// clientKey resolves the verification key from the client's JWKS,
// re-fetching once on a kid miss in case of client-side rotation.
func (a *Authenticator) clientKey(ctx context.Context, client *Client, kid string) (any, error) {
	jwks, err := a.fetchJWKS(ctx, client.JWKSURI, false)
	if err != nil {
		return nil, err
	}
	if key, err := findKey(jwks, kid); err == nil {
		return key, nil
	}

	jwks, err = a.fetchJWKS(ctx, client.JWKSURI, true)
	if err != nil {
		return nil, err
	}
	return findKey(jwks, kid)
}

func (a *Authenticator) fetchJWKS(ctx context.Context, uri string, force bool) (remoteJWKS, error) {
	a.mu.Lock()
	cached, ok := a.cache[uri]
	a.mu.Unlock()
	if ok && !force && time.Since(cached.fetchedAt) < a.cacheTTL {
		return cached.keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return remoteJWKS{}, fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return remoteJWKS{}, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteJWKS{}, fmt.Errorf("JWKS fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return remoteJWKS{}, fmt.Errorf("failed to read JWKS: %w", err)
	}
	var jwks remoteJWKS
	if err := json.Unmarshal(body, &jwks); err != nil {
		return remoteJWKS{}, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	a.mu.Lock()
	a.cache[uri] = cachedJWKS{keys: jwks, fetchedAt: time.Now()}
	a.mu.Unlock()
	return jwks, nil
}

func findKey(jwks remoteJWKS, kid string) (any, error) {
	for _, k := range jwks.Keys {
		if kid != "" && k.Kid != kid {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		switch k.Kty {
		case "RSA":
			return parseRemoteRSAKey(k)
		case "EC":
			return parseRemoteECKey(k)
		}
	}
	return nil, fmt.Errorf("no usable key for kid %q", kid)
}

func parseRemoteRSAKey(k remoteJWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

func parseRemoteECKey(k remoteJWK) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("invalid x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
