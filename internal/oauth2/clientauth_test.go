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
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const testTokenEndpoint = "https://auth.test/api/v2/oauth/token"

func newAuthFixture(t *testing.T, clients ...*Client) (*Authenticator, *mockClientRepo, *mockBlacklistRepo) {
	t.Helper()
	repo := newMockClientRepo()
	for _, c := range clients {
		if err := repo.Create(context.Background(), c); err != nil {
			t.Fatalf("seed client: %v", err)
		}
	}
	blacklist := newMockBlacklistRepo()
	return NewAuthenticator(repo, blacklist, testTokenEndpoint, 2*time.Second, 5*time.Minute), repo, blacklist
}

func secretClient(t *testing.T, method, secret string) *Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	c := testConfidentialClient()
	c.TokenEndpointAuthMethod = method
	c.ClientSecretHash = string(hash)
	return c
}

// jwksServer serves a JWKS for the given RSA key and counts fetches.
func jwksServer(t *testing.T, pub *rsa.PublicKey, kid string, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	jwks := remoteJWKS{Keys: []remoteJWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

func assertionClaims(clientID, jti string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": testTokenEndpoint,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Unix(),
		"jti": jti,
	}
}

// TestSecretBasicAuth verifies client_secret_basic: the right secret
// passes, the wrong one collapses to invalid_client.
func TestSecretBasicAuth(t *testing.T) {
	client := secretClient(t, AuthMethodSecretBasic, "s3cret")
	auth, _, _ := newAuthFixture(t, client)

	got, err := auth.Authenticate(context.Background(), ClientCredentials{
		ClientID:      client.ClientID,
		ClientSecret:  "s3cret",
		FromBasicAuth: true,
		HasSecret:     true,
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("wrong client resolved: %s", got.ClientID)
	}

	_, err = auth.Authenticate(context.Background(), ClientCredentials{
		ClientID:      client.ClientID,
		ClientSecret:  "wrong",
		FromBasicAuth: true,
		HasSecret:     true,
	})
	if err == nil {
		t.Fatal("wrong secret accepted")
	}
	if got := oauthErrCode(t, err); got != ErrInvalidClient {
		t.Errorf("expected %s, got %s", ErrInvalidClient, got)
	}
}

// TestSecretPostAuth verifies client_secret_post resolution from form
// credentials.
func TestSecretPostAuth(t *testing.T) {
	client := secretClient(t, AuthMethodSecretPost, "s3cret")
	auth, _, _ := newAuthFixture(t, client)

	if _, err := auth.Authenticate(context.Background(), ClientCredentials{
		ClientID:     client.ClientID,
		ClientSecret: "s3cret",
		HasSecret:    true,
	}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

// TestMethodMismatchRejected verifies a client registered for one auth
// method cannot authenticate with another.
//
// Security: accepting basic credentials for a secret_post client (or
// vice versa) would silently widen the attack surface the client
// registered for.
func TestMethodMismatchRejected(t *testing.T) {
	client := secretClient(t, AuthMethodSecretPost, "s3cret")
	auth, _, _ := newAuthFixture(t, client)

	_, err := auth.Authenticate(context.Background(), ClientCredentials{
		ClientID:      client.ClientID,
		ClientSecret:  "s3cret",
		FromBasicAuth: true,
		HasSecret:     true,
	})
	if err == nil {
		t.Fatal("basic credentials accepted for a secret_post client")
	}
	if got := oauthErrCode(t, err); got != ErrInvalidClient {
		t.Errorf("expected %s, got %s", ErrInvalidClient, got)
	}
}

// TestPublicClientNoneAuth verifies public clients authenticate with a
// bare client_id, while confidential clients never can.
func TestPublicClientNoneAuth(t *testing.T) {
	public := testPublicClient()
	confidential := secretClient(t, AuthMethodSecretBasic, "s3cret")
	auth, _, _ := newAuthFixture(t, public, confidential)

	if _, err := auth.Authenticate(context.Background(), ClientCredentials{
		ClientID: public.ClientID,
	}); err != nil {
		t.Fatalf("public client rejected: %v", err)
	}

	_, err := auth.Authenticate(context.Background(), ClientCredentials{
		ClientID: confidential.ClientID,
	})
	if err == nil {
		t.Fatal("confidential client authenticated with no credentials")
	}
}

// TestUnknownAndInactiveClients verifies both collapse to the same
// invalid_client error.
//
// Security: a distinguishable error would let attackers probe the
// client registry.
func TestUnknownAndInactiveClients(t *testing.T) {
	client := secretClient(t, AuthMethodSecretBasic, "s3cret")
	client.IsActive = false
	auth, _, _ := newAuthFixture(t, client)

	for name, id := range map[string]string{"unknown": "agc_nope", "inactive": client.ClientID} {
		_, err := auth.Authenticate(context.Background(), ClientCredentials{
			ClientID:      id,
			ClientSecret:  "s3cret",
			FromBasicAuth: true,
			HasSecret:     true,
		})
		if err == nil {
			t.Fatalf("%s client accepted", name)
		}
		var oerr *Error
		if !errors.As(err, &oerr) || oerr.Code != ErrInvalidClient || oerr.Description != "client authentication failed" {
			t.Errorf("%s client: expected uniform invalid_client, got %v", name, err)
		}
	}
}

// TestPrivateKeyJWT verifies the RFC 7523 assertion flow against a
// JWKS served over HTTP.
func TestPrivateKeyJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches atomic.Int64
	srv := jwksServer(t, &key.PublicKey, "kid-1", &fetches)

	client := testConfidentialClient()
	client.TokenEndpointAuthMethod = AuthMethodPrivateKeyJWT
	client.JWKSURI = srv.URL
	auth, _, blacklist := newAuthFixture(t, client)

	assertion := signAssertion(t, key, "kid-1", assertionClaims(client.ClientID, "jti-1"))
	got, err := auth.Authenticate(context.Background(), ClientCredentials{
		Assertion:     assertion,
		AssertionType: ClientAssertionTypeJWTBearer,
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("wrong client resolved: %s", got.ClientID)
	}

	// jti recorded for replay protection
	seen, _ := blacklist.Contains(context.Background(), "jti-1")
	if !seen {
		t.Error("assertion jti not recorded")
	}

	// Replay of the same assertion fails.
	if _, err := auth.Authenticate(context.Background(), ClientCredentials{
		Assertion:     assertion,
		AssertionType: ClientAssertionTypeJWTBearer,
	}); err == nil {
		t.Fatal("replayed assertion accepted")
	}

	// Second fresh assertion hits the JWKS cache, not the server.
	fetchesBefore := fetches.Load()
	fresh := signAssertion(t, key, "kid-1", assertionClaims(client.ClientID, "jti-2"))
	if _, err := auth.Authenticate(context.Background(), ClientCredentials{
		Assertion:     fresh,
		AssertionType: ClientAssertionTypeJWTBearer,
	}); err != nil {
		t.Fatalf("second assertion: %v", err)
	}
	if fetches.Load() != fetchesBefore {
		t.Errorf("JWKS re-fetched within cache TTL (%d -> %d)", fetchesBefore, fetches.Load())
	}
}

// TestPrivateKeyJWTClaimChecks verifies every claim binding of the
// assertion is enforced.
func TestPrivateKeyJWTClaimChecks(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, &key.PublicKey, "kid-1", nil)

	client := testConfidentialClient()
	client.TokenEndpointAuthMethod = AuthMethodPrivateKeyJWT
	client.JWKSURI = srv.URL

	wrongKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey)
	}{
		{"wrong audience", func(c jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey) {
			c["aud"] = "https://other.test/token"
			return c, key
		}},
		{"wrong issuer", func(c jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey) {
			c["iss"] = "agc_somebody_else"
			c["sub"] = "agc_somebody_else"
			return c, key
		}},
		{"subject mismatch", func(c jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey) {
			c["sub"] = "agc_somebody_else"
			return c, key
		}},
		{"expired", func(c jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey) {
			c["exp"] = time.Now().Add(-time.Minute).Unix()
			return c, key
		}},
		{"missing exp", func(c jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey) {
			delete(c, "exp")
			return c, key
		}},
		{"wrong key", func(c jwt.MapClaims) (jwt.MapClaims, *rsa.PrivateKey) {
			return c, wrongKey
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, _, _ := newAuthFixture(t, client)
			claims, signKey := tt.mutate(assertionClaims(client.ClientID, "jti-"+tt.name))
			assertion := signAssertion(t, signKey, "kid-1", claims)

			// iss identifies the client; keep resolution working for the
			// wrong-issuer case by passing client_id explicitly.
			_, err := auth.Authenticate(context.Background(), ClientCredentials{
				ClientID:      client.ClientID,
				Assertion:     assertion,
				AssertionType: ClientAssertionTypeJWTBearer,
			})
			if err == nil {
				t.Fatal("invalid assertion accepted")
			}
			if got := oauthErrCode(t, err); got != ErrInvalidClient {
				t.Errorf("expected %s, got %s", ErrInvalidClient, got)
			}
		})
	}
}

// TestPrivateKeyJWTRejectsSymmetricAlg verifies HS256 assertions are
// refused outright.
//
// Security: accepting a symmetric algorithm would let an attacker sign
// assertions with public JWKS material.
func TestPrivateKeyJWTRejectsSymmetricAlg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteJWKS{})
	}))
	defer srv.Close()

	client := testConfidentialClient()
	client.TokenEndpointAuthMethod = AuthMethodPrivateKeyJWT
	client.JWKSURI = srv.URL
	auth, _, _ := newAuthFixture(t, client)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, assertionClaims(client.ClientID, "jti-hs"))
	assertion, err := tok.SignedString([]byte("guessable"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = auth.Authenticate(context.Background(), ClientCredentials{
		ClientID:      client.ClientID,
		Assertion:     assertion,
		AssertionType: ClientAssertionTypeJWTBearer,
	})
	if err == nil {
		t.Fatal("HS256 assertion accepted")
	}
}

// TestAssertionTypeRequired verifies the assertion type parameter must
// name the RFC 7523 bearer type.
func TestAssertionTypeRequired(t *testing.T) {
	auth, _, _ := newAuthFixture(t)
	_, err := auth.Authenticate(context.Background(), ClientCredentials{
		Assertion:     "x.y.z",
		AssertionType: "urn:something:else",
	})
	if err == nil {
		t.Fatal("bogus assertion type accepted")
	}
	if got := oauthErrCode(t, err); got != ErrInvalidRequest {
		t.Errorf("expected %s, got %s", ErrInvalidRequest, got)
	}
}

// TestCredentialsFromRequest verifies extraction precedence: basic
// auth, then assertion, then form secret.
func TestCredentialsFromRequest(t *testing.T) {
	basic := httptest.NewRequest(http.MethodPost, "/token", nil)
	basic.SetBasicAuth("agc_a", "secret-a")
	creds := CredentialsFromRequest(basic)
	if !creds.FromBasicAuth || creds.ClientID != "agc_a" || creds.ClientSecret != "secret-a" {
		t.Errorf("basic extraction wrong: %+v", creds)
	}

	form := url.Values{
		"client_id":             {"agc_b"},
		"client_assertion":      {"x.y.z"},
		"client_assertion_type": {ClientAssertionTypeJWTBearer},
	}
	post := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	creds = CredentialsFromRequest(post)
	if creds.FromBasicAuth || creds.Assertion != "x.y.z" || creds.AssertionType != ClientAssertionTypeJWTBearer {
		t.Errorf("assertion extraction wrong: %+v", creds)
	}

	form = url.Values{
		"client_id":     {"agc_c"},
		"client_secret": {"secret-c"},
	}
	post = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	creds = CredentialsFromRequest(post)
	if !creds.HasSecret || creds.ClientSecret != "secret-c" {
		t.Errorf("form secret extraction wrong: %+v", creds)
	}
}
