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
	"net/url"
	"strings"
	"testing"
	"time"
)

type authorizeFixture struct {
	svc      *AuthorizeService
	clients  *mockClientRepo
	codes    *mockCodeRepo
	consents *mockConsentRepo
	audit    *captureAudit
}

func newAuthorizeFixture(t *testing.T, clients ...*Client) *authorizeFixture {
	t.Helper()
	f := &authorizeFixture{
		clients:  newMockClientRepo(),
		codes:    newMockCodeRepo(),
		consents: newMockConsentRepo(),
		audit:    &captureAudit{},
	}
	for _, c := range clients {
		if err := f.clients.Create(context.Background(), c); err != nil {
			t.Fatalf("seed client: %v", err)
		}
	}
	f.svc = NewAuthorizeService(f.clients, f.codes, f.consents, f.audit, 10*time.Minute)
	return f
}

func validAuthorizeRequest(client *Client) AuthorizeRequest {
	req := AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		Scope:        "api:read",
		State:        "xyz123",
	}
	if client.PKCERequired() {
		req.CodeChallenge = s256Challenge(testVerifier)
		req.CodeChallengeMethod = "S256"
	}
	return req
}

// TestAuthorizeHappyPath verifies a fully valid request from an
// authenticated, consented user redirects back with code and state.
func TestAuthorizeHappyPath(t *testing.T) {
	client := testConfidentialClient()
	f := newAuthorizeFixture(t, client)

	d := f.svc.Authorize(context.Background(), validAuthorizeRequest(client), "user-1")
	if d.Next != DecisionRedirect {
		t.Fatalf("expected redirect, got %s (err=%v)", d.Next, d.Err)
	}

	u, err := url.Parse(d.RedirectURI)
	if err != nil {
		t.Fatalf("redirect URI does not parse: %v", err)
	}
	q := u.Query()
	if q.Get("code") == "" {
		t.Error("redirect missing code")
	}
	if q.Get("state") != "xyz123" {
		t.Errorf("state not echoed, got %q", q.Get("state"))
	}

	stored, err := f.codes.GetByCode(context.Background(), q.Get("code"))
	if err != nil {
		t.Fatalf("issued code not persisted: %v", err)
	}
	if stored.UserID != "user-1" || stored.ClientID != client.ClientID {
		t.Errorf("code bound to wrong principal: %+v", stored)
	}
}

// TestAuthorizeDirectErrors verifies failures before redirect URI
// validation never redirect.
//
// Security: redirecting on an unvalidated URI turns the server into an
// open redirector.
func TestAuthorizeDirectErrors(t *testing.T) {
	client := testConfidentialClient()
	inactive := testPublicClient()
	inactive.IsActive = false
	f := newAuthorizeFixture(t, client, inactive)

	tests := []struct {
		name string
		req  AuthorizeRequest
	}{
		{"unknown client", AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     "agc_nope",
			RedirectURI:  "https://app.test/callback",
		}},
		{"inactive client", AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     inactive.ClientID,
			RedirectURI:  inactive.RedirectURIs[0],
		}},
		{"unregistered redirect", AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     client.ClientID,
			RedirectURI:  "https://evil.test/callback",
		}},
		{"fragment in redirect", AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     client.ClientID,
			RedirectURI:  client.RedirectURIs[0] + "#frag",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.svc.Authorize(context.Background(), tt.req, "user-1")
			if d.Next != DecisionErrorDirect {
				t.Errorf("expected direct error, got %s", d.Next)
			}
			if d.RedirectURI != "" {
				t.Errorf("direct error must not carry a redirect, got %q", d.RedirectURI)
			}
		})
	}
}

// TestAuthorizeErrorRedirects verifies failures after redirect URI
// validation return to the client with error and state.
func TestAuthorizeErrorRedirects(t *testing.T) {
	client := testConfidentialClient()
	public := testPublicClient()
	f := newAuthorizeFixture(t, client, public)

	tests := []struct {
		name     string
		mutate   func(*AuthorizeRequest)
		client   *Client
		wantCode string
	}{
		{"unsupported response type", func(r *AuthorizeRequest) {
			r.ResponseType = "token"
		}, client, ErrUnsupportedResponse},
		{"empty scope", func(r *AuthorizeRequest) {
			r.Scope = ""
		}, client, ErrInvalidScope},
		{"scope exceeds allowance", func(r *AuthorizeRequest) {
			r.Scope = "api:read admin:everything"
		}, client, ErrInvalidScope},
		{"missing challenge for public client", func(r *AuthorizeRequest) {
			r.CodeChallenge = ""
			r.CodeChallengeMethod = ""
		}, public, ErrInvalidRequest},
		{"plain challenge method", func(r *AuthorizeRequest) {
			r.CodeChallengeMethod = "plain"
		}, public, ErrInvalidRequest},
		{"challenge too short", func(r *AuthorizeRequest) {
			r.CodeChallenge = "tooshort"
		}, public, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizeRequest(tt.client)
			tt.mutate(&req)

			d := f.svc.Authorize(context.Background(), req, "user-1")
			if d.Next != DecisionErrorRedirect {
				t.Fatalf("expected error redirect, got %s", d.Next)
			}
			u, err := url.Parse(d.RedirectURI)
			if err != nil {
				t.Fatalf("redirect URI does not parse: %v", err)
			}
			q := u.Query()
			if q.Get("error") != tt.wantCode {
				t.Errorf("expected error %s, got %s", tt.wantCode, q.Get("error"))
			}
			if q.Get("state") != "xyz123" {
				t.Errorf("state not echoed on error redirect")
			}
			if !strings.HasPrefix(d.RedirectURI, tt.client.RedirectURIs[0]) {
				t.Errorf("error redirected off the registered URI: %s", d.RedirectURI)
			}
		})
	}
}

// TestAuthorizeLoginRequired verifies requests without a user session
// are sent to login, as is prompt=login with one.
func TestAuthorizeLoginRequired(t *testing.T) {
	client := testConfidentialClient()
	f := newAuthorizeFixture(t, client)

	d := f.svc.Authorize(context.Background(), validAuthorizeRequest(client), "")
	if d.Next != DecisionLogin {
		t.Errorf("anonymous request: expected login, got %s", d.Next)
	}

	req := validAuthorizeRequest(client)
	req.Prompt = "login"
	d = f.svc.Authorize(context.Background(), req, "user-1")
	if d.Next != DecisionLogin {
		t.Errorf("prompt=login: expected login, got %s", d.Next)
	}
}

// TestAuthorizeConsentFlow verifies the consent step: required without
// a covering grant, skipped with one, and access_denied under
// prompt=none.
func TestAuthorizeConsentFlow(t *testing.T) {
	client := testConfidentialClient()
	client.RequireConsent = true
	f := newAuthorizeFixture(t, client)

	d := f.svc.Authorize(context.Background(), validAuthorizeRequest(client), "user-1")
	if d.Next != DecisionConsent {
		t.Fatalf("expected consent, got %s", d.Next)
	}

	// prompt=none with pending consent is a hard denial.
	req := validAuthorizeRequest(client)
	req.Prompt = "none"
	d = f.svc.Authorize(context.Background(), req, "user-1")
	if d.Next != DecisionErrorRedirect {
		t.Fatalf("prompt=none: expected error redirect, got %s", d.Next)
	}
	if d.Err == nil || d.Err.Code != ErrAccessDenied {
		t.Errorf("prompt=none: expected access_denied, got %v", d.Err)
	}

	// Grant consent; the flow completes without the consent step.
	if err := f.svc.GrantConsent(context.Background(), "user-1", client.ClientID, []string{"api:read", "profile"}, nil); err != nil {
		t.Fatalf("grant consent: %v", err)
	}
	d = f.svc.Authorize(context.Background(), validAuthorizeRequest(client), "user-1")
	if d.Next != DecisionRedirect {
		t.Errorf("after consent: expected redirect, got %s (err=%v)", d.Next, d.Err)
	}

	// A scope outside the grant brings consent back.
	req = validAuthorizeRequest(client)
	req.Scope = "api:read api:write"
	d = f.svc.Authorize(context.Background(), req, "user-1")
	if d.Next != DecisionConsent {
		t.Errorf("uncovered scope: expected consent, got %s", d.Next)
	}
}

// TestAuthorizeExpiredConsent verifies an expired grant no longer
// covers anything.
func TestAuthorizeExpiredConsent(t *testing.T) {
	client := testConfidentialClient()
	client.RequireConsent = true
	f := newAuthorizeFixture(t, client)

	past := time.Now().Add(-time.Hour)
	if err := f.svc.GrantConsent(context.Background(), "user-1", client.ClientID, []string{"api:read"}, &past); err != nil {
		t.Fatalf("grant consent: %v", err)
	}

	d := f.svc.Authorize(context.Background(), validAuthorizeRequest(client), "user-1")
	if d.Next != DecisionConsent {
		t.Errorf("expired grant: expected consent, got %s", d.Next)
	}
}

// TestRevokeConsent verifies consent withdrawal takes effect on the
// next authorize pass.
func TestRevokeConsent(t *testing.T) {
	client := testConfidentialClient()
	client.RequireConsent = true
	f := newAuthorizeFixture(t, client)
	ctx := context.Background()

	if err := f.svc.GrantConsent(ctx, "user-1", client.ClientID, []string{"api:read"}, nil); err != nil {
		t.Fatalf("grant consent: %v", err)
	}
	if err := f.svc.RevokeConsent(ctx, "user-1", client.ClientID); err != nil {
		t.Fatalf("revoke consent: %v", err)
	}

	grants, err := f.svc.ListConsents(ctx, "user-1")
	if err != nil {
		t.Fatalf("list consents: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("expected no live grants, got %d", len(grants))
	}

	d := f.svc.Authorize(ctx, validAuthorizeRequest(client), "user-1")
	if d.Next != DecisionConsent {
		t.Errorf("after revocation: expected consent, got %s", d.Next)
	}
}

// TestClientCodeLifetimeOverride verifies the per-client code lifetime
// takes precedence over the server default.
func TestClientCodeLifetimeOverride(t *testing.T) {
	client := testConfidentialClient()
	client.CodeLifetime = 60
	f := newAuthorizeFixture(t, client)

	d := f.svc.Authorize(context.Background(), validAuthorizeRequest(client), "user-1")
	if d.Next != DecisionRedirect {
		t.Fatalf("expected redirect, got %s", d.Next)
	}
	ttl := time.Until(d.Code.ExpiresAt)
	if ttl > 2*time.Minute {
		t.Errorf("client lifetime override ignored, ttl %v", ttl)
	}
}

func TestRedirectURIValidation(t *testing.T) {
	client := testConfidentialClient()
	client.RedirectURIs = []string{
		"https://app.test/callback",
		"http://localhost:3000/cb",
		"http://127.0.0.1:8080/cb",
	}
	client.RequireHTTPSRedirect = true
	client.AllowLocalhostRedirect = true

	tests := []struct {
		uri  string
		want bool
	}{
		{"https://app.test/callback", true},
		{"https://app.test/callback/extra", false}, // exact match only
		{"https://app.test/Callback", false},       // case-sensitive
		{"http://localhost:3000/cb", true},         // loopback exception
		{"http://127.0.0.1:8080/cb", true},
		{"http://app.test/callback", false}, // https enforced
		{"https://app.test/callback#f", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := client.ValidateRedirectURI(tt.uri); got != tt.want {
			t.Errorf("ValidateRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}

	// Without the localhost exception plain-http loopback fails too.
	client.AllowLocalhostRedirect = false
	if client.ValidateRedirectURI("http://localhost:3000/cb") {
		t.Error("loopback http accepted without allow_localhost_redirect")
	}
}
