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

package http

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/authgate/authgate/internal/oauth2"
	"github.com/authgate/authgate/internal/observability/logger"
)

// Authorize starts the authorization code flow (RFC 6749 §4.1.1)
// @Summary OAuth2 Authorize Endpoint
// @Tags OAuth2
// @Param client_id query string true "Client ID"
// @Param redirect_uri query string true "Redirect URI"
// @Param response_type query string true "Response type (code)"
// @Param scope query string true "Requested scopes"
// @Param state query string false "Opaque client state"
// @Param nonce query string false "OIDC nonce"
// @Param code_challenge query string false "PKCE challenge"
// @Param code_challenge_method query string false "PKCE method (S256)"
// @Success 302 {string} string "Redirects to callback, login or consent"
// @Router /oauth/authorize [get]
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := oauth2.AuthorizeRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		Nonce:               query.Get("nonce"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Prompt:              query.Get("prompt"),
	}

	decision := h.authorize.Authorize(r.Context(), req, GetUserID(r.Context()))
	switch decision.Next {
	case oauth2.DecisionRedirect, oauth2.DecisionErrorRedirect:
		http.Redirect(w, r, decision.RedirectURI, http.StatusFound)

	case oauth2.DecisionLogin:
		h.redirectToPage(w, r, h.loginURL)

	case oauth2.DecisionConsent:
		h.redirectToPage(w, r, h.consentURL)

	default:
		// Pre-redirect-validation failure: never bounce the user agent
		// to an unvalidated URI.
		slog.WarnContext(r.Context(), "authorize request rejected",
			logger.ClientID(req.ClientID),
			logger.RedirectURI(req.RedirectURI),
			logger.Error(decision.Err),
		)
		respondOAuthError(w, decision.Err)
	}
}

// redirectToPage sends the user agent to the login or consent page
// with the original authorize request preserved in return_to.
func (h *Handler) redirectToPage(w http.ResponseWriter, r *http.Request, page string) {
	if page == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	u, err := url.Parse(page)
	if err != nil {
		respondOAuthError(w, oauth2.NewError(oauth2.ErrServerError, "invalid page configuration"))
		return
	}
	q := u.Query()
	q.Set("return_to", r.URL.RequestURI())
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// Token is the token grant dispatcher (RFC 6749 §4.1.3, §4.4, §6)
// @Summary OAuth2 Token Endpoint
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param grant_type formData string true "authorization_code, refresh_token or client_credentials"
// @Param code formData string false "Authorization code"
// @Param redirect_uri formData string false "Redirect URI of the authorize request"
// @Param code_verifier formData string false "PKCE verifier"
// @Param refresh_token formData string false "Refresh token"
// @Param scope formData string false "Scope"
// @Success 200 {object} oauth2.TokenResponse
// @Failure 400 {object} oauth2.Error
// @Failure 401 {object} oauth2.Error
// @Router /oauth/token [post]
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed request body"))
		return
	}

	client, err := h.authenticator.Authenticate(r.Context(), oauth2.CredentialsFromRequest(r))
	if err != nil {
		respondOAuthError(w, err)
		return
	}

	req := oauth2.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}

	resp, err := h.tokens.Exchange(r.Context(), client, req)
	if err != nil {
		respondOAuthError(w, err)
		return
	}

	// RFC 6749 §5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}

// Introspect implements RFC 7662
// @Summary Token Introspection
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param token formData string true "Token to introspect"
// @Param token_type_hint formData string false "access_token or refresh_token"
// @Success 200 {object} oauth2.IntrospectionResponse
// @Failure 401 {object} oauth2.Error
// @Router /oauth/introspect [post]
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed request body"))
		return
	}

	client, err := h.authenticator.Authenticate(r.Context(), oauth2.CredentialsFromRequest(r))
	if err != nil {
		respondOAuthError(w, err)
		return
	}

	resp, err := h.tokens.Introspect(r.Context(), client,
		r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		respondOAuthError(w, oauth2.NewError(oauth2.ErrServerError, "introspection failed"))
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Revoke implements RFC 7009. The endpoint reports success even for
// unknown tokens; only failed client authentication is an error.
// @Summary Token Revocation
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Param token formData string true "Token to revoke"
// @Param token_type_hint formData string false "access_token or refresh_token"
// @Success 200 {string} string "OK"
// @Failure 401 {object} oauth2.Error
// @Router /oauth/revoke [post]
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed request body"))
		return
	}

	client, err := h.authenticator.Authenticate(r.Context(), oauth2.CredentialsFromRequest(r))
	if err != nil {
		respondOAuthError(w, err)
		return
	}

	_ = h.tokens.Revoke(r.Context(), client,
		r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	w.WriteHeader(http.StatusOK)
}

// UserInfo implements the OIDC UserInfo endpoint. Claims beyond sub
// are released per the granted scope.
// @Summary OIDC UserInfo
// @Tags OIDC
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Failure 401 {object} Envelope
// @Router /oauth/userinfo [get]
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	user, err := h.identity.Get(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unknown subject")
		return
	}

	scope := GetScope(r.Context())
	claims := map[string]any{"sub": user.ID}
	if hasScope(scope, oauth2.ScopeProfile) {
		claims["preferred_username"] = user.Username
	}
	if hasScope(scope, oauth2.ScopeEmail) {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	respondJSON(w, http.StatusOK, claims)
}

// JWKS serves the signing public keys (RFC 7517)
// @Summary JSON Web Key Set
// @Tags OIDC
// @Produce json
// @Success 200 {object} crypto.JWKS
// @Router /.well-known/jwks.json [get]
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.keys.PublicJWKS())
}

// DiscoveryMetadata is the OIDC discovery document
type DiscoveryMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery serves the OpenID Connect provider metadata
// @Summary OIDC Discovery
// @Tags OIDC
// @Produce json
// @Success 200 {object} DiscoveryMetadata
// @Router /.well-known/openid-configuration [get]
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, DiscoveryMetadata{
		Issuer:                 h.issuer,
		AuthorizationEndpoint:  h.issuer + "/api/v2/oauth/authorize",
		TokenEndpoint:          h.issuer + "/api/v2/oauth/token",
		UserInfoEndpoint:       h.issuer + "/api/v2/oauth/userinfo",
		JWKSURI:                h.issuer + "/.well-known/jwks.json",
		IntrospectionEndpoint:  h.issuer + "/api/v2/oauth/introspect",
		RevocationEndpoint:     h.issuer + "/api/v2/oauth/revoke",
		ResponseTypesSupported: []string{oauth2.ResponseTypeCode},
		GrantTypesSupported: []string{
			oauth2.GrantAuthorizationCode,
			oauth2.GrantRefreshToken,
			oauth2.GrantClientCredentials,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{h.keys.Algorithm()},
		ScopesSupported: []string{
			oauth2.ScopeOpenID, oauth2.ScopeProfile, oauth2.ScopeEmail,
		},
		TokenEndpointAuthMethodsSupported: []string{
			oauth2.AuthMethodSecretBasic,
			oauth2.AuthMethodSecretPost,
			oauth2.AuthMethodPrivateKeyJWT,
			oauth2.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{"S256"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "nonce", "auth_time",
			"preferred_username", "email", "email_verified",
		},
	})
}
