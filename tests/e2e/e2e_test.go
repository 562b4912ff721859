//go:build e2e

// End-to-end tests against a running AuthGate server. Prerequisites:
//
//   - the schema applied (authgate migrate)
//   - the server started with AUTHGATE_BOOTSTRAP_ADMIN_USERNAME,
//     AUTHGATE_BOOTSTRAP_ADMIN_EMAIL and AUTHGATE_BOOTSTRAP_ADMIN_PASSWORD
//     matching the admin credentials below
package e2e

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseURL = getEnv("AUTHGATE_API_URL", "http://127.0.0.1:8080")
	apiBase = baseURL + "/api/v2"

	adminUsername = getEnv("AUTHGATE_E2E_ADMIN_USERNAME", "admin")
	adminPassword = getEnv("AUTHGATE_E2E_ADMIN_PASSWORD", "ChangeMe-Adm1n!")

	// Seeded by the initial schema migration.
	consoleClientID = getEnv("AUTHGATE_E2E_CONSOLE_CLIENT_ID", "authgate-console")
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

type TestClient struct {
	httpClient *http.Client
	token      string
}

func NewTestClient() *TestClient {
	return &TestClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// The authorization endpoint redirects to the relying
			// party; the test inspects the Location header instead.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *TestClient) Do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

// PostForm submits a form-encoded OAuth endpoint request with optional
// client_secret_basic credentials.
func (c *TestClient) PostForm(path string, form url.Values, clientID, clientSecret string) (*http.Response, error) {
	req, _ := http.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}
	return c.httpClient.Do(req)
}

func decodeEnvelope(t *testing.T, resp *http.Response, dst any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if dst != nil && env.Data != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

// pkcePair generates an RFC 7636 verifier and its S256 challenge.
func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestE2E_Workflows(t *testing.T) {
	runID := time.Now().Unix()

	// State shared between subtests
	var (
		e2eClientID     string
		e2eClientSecret string
		e2eUsername     string
		e2eUserPassword string
		adminToken      string
		userToken       string
		accessToken     string
		refreshToken    string
	)

	redirectURI := "http://localhost:3000/callback"

	// 1. Admin login via the seeded console client
	t.Run("Admin Login", func(t *testing.T) {
		client := NewTestClient()

		resp, err := client.Do("POST", apiBase+"/auth/login", map[string]string{
			"username":  adminUsername,
			"password":  adminPassword,
			"client_id": consoleClientID,
			"scope":     "openid profile email",
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode,
			"admin login failed; was the server started with the bootstrap admin env?")

		var tokens tokenResponse
		env := decodeEnvelope(t, resp, &tokens)
		assert.True(t, env.Success)
		require.NotEmpty(t, tokens.AccessToken)
		adminToken = tokens.AccessToken

		t.Logf("Admin authenticated")
	})

	// 2. Admin registers a confidential OAuth client
	t.Run("Client Registration", func(t *testing.T) {
		require.NotEmpty(t, adminToken)

		client := NewTestClient()
		client.token = adminToken

		resp, err := client.Do("POST", apiBase+"/clients", map[string]any{
			"client_name":                fmt.Sprintf("E2E Testing App %d", runID),
			"client_type":                "confidential",
			"redirect_uris":              []string{redirectURI},
			"allowed_scopes":             []string{"openid", "profile", "email"},
			"grant_types":                []string{"authorization_code", "refresh_token", "client_credentials"},
			"response_types":             []string{"code"},
			"token_endpoint_auth_method": "client_secret_basic",
			"require_pkce":               true,
			"allow_localhost_redirect":   true,
			"require_https_redirect":     false,
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var created struct {
			Client struct {
				ClientID string `json:"client_id"`
			} `json:"client"`
			ClientSecret string `json:"client_secret"`
		}
		decodeEnvelope(t, resp, &created)
		require.NotEmpty(t, created.Client.ClientID)
		require.NotEmpty(t, created.ClientSecret)

		e2eClientID = created.Client.ClientID
		e2eClientSecret = created.ClientSecret
		t.Logf("Created client: %s", e2eClientID)
	})

	// 3. Admin provisions an end user
	t.Run("User Provisioning", func(t *testing.T) {
		require.NotEmpty(t, adminToken)

		client := NewTestClient()
		client.token = adminToken

		e2eUsername = fmt.Sprintf("e2e-user-%d", runID)
		e2eUserPassword = "E2e-User-Passw0rd!"

		resp, err := client.Do("POST", apiBase+"/users", map[string]any{
			"username":       e2eUsername,
			"email":          fmt.Sprintf("%s@example.com", e2eUsername),
			"password":       e2eUserPassword,
			"email_verified": true,
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		t.Logf("Created end user: %s", e2eUsername)
	})

	// 4. Authorization code flow with PKCE
	t.Run("Authorization Code Flow", func(t *testing.T) {
		require.NotEmpty(t, e2eClientID)

		client := NewTestClient()

		// Authenticate the end user first; the authorization endpoint
		// needs a bearer token to identify the resource owner.
		resp, err := client.Do("POST", apiBase+"/auth/login", map[string]string{
			"username":  e2eUsername,
			"password":  e2eUserPassword,
			"client_id": consoleClientID,
			"scope":     "openid profile",
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var loginTokens tokenResponse
		decodeEnvelope(t, resp, &loginTokens)
		require.NotEmpty(t, loginTokens.AccessToken)
		userToken = loginTokens.AccessToken

		verifier, challenge := pkcePair(t)
		state := "xyz123"

		authURL := fmt.Sprintf(
			"%s/oauth/authorize?response_type=code&client_id=%s&redirect_uri=%s&scope=%s&state=%s&nonce=abc456&code_challenge=%s&code_challenge_method=S256",
			apiBase, e2eClientID, url.QueryEscape(redirectURI),
			url.QueryEscape("openid profile email"), state, challenge,
		)
		req, _ := http.NewRequest("GET", authURL, nil)
		req.Header.Set("Authorization", "Bearer "+userToken)

		resp, err = client.httpClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := resp.Location()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(loc.String(), redirectURI))
		assert.Equal(t, state, loc.Query().Get("state"))

		code := loc.Query().Get("code")
		require.NotEmpty(t, code)

		// Exchange the code
		resp, err = client.PostForm(apiBase+"/oauth/token", url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {redirectURI},
			"code_verifier": {verifier},
		}, e2eClientID, e2eClientSecret)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

		var tokens tokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
		assert.Equal(t, "Bearer", tokens.TokenType)
		require.NotEmpty(t, tokens.AccessToken)
		require.NotEmpty(t, tokens.RefreshToken)
		assert.NotEmpty(t, tokens.IDToken, "openid scope should yield an id_token")

		accessToken = tokens.AccessToken
		refreshToken = tokens.RefreshToken

		// A code is single use
		resp, err = client.PostForm(apiBase+"/oauth/token", url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {redirectURI},
			"code_verifier": {verifier},
		}, e2eClientID, e2eClientSecret)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		t.Logf("Obtained tokens via authorization code flow")
	})

	// 5. Refresh rotation and reuse detection
	t.Run("Refresh Rotation", func(t *testing.T) {
		require.NotEmpty(t, refreshToken)

		client := NewTestClient()

		resp, err := client.PostForm(apiBase+"/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}, e2eClientID, e2eClientSecret)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rotated tokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
		require.NotEmpty(t, rotated.RefreshToken)
		assert.NotEqual(t, refreshToken, rotated.RefreshToken)

		// Replaying the consumed token is reuse; the whole chain dies.
		resp, err = client.PostForm(apiBase+"/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}, e2eClientID, e2eClientSecret)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var oauthErr struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&oauthErr))
		assert.Equal(t, "invalid_grant", oauthErr.Error)

		// The rotated successor was revoked by reuse detection
		resp, err = client.PostForm(apiBase+"/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {rotated.RefreshToken},
		}, e2eClientID, e2eClientSecret)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		t.Logf("Refresh reuse detected and chain revoked")
	})

	// 6. Introspection and revocation
	t.Run("Introspection and Revocation", func(t *testing.T) {
		require.NotEmpty(t, accessToken)

		client := NewTestClient()

		introspect := func() map[string]any {
			resp, err := client.PostForm(apiBase+"/oauth/introspect", url.Values{
				"token":           {accessToken},
				"token_type_hint": {"access_token"},
			}, e2eClientID, e2eClientSecret)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			return body
		}

		body := introspect()
		require.Equal(t, true, body["active"])
		assert.Equal(t, e2eClientID, body["client_id"])

		resp, err := client.PostForm(apiBase+"/oauth/revoke", url.Values{
			"token":           {accessToken},
			"token_type_hint": {"access_token"},
		}, e2eClientID, e2eClientSecret)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body = introspect()
		assert.Equal(t, false, body["active"])
		assert.Len(t, body, 1, "inactive introspection must not leak metadata")

		// The revoked token no longer reaches protected endpoints
		bearer := NewTestClient()
		bearer.token = accessToken
		resp, err = bearer.Do("GET", apiBase+"/oauth/userinfo", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		t.Logf("Revocation verified via introspection")
	})

	// 7. Discovery and JWKS
	t.Run("Discovery", func(t *testing.T) {
		client := NewTestClient()

		resp, err := client.httpClient.Get(baseURL + "/.well-known/openid-configuration")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var config struct {
			Issuer        string `json:"issuer"`
			TokenEndpoint string `json:"token_endpoint"`
			JWKSUri       string `json:"jwks_uri"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&config))
		assert.NotEmpty(t, config.Issuer)
		assert.NotEmpty(t, config.TokenEndpoint)
		require.NotEmpty(t, config.JWKSUri)

		resp, err = client.httpClient.Get(config.JWKSUri)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var jwks struct {
			Keys []map[string]any `json:"keys"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
		assert.NotEmpty(t, jwks.Keys)

		t.Logf("Verified discovery document and JWKS")
	})
}
