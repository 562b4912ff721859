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
	"sync"
	"testing"
	"time"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/crypto"
	"github.com/authgate/authgate/internal/identity"
	"github.com/authgate/authgate/internal/token"
)

// In-memory repositories shared by the oauth2 service tests.

type mockClientRepo struct {
	byClientID map[string]*Client
	byID       map[string]*Client
}

func newMockClientRepo() *mockClientRepo {
	return &mockClientRepo{
		byClientID: make(map[string]*Client),
		byID:       make(map[string]*Client),
	}
}

func (m *mockClientRepo) Create(ctx context.Context, c *Client) error {
	if _, ok := m.byClientID[c.ClientID]; ok {
		return ErrClientAlreadyExists
	}
	m.byClientID[c.ClientID] = c
	m.byID[c.ID] = c
	return nil
}

func (m *mockClientRepo) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	if c, ok := m.byClientID[clientID]; ok {
		return c, nil
	}
	return nil, ErrClientNotFound
}

func (m *mockClientRepo) GetByID(ctx context.Context, id string) (*Client, error) {
	if c, ok := m.byID[id]; ok {
		return c, nil
	}
	return nil, ErrClientNotFound
}

func (m *mockClientRepo) Update(ctx context.Context, c *Client) error {
	m.byClientID[c.ClientID] = c
	m.byID[c.ID] = c
	return nil
}

func (m *mockClientRepo) Delete(ctx context.Context, id string) error {
	c, ok := m.byID[id]
	if !ok {
		return ErrClientNotFound
	}
	delete(m.byClientID, c.ClientID)
	delete(m.byID, id)
	return nil
}

func (m *mockClientRepo) List(ctx context.Context, limit, offset int) ([]*Client, int64, error) {
	var out []*Client
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out, int64(len(out)), nil
}

type mockCodeRepo struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
}

func newMockCodeRepo() *mockCodeRepo {
	return &mockCodeRepo{codes: make(map[string]*AuthorizationCode)}
}

func (m *mockCodeRepo) Create(ctx context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

func (m *mockCodeRepo) GetByCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.codes[code]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, ErrCodeNotFound
}

func (m *mockCodeRepo) ConsumeIfUnused(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return ErrCodeNotFound
	}
	if c.IsUsed {
		return ErrCodeConsumed
	}
	now := time.Now()
	c.IsUsed = true
	c.UsedAt = &now
	return nil
}

func (m *mockCodeRepo) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.codes {
		if c.UserID == userID {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}

func (m *mockCodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.codes {
		if c.IsExpired() {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}

type mockAccessRepo struct {
	mu     sync.Mutex
	byHash map[string]*AccessToken
	byJTI  map[string]*AccessToken
}

func newMockAccessRepo() *mockAccessRepo {
	return &mockAccessRepo{
		byHash: make(map[string]*AccessToken),
		byJTI:  make(map[string]*AccessToken),
	}
}

func (m *mockAccessRepo) Create(ctx context.Context, t *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[t.TokenHash] = t
	m.byJTI[t.JTI] = t
	return nil
}

func (m *mockAccessRepo) GetByHash(ctx context.Context, hash string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byHash[hash]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockAccessRepo) GetByJTI(ctx context.Context, jti string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byJTI[jti]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockAccessRepo) Revoke(ctx context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byJTI[jti]
	if !ok {
		return ErrTokenNotFound
	}
	now := time.Now()
	t.IsRevoked = true
	t.RevokedAt = &now
	return nil
}

func (m *mockAccessRepo) RevokeByParentRefresh(ctx context.Context, refreshJTI string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	now := time.Now()
	for _, t := range m.byJTI {
		if t.ParentRefreshJTI == refreshJTI && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			revoked = append(revoked, t.JTI)
		}
	}
	return revoked, nil
}

func (m *mockAccessRepo) RevokeIssuedSince(ctx context.Context, userID, clientID string, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	now := time.Now()
	for _, t := range m.byJTI {
		if t.UserID == userID && t.ClientID == clientID && !t.IssuedAt.Before(cutoff) && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			revoked = append(revoked, t.JTI)
		}
	}
	return revoked, nil
}

func (m *mockAccessRepo) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	now := time.Now()
	for _, t := range m.byJTI {
		if t.UserID == userID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			revoked = append(revoked, t.JTI)
		}
	}
	return revoked, nil
}

func (m *mockAccessRepo) RevokeAllForClient(ctx context.Context, clientID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	now := time.Now()
	for _, t := range m.byJTI {
		if t.ClientID == clientID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			revoked = append(revoked, t.JTI)
		}
	}
	return revoked, nil
}

func (m *mockAccessRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

type mockRefreshRepo struct {
	mu     sync.Mutex
	byHash map[string]*RefreshToken
	byJTI  map[string]*RefreshToken
}

func newMockRefreshRepo() *mockRefreshRepo {
	return &mockRefreshRepo{
		byHash: make(map[string]*RefreshToken),
		byJTI:  make(map[string]*RefreshToken),
	}
}

func (m *mockRefreshRepo) Create(ctx context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[t.TokenHash] = t
	m.byJTI[t.JTI] = t
	return nil
}

func (m *mockRefreshRepo) GetByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byHash[hash]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockRefreshRepo) GetByJTI(ctx context.Context, jti string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byJTI[jti]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockRefreshRepo) RevokeIfActive(ctx context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byJTI[jti]
	if !ok {
		return ErrTokenNotFound
	}
	if t.IsRevoked {
		return ErrTokenRevoked
	}
	now := time.Now()
	t.IsRevoked = true
	t.RevokedAt = &now
	return nil
}

func (m *mockRefreshRepo) Revoke(ctx context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byJTI[jti]
	if !ok {
		return ErrTokenNotFound
	}
	now := time.Now()
	t.IsRevoked = true
	t.RevokedAt = &now
	return nil
}

func (m *mockRefreshRepo) RevokeChain(ctx context.Context, jti string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Walk to the chain root, then sweep forward.
	root := jti
	for {
		t, ok := m.byJTI[root]
		if !ok || t.ParentJTI == "" {
			break
		}
		root = t.ParentJTI
	}

	members := map[string]bool{root: true}
	changed := true
	for changed {
		changed = false
		for _, t := range m.byJTI {
			if members[t.ParentJTI] && !members[t.JTI] {
				members[t.JTI] = true
				changed = true
			}
		}
	}

	var revoked []string
	now := time.Now()
	for member := range members {
		if t, ok := m.byJTI[member]; ok && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
		}
		revoked = append(revoked, member)
	}
	return revoked, nil
}

func (m *mockRefreshRepo) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	now := time.Now()
	for _, t := range m.byJTI {
		if t.UserID == userID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			revoked = append(revoked, t.JTI)
		}
	}
	return revoked, nil
}

func (m *mockRefreshRepo) RevokeAllForClient(ctx context.Context, clientID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []string
	now := time.Now()
	for _, t := range m.byJTI {
		if t.ClientID == clientID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			revoked = append(revoked, t.JTI)
		}
	}
	return revoked, nil
}

func (m *mockRefreshRepo) ListActiveForUser(ctx context.Context, userID string) ([]*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RefreshToken
	for _, t := range m.byJTI {
		if t.UserID == userID && !t.IsRevoked && !t.IsExpired() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRefreshRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

type mockBlacklistRepo struct {
	mu      sync.Mutex
	entries map[string]*BlacklistEntry
}

func newMockBlacklistRepo() *mockBlacklistRepo {
	return &mockBlacklistRepo{entries: make(map[string]*BlacklistEntry)}
}

func (m *mockBlacklistRepo) Add(ctx context.Context, e *BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.JTI]; !ok {
		m.entries[e.JTI] = e
	}
	return nil
}

func (m *mockBlacklistRepo) Contains(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[jti]
	return ok, nil
}

func (m *mockBlacklistRepo) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

type mockConsentRepo struct {
	grants map[string]*ConsentGrant // userID + "\x00" + clientID
}

func newMockConsentRepo() *mockConsentRepo {
	return &mockConsentRepo{grants: make(map[string]*ConsentGrant)}
}

func consentKey(userID, clientID string) string { return userID + "\x00" + clientID }

func (m *mockConsentRepo) Upsert(ctx context.Context, g *ConsentGrant) error {
	m.grants[consentKey(g.UserID, g.ClientID)] = g
	return nil
}

func (m *mockConsentRepo) Get(ctx context.Context, userID, clientID string) (*ConsentGrant, error) {
	if g, ok := m.grants[consentKey(userID, clientID)]; ok {
		return g, nil
	}
	return nil, ErrConsentNotFound
}

func (m *mockConsentRepo) Revoke(ctx context.Context, userID, clientID string) error {
	g, ok := m.grants[consentKey(userID, clientID)]
	if !ok {
		return ErrConsentNotFound
	}
	now := time.Now()
	g.RevokedAt = &now
	return nil
}

func (m *mockConsentRepo) ListForUser(ctx context.Context, userID string) ([]*ConsentGrant, error) {
	var out []*ConsentGrant
	for _, g := range m.grants {
		if g.UserID == userID && g.RevokedAt == nil {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *mockConsentRepo) DeleteForClient(ctx context.Context, clientID string) error {
	for k, g := range m.grants {
		if g.ClientID == clientID {
			delete(m.grants, k)
		}
	}
	return nil
}

func (m *mockConsentRepo) DeleteExpired(ctx context.Context) (int64, error) {
	var n int64
	now := time.Now()
	for k, g := range m.grants {
		if g.ExpiresAt != nil && g.ExpiresAt.Before(now) {
			delete(m.grants, k)
			n++
		}
	}
	return n, nil
}

type mockUserRepo struct {
	byID map[string]*identity.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{byID: make(map[string]*identity.User)}
}

func (m *mockUserRepo) Create(ctx context.Context, u *identity.User) error {
	m.byID[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*identity.User, error) {
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return nil, identity.ErrUserNotFound
}

func (m *mockUserRepo) GetByUsername(ctx context.Context, username string) (*identity.User, error) {
	for _, u := range m.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (m *mockUserRepo) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (m *mockUserRepo) Update(ctx context.Context, u *identity.User) error {
	m.byID[u.ID] = u
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	delete(m.byID, id)
	return nil
}

func (m *mockUserRepo) List(ctx context.Context, f identity.Filter) ([]*identity.User, int64, error) {
	var out []*identity.User
	for _, u := range m.byID {
		out = append(out, u)
	}
	return out, int64(len(out)), nil
}

type staticPerms struct {
	perms map[string][]string
}

func (p staticPerms) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	return p.perms[userID], nil
}

// captureAudit records every logged event for assertions.
type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAudit) Log(ctx context.Context, event audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureAudit) has(action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Action == action {
			return true
		}
	}
	return false
}

// tokenFixture wires a TokenService against the in-memory repositories
// with an HS256 codec, which keeps the tests fast.
type tokenFixture struct {
	svc       *TokenService
	codec     *token.Codec
	codes     *mockCodeRepo
	access    *mockAccessRepo
	refresh   *mockRefreshRepo
	blacklist *mockBlacklistRepo
	users     *mockUserRepo
	audit     *captureAudit
}

func newTokenFixture(t *testing.T, perms map[string][]string) *tokenFixture {
	t.Helper()

	keys, err := crypto.NewKeyService(crypto.Config{
		Algorithm:   crypto.AlgorithmHS256,
		HS256Secret: "0123456789abcdef0123456789abcdef",
		KeyID:       "test-key",
	})
	if err != nil {
		t.Fatalf("key service: %v", err)
	}
	codec := token.NewCodec(keys, "https://auth.test", "https://api.test")

	f := &tokenFixture{
		codec:     codec,
		codes:     newMockCodeRepo(),
		access:    newMockAccessRepo(),
		refresh:   newMockRefreshRepo(),
		blacklist: newMockBlacklistRepo(),
		users:     newMockUserRepo(),
		audit:     &captureAudit{},
	}
	f.svc = NewTokenService(
		f.codes, f.access, f.refresh, f.blacklist, f.users,
		staticPerms{perms: perms}, codec, f.audit,
		time.Hour, 30*24*time.Hour,
	)
	return f
}

func testConfidentialClient() *Client {
	return &Client{
		ID:                      "c-internal-1",
		ClientID:                "agc_confidential",
		ClientType:              ClientTypeConfidential,
		ClientName:              "Test Web App",
		RedirectURIs:            []string{"https://app.test/callback"},
		AllowedScopes:           []string{"openid", "profile", "email", "api:read", "api:write"},
		GrantTypes:              []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		ResponseTypes:           []string{ResponseTypeCode},
		TokenEndpointAuthMethod: AuthMethodSecretBasic,
		RequireHTTPSRedirect:    true,
		IsActive:                true,
	}
}

func testPublicClient() *Client {
	return &Client{
		ID:                      "c-internal-2",
		ClientID:                "agc_public",
		ClientType:              ClientTypePublic,
		ClientName:              "Test SPA",
		RedirectURIs:            []string{"https://spa.test/callback"},
		AllowedScopes:           []string{"openid", "profile", "api:read"},
		GrantTypes:              []string{GrantAuthorizationCode, GrantRefreshToken},
		ResponseTypes:           []string{ResponseTypeCode},
		TokenEndpointAuthMethod: AuthMethodNone,
		RequirePKCE:             true,
		RequireHTTPSRedirect:    true,
		IsActive:                true,
	}
}

// seedCode persists a fresh authorization code bound to the client and
// makes sure the subject exists as an active user.
func (f *tokenFixture) seedCode(t *testing.T, client *Client, userID, scope, challenge string) *AuthorizationCode {
	t.Helper()
	if _, ok := f.users.byID[userID]; !ok {
		f.users.byID[userID] = &identity.User{
			ID:       userID,
			Username: userID,
			IsActive: true,
		}
	}
	now := time.Now()
	code := &AuthorizationCode{
		ID:          "code-row-" + userID,
		Code:        "code-value-" + userID + "-" + scope,
		ClientID:    client.ClientID,
		UserID:      userID,
		RedirectURI: client.RedirectURIs[0],
		Scope:       scope,
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}
	if challenge != "" {
		code.CodeChallenge = challenge
		code.CodeChallengeMethod = "S256"
	}
	if err := f.codes.Create(context.Background(), code); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	return code
}
