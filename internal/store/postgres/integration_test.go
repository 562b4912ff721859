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

//go:build integration
// +build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/authgate/authgate/internal/id"
	"github.com/authgate/authgate/internal/oauth2"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	cfg := Config{
		Host:         "localhost",
		Port:         "5432",
		User:         "authgate",
		Password:     "authgate_dev_password",
		Database:     "authgate",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 5,
	}

	db, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx, InitialSchema); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return db
}

// TestPurpose: Validates that the conditional consume of an authorization
// code admits exactly one of many concurrent exchanges at the database level.
// Scope: Database Integration Test
// Security: Authorization Code Replay (CWE-294)
// Expected: Of N concurrent ConsumeIfUnused calls exactly one succeeds;
// the rest observe ErrCodeConsumed.
func TestCodeRepository_ConcurrentConsume(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewCodeRepository(db)

	code := &oauth2.AuthorizationCode{
		ID:          id.NewUUIDv7(),
		Code:        "integration-" + id.NewUUIDv7(),
		ClientID:    "agc_integration",
		UserID:      id.NewUUIDv7(),
		RedirectURI: "https://app.test/callback",
		Scope:       "api:read",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
		CreatedAt:   time.Now(),
	}
	if err := repo.Create(ctx, code); err != nil {
		t.Fatalf("failed to create code: %v", err)
	}
	defer db.pool.Exec(ctx, "DELETE FROM authorization_codes WHERE id = $1", code.ID)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.ConsumeIfUnused(ctx, code.Code)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if err != oauth2.ErrCodeConsumed {
			t.Errorf("unexpected error from losing consumer: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning consume, got %d", wins)
	}
}

// TestPurpose: Validates the recursive chain revocation of rotated refresh
// tokens against a real database.
// Scope: Database Integration Test
// Security: Refresh Token Replay (CWE-294)
// Expected: Revoking any member of a three-link rotation chain revokes all
// three and returns their jtis.
func TestRefreshTokenRepository_RevokeChain(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewRefreshTokenRepository(db)

	userID := id.NewUUIDv7()
	var jtis []string
	parent := ""
	for i := 0; i < 3; i++ {
		jti := id.NewJTI()
		token := &oauth2.RefreshToken{
			ID:        id.NewUUIDv7(),
			TokenHash: "hash-" + jti,
			JTI:       jti,
			UserID:    userID,
			ClientID:  "agc_integration",
			Scope:     "api:read",
			ParentJTI: parent,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		if err := repo.Create(ctx, token); err != nil {
			t.Fatalf("failed to create refresh token %d: %v", i, err)
		}
		jtis = append(jtis, jti)
		parent = jti
	}
	defer db.pool.Exec(ctx, "DELETE FROM refresh_tokens WHERE user_id = $1", userID)

	// Revoke from the middle; the walk must reach both ends.
	revoked, err := repo.RevokeChain(ctx, jtis[1])
	if err != nil {
		t.Fatalf("failed to revoke chain: %v", err)
	}
	if len(revoked) != 3 {
		t.Fatalf("expected 3 revoked jtis, got %d: %v", len(revoked), revoked)
	}
	for _, jti := range jtis {
		row, err := repo.GetByJTI(ctx, jti)
		if err != nil {
			t.Fatalf("failed to get token %s: %v", jti, err)
		}
		if !row.IsRevoked {
			t.Errorf("chain member %s not revoked", jti)
		}
	}
}
