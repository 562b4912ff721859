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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authgate/authgate/internal/oauth2"
)

// CodeRepository implements oauth2.AuthorizationCodeRepository
type CodeRepository struct {
	db *DB
}

// NewCodeRepository creates a new authorization code repository
func NewCodeRepository(db *DB) *CodeRepository {
	return &CodeRepository{db: db}
}

// Create persists an authorization code
func (r *CodeRepository) Create(ctx context.Context, code *oauth2.AuthorizationCode) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO authorization_codes (
			id, code, client_id, user_id, redirect_uri, scope, nonce,
			code_challenge, code_challenge_method, expires_at, is_used, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		code.ID, code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope, code.Nonce,
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt, code.IsUsed, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert authorization code: %w", err)
	}
	return nil
}

// GetByCode retrieves an authorization code by its value
func (r *CodeRepository) GetByCode(ctx context.Context, codeValue string) (*oauth2.AuthorizationCode, error) {
	var code oauth2.AuthorizationCode
	var usedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, code, client_id, user_id, redirect_uri, scope, nonce,
			code_challenge, code_challenge_method, expires_at, is_used, used_at, created_at
		FROM authorization_codes
		WHERE code = $1
	`, codeValue).Scan(
		&code.ID, &code.Code, &code.ClientID, &code.UserID, &code.RedirectURI, &code.Scope, &code.Nonce,
		&code.CodeChallenge, &code.CodeChallengeMethod, &code.ExpiresAt, &code.IsUsed, &usedAt, &code.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if usedAt.Valid {
		code.UsedAt = &usedAt.Time
	}
	return &code, nil
}

// ConsumeIfUnused marks the code used if and only if it still is not.
// The conditional update is the single-use linearization point: of any
// number of concurrent consumers exactly one sees a row change.
func (r *CodeRepository) ConsumeIfUnused(ctx context.Context, codeValue string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE authorization_codes
		SET is_used = TRUE, used_at = NOW()
		WHERE code = $1 AND is_used = FALSE
	`, codeValue)
	if err != nil {
		return fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM authorization_codes WHERE code = $1)`, codeValue,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check authorization code: %w", err)
		}
		if !exists {
			return oauth2.ErrCodeNotFound
		}
		return oauth2.ErrCodeConsumed
	}
	return nil
}

// DeleteForUser removes every code issued to a user
func (r *CodeRepository) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM authorization_codes WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete codes for user: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes expired authorization codes
func (r *CodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return result.RowsAffected(), nil
}
