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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authgate/authgate/internal/oauth2"
)

// AccessTokenRepository implements oauth2.AccessTokenRepository
type AccessTokenRepository struct {
	db *DB
}

// NewAccessTokenRepository creates a new access token repository
func NewAccessTokenRepository(db *DB) *AccessTokenRepository {
	return &AccessTokenRepository{db: db}
}

// Create persists an access token record
func (r *AccessTokenRepository) Create(ctx context.Context, token *oauth2.AccessToken) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO access_tokens (
			id, token_hash, jti, user_id, client_id, scope, parent_refresh_jti,
			issued_at, expires_at, is_revoked
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9, $10)
	`,
		token.ID, token.TokenHash, token.JTI, token.UserID, token.ClientID, token.Scope,
		token.ParentRefreshJTI, token.IssuedAt, token.ExpiresAt, token.IsRevoked,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access token: %w", err)
	}
	return nil
}

// GetByHash retrieves an access token by its SHA-256 hash
func (r *AccessTokenRepository) GetByHash(ctx context.Context, hash string) (*oauth2.AccessToken, error) {
	return r.getOne(ctx, "token_hash = $1", hash)
}

// GetByJTI retrieves an access token by jti
func (r *AccessTokenRepository) GetByJTI(ctx context.Context, jti string) (*oauth2.AccessToken, error) {
	return r.getOne(ctx, "jti = $1", jti)
}

func (r *AccessTokenRepository) getOne(ctx context.Context, where string, arg any) (*oauth2.AccessToken, error) {
	var token oauth2.AccessToken
	var userID, parentJTI sql.NullString
	var revokedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, token_hash, jti, user_id, client_id, scope, parent_refresh_jti,
			issued_at, expires_at, is_revoked, revoked_at
		FROM access_tokens WHERE `+where, arg,
	).Scan(
		&token.ID, &token.TokenHash, &token.JTI, &userID, &token.ClientID, &token.Scope,
		&parentJTI, &token.IssuedAt, &token.ExpiresAt, &token.IsRevoked, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	token.UserID = userID.String
	token.ParentRefreshJTI = parentJTI.String
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}

// Revoke marks an access token revoked
func (r *AccessTokenRepository) Revoke(ctx context.Context, jti string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE access_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE jti = $1
	`, jti)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrTokenNotFound
	}
	return nil
}

// RevokeByParentRefresh revokes every live access token descended from
// the given refresh token, returning the affected jtis.
func (r *AccessTokenRepository) RevokeByParentRefresh(ctx context.Context, refreshJTI string) ([]string, error) {
	return r.revokeReturning(ctx, `
		UPDATE access_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE parent_refresh_jti = $1 AND is_revoked = FALSE
		RETURNING jti
	`, refreshJTI)
}

// RevokeIssuedSince revokes the user's live access tokens for a client
// issued at or after the cutoff.
func (r *AccessTokenRepository) RevokeIssuedSince(ctx context.Context, userID, clientID string, cutoff time.Time) ([]string, error) {
	return r.revokeReturning(ctx, `
		UPDATE access_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND client_id = $2 AND issued_at >= $3 AND is_revoked = FALSE
		RETURNING jti
	`, userID, clientID, cutoff)
}

// RevokeAllForUser revokes every live access token issued to a user
func (r *AccessTokenRepository) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	return r.revokeReturning(ctx, `
		UPDATE access_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND is_revoked = FALSE
		RETURNING jti
	`, userID)
}

// RevokeAllForClient revokes every live access token issued to a client
func (r *AccessTokenRepository) RevokeAllForClient(ctx context.Context, clientID string) ([]string, error) {
	return r.revokeReturning(ctx, `
		UPDATE access_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE client_id = $1 AND is_revoked = FALSE
		RETURNING jti
	`, clientID)
}

// DeleteExpired removes expired access token records
func (r *AccessTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM access_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired access tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *AccessTokenRepository) revokeReturning(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	defer rows.Close()
	return collectJTIs(rows)
}

// RefreshTokenRepository implements oauth2.RefreshTokenRepository
type RefreshTokenRepository struct {
	db *DB
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a refresh token record
func (r *RefreshTokenRepository) Create(ctx context.Context, token *oauth2.RefreshToken) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (
			id, token_hash, jti, user_id, client_id, scope, parent_jti,
			issued_at, expires_at, is_revoked
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`,
		token.ID, token.TokenHash, token.JTI, token.UserID, token.ClientID, token.Scope,
		token.ParentJTI, token.IssuedAt, token.ExpiresAt, token.IsRevoked,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// GetByHash retrieves a refresh token by its SHA-256 hash
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*oauth2.RefreshToken, error) {
	return r.getOne(ctx, "token_hash = $1", hash)
}

// GetByJTI retrieves a refresh token by jti
func (r *RefreshTokenRepository) GetByJTI(ctx context.Context, jti string) (*oauth2.RefreshToken, error) {
	return r.getOne(ctx, "jti = $1", jti)
}

func (r *RefreshTokenRepository) getOne(ctx context.Context, where string, arg any) (*oauth2.RefreshToken, error) {
	var token oauth2.RefreshToken
	var parentJTI sql.NullString
	var revokedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, token_hash, jti, user_id, client_id, scope, parent_jti,
			issued_at, expires_at, is_revoked, revoked_at
		FROM refresh_tokens WHERE `+where, arg,
	).Scan(
		&token.ID, &token.TokenHash, &token.JTI, &token.UserID, &token.ClientID, &token.Scope,
		&parentJTI, &token.IssuedAt, &token.ExpiresAt, &token.IsRevoked, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	token.ParentJTI = parentJTI.String
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}

// RevokeIfActive marks the token revoked if and only if it still is
// active. The conditional update is the one-shot rotation point: of
// any number of concurrent rotations exactly one sees a row change.
func (r *RefreshTokenRepository) RevokeIfActive(ctx context.Context, jti string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE jti = $1 AND is_revoked = FALSE
	`, jti)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE jti = $1)`, jti,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check refresh token: %w", err)
		}
		if !exists {
			return oauth2.ErrTokenNotFound
		}
		return oauth2.ErrTokenRevoked
	}
	return nil
}

// Revoke marks a refresh token revoked unconditionally
func (r *RefreshTokenRepository) Revoke(ctx context.Context, jti string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE jti = $1
	`, jti)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrTokenNotFound
	}
	return nil
}

// RevokeChain revokes every token in the rotation chain containing the
// given jti, ancestors and descendants alike, and returns all member
// jtis.
func (r *RefreshTokenRepository) RevokeChain(ctx context.Context, jti string) ([]string, error) {
	// Walk up to the chain root, then down across all descendants.
	rows, err := r.db.pool.Query(ctx, `
		WITH RECURSIVE ancestors AS (
			SELECT jti, parent_jti FROM refresh_tokens WHERE jti = $1
			UNION
			SELECT t.jti, t.parent_jti FROM refresh_tokens t
			JOIN ancestors a ON t.jti = a.parent_jti
		), chain AS (
			SELECT jti FROM ancestors WHERE parent_jti IS NULL
			UNION
			SELECT t.jti FROM refresh_tokens t
			JOIN chain c ON t.parent_jti = c.jti
		)
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE jti IN (SELECT jti FROM chain)
		RETURNING jti
	`, jti)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh chain: %w", err)
	}
	defer rows.Close()
	return collectJTIs(rows)
}

// RevokeAllForUser revokes every live refresh token issued to a user
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	return r.revokeReturning(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND is_revoked = FALSE
		RETURNING jti
	`, userID)
}

// RevokeAllForClient revokes every live refresh token issued to a client
func (r *RefreshTokenRepository) RevokeAllForClient(ctx context.Context, clientID string) ([]string, error) {
	return r.revokeReturning(ctx, `
		UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = NOW()
		WHERE client_id = $1 AND is_revoked = FALSE
		RETURNING jti
	`, clientID)
}

// ListActiveForUser retrieves the user's unrevoked, unexpired refresh
// tokens, newest first.
func (r *RefreshTokenRepository) ListActiveForUser(ctx context.Context, userID string) ([]*oauth2.RefreshToken, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, token_hash, jti, user_id, client_id, scope, parent_jti,
			issued_at, expires_at, is_revoked, revoked_at
		FROM refresh_tokens
		WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > NOW()
		ORDER BY issued_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*oauth2.RefreshToken
	for rows.Next() {
		var token oauth2.RefreshToken
		var parentJTI sql.NullString
		var revokedAt sql.NullTime
		if err := rows.Scan(
			&token.ID, &token.TokenHash, &token.JTI, &token.UserID, &token.ClientID, &token.Scope,
			&parentJTI, &token.IssuedAt, &token.ExpiresAt, &token.IsRevoked, &revokedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan refresh token: %w", err)
		}
		token.ParentJTI = parentJTI.String
		if revokedAt.Valid {
			token.RevokedAt = &revokedAt.Time
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

// DeleteExpired removes expired refresh token records
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *RefreshTokenRepository) revokeReturning(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	defer rows.Close()
	return collectJTIs(rows)
}

func collectJTIs(rows pgx.Rows) ([]string, error) {
	var jtis []string
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return nil, fmt.Errorf("failed to scan jti: %w", err)
		}
		jtis = append(jtis, jti)
	}
	return jtis, rows.Err()
}
