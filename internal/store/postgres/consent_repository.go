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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authgate/authgate/internal/oauth2"
)

// ConsentRepository implements oauth2.ConsentRepository
type ConsentRepository struct {
	db *DB
}

// NewConsentRepository creates a new consent repository
func NewConsentRepository(db *DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// Upsert stores a consent grant, replacing any prior grant for the
// same user and client. Re-granting clears a previous revocation.
func (r *ConsentRepository) Upsert(ctx context.Context, grant *oauth2.ConsentGrant) error {
	scopes, err := json.Marshal(grant.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode consent scopes: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO consent_grants (id, user_id, client_id, scopes, granted_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			scopes = EXCLUDED.scopes,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL
	`, grant.ID, grant.UserID, grant.ClientID, scopes, grant.GrantedAt, grant.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// Get retrieves the consent grant for a user and client
func (r *ConsentRepository) Get(ctx context.Context, userID, clientID string) (*oauth2.ConsentGrant, error) {
	var grant oauth2.ConsentGrant
	var scopes []byte
	var expiresAt, revokedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, user_id, client_id, scopes, granted_at, expires_at, revoked_at
		FROM consent_grants
		WHERE user_id = $1 AND client_id = $2
	`, userID, clientID).Scan(
		&grant.ID, &grant.UserID, &grant.ClientID, &scopes, &grant.GrantedAt, &expiresAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	if err := json.Unmarshal(scopes, &grant.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode consent scopes: %w", err)
	}
	if expiresAt.Valid {
		grant.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		grant.RevokedAt = &revokedAt.Time
	}
	return &grant, nil
}

// Revoke withdraws a consent grant
func (r *ConsentRepository) Revoke(ctx context.Context, userID, clientID string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE consent_grants SET revoked_at = NOW()
		WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL
	`, userID, clientID)
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrConsentNotFound
	}
	return nil
}

// ListForUser retrieves a user's live consent grants
func (r *ConsentRepository) ListForUser(ctx context.Context, userID string) ([]*oauth2.ConsentGrant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, user_id, client_id, scopes, granted_at, expires_at, revoked_at
		FROM consent_grants
		WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY granted_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	var grants []*oauth2.ConsentGrant
	for rows.Next() {
		var grant oauth2.ConsentGrant
		var scopes []byte
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(
			&grant.ID, &grant.UserID, &grant.ClientID, &scopes, &grant.GrantedAt, &expiresAt, &revokedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		if err := json.Unmarshal(scopes, &grant.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode consent scopes: %w", err)
		}
		if expiresAt.Valid {
			grant.ExpiresAt = &expiresAt.Time
		}
		if revokedAt.Valid {
			grant.RevokedAt = &revokedAt.Time
		}
		grants = append(grants, &grant)
	}
	return grants, rows.Err()
}

// DeleteForClient removes every grant for a client, used on client
// deletion.
func (r *ConsentRepository) DeleteForClient(ctx context.Context, clientID string) error {
	_, err := r.db.pool.Exec(ctx, `DELETE FROM consent_grants WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete consents: %w", err)
	}
	return nil
}

// DeleteExpired purges grants past their expiry. Grants without an
// expiry live until revoked.
func (r *ConsentRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM consent_grants WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired consents: %w", err)
	}
	return tag.RowsAffected(), nil
}
