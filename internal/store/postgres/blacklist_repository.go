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
	"fmt"

	"github.com/authgate/authgate/internal/oauth2"
)

// BlacklistRepository implements oauth2.BlacklistRepository
type BlacklistRepository struct {
	db *DB
}

// NewBlacklistRepository creates a new token blacklist repository
func NewBlacklistRepository(db *DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// Add blacklists a jti. Re-adding an existing jti is a no-op.
func (r *BlacklistRepository) Add(ctx context.Context, entry *oauth2.BlacklistEntry) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO token_blacklist (jti, token_type, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jti) DO NOTHING
	`, entry.JTI, entry.TokenType, entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// Contains reports whether a jti is blacklisted
func (r *BlacklistRepository) Contains(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE jti = $1)`, jti,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return exists, nil
}

// DeleteExpired removes entries whose tokens have expired anyway
func (r *BlacklistRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean blacklist: %w", err)
	}
	return result.RowsAffected(), nil
}
