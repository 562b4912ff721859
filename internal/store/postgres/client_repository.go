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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authgate/authgate/internal/oauth2"
)

// ClientRepository implements oauth2.ClientRepository
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = `id, client_id, client_secret_hash, client_type, client_name,
	client_uri, logo_uri, redirect_uris, allowed_scopes, grant_types, response_types,
	token_endpoint_auth_method, jwks_uri, require_pkce, require_consent,
	strict_redirect_uri_matching, allow_localhost_redirect, require_https_redirect,
	access_token_lifetime, refresh_token_lifetime, code_lifetime, is_active,
	created_at, updated_at`

// Create registers a new OAuth client
func (r *ClientRepository) Create(ctx context.Context, client *oauth2.Client) error {
	redirectURIs, allowedScopes, grantTypes, responseTypes, err := marshalClientLists(client)
	if err != nil {
		return err
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO oauth_clients (
			id, client_id, client_secret_hash, client_type, client_name,
			client_uri, logo_uri, redirect_uris, allowed_scopes, grant_types, response_types,
			token_endpoint_auth_method, jwks_uri, require_pkce, require_consent,
			strict_redirect_uri_matching, allow_localhost_redirect, require_https_redirect,
			access_token_lifetime, refresh_token_lifetime, code_lifetime, is_active,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
	`,
		client.ID, client.ClientID, client.ClientSecretHash, client.ClientType, client.ClientName,
		client.ClientURI, client.LogoURI, redirectURIs, allowedScopes, grantTypes, responseTypes,
		client.TokenEndpointAuthMethod, client.JWKSURI, client.RequirePKCE, client.RequireConsent,
		client.StrictRedirectURIMatching, client.AllowLocalhostRedirect, client.RequireHTTPSRedirect,
		client.AccessTokenLifetime, client.RefreshTokenLifetime, client.CodeLifetime, client.IsActive,
		client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oauth2.ErrClientAlreadyExists
		}
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

// GetByClientID retrieves a client by its external client_id
func (r *ClientRepository) GetByClientID(ctx context.Context, clientID string) (*oauth2.Client, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID)
	return r.scan(row)
}

// GetByID retrieves a client by its internal id
func (r *ClientRepository) GetByID(ctx context.Context, id string) (*oauth2.Client, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1`, id)
	return r.scan(row)
}

// Update persists client changes
func (r *ClientRepository) Update(ctx context.Context, client *oauth2.Client) error {
	redirectURIs, allowedScopes, grantTypes, responseTypes, err := marshalClientLists(client)
	if err != nil {
		return err
	}

	result, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients SET
			client_secret_hash = $2,
			client_name = $3,
			client_uri = $4,
			logo_uri = $5,
			redirect_uris = $6,
			allowed_scopes = $7,
			grant_types = $8,
			response_types = $9,
			jwks_uri = $10,
			require_pkce = $11,
			require_consent = $12,
			strict_redirect_uri_matching = $13,
			allow_localhost_redirect = $14,
			require_https_redirect = $15,
			access_token_lifetime = $16,
			refresh_token_lifetime = $17,
			code_lifetime = $18,
			is_active = $19,
			updated_at = $20
		WHERE id = $1
	`,
		client.ID, client.ClientSecretHash, client.ClientName, client.ClientURI, client.LogoURI,
		redirectURIs, allowedScopes, grantTypes, responseTypes,
		client.JWKSURI, client.RequirePKCE, client.RequireConsent,
		client.StrictRedirectURIMatching, client.AllowLocalhostRedirect, client.RequireHTTPSRedirect,
		client.AccessTokenLifetime, client.RefreshTokenLifetime, client.CodeLifetime, client.IsActive,
		client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrClientNotFound
	}
	return nil
}

// Delete removes a client by internal id
func (r *ClientRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrClientNotFound
	}
	return nil
}

// List retrieves clients with pagination and a total count
func (r *ClientRepository) List(ctx context.Context, limit, offset int) ([]*oauth2.Client, int64, error) {
	var total int64
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM oauth_clients`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count clients: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*oauth2.Client
	for rows.Next() {
		client, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, client)
	}
	return clients, total, rows.Err()
}

func (r *ClientRepository) scan(row pgx.Row) (*oauth2.Client, error) {
	var client oauth2.Client
	var redirectURIs, allowedScopes, grantTypes, responseTypes []byte

	err := row.Scan(
		&client.ID, &client.ClientID, &client.ClientSecretHash, &client.ClientType, &client.ClientName,
		&client.ClientURI, &client.LogoURI, &redirectURIs, &allowedScopes, &grantTypes, &responseTypes,
		&client.TokenEndpointAuthMethod, &client.JWKSURI, &client.RequirePKCE, &client.RequireConsent,
		&client.StrictRedirectURIMatching, &client.AllowLocalhostRedirect, &client.RequireHTTPSRedirect,
		&client.AccessTokenLifetime, &client.RefreshTokenLifetime, &client.CodeLifetime, &client.IsActive,
		&client.CreatedAt, &client.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	for _, col := range []struct {
		raw []byte
		dst *[]string
	}{
		{redirectURIs, &client.RedirectURIs},
		{allowedScopes, &client.AllowedScopes},
		{grantTypes, &client.GrantTypes},
		{responseTypes, &client.ResponseTypes},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode client list column: %w", err)
		}
	}
	return &client, nil
}

func marshalClientLists(client *oauth2.Client) (redirectURIs, allowedScopes, grantTypes, responseTypes []byte, err error) {
	for _, col := range []struct {
		src []string
		dst *[]byte
	}{
		{client.RedirectURIs, &redirectURIs},
		{client.AllowedScopes, &allowedScopes},
		{client.GrantTypes, &grantTypes},
		{client.ResponseTypes, &responseTypes},
	} {
		src := col.src
		if src == nil {
			src = []string{}
		}
		*col.dst, err = json.Marshal(src)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode client list column: %w", err)
		}
	}
	return redirectURIs, allowedScopes, grantTypes, responseTypes, nil
}
