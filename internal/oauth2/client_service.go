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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/id"
)

// ClientService implements the client registry
type ClientService struct {
	clients    ClientRepository
	access     AccessTokenRepository
	refresh    RefreshTokenRepository
	consents   ConsentRepository
	audit      audit.Logger
	bcryptCost int
}

// NewClientService creates a client registry service
func NewClientService(clients ClientRepository, access AccessTokenRepository, refresh RefreshTokenRepository, consents ConsentRepository, auditLogger audit.Logger, bcryptCost int) *ClientService {
	return &ClientService{
		clients:    clients,
		access:     access,
		refresh:    refresh,
		consents:   consents,
		audit:      auditLogger,
		bcryptCost: bcryptCost,
	}
}

// CreateClientInput holds client registration parameters
type CreateClientInput struct {
	ClientName                string
	ClientType                string
	ClientURI                 string
	LogoURI                   string
	RedirectURIs              []string
	AllowedScopes             []string
	GrantTypes                []string
	ResponseTypes             []string
	TokenEndpointAuthMethod   string
	JWKSURI                   string
	RequirePKCE               bool
	RequireConsent            bool
	StrictRedirectURIMatching bool
	AllowLocalhostRedirect    bool
	RequireHTTPSRedirect      bool
	AccessTokenLifetime       int
	RefreshTokenLifetime      int
	CodeLifetime              int
}

// CreatedClient is the registration result. Secret is the plaintext
// client secret, returned exactly once; only its hash is stored.
type CreatedClient struct {
	Client *Client
	Secret string
}

// Create registers a client. Confidential clients with secret-based
// auth get a generated 256-bit secret.
func (s *ClientService) Create(ctx context.Context, actorID string, in CreateClientInput) (*CreatedClient, error) {
	now := time.Now()
	client := &Client{
		ID:                        id.NewUUIDv7(),
		ClientID:                  generateClientID(),
		ClientType:                in.ClientType,
		ClientName:                in.ClientName,
		ClientURI:                 in.ClientURI,
		LogoURI:                   in.LogoURI,
		RedirectURIs:              in.RedirectURIs,
		AllowedScopes:             in.AllowedScopes,
		GrantTypes:                in.GrantTypes,
		ResponseTypes:             in.ResponseTypes,
		TokenEndpointAuthMethod:   in.TokenEndpointAuthMethod,
		JWKSURI:                   in.JWKSURI,
		RequirePKCE:               in.RequirePKCE,
		RequireConsent:            in.RequireConsent,
		StrictRedirectURIMatching: in.StrictRedirectURIMatching,
		AllowLocalhostRedirect:    in.AllowLocalhostRedirect,
		RequireHTTPSRedirect:      in.RequireHTTPSRedirect,
		AccessTokenLifetime:       in.AccessTokenLifetime,
		RefreshTokenLifetime:      in.RefreshTokenLifetime,
		CodeLifetime:              in.CodeLifetime,
		IsActive:                  true,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if client.ClientType == ClientTypePublic {
		client.RequirePKCE = true
		client.TokenEndpointAuthMethod = AuthMethodNone
	}

	var secret string
	if usesSecretAuth(client.TokenEndpointAuthMethod) {
		var err error
		secret, err = generateClientSecret()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := client.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}

	if err := s.clients.Create(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	event := audit.Success(audit.ActionClientCreated)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.ClientID = client.ClientID
	event.ResourceType = "client"
	event.ResourceID = client.ID
	s.audit.Log(ctx, event)

	return &CreatedClient{Client: client, Secret: secret}, nil
}

// Get retrieves a client by internal id.
func (s *ClientService) Get(ctx context.Context, clientID string) (*Client, error) {
	return s.clients.GetByID(ctx, clientID)
}

// GetByClientID retrieves a client by its external client_id.
func (s *ClientService) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	return s.clients.GetByClientID(ctx, clientID)
}

// List retrieves clients with pagination.
func (s *ClientService) List(ctx context.Context, limit, offset int) ([]*Client, int64, error) {
	return s.clients.List(ctx, limit, offset)
}

// UpdateClientInput holds partial client updates; nil means unchanged
type UpdateClientInput struct {
	ClientName             *string
	ClientType             *string
	ClientURI              *string
	LogoURI                *string
	RedirectURIs           []string
	AllowedScopes          []string
	GrantTypes             []string
	ResponseTypes          []string
	JWKSURI                *string
	RequirePKCE            *bool
	RequireConsent         *bool
	AllowLocalhostRedirect *bool
	RequireHTTPSRedirect   *bool
	AccessTokenLifetime    *int
	RefreshTokenLifetime   *int
	CodeLifetime           *int
	IsActive               *bool
	RegenerateSecret       bool
}

// Update applies a partial update. RegenerateSecret issues a new
// secret, returned in plaintext once. Converting the client type
// adjusts the credential posture: a client demoted to public loses its
// secret and gets PKCE enforced; one promoted to confidential gets
// secret-based auth and a fresh secret.
func (s *ClientService) Update(ctx context.Context, actorID, clientID string, in UpdateClientInput) (*CreatedClient, error) {
	client, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	regenerateSecret := in.RegenerateSecret
	if in.ClientType != nil && *in.ClientType != client.ClientType {
		switch *in.ClientType {
		case ClientTypePublic:
			client.ClientType = ClientTypePublic
			client.ClientSecretHash = ""
			client.TokenEndpointAuthMethod = AuthMethodNone
			client.RequirePKCE = true
		case ClientTypeConfidential:
			client.ClientType = ClientTypeConfidential
			client.TokenEndpointAuthMethod = AuthMethodSecretBasic
			regenerateSecret = true
		default:
			return nil, fmt.Errorf("%w: unknown client type %q", ErrInvalidClientConfig, *in.ClientType)
		}
	}

	if in.ClientName != nil {
		client.ClientName = *in.ClientName
	}
	if in.ClientURI != nil {
		client.ClientURI = *in.ClientURI
	}
	if in.LogoURI != nil {
		client.LogoURI = *in.LogoURI
	}
	if in.RedirectURIs != nil {
		client.RedirectURIs = in.RedirectURIs
	}
	if in.AllowedScopes != nil {
		client.AllowedScopes = in.AllowedScopes
	}
	if in.GrantTypes != nil {
		client.GrantTypes = in.GrantTypes
	}
	if in.ResponseTypes != nil {
		client.ResponseTypes = in.ResponseTypes
	}
	if in.JWKSURI != nil {
		client.JWKSURI = *in.JWKSURI
	}
	if in.RequirePKCE != nil && !client.IsPublic() {
		client.RequirePKCE = *in.RequirePKCE
	}
	if in.RequireConsent != nil {
		client.RequireConsent = *in.RequireConsent
	}
	if in.AllowLocalhostRedirect != nil {
		client.AllowLocalhostRedirect = *in.AllowLocalhostRedirect
	}
	if in.RequireHTTPSRedirect != nil {
		client.RequireHTTPSRedirect = *in.RequireHTTPSRedirect
	}
	if in.AccessTokenLifetime != nil {
		client.AccessTokenLifetime = *in.AccessTokenLifetime
	}
	if in.RefreshTokenLifetime != nil {
		client.RefreshTokenLifetime = *in.RefreshTokenLifetime
	}
	if in.CodeLifetime != nil {
		client.CodeLifetime = *in.CodeLifetime
	}
	if in.IsActive != nil {
		client.IsActive = *in.IsActive
	}

	var secret string
	if regenerateSecret {
		if !usesSecretAuth(client.TokenEndpointAuthMethod) {
			return nil, fmt.Errorf("%w: client auth method %s has no secret", ErrInvalidClientConfig, client.TokenEndpointAuthMethod)
		}
		secret, err = generateClientSecret()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := client.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	client.UpdatedAt = time.Now()
	if err := s.clients.Update(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}

	action := audit.ActionClientUpdated
	if in.RegenerateSecret {
		action = audit.ActionSecretRotated
	}
	event := audit.Success(action)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.ClientID = client.ClientID
	event.ResourceType = "client"
	event.ResourceID = client.ID
	s.audit.Log(ctx, event)

	return &CreatedClient{Client: client, Secret: secret}, nil
}

// Delete revokes everything the client issued and removes the record.
func (s *ClientService) Delete(ctx context.Context, actorID, clientID string) error {
	client, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return err
	}

	if _, err := s.access.RevokeAllForClient(ctx, client.ClientID); err != nil {
		return fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	if _, err := s.refresh.RevokeAllForClient(ctx, client.ClientID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	if err := s.consents.DeleteForClient(ctx, client.ClientID); err != nil && !errors.Is(err, ErrConsentNotFound) {
		return fmt.Errorf("failed to delete consents: %w", err)
	}
	if err := s.clients.Delete(ctx, client.ID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	event := audit.Success(audit.ActionClientDeleted)
	event.ActorType = audit.ActorUser
	event.ActorID = actorID
	event.ClientID = client.ClientID
	event.ResourceType = "client"
	event.ResourceID = client.ID
	s.audit.Log(ctx, event)
	return nil
}

func usesSecretAuth(method string) bool {
	return method == AuthMethodSecretBasic || method == AuthMethodSecretPost
}

// generateClientID produces an external client identifier.
func generateClientID() string {
	return "agc_" + id.NewUUIDv7()
}

// generateClientSecret produces a 256-bit URL-safe secret.
func generateClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
