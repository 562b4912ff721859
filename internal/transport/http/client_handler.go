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
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/authgate/authgate/internal/oauth2"
)

// clientResponse pairs a client with its plaintext secret. The secret
// appears only on create and on secret regeneration.
type clientResponse struct {
	Client       *oauth2.Client `json:"client"`
	ClientSecret string         `json:"client_secret,omitempty"`
}

// ListClients lists registered OAuth clients
// @Summary List clients
// @Tags Clients
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} Envelope{data=[]oauth2.Client}
// @Router /clients [get]
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	clients, total, err := h.clients.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list clients")
		return
	}
	if clients == nil {
		clients = []*oauth2.Client{}
	}
	respondPage(w, clients, total, limit, offset)
}

// GetClient fetches one client
// @Summary Get client
// @Tags Clients
// @Produce json
// @Security BearerAuth
// @Param clientID path string true "Client ID"
// @Success 200 {object} Envelope{data=oauth2.Client}
// @Failure 404 {object} Envelope
// @Router /clients/{clientID} [get]
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.clients.Get(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, oauth2.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch client")
		return
	}
	respondData(w, http.StatusOK, client)
}

type createClientRequest struct {
	ClientName                string   `json:"client_name"`
	ClientType                string   `json:"client_type"`
	ClientURI                 string   `json:"client_uri,omitempty"`
	LogoURI                   string   `json:"logo_uri,omitempty"`
	RedirectURIs              []string `json:"redirect_uris"`
	AllowedScopes             []string `json:"allowed_scopes"`
	GrantTypes                []string `json:"grant_types"`
	ResponseTypes             []string `json:"response_types"`
	TokenEndpointAuthMethod   string   `json:"token_endpoint_auth_method"`
	JWKSURI                   string   `json:"jwks_uri,omitempty"`
	RequirePKCE               bool     `json:"require_pkce"`
	RequireConsent            bool     `json:"require_consent"`
	StrictRedirectURIMatching bool     `json:"strict_redirect_uri_matching"`
	AllowLocalhostRedirect    bool     `json:"allow_localhost_redirect"`
	RequireHTTPSRedirect      bool     `json:"require_https_redirect"`
	AccessTokenLifetime       int      `json:"access_token_lifetime,omitempty"`
	RefreshTokenLifetime      int      `json:"refresh_token_lifetime,omitempty"`
	CodeLifetime              int      `json:"code_lifetime,omitempty"`
}

// CreateClient registers an OAuth client. The response carries the
// plaintext secret; it cannot be retrieved again.
// @Summary Create client
// @Tags Clients
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createClientRequest true "Client registration"
// @Success 201 {object} Envelope{data=clientResponse}
// @Failure 400 {object} Envelope
// @Router /clients [post]
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := h.clients.Create(r.Context(), GetUserID(r.Context()), oauth2.CreateClientInput{
		ClientName:                req.ClientName,
		ClientType:                req.ClientType,
		ClientURI:                 req.ClientURI,
		LogoURI:                   req.LogoURI,
		RedirectURIs:              req.RedirectURIs,
		AllowedScopes:             req.AllowedScopes,
		GrantTypes:                req.GrantTypes,
		ResponseTypes:             req.ResponseTypes,
		TokenEndpointAuthMethod:   req.TokenEndpointAuthMethod,
		JWKSURI:                   req.JWKSURI,
		RequirePKCE:               req.RequirePKCE,
		RequireConsent:            req.RequireConsent,
		StrictRedirectURIMatching: req.StrictRedirectURIMatching,
		AllowLocalhostRedirect:    req.AllowLocalhostRedirect,
		RequireHTTPSRedirect:      req.RequireHTTPSRedirect,
		AccessTokenLifetime:       req.AccessTokenLifetime,
		RefreshTokenLifetime:      req.RefreshTokenLifetime,
		CodeLifetime:              req.CodeLifetime,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	respondData(w, http.StatusCreated, clientResponse{
		Client:       created.Client,
		ClientSecret: created.Secret,
	})
}

type updateClientRequest struct {
	ClientName             *string  `json:"client_name,omitempty"`
	ClientType             *string  `json:"client_type,omitempty"`
	ClientURI              *string  `json:"client_uri,omitempty"`
	LogoURI                *string  `json:"logo_uri,omitempty"`
	RedirectURIs           []string `json:"redirect_uris,omitempty"`
	AllowedScopes          []string `json:"allowed_scopes,omitempty"`
	GrantTypes             []string `json:"grant_types,omitempty"`
	ResponseTypes          []string `json:"response_types,omitempty"`
	JWKSURI                *string  `json:"jwks_uri,omitempty"`
	RequirePKCE            *bool    `json:"require_pkce,omitempty"`
	RequireConsent         *bool    `json:"require_consent,omitempty"`
	AllowLocalhostRedirect *bool    `json:"allow_localhost_redirect,omitempty"`
	RequireHTTPSRedirect   *bool    `json:"require_https_redirect,omitempty"`
	AccessTokenLifetime    *int     `json:"access_token_lifetime,omitempty"`
	RefreshTokenLifetime   *int     `json:"refresh_token_lifetime,omitempty"`
	CodeLifetime           *int     `json:"code_lifetime,omitempty"`
	IsActive               *bool    `json:"is_active,omitempty"`
	RegenerateSecret       bool     `json:"regenerate_secret,omitempty"`
}

// UpdateClient applies a partial update. With regenerate_secret the
// response carries the new plaintext secret once.
// @Summary Update client
// @Tags Clients
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param clientID path string true "Client ID"
// @Param request body updateClientRequest true "Fields to update"
// @Success 200 {object} Envelope{data=clientResponse}
// @Failure 404 {object} Envelope
// @Router /clients/{clientID} [put]
func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var req updateClientRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.clients.Update(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "clientID"), oauth2.UpdateClientInput{
		ClientName:             req.ClientName,
		ClientType:             req.ClientType,
		ClientURI:              req.ClientURI,
		LogoURI:                req.LogoURI,
		RedirectURIs:           req.RedirectURIs,
		AllowedScopes:          req.AllowedScopes,
		GrantTypes:             req.GrantTypes,
		ResponseTypes:          req.ResponseTypes,
		JWKSURI:                req.JWKSURI,
		RequirePKCE:            req.RequirePKCE,
		RequireConsent:         req.RequireConsent,
		AllowLocalhostRedirect: req.AllowLocalhostRedirect,
		RequireHTTPSRedirect:   req.RequireHTTPSRedirect,
		AccessTokenLifetime:    req.AccessTokenLifetime,
		RefreshTokenLifetime:   req.RefreshTokenLifetime,
		CodeLifetime:           req.CodeLifetime,
		IsActive:               req.IsActive,
		RegenerateSecret:       req.RegenerateSecret,
	})
	if err != nil {
		if errors.Is(err, oauth2.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, clientResponse{
		Client:       updated.Client,
		ClientSecret: updated.Secret,
	})
}

// DeleteClient removes a client registration
// @Summary Delete client
// @Tags Clients
// @Produce json
// @Security BearerAuth
// @Param clientID path string true "Client ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} Envelope
// @Router /clients/{clientID} [delete]
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := h.clients.Delete(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "clientID")); err != nil {
		if errors.Is(err, oauth2.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to delete client")
		return
	}
	respondMessage(w, http.StatusOK, "client deleted")
}
