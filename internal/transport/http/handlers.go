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

// @title AuthGate API
// @version 1.0.0
// @description OAuth 2.0 / OpenID Connect Authorization Server

// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0

// @host localhost:8080
// @BasePath /api/v2

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/authz"
	"github.com/authgate/authgate/internal/crypto"
	"github.com/authgate/authgate/internal/identity"
	"github.com/authgate/authgate/internal/oauth2"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	identity      *identity.Service
	clients       *oauth2.ClientService
	authorize     *oauth2.AuthorizeService
	tokens        *oauth2.TokenService
	authenticator *oauth2.Authenticator
	authz         *authz.Service
	keys          *crypto.KeyService
	auditEvents   audit.EventRepository
	auditLogger   audit.Logger

	issuer     string
	loginURL   string
	consentURL string
}

// HandlerConfig wires the services and surface URLs into the handler
type HandlerConfig struct {
	Identity      *identity.Service
	Clients       *oauth2.ClientService
	Authorize     *oauth2.AuthorizeService
	Tokens        *oauth2.TokenService
	Authenticator *oauth2.Authenticator
	Authz         *authz.Service
	Keys          *crypto.KeyService
	AuditEvents   audit.EventRepository
	AuditLogger   audit.Logger
	Issuer        string
	LoginURL      string
	ConsentURL    string
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		identity:      cfg.Identity,
		clients:       cfg.Clients,
		authorize:     cfg.Authorize,
		tokens:        cfg.Tokens,
		authenticator: cfg.Authenticator,
		authz:         cfg.Authz,
		keys:          cfg.Keys,
		auditEvents:   cfg.AuditEvents,
		auditLogger:   cfg.AuditLogger,
		issuer:        cfg.Issuer,
		loginURL:      cfg.LoginURL,
		consentURL:    cfg.ConsentURL,
	}
}

// RouterConfig holds router-level middleware settings
type RouterConfig struct {
	RateLimiter    *RateLimiter
	AllowedOrigins []string
	CORSMaxAge     int
	RequestTimeout time.Duration
}

// NewRouter creates the HTTP router
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Use(middleware.RequestID)
	r.Use(RequestInfoMiddleware)
	if cfg.RateLimiter != nil {
		r.Use(RateLimitMiddleware(cfg.RateLimiter))
	}
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         cfg.CORSMaxAge,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	// Discovery surface (public)
	r.Get("/.well-known/jwks.json", h.JWKS)
	r.Get("/.well-known/openid-configuration", h.Discovery)

	r.Route("/api/v2", func(r chi.Router) {
		// OAuth protocol endpoints (RFC 6749/7009/7662)
		r.Route("/oauth", func(r chi.Router) {
			r.With(h.OptionalAuthMiddleware).Get("/authorize", h.Authorize)
			r.Post("/token", h.Token)
			r.Post("/introspect", h.Introspect)
			r.Post("/revoke", h.Revoke)

			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware, RequireUser, h.RequireScope(oauth2.ScopeOpenID))
				r.Get("/userinfo", h.UserInfo)
				r.Post("/userinfo", h.UserInfo)
			})
		})

		// First-party authentication
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		// User-scoped endpoints
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware, RequireUser)

			r.Post("/auth/logout", h.Logout)
			r.Get("/auth/me", h.Me)
			r.Post("/auth/change-password", h.ChangePassword)

			r.Route("/account", func(r chi.Router) {
				r.Get("/sessions", h.ListSessions)
				r.Delete("/sessions/{sessionID}", h.RevokeSession)
				r.Get("/consents", h.ListConsents)
				r.Post("/consents", h.GrantConsent)
				r.Delete("/consents/{clientID}", h.RevokeConsent)
			})
		})

		// Admin endpoints (fail closed on permissions)
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/users", func(r chi.Router) {
				r.With(h.RequirePermission(authz.PermUsersRead)).Get("/", h.ListUsers)
				r.With(h.RequirePermission(authz.PermUsersRead)).Get("/{userID}", h.GetUser)
				r.Group(func(r chi.Router) {
					r.Use(h.RequirePermission(authz.PermUsersWrite))
					r.Post("/", h.CreateUser)
					r.Put("/{userID}", h.UpdateUser)
					r.Delete("/{userID}", h.DeleteUser)
					r.Post("/{userID}/activate", h.ActivateUser)
					r.Post("/{userID}/deactivate", h.DeactivateUser)
					r.Post("/{userID}/lock", h.LockUser)
					r.Post("/{userID}/unlock", h.UnlockUser)
					r.Post("/{userID}/roles", h.AssignRole)
					r.Delete("/{userID}/roles/{roleID}", h.RevokeRole)
					r.Post("/{userID}/permissions", h.GrantPermission)
					r.Delete("/{userID}/permissions/{permissionID}", h.RevokePermission)
				})
				r.With(h.RequirePermission(authz.PermUsersRead)).Get("/{userID}/roles", h.ListUserRoles)
			})

			r.Route("/clients", func(r chi.Router) {
				r.With(h.RequirePermission(authz.PermClientsRead)).Get("/", h.ListClients)
				r.With(h.RequirePermission(authz.PermClientsRead)).Get("/{clientID}", h.GetClient)
				r.Group(func(r chi.Router) {
					r.Use(h.RequirePermission(authz.PermClientsWrite))
					r.Post("/", h.CreateClient)
					r.Put("/{clientID}", h.UpdateClient)
					r.Delete("/{clientID}", h.DeleteClient)
				})
			})

			r.Route("/roles", func(r chi.Router) {
				r.With(h.RequirePermission(authz.PermRolesRead)).Get("/", h.ListRoles)
				r.With(h.RequirePermission(authz.PermRolesRead)).Get("/{roleID}", h.GetRole)
				r.Group(func(r chi.Router) {
					r.Use(h.RequirePermission(authz.PermRolesWrite))
					r.Post("/", h.CreateRole)
					r.Put("/{roleID}", h.UpdateRole)
					r.Delete("/{roleID}", h.DeleteRole)
					r.Post("/{roleID}/permissions", h.AttachRolePermission)
					r.Delete("/{roleID}/permissions/{permissionID}", h.DetachRolePermission)
				})
			})

			r.Route("/permissions", func(r chi.Router) {
				r.With(h.RequirePermission(authz.PermRolesRead)).Get("/", h.ListPermissions)
				r.Group(func(r chi.Router) {
					r.Use(h.RequirePermission(authz.PermRolesWrite))
					r.Post("/", h.CreatePermission)
					r.Put("/{permissionID}", h.UpdatePermission)
					r.Delete("/{permissionID}", h.DeletePermission)
				})
			})

			r.Route("/scopes", func(r chi.Router) {
				r.With(h.RequirePermission(authz.PermScopesRead)).Get("/", h.ListScopes)
				r.Group(func(r chi.Router) {
					r.Use(h.RequirePermission(authz.PermScopesWrite))
					r.Post("/", h.CreateScope)
					r.Put("/{name}", h.UpdateScope)
					r.Delete("/{name}", h.DeleteScope)
				})
			})

			r.Route("/audit-logs", func(r chi.Router) {
				r.Use(h.RequirePermission(authz.PermAuditRead))
				r.Get("/", h.ListAuditLogs)
				r.Get("/statistics", h.AuditStatistics)
				r.Get("/security-events", h.SecurityEvents)
				r.Get("/compliance-reports", h.ComplianceReport)
				r.Get("/{eventID}", h.GetAuditLog)
			})

			r.Route("/system/backups", func(r chi.Router) {
				r.Use(h.RequirePermission(authz.PermSystemAdmin))
				r.Get("/", h.ListBackups)
				r.Post("/", h.CreateBackup)
				r.Post("/{backupID}/restore", h.RestoreBackup)
			})
		})
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "authgate",
	})
}
