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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/observability/logger"
)

// RequestInfoMiddleware stamps the caller's IP address and user agent
// onto the request context so every audit event emitted while handling
// the request records where it came from.
func RequestInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestInfo(r.Context(), audit.RequestInfo{
			IPAddress: getClientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with structured logging
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			slog.InfoContext(r.Context(), "http request",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(getClientIP(r)),
				logger.UserAgent(r.UserAgent()),
				logger.StatusCode(ww.Status()),
				logger.Duration(time.Since(start).Milliseconds()),
			)
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// AuthMiddleware requires a valid bearer access token and installs the
// auth context. Signature, blacklist and revocation state are all
// checked on every request.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenValue := bearerToken(r)
		if tokenValue == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authgate"`)
			respondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		claims, err := h.tokens.VerifyAccess(r.Context(), tokenValue)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authgate", error="invalid_token"`)
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		auth := authContext{
			ClientID:    claims.ClientID,
			Scope:       claims.Scope,
			Permissions: claims.Permissions,
			JTI:         claims.ID,
		}
		// client_credentials tokens carry the client as subject; only a
		// user-bound subject populates the user id.
		if claims.Subject != claims.ClientID {
			auth.UserID = claims.Subject
		}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), auth)))
	})
}

// OptionalAuthMiddleware installs the auth context when a valid bearer
// token is present and passes the request through anonymously
// otherwise. Used by the authorize endpoint, which answers a missing
// session with a login redirect rather than 401.
func (h *Handler) OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenValue := bearerToken(r)
		if tokenValue == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := h.tokens.VerifyAccess(r.Context(), tokenValue)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		auth := authContext{
			ClientID:    claims.ClientID,
			Scope:       claims.Scope,
			Permissions: claims.Permissions,
			JTI:         claims.ID,
		}
		if claims.Subject != claims.ClientID {
			auth.UserID = claims.Subject
		}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), auth)))
	})
}

// RequirePermission rejects requests whose token's frozen permission
// claim does not cover the requirement. The claim is authoritative for
// the token's lifetime; no database lookup happens here.
func (h *Handler) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h.authz.Authorize(r.Context(), GetPermissions(r.Context()), permission); err != nil {
				respondError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope rejects requests whose token was not granted the scope.
func (h *Handler) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasScope(GetScope(r.Context()), scope) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="authgate", error="insufficient_scope"`)
				respondError(w, http.StatusForbidden, "forbidden", "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects tokens without a user subject (i.e. tokens from
// the client_credentials grant) on user-scoped endpoints.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) == "" {
			respondError(w, http.StatusForbidden, "forbidden", "user token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
