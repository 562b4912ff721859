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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authgate/authgate/internal/oauth2"
)

// The admin API and the OAuth protocol endpoints use different error
// envelopes. OAuth endpoints speak RFC 6749 {error, error_description};
// everything else wraps responses in {success, data | error}.

// Envelope is the admin API response wrapper
type Envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      *APIError   `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// APIError is the admin API error body
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Pagination describes a paged listing
type Pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, Envelope{Success: true, Data: data})
}

func respondPage(w http.ResponseWriter, data any, total int64, limit, offset int) {
	respondJSON(w, http.StatusOK, Envelope{
		Success:    true,
		Data:       data,
		Pagination: &Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, Envelope{Success: true, Message: message})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, Envelope{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}

// respondOAuthError serializes a protocol error. invalid_client gets
// 401 with a WWW-Authenticate challenge per RFC 6749 §5.2.
func respondOAuthError(w http.ResponseWriter, err error) {
	if perr, ok := err.(*oauth2.Error); ok {
		status := http.StatusBadRequest
		switch perr.Code {
		case oauth2.ErrInvalidClient:
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Basic realm="authgate"`)
		case oauth2.ErrServerError:
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, perr)
		return
	}
	respondJSON(w, http.StatusInternalServerError,
		oauth2.NewError(oauth2.ErrServerError, "internal server error"))
}

// getClientIP extracts the originating client address, honoring
// X-Forwarded-For set by the reverse proxy.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}
