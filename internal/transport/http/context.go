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

import "context"

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const (
	userIDKey      contextKey = "user_id"
	clientIDKey    contextKey = "client_id"
	scopeKey       contextKey = "scope"
	permissionsKey contextKey = "permissions"
	tokenJTIKey    contextKey = "token_jti"
)

// authContext is the verified bearer-token identity attached to a
// request. UserID is empty for client_credentials tokens.
type authContext struct {
	UserID      string
	ClientID    string
	Scope       string
	Permissions []string
	JTI         string
}

func withAuth(ctx context.Context, auth authContext) context.Context {
	ctx = context.WithValue(ctx, userIDKey, auth.UserID)
	ctx = context.WithValue(ctx, clientIDKey, auth.ClientID)
	ctx = context.WithValue(ctx, scopeKey, auth.Scope)
	ctx = context.WithValue(ctx, permissionsKey, auth.Permissions)
	return context.WithValue(ctx, tokenJTIKey, auth.JTI)
}

// GetUserID retrieves the authenticated user id from context
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// GetClientID retrieves the token's client id from context
func GetClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// GetScope retrieves the token's granted scope from context
func GetScope(ctx context.Context) string {
	if v, ok := ctx.Value(scopeKey).(string); ok {
		return v
	}
	return ""
}

// GetPermissions retrieves the token's frozen permission claim
func GetPermissions(ctx context.Context) []string {
	if v, ok := ctx.Value(permissionsKey).([]string); ok {
		return v
	}
	return nil
}

// GetTokenJTI retrieves the bearer token's jti from context
func GetTokenJTI(ctx context.Context) string {
	if v, ok := ctx.Value(tokenJTIKey).(string); ok {
		return v
	}
	return ""
}
