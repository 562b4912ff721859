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

// Package id generates entity identifiers.
package id

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUID suitable for primary keys.
func NewUUIDv7() string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source fails; fall back to v4
		// which panics on the same condition.
		return uuid.NewString()
	}
	return u.String()
}

// NewJTI returns a random 128-bit JWT identifier.
func NewJTI() string {
	return uuid.NewString()
}
