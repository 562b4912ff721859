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

package audit

import "context"

// RequestInfo carries the caller-facing request attributes that every
// event emitted while handling that request should record. It travels
// on the context so services deep in the call chain never have to
// thread HTTP details through their signatures.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo returns a context carrying info.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext extracts the request attributes, if any.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// applyRequestInfo fills the event's IP address and user agent from the
// context unless the emitter set them explicitly.
func applyRequestInfo(ctx context.Context, event *Event) {
	if event.IPAddress != "" && event.UserAgent != "" {
		return
	}
	info, ok := RequestInfoFromContext(ctx)
	if !ok {
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = info.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = info.UserAgent
	}
}
