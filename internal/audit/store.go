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

import (
	"context"
	"log/slog"
	"time"

	"github.com/authgate/authgate/internal/id"
)

// StoreLogger persists events through an EventRepository and mirrors
// them to slog. A failed store write must never fail the caller's
// request; it is reported at Error level instead.
type StoreLogger struct {
	repo EventRepository
	slog *SlogLogger
}

// NewStoreLogger creates a durable audit logger backed by repo.
func NewStoreLogger(repo EventRepository) *StoreLogger {
	return &StoreLogger{
		repo: repo,
		slog: NewSlogLogger(),
	}
}

// Log appends the event to the store and mirrors it to slog.
func (l *StoreLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ActorType == "" {
		event.ActorType = ActorUnknown
	}
	applyRequestInfo(ctx, &event)

	l.slog.Log(ctx, event)

	rec := &Record{
		ID:           id.NewUUIDv7(),
		Timestamp:    event.Timestamp,
		Action:       event.Action,
		ActorType:    event.ActorType,
		ActorID:      event.ActorID,
		ResourceType: event.ResourceType,
		Success:      event.Success,
		ErrorMessage: event.ErrorMessage,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Metadata:     event.Metadata,
	}
	if event.UserID != "" {
		uid := event.UserID
		rec.UserID = &uid
	}
	if event.ClientID != "" {
		cid := event.ClientID
		rec.ClientID = &cid
	}
	if event.ResourceID != "" {
		rid := event.ResourceID
		rec.ResourceID = &rid
	}

	// The append must not inherit a cancelled request context; the
	// event describes work that already happened.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.repo.Append(writeCtx, rec); err != nil {
		slog.ErrorContext(ctx, "audit write failed",
			slog.String("component", "audit"),
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
	}
}

// Success returns a success event skeleton for the given action.
func Success(action string) Event {
	return Event{Action: action, Success: true}
}

// Failure returns a failure event for the given action and error.
func Failure(action string, err error) Event {
	e := Event{Action: action, Success: false}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}
