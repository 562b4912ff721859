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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authgate/authgate/internal/audit"
)

// parseTimeParam reads an RFC 3339 timestamp query parameter; the zero
// time means unset.
func parseTimeParam(r *http.Request, name string) time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func auditFilterFromQuery(r *http.Request) audit.Filter {
	limit, offset := parsePage(r)
	return audit.Filter{
		Action:       r.URL.Query().Get("action"),
		ActorType:    r.URL.Query().Get("actor_type"),
		UserID:       r.URL.Query().Get("user_id"),
		ClientID:     r.URL.Query().Get("client_id"),
		ResourceType: r.URL.Query().Get("resource_type"),
		Success:      parseBoolParam(r, "success"),
		From:         parseTimeParam(r, "from"),
		To:           parseTimeParam(r, "to"),
		Limit:        limit,
		Offset:       offset,
	}
}

// ListAuditLogs lists audit events, newest first
// @Summary List audit logs
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param action query string false "Filter by action code"
// @Param actor_type query string false "Filter by actor type"
// @Param user_id query string false "Filter by user"
// @Param client_id query string false "Filter by client"
// @Param success query bool false "Filter by outcome"
// @Param from query string false "Window start (RFC 3339)"
// @Param to query string false "Window end (RFC 3339)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} Envelope{data=[]audit.Record}
// @Router /audit-logs [get]
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	f := auditFilterFromQuery(r)
	records, total, err := h.auditEvents.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit logs")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	respondPage(w, records, total, f.Limit, f.Offset)
}

// GetAuditLog fetches one audit event
// @Summary Get audit log
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param eventID path string true "Event ID"
// @Success 200 {object} Envelope{data=audit.Record}
// @Failure 404 {object} Envelope
// @Router /audit-logs/{eventID} [get]
func (h *Handler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	rec, err := h.auditEvents.GetByID(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "audit event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch audit event")
		return
	}
	respondData(w, http.StatusOK, rec)
}

// AuditStatistics aggregates event counts over a window
// @Summary Audit statistics
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param from query string false "Window start (RFC 3339)"
// @Param to query string false "Window end (RFC 3339)"
// @Success 200 {object} Envelope{data=audit.Statistics}
// @Router /audit-logs/statistics [get]
func (h *Handler) AuditStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.auditEvents.Statistics(r.Context(), audit.Filter{
		From: parseTimeParam(r, "from"),
		To:   parseTimeParam(r, "to"),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to compute statistics")
		return
	}
	respondData(w, http.StatusOK, stats)
}

// SecurityEvents lists security-relevant failures: failed logins,
// lockouts, refresh token reuse, denied access. An explicit action
// filter narrows to one action code.
// @Summary List security events
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param action query string false "Filter by action code"
// @Param from query string false "Window start (RFC 3339)"
// @Param to query string false "Window end (RFC 3339)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} Envelope{data=[]audit.Record}
// @Router /audit-logs/security-events [get]
func (h *Handler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	f := auditFilterFromQuery(r)
	if f.Action == "" {
		failed := false
		f.Success = &failed
	}
	records, total, err := h.auditEvents.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list security events")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	respondPage(w, records, total, f.Limit, f.Offset)
}

type complianceReport struct {
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	GeneratedAt time.Time         `json:"generated_at"`
	Statistics  *audit.Statistics `json:"statistics"`
	Failures    []*audit.Record   `json:"recent_failures"`
}

// ComplianceReport summarizes audit activity over a reporting window:
// aggregate counts plus the most recent failures.
// @Summary Generate compliance report
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param from query string false "Window start (RFC 3339), default 30 days ago"
// @Param to query string false "Window end (RFC 3339), default now"
// @Success 200 {object} Envelope{data=complianceReport}
// @Router /audit-logs/compliance-reports [get]
func (h *Handler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from := parseTimeParam(r, "from")
	if from.IsZero() {
		from = now.AddDate(0, 0, -30)
	}
	to := parseTimeParam(r, "to")
	if to.IsZero() {
		to = now
	}

	stats, err := h.auditEvents.Statistics(r.Context(), audit.Filter{From: from, To: to})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to compute statistics")
		return
	}

	failed := false
	failures, _, err := h.auditEvents.List(r.Context(), audit.Filter{
		Success: &failed,
		From:    from,
		To:      to,
		Limit:   50,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list failures")
		return
	}
	if failures == nil {
		failures = []*audit.Record{}
	}

	respondData(w, http.StatusOK, complianceReport{
		From:        from,
		To:          to,
		GeneratedAt: now,
		Statistics:  stats,
		Failures:    failures,
	})
}
